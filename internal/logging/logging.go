package logging

import (
	"io"
	"log"
	"os"
	"sync/atomic"
)

// Verbosity levels. Info-level lines go through plain log.Printf at the call
// site; Debugf/Tracef gate on the level configured at startup.
const (
	LevelInfo = iota
	LevelDebug
	LevelTrace
)

var level atomic.Int32

// Setup configures the standard logger: microsecond timestamps and a tee to
// an append-only log file alongside stdout. An unopenable log file degrades
// to stdout-only with a warning.
func Setup(verbosity int, logFile string) {
	level.Store(int32(verbosity))
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	if logFile == "" {
		log.SetOutput(os.Stdout)
		return
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.SetOutput(os.Stdout)
		log.Printf("[Logging] cannot open %s: %v, logging to stdout only", logFile, err)
		return
	}
	log.SetOutput(io.MultiWriter(os.Stdout, f))
}

// Verbosity returns the level set by Setup.
func Verbosity() int {
	return int(level.Load())
}

// Debugf logs when started with -v or higher.
func Debugf(format string, args ...any) {
	if level.Load() >= LevelDebug {
		log.Printf(format, args...)
	}
}

// Tracef logs when started with -vv or higher.
func Tracef(format string, args ...any) {
	if level.Load() >= LevelTrace {
		log.Printf(format, args...)
	}
}
