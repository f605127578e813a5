package env

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Process configuration comes from the environment, optionally seeded from a
// .env file. Every read re-checks the file's mtime and re-applies it when it
// changed, so operator edits take effect without a restart.

var (
	mu      sync.Mutex
	path    string
	lastMod time.Time
)

// Load points the package at an env file and applies it. A missing file is
// only an error when the operator named it explicitly.
func Load(p string, explicit bool) error {
	mu.Lock()
	defer mu.Unlock()
	path = p
	lastMod = time.Time{}
	return reloadLocked(explicit)
}

func reloadLocked(mustExist bool) error {
	info, err := os.Stat(path)
	if err != nil {
		if mustExist {
			return err
		}
		return nil
	}
	if info.ModTime().Equal(lastMod) {
		return nil
	}
	if err := godotenv.Overload(path); err != nil {
		return err
	}
	lastMod = info.ModTime()
	return nil
}

func refresh() {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		return
	}
	_ = reloadLocked(false)
}

// Lookup reports the value and presence of key, re-reading the env file
// first when it changed on disk.
func Lookup(key string) (string, bool) {
	refresh()
	return os.LookupEnv(key)
}

func Get(key string) string {
	v, _ := Lookup(key)
	return v
}

// GetDefault returns def when key is unset or empty.
func GetDefault(key, def string) string {
	if v, ok := Lookup(key); ok && v != "" {
		return v
	}
	return def
}

// GetInt returns def when key is unset, not an integer, or not positive.
func GetInt(key string, def int) int {
	v, ok := Lookup(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func Contains(key string) bool {
	_, ok := Lookup(key)
	return ok
}
