package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/rs/cors"

	"github.com/hoshinobot/booru-sync/internal/booru"
	"github.com/hoshinobot/booru-sync/internal/env"
	"github.com/hoshinobot/booru-sync/internal/handlers"
	"github.com/hoshinobot/booru-sync/internal/logging"
	"github.com/hoshinobot/booru-sync/internal/middleware"
	"github.com/hoshinobot/booru-sync/internal/ratelimit"
	"github.com/hoshinobot/booru-sync/internal/store"
	"github.com/hoshinobot/booru-sync/internal/tasks"
)

func main() {
	if err := run(os.Args[1:], defaultDeps()); err != nil {
		log.Fatal(err)
	}
}

// countFlag counts repetitions: -v is debug, -v -v is trace.
type countFlag int

func (c *countFlag) String() string   { return strconv.Itoa(int(*c)) }
func (c *countFlag) Set(string) error { *c++; return nil }
func (c *countFlag) IsBoolFlag() bool { return true }

type options struct {
	verbosity int
	envFile   string
	envSet    bool
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("booru-sync", flag.ContinueOnError)
	var o options
	var v countFlag
	fs.Var(&v, "v", "increase log verbosity (repeatable)")
	fs.Var(&v, "verbose", "increase log verbosity (repeatable)")
	fs.StringVar(&o.envFile, "env", ".env", "path to an env file")
	fs.StringVar(&o.envFile, "e", ".env", "shorthand for -env")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "env" || f.Name == "e" {
			o.envSet = true
		}
	})
	o.verbosity = int(v)
	return o, nil
}

// upstream is the slice of the API client run wires into tasks and the
// status handler.
type upstream interface {
	tasks.Fetcher
	Profile() booru.Profile
}

type deps struct {
	loadEnv        func(path string, explicit bool) error
	getenv         func(string) string
	migrateUp      func(databaseURL string) error
	openStore      func(ctx context.Context) (*store.Store, error)
	newClient      func(ctx context.Context, cfg booru.Config) (upstream, error)
	listenAndServe func(*http.Server) error
	notify         func(c chan<- os.Signal, sig ...os.Signal)
	stopCh         chan os.Signal
}

func defaultDeps() deps {
	return deps{
		loadEnv:   env.Load,
		getenv:    env.Get,
		migrateUp: migrateUp,
		openStore: store.Open,
		newClient: func(ctx context.Context, cfg booru.Config) (upstream, error) {
			return booru.New(ctx, cfg)
		},
		listenAndServe: func(s *http.Server) error { return s.ListenAndServe() },
		notify:         signal.Notify,
		stopCh:         make(chan os.Signal, 1),
	}
}

func run(args []string, d deps) error {
	o, err := parseArgs(args)
	if err != nil {
		return err
	}
	if d.loadEnv != nil {
		if err := d.loadEnv(o.envFile, o.envSet); err != nil {
			return fmt.Errorf("load env file %s: %w", o.envFile, err)
		}
	}
	logFile := d.getenv("LOG_FILE")
	if logFile == "" {
		logFile = "booru-sync.log"
	}
	logging.Setup(o.verbosity, logFile)

	login := d.getenv("DANBOORU_LOGIN")
	apiKey := d.getenv("DANBOORU_API_KEY")
	if login == "" || apiKey == "" {
		return fmt.Errorf("DANBOORU_LOGIN and DANBOORU_API_KEY are required")
	}

	if err := d.migrateUp(d.getenv("DATABASE_URL")); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rateLimit := parseCountFromEnv(d.getenv, "DANBOORU_RATE_LIMIT", 10)
	bucket := ratelimit.NewBucket(rateLimit, time.Second)

	client, err := d.newClient(ctx, booru.Config{
		BaseURL: d.getenv("DANBOORU_BASE_URL"),
		Login:   login,
		APIKey:  apiKey,
		Limiter: bucket,
	})
	if err != nil {
		return err
	}

	// One store per task: each pins a single connection, and the resolver's
	// synthetic-id allocation must not race another writer.
	tagStore, err := d.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open tag store: %w", err)
	}
	defer tagStore.Close()
	postStore, err := d.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open post store: %w", err)
	}
	defer postStore.Close()
	opsStore, err := d.openStore(ctx)
	if err != nil {
		return fmt.Errorf("open ops store: %w", err)
	}
	defer opsStore.Close()

	// A task failure must flip the exit code: record the first one and wake
	// the stop channel so shutdown runs the same path as a signal.
	var fatalMu sync.Mutex
	var fatalTask string
	var fatalErr error
	runner := tasks.NewRunner(func(id string, err error) {
		fatalMu.Lock()
		if fatalErr == nil {
			fatalTask, fatalErr = id, err
		}
		fatalMu.Unlock()
		select {
		case d.stopCh <- os.Interrupt:
		default:
		}
	})
	runner.Add(tasks.NewTagSync(client, tagStore,
		parseIntervalFromEnv(d.getenv, "TAG_SYNC_INTERVAL_SECONDS", 5*time.Minute)))
	runner.Add(tasks.NewPostSync(client, postStore,
		parseIntervalFromEnv(d.getenv, "POST_SYNC_INTERVAL_SECONDS", time.Minute)))

	srv := &http.Server{
		Addr:         resolveAddr(d.getenv),
		Handler:      buildRouter(handlers.New(opsStore, runner, client.Profile(), rateLimit)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		log.Printf("Status server listening on %s", srv.Addr)
		if err := d.listenAndServe(srv); err != nil && err != http.ErrServerClosed {
			// Ingestion keeps running without the ops surface.
			log.Printf("Status server failed: %v", err)
		}
	}()

	d.notify(d.stopCh, os.Interrupt, syscall.SIGTERM)
	runner.Start(ctx)

	sig := <-d.stopCh
	log.Printf("Received %s, shutting down", sig)

	runner.RequestStop()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Status server shutdown: %v", err)
	}
	runner.Join()
	log.Println("All tasks stopped")

	fatalMu.Lock()
	defer fatalMu.Unlock()
	if fatalErr != nil {
		return fmt.Errorf("task %s failed: %w", fatalTask, fatalErr)
	}
	return nil
}

func buildRouter(h *handlers.Handler) http.Handler {
	r := mux.NewRouter()
	handlers.Register(h, r)
	limited := middleware.NewRateLimiter(5, 10).Middleware(r)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(limited)
}

func resolveAddr(getenv func(string) string) string {
	if addr := getenv("STATUS_ADDR"); addr != "" {
		return addr
	}
	return ":18912"
}

func parseIntervalFromEnv(getenv func(string) string, key string, def time.Duration) time.Duration {
	v := getenv(key)
	if v == "" {
		return def
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

func parseCountFromEnv(getenv func(string) string, key string, def int) int {
	v := getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// migrateUp applies pending migrations at startup, same as the standalone
// CLI under db/ with -direction=up.
func migrateUp(databaseURL string) error {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("open database for migration: %w", err)
	}
	defer db.Close()
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	log.Println("Database schema is up to date")
	return nil
}
