package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/hoshinobot/booru-sync/internal/env"
)

// Standalone schema tool: `go run ./db -direction=up`. The daemon applies
// pending migrations at startup on its own; this exists for rollbacks,
// force-fixing a dirty schema, and CI.
func main() {
	msg, err := run(os.Args[1:], defaultDeps())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(msg)
}

type deps struct {
	loadEnv  func(path string, explicit bool) error
	getenv   func(string) string
	openDB   func(driverName, dataSourceName string) (*sql.DB, error)
	migrateF func(db *sql.DB, direction string, steps int) error
}

func defaultDeps() deps {
	return deps{
		loadEnv:  env.Load,
		getenv:   env.Get,
		openDB:   sql.Open,
		migrateF: performMigrations,
	}
}

type options struct {
	direction   string
	steps       int
	force       int
	forceDirty  bool
	showVersion bool
	envFile     string
	envSet      bool
}

type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Version() (version uint, dirty bool, err error)
}

// Factories are overridden in tests to avoid a real Postgres connection.
var withPostgresInstance = func(db *sql.DB) (migratedb.Driver, error) {
	return postgres.WithInstance(db, &postgres.Config{})
}

var newMigrateWithDB = func(sourceURL string, databaseName string, driver migratedb.Driver) (migrator, error) {
	return migrate.NewWithDatabaseInstance(sourceURL, databaseName, driver)
}

var newMigrator = func(db *sql.DB) (migrator, error) {
	driver, err := withPostgresInstance(db)
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := newMigrateWithDB("file://db/migrations", "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("migrate instance: %w", err)
	}
	return m, nil
}

func parseArgs(args []string) (options, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var o options
	fs.StringVar(&o.direction, "direction", "up", "migration direction: up or down")
	fs.IntVar(&o.steps, "steps", 0, "number of migration steps (0 = all)")
	fs.IntVar(&o.force, "force", -1, "force the schema version (clears dirty state), e.g. -force=3")
	fs.BoolVar(&o.forceDirty, "force-dirty", false, "if the schema is dirty, force it to its current version and exit")
	fs.BoolVar(&o.showVersion, "version", false, "print the current schema version and exit")
	fs.StringVar(&o.envFile, "env", ".env", "path to an env file")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "env" {
			o.envSet = true
		}
	})
	switch o.direction {
	case "up", "down":
		return o, nil
	default:
		return options{}, fmt.Errorf("invalid direction %q (must be up or down)", o.direction)
	}
}

func run(args []string, d deps) (string, error) {
	o, err := parseArgs(args)
	if err != nil {
		return "", err
	}

	if d.loadEnv != nil {
		if err := d.loadEnv(o.envFile, o.envSet); err != nil {
			return "", fmt.Errorf("load env file %s: %w", o.envFile, err)
		}
	}

	// An empty URL falls through to lib/pq's PG* environment conventions.
	databaseURL := ""
	if d.getenv != nil {
		databaseURL = d.getenv("DATABASE_URL")
	}

	if d.openDB == nil {
		return "", fmt.Errorf("openDB dependency is required")
	}
	db, err := d.openDB("postgres", databaseURL)
	if err != nil {
		return "", fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	if o.showVersion {
		m, err := newMigrator(db)
		if err != nil {
			return "", err
		}
		v, dirty, verr := m.Version()
		if verr == migrate.ErrNilVersion {
			return "schema has no applied migrations", nil
		}
		if verr != nil {
			return "", fmt.Errorf("read schema version: %w", verr)
		}
		if dirty {
			return fmt.Sprintf("schema version %d (dirty)", v), nil
		}
		return fmt.Sprintf("schema version %d", v), nil
	}

	// Forcibly clear dirty state / set version and exit.
	if o.force >= 0 || o.forceDirty {
		m, err := newMigrator(db)
		if err != nil {
			return "", err
		}
		if o.forceDirty {
			v, dirty, verr := m.Version()
			if verr != nil {
				return "", fmt.Errorf("read schema version: %w", verr)
			}
			if !dirty {
				return "schema is not dirty (no force needed)", nil
			}
			if err := m.Force(int(v)); err != nil {
				return "", fmt.Errorf("force dirty version %d: %w", v, err)
			}
			return fmt.Sprintf("forced dirty schema to version %d", v), nil
		}
		if err := m.Force(o.force); err != nil {
			return "", fmt.Errorf("force version %d: %w", o.force, err)
		}
		return fmt.Sprintf("forced schema to version %d", o.force), nil
	}

	if d.migrateF == nil {
		return "", fmt.Errorf("migrateF dependency is required")
	}
	err = d.migrateF(db, o.direction, o.steps)
	if err != nil && err != migrate.ErrNoChange {
		return "", fmt.Errorf("migration failed: %w", err)
	}
	if err == migrate.ErrNoChange {
		return "no pending migrations", nil
	}
	return fmt.Sprintf("migration %s complete", o.direction), nil
}

func performMigrations(db *sql.DB, direction string, steps int) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}
	return applyDirection(m, direction, steps)
}

func applyDirection(m migrator, direction string, steps int) error {
	switch direction {
	case "up":
		if steps > 0 {
			return m.Steps(steps)
		}
		return m.Up()
	case "down":
		if steps > 0 {
			return m.Steps(-steps)
		}
		return m.Down()
	default:
		return fmt.Errorf("invalid direction %q (must be up or down)", direction)
	}
}
