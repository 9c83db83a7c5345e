// Command migrate applies the gateway's schema migrations (api_keys and
// usage_logs) to a ChatVault Postgres database.
//
// Usage:
//
//	migrate [flags] up|down|version
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func main() {
	dbURL := flag.String("db-url", "", "Postgres URL (default $DATABASE_URL, then the dev database)")
	path := flag.String("path", "migrations", "directory holding the gateway's migration files")
	steps := flag.Int("steps", 0, "apply at most N steps in the given direction (0 = all)")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("usage: migrate [flags] up|down|version")
	}
	command := flag.Arg(0)

	m, err := migrate.New("file://"+*path, resolveDSN(*dbURL))
	if err != nil {
		log.Fatalf("failed to create migrator: %v", err)
	}
	defer m.Close()

	switch command {
	case "up":
		err = runSteps(m, *steps, false)
	case "down":
		err = runSteps(m, *steps, true)
	case "version":
		printVersion(m)
		return
	default:
		log.Fatalf("unknown command %q (use up, down, or version)", command)
	}

	if err != nil && err != migrate.ErrNoChange {
		log.Fatalf("migration %s failed: %v", command, err)
	}
	fmt.Printf("migration %s complete\n", command)
	printVersion(m)
}

func runSteps(m *migrate.Migrate, steps int, down bool) error {
	if steps > 0 {
		if down {
			steps = -steps
		}
		return m.Steps(steps)
	}
	if down {
		return m.Down()
	}
	return m.Up()
}

func printVersion(m *migrate.Migrate) {
	v, dirty, err := m.Version()
	if err == migrate.ErrNilVersion {
		fmt.Println("schema version: none")
		return
	}
	if err != nil {
		log.Fatalf("failed to read schema version: %v", err)
	}
	fmt.Printf("schema version: %d (dirty: %v)\n", v, dirty)
}

// resolveDSN picks the database URL: the flag, then $DATABASE_URL, then the
// DB_* variables with local dev defaults.
func resolveDSN(flagDSN string) string {
	if flagDSN != "" {
		return flagDSN
	}
	if env := os.Getenv("DATABASE_URL"); env != "" {
		return env
	}
	host := envOrDefault("DB_HOST", "localhost")
	port := envOrDefault("DB_PORT", "5432")
	user := envOrDefault("DB_USER", "chatvault")
	pass := envOrDefault("DB_PASSWORD", "chatvault-dev")
	name := envOrDefault("DB_NAME", "chatvault")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, pass, host, port, name)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
