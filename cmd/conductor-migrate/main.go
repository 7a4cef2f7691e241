// conductor-migrate управляет схемой PostgreSQL хранилища саг.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/akriventsev/conductor/migrations"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	dbURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	_ = flag.CommandLine.Parse(os.Args[2:])

	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --database-url or DATABASE_URL is required")
		os.Exit(1)
	}

	switch command {
	case "up":
		if err := migrations.Up(*dbURL); err != nil {
			fmt.Fprintf(os.Stderr, "Error applying migrations: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Migrations applied")
	case "down":
		if err := migrations.Down(*dbURL); err != nil {
			fmt.Fprintf(os.Stderr, "Error rolling back migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Last migration rolled back")
	case "version":
		version, err := migrations.Version(*dbURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Current version: %d\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Conductor Migration Tool")
	fmt.Println()
	fmt.Println("Usage: conductor-migrate <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up      - Apply all pending migrations")
	fmt.Println("  down    - Rollback the last migration")
	fmt.Println("  version - Show current schema version")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --database-url - PostgreSQL connection string (default: $DATABASE_URL)")
}
