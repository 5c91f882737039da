package camdb

import (
	"fmt"
	"log"
	"os"
	"strconv"
)

// RunMigrateCommand handles the '-migrate' daemon mode, dispatching one
// migration action against the database at dbPath and exiting on failure.
func RunMigrateCommand(args []string, dbPath string) {
	if len(args) < 1 {
		PrintMigrateHelp()
		os.Exit(1)
	}

	action := args[0]

	// Migrations manage the schema, so open without the schema bootstrap.
	database, err := OpenDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	switch action {
	case "up":
		log.Printf("Running migrations...")
		if err := database.MigrateUp(); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
		log.Println("All migrations applied successfully")
		logVersion(database)

	case "down":
		log.Printf("Rolling back one migration...")
		if err := database.MigrateDown(); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
		log.Println("Migration rolled back successfully")
		logVersion(database)

	case "version":
		version, dirty, err := database.MigrateVersion()
		if err != nil {
			log.Fatalf("Failed to get migration version: %v", err)
		}
		fmt.Printf("Current version: %d (dirty: %v)\n", version, dirty)

	case "force":
		if len(args) < 2 {
			log.Fatal("Usage: eventcam -migrate force <version_number>")
		}
		version, err := strconv.Atoi(args[1])
		if err != nil {
			log.Fatalf("Invalid version number %q: %v", args[1], err)
		}
		if err := database.MigrateForce(version); err != nil {
			log.Fatalf("Force migration failed: %v", err)
		}
		log.Printf("Forced migration version to %d", version)

	case "help":
		PrintMigrateHelp()

	default:
		fmt.Printf("Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp()
		os.Exit(1)
	}
}

func logVersion(database *DB) {
	version, dirty, _ := database.MigrateVersion()
	log.Printf("Current version: %d (dirty: %v)", version, dirty)
}

// PrintMigrateHelp prints usage for the migrate mode.
func PrintMigrateHelp() {
	fmt.Println(`Usage: eventcam -migrate <action> [args]

Actions:
  up                  Apply all pending migrations
  down                Roll back the most recent migration
  version             Show the current migration version
  force <version>     Force the version marker (dirty-state recovery only)
  help                Show this help`)
}
