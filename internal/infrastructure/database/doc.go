// Package database provides SQLite storage for the bridge.
//
// The database holds the reading_history table, a local append-only
// record of every value republished to the broker. The file is opened
// in WAL mode with a busy timeout and a single writer connection,
// which is all the concurrency a bridge appending readings needs.
//
// Schema changes are in-code versioned migrations applied by Migrate.
// Each migration runs in its own transaction, so a failed migration
// never leaves the schema half-applied.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: "data/itronbridge.db"})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
