// Package database provides SQLite database connectivity for Gray Logic Edge.
//
// This package manages:
//   - Database connection with WAL mode for concurrent access
//   - Connection pooling and lifecycle management
//
// The edge hub keeps a single small database holding the last commanded
// output states. Schema creation lives with the stores that own it (see
// internal/state); this package only hands out configured connections.
//
// Security Considerations:
//   - All queries use parameterised statements (no SQL injection)
//   - Database file permissions are set to 0600 (owner read/write only)
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
package database
