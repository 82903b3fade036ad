// Package database provides the SQLite handle for NOC Core.
//
// The schema ships inside the binary as versioned migrations:
//
//   - incidents, with a partial unique index on node_key for open rows
//     (one open incident per node) and an index on caused_by_node for
//     cascade closes
//   - device_status, the persistent mirror of the status cache
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive: new columns must be nullable or carry a default.
package database
