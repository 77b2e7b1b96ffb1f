// Package database provides SQLite connectivity for HomeDash Core.
//
// This package manages:
//   - Database connection with WAL mode and foreign keys enabled
//   - Schema migrations loaded from any fs.FS (see the migrations package)
//   - Connection lifecycle and health checks
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS, migrations.Dir); err != nil {
//	    log.Fatal(err)
//	}
//
// Migrations are additive: new columns must be nullable or carry a default,
// and each version ships an .up.sql with a matching .down.sql.
package database
