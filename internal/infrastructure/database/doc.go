// Package database opens the bridge's local SQLite store and applies its
// schema migrations.
//
// The store holds cover transition and robot connection history. It is
// disposable: deleting the file loses history but nothing the bridge needs
// to run.
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    return err
//	}
//
// Migration files are named YYYYMMDD_HHMMSS_description.up.sql with an
// optional matching .down.sql, and sit at the root of the supplied fs.FS.
package database
