// Package database is the bridge's SQLite store for discovered RAMSES
// devices.
//
// Open creates the file (mode 0600) and its directory; Migrate brings
// the schema up to date from MigrationsFS:
//
//	import _ "github.com/nerrad567/gray-logic-ramses/migrations"
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Tables are STRICT and queries are parameterised. New columns must be
// nullable or carry a default so an older binary can still read the file.
package database
