// Package migrations carries the device database schema. Importing it
// for side effects points database.Migrate at the embedded files:
//
//	import _ "github.com/nerrad567/gray-logic-ramses/migrations"
//
// Files are named YYYYMMDD_HHMMSS_name.up.sql with a matching .down.sql.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/database"
)

//go:embed *.up.sql *.down.sql
var schema embed.FS

func init() {
	database.MigrationsFS, database.MigrationsDir = schema, "."
}
