// Package migrations embeds the versioned SQL schema applied by
// db.Migrator.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
