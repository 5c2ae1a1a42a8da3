// Package migrations holds the SQLite schema of the session store.
package migrations

import "embed"

// FS contains the *.up.sql / *.down.sql files.
//
//go:embed *.sql
var FS embed.FS
