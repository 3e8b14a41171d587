// Package migrations embeds the SQL schema applied by `flowqueue migrate`.
package migrations

import "embed"

// FS holds the golang-migrate formatted up/down scripts.
//
//go:embed *.sql
var FS embed.FS
