// Package migrations embeds the versioned SQL for the bazaar schema.
package migrations

import "embed"

// Schema is the schema every migration writes to.
const Schema = "bazaar"

// FS holds NNN_name.up.sql and NNN_name.down.sql pairs in golang-migrate layout.
//
//go:embed *.sql
var FS embed.FS
