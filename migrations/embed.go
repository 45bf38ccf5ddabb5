// Package migrations holds the Postgres schema for the frames sink.
package migrations

import "embed"

// FS contains every *.sql file of this directory. Files are applied in name
// order and must never be edited once released.
//
//go:embed *.sql
var FS embed.FS
