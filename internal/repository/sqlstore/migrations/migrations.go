// Package migrations embeds the schema migrations applied by goose.
//
// The SQL is written to run unchanged on both SQLite and Postgres.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
