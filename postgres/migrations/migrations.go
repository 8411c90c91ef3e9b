// Package migrations embeds the goose migration files for the postgres store.
package migrations

import "embed"

// Migrations is the embedded migration file system.
//
//go:embed *.sql
var Migrations embed.FS
