// Package dbmigrations exposes embedded SQL migrations for orderflow binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into orderflow binaries.
//
//go:embed *.sql
var Files embed.FS
