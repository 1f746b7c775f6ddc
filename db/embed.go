// Package db provides the embedded database schema.
package db

import _ "embed"

// Schema contains the DDL statements for every table. It is idempotent and
// applied on startup.
//
//go:embed migrations/001_schema.sql
var Schema string
