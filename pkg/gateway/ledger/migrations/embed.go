package migrations

import "embed"

// FS contains the goose migrations for the call ledger.
//
//go:embed *.sql
var FS embed.FS
