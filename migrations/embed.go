// Package migrations carries the SQL schema files as an embedded filesystem,
// so the runner works from any working directory and in test binaries.
package migrations

import "embed"

// FS holds every .sql file in this directory. The storage runner applies
// them in lexical order.
//
//go:embed *.sql
var FS embed.FS
