// Package migrations embeds the numbered SQL migrations applied by
// `ma-server migrate up`.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
