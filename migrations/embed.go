// Package migrations embeds the queue store schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
