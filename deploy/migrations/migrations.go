// Package migrations embeds the schema of the event archive.
package migrations

import "embed"

// Files 包含按版本号命名的 SQL 迁移，例如 0001_create_ledger_events.sql。
//
//go:embed *.sql
var Files embed.FS
