// Package mysql archives ledger events exported from the in-memory journals.
// The archive is append-only and keyed by (component, seq), so re-exporting a
// batch never duplicates rows.
package mysql
