package store

import (
	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens a local SQLite-backed store via modernc.org/sqlite's
// pure-Go driver, mirroring the teacher's NewDB against a file DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	return openSQLStore("sqlite", dsn)
}
