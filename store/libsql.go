package store

import (
	_ "github.com/tursodatabase/libsql-client-go/libsql"
)

// NewLibSQLStore opens a remote/embedded-replica Turso database through
// libsql-client-go, sharing every query in sqlstore.go with NewSQLiteStore
// so the two backends are byte-equivalent by construction (§4.8 / P10).
func NewLibSQLStore(dsn string) (*SQLStore, error) {
	return openSQLStore("libsql", dsn)
}
