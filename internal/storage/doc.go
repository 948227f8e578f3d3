// Package storage opens the SQLite database backing fetchd.
//
// It owns the schema (tasks + feeds tables); the queue and feed packages
// operate on the returned *sql.DB.
package storage
