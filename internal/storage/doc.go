// Package storage keeps the run history of loop tasks.
//
// Two drivers are available:
//   - "file": JSON Lines, dependency-free
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// History is a log only; it is never used to restore tasks.
package storage
