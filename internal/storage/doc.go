// Package storage persists users, tasks and their audit trail in SQLite.
//
// All instants are stored as unix milliseconds (UTC) so that next-fire
// scans can use an index and compare numerically.
package storage
