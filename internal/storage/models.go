// Package storage provides the persistent store backing the alias allocator
// and the public-request logger.
//
// It owns exactly three tables: users, user_aliases, and api_requests. It
// uses SQLite as the storage backend, matching the teacher's database
// package.
package storage

import "time"

// User is a known caller, identified by an opaque token. Only known users
// get a persisted, per-port-stable alias and are subject to the alias
// quota.
type User struct {
	ID        string    // internal row id
	TokenHash string    // bcrypt hash of the user's token
	MaxAlias  int       // persisted-alias quota
	CreatedAt time.Time
}

// RequestLog is one row written after a completed public request.
type RequestLog struct {
	ID         int64
	Alias      string
	Port       int
	Method     string
	Path       string
	StatusCode int
	BytesIn    int64
	BytesOut   int64
	CreatedAt  time.Time
}
