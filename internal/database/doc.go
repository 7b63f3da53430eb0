// Package database provides the PostgreSQL connection pool for the session
// journal.
//
// The journal is optional. It records one row per finished subscriber
// session (who was connected, for how long, with which filter and why the
// session ended). Ticks are never persisted.
package database
