// Package stores provides the SQLite persistence layer: installed
// artifacts and the services they expose, the operation and upgrade
// history, the artifact cache index and the node directory. The schema
// ships as embedded golang-migrate migrations and the database runs in
// WAL mode.
package stores
