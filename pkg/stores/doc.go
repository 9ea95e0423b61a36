// Package stores provides the persistence layer for cycle history and
// trajectory records. It includes a SQLite store with WAL mode, embedded
// schema migrations, and an asynchronous recorder that keeps persistence
// latency and failures out of the repair loop.
package stores
