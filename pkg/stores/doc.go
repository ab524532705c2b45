// Package stores provides the persistent state of epm: the installed package
// database, the files owned by archive packages and the transaction history.
// The SQLite store runs in WAL mode and migrates its schema from embedded SQL
// files on start.
package stores
