// Package stores provides the persistence layer for ferrite. It
// includes a SQLite index with WAL mode for runs, node results, events
// and artifact metadata, plus content-addressed artifact stores backed
// by the local filesystem, Redis, or a remote host over SFTP. All
// backends serve the engine's artifact registry contract, including
// producer locking keyed by binary fingerprint.
package stores
