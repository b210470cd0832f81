// Package stores provides the persistence layer of a Nimbus provider.
// SQLStore keeps orders, their state history and the audit trail of cloud
// requests in SQLite (modernc, WAL mode) or PostgreSQL (pgx), with schema
// migrations embedded per dialect and applied by golang-migrate.
package stores
