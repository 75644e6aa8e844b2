// Package db opens and pools the gateway's relational storage. SQLite
// is the zero-config default; Postgres serves deployments that need a
// shared server. Stores never see the driver split: they take a Pool
// and route each statement through Writer or Reader.
package db

import "github.com/jmoiron/sqlx"

// Pool splits statement routing into a write side and a read side.
//
// Under SQLite the write side holds exactly one connection, so writes
// serialize instead of tripping SQLITE_BUSY, while the read side fans
// out over WAL snapshots. Under Postgres both sides share one handle
// and the server does the pooling.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool wires an existing writer/reader pair. Both sides may be the
// same handle; tests pass a single in-memory database twice.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer routes INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader routes SELECT statements.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// Close releases both sides, tolerating a shared handle.
func (p *Pool) Close() error {
	err := p.writer.Close()
	if p.reader == p.writer {
		return err
	}
	if rErr := p.reader.Close(); err == nil {
		err = rErr
	}
	return err
}
