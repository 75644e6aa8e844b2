package db

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jmoiron/sqlx"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// sqliteBusyTimeoutMS is how long a connection waits on a lock
	// before giving up with SQLITE_BUSY.
	sqliteBusyTimeoutMS = 5000

	// sqliteReaderConns bounds the read pool. WAL snapshots let these
	// run alongside the single writer without blocking either way.
	sqliteReaderConns = 4
)

// openSQLite opens the writer/reader pair backing a Pool. The file and
// its parent directory are created on first use.
func openSQLite(path string) (*Pool, error) {
	if abs, err := filepath.Abs(path); err == nil && path != "" {
		path = abs
	}
	if err := touchDatabaseFile(path); err != nil {
		return nil, fmt.Errorf("failed to prepare database file: %w", err)
	}

	writer, err := openSQLiteConn(path, false, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	reader, err := openSQLiteConn(path, true, sqliteReaderConns)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}
	return NewPool(writer, reader), nil
}

// openSQLiteConn opens one side of the pool. The writer owns the
// database-level settings (WAL journal, NORMAL sync); readers only
// need foreign keys and a busy timeout, since journal mode persists in
// the file.
func openSQLiteConn(path string, readonly bool, conns int) (*sqlx.DB, error) {
	params := url.Values{}
	params.Set("_foreign_keys", "on")
	params.Set("_busy_timeout", strconv.Itoa(sqliteBusyTimeoutMS))
	if readonly {
		params.Set("mode", "ro")
	} else {
		params.Set("mode", "rwc")
		params.Set("_journal_mode", "WAL")
		params.Set("_synchronous", "NORMAL")
	}

	raw, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(conns)
	raw.SetMaxIdleConns(conns)
	return sqlx.NewDb(raw, "sqlite3"), nil
}

func touchDatabaseFile(path string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
