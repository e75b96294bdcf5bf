package datablock

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"ostinato"
)

// SQLiteBacking persists blocks in a single-table sqlite database, so
// payloads survive across sessions alongside the saved document. Writes go
// through implicit transactions; a failed write leaves the previous contents
// intact.
type SQLiteBacking struct {
	db *sql.DB
}

func NewSQLiteBacking(path string) (*SQLiteBacking, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening datablock store: %w", err)
	}
	const schema = `
	CREATE TABLE IF NOT EXISTS blocks (
		id INTEGER PRIMARY KEY,
		data BLOB NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating datablock table: %w", err)
	}
	return &SQLiteBacking{db: db}, nil
}

func (s *SQLiteBacking) Has(id ostinato.BlockID) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM blocks WHERE id = ?", int64(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying datablock: %w", err)
	}
	return true, nil
}

func (s *SQLiteBacking) Get(id ostinato.BlockID) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow("SELECT data FROM blocks WHERE id = ?", int64(id)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading datablock: %w", err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

func (s *SQLiteBacking) Put(id ostinato.BlockID, data []byte) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO blocks (id, data) VALUES (?, ?)",
		int64(id), data)
	if err != nil {
		return fmt.Errorf("writing datablock: %w", err)
	}
	return nil
}

func (s *SQLiteBacking) Delete(id ostinato.BlockID) error {
	if _, err := s.db.Exec("DELETE FROM blocks WHERE id = ?", int64(id)); err != nil {
		return fmt.Errorf("deleting datablock: %w", err)
	}
	return nil
}

func (s *SQLiteBacking) Close() error {
	return s.db.Close()
}
