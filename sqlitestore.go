package luakv

import (
	"database/sql"
	"fmt"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// SQLiteStore is a durable store backed by a single SQLite database. It
// implements both TableStore (live entries) and SnapshotStore (snapshot
// records), so it can serve as the live store of a durable deployment or
// as the snapshot target behind a MemStore.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS ext_entries (
	table_id INTEGER NOT NULL,
	key      TEXT    NOT NULL,
	value    BLOB    NOT NULL,
	PRIMARY KEY (table_id, key)
);
CREATE TABLE IF NOT EXISTS snapshot_tables (
	table_id INTEGER PRIMARY KEY,
	content  BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshot_meta (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	data BLOB NOT NULL
);`

// OpenSQLiteStore opens (or creates) the store at path. Use ":memory:"
// for an ephemeral store in tests.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store %q: %w", path, err)
	}
	// WAL keeps snapshot writes from blocking reads.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Set(id TableID, key string, value []byte) error {
	_, err := s.db.Exec(`INSERT INTO ext_entries (table_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (table_id, key) DO UPDATE SET value = excluded.value`, id, key, value)
	return err
}

func (s *SQLiteStore) Get(id TableID, key string) ([]byte, bool, error) {
	var v []byte
	err := s.db.QueryRow(`SELECT value FROM ext_entries WHERE table_id = ? AND key = ?`, id, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *SQLiteStore) Delete(id TableID, key string) error {
	_, err := s.db.Exec(`DELETE FROM ext_entries WHERE table_id = ? AND key = ?`, id, key)
	return err
}

func (s *SQLiteStore) Size(id TableID) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM ext_entries WHERE table_id = ?`, id).Scan(&n)
	return n, err
}

func (s *SQLiteStore) Keys(id TableID) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM ext_entries WHERE table_id = ? ORDER BY key`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) TableIDs() ([]TableID, error) {
	return s.idColumn(`SELECT DISTINCT table_id FROM ext_entries ORDER BY table_id`)
}

func (s *SQLiteStore) WriteMeta(data []byte) error {
	_, err := s.db.Exec(`INSERT INTO snapshot_meta (id, data) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data`, data)
	return err
}

func (s *SQLiteStore) ReadMeta() ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM snapshot_meta WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *SQLiteStore) WriteTable(id TableID, content []byte) error {
	_, err := s.db.Exec(`INSERT INTO snapshot_tables (table_id, content) VALUES (?, ?)
		ON CONFLICT (table_id) DO UPDATE SET content = excluded.content`, id, content)
	return err
}

func (s *SQLiteStore) ReadTable(id TableID) ([]byte, bool, error) {
	var content []byte
	err := s.db.QueryRow(`SELECT content FROM snapshot_tables WHERE table_id = ?`, id).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return content, true, nil
}

func (s *SQLiteStore) SnapshotIDs() ([]TableID, error) {
	return s.idColumn(`SELECT table_id FROM snapshot_tables ORDER BY table_id`)
}

func (s *SQLiteStore) idColumn(query string) ([]TableID, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []TableID
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, TableID(id))
	}
	return ids, rows.Err()
}
