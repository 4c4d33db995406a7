package vdev

import (
	"database/sql"
	"io"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend stores a leaf vdev's entire block image as a single BLOB
// row in a local sqlite3 database. It is an alternative to a raw file for
// the loopback-file leaf backend: §6.2 pins where labels and uberblock
// rings land within a leaf's address space, not what container holds the
// bytes, so any Backend implementation is interchangeable with Leaf.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLiteBackend opens (creating if needed) a single-row image table in
// the sqlite3 database at path, sized to at least minSize bytes.
func OpenSQLiteBackend(path string, minSize int64) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS image (id INTEGER PRIMARY KEY CHECK (id = 0), data BLOB NOT NULL)`); err != nil {
		db.Close()
		return nil, err
	}

	b := &SQLiteBackend{db: db}
	var data []byte
	err = db.QueryRow(`SELECT data FROM image WHERE id = 0`).Scan(&data)
	switch err {
	case sql.ErrNoRows:
		data = make([]byte, minSize)
		if _, err := db.Exec(`INSERT INTO image (id, data) VALUES (0, ?)`, data); err != nil {
			db.Close()
			return nil, err
		}
	case nil:
		if int64(len(data)) < minSize {
			grown := make([]byte, minSize)
			copy(grown, data)
			if _, err := db.Exec(`UPDATE image SET data = ? WHERE id = 0`, grown); err != nil {
				db.Close()
				return nil, err
			}
		}
	default:
		db.Close()
		return nil, err
	}
	return b, nil
}

// ReadAt implements io.ReaderAt by pulling the whole image row and slicing
// it; the image sizes this backend is used for in tests are small enough
// that this is simpler than maintaining a page cache in front of sqlite.
func (b *SQLiteBackend) ReadAt(p []byte, off int64) (int, error) {
	var data []byte
	if err := b.db.QueryRow(`SELECT data FROM image WHERE id = 0`).Scan(&data); err != nil {
		return 0, err
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	var err error
	if n < len(p) {
		err = io.EOF
	}
	return n, err
}

// WriteAt implements io.WriterAt with a read-modify-write of the whole
// image row inside one sqlite transaction, growing the row if the write
// extends past its current length.
func (b *SQLiteBackend) WriteAt(p []byte, off int64) (int, error) {
	tx, err := b.db.Begin()
	if err != nil {
		return 0, err
	}
	var data []byte
	if err := tx.QueryRow(`SELECT data FROM image WHERE id = 0`).Scan(&data); err != nil {
		tx.Rollback()
		return 0, err
	}
	end := off + int64(len(p))
	if end > int64(len(data)) {
		grown := make([]byte, end)
		copy(grown, data)
		data = grown
	}
	n := copy(data[off:end], p)
	if _, err := tx.Exec(`UPDATE image SET data = ? WHERE id = 0`, data); err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (b *SQLiteBackend) Flush() error { return nil }
func (b *SQLiteBackend) Close() error { return b.db.Close() }
