package docstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	_ "modernc.org/sqlite" // SQLite driver
)

// sqliteMigrations is the versioned schema, applied in order. Version N is
// migration index N-1; a database reporting a version beyond this list was
// written by a newer build and is rejected rather than misread.
var sqliteMigrations = []string{
	`
	CREATE TABLE documents (
		name        TEXT PRIMARY KEY,
		sha256      TEXT NOT NULL,
		pages       INTEGER NOT NULL,
		chunks      INTEGER NOT NULL,
		ingested_at DATETIME NOT NULL
	);
	CREATE TABLE chunks (
		document         TEXT NOT NULL REFERENCES documents(name) ON DELETE CASCADE,
		part_index       INTEGER NOT NULL,
		text             TEXT NOT NULL,
		page             INTEGER NOT NULL,
		start_off        INTEGER NOT NULL,
		end_off          INTEGER NOT NULL,
		embedding        BLOB NOT NULL,
		embedder_version TEXT NOT NULL,
		PRIMARY KEY (document, part_index)
	);
	CREATE TABLE meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`,
}

const (
	metaEmbedder   = "embedder_version"
	metaDimensions = "dimensions"
)

// SQLiteStore is the default index backend: one SQLite file at a configured
// path, vectors stored normalized as little-endian float32 blobs, queries
// answered by brute-force dot product.
type SQLiteStore struct {
	db   *sql.DB
	path string
	dims int
}

// SQLiteConfig configures the SQLite backend.
type SQLiteConfig struct {
	// DataDir is the directory holding the index file.
	DataDir string

	// EmbedderVersion is the fingerprint of the configured embedder. The
	// store pins it on first open; opening with a different fingerprint
	// fails with ConfigurationError so stale vectors are never queried
	// with mismatched embeddings.
	EmbedderVersion string

	// Dimensions is the expected vector size.
	Dimensions int
}

// OpenSQLite opens (creating if needed) the index at cfg.DataDir/index.db.
func OpenSQLite(cfg SQLiteConfig) (*SQLiteStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// foreign_keys is a per-connection pragma; setting it in the DSN makes
	// the driver apply it to every connection the pool opens, so ON DELETE
	// CASCADE holds no matter which connection runs the delete.
	path := filepath.Join(cfg.DataDir, "index.db")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path, dims: cfg.Dimensions}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.pinEmbedder(cfg.EmbedderVersion, cfg.Dimensions); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Path returns the index file path.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if current > len(sqliteMigrations) {
		return &ConfigurationError{
			Reason: fmt.Sprintf("index schema version %d is newer than this build supports (%d)", current, len(sqliteMigrations)),
		}
	}

	for v := current; v < len(sqliteMigrations); v++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec(sqliteMigrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", v+1, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", v+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", v+1, err)
		}
	}

	return nil
}

// pinEmbedder stores the embedder fingerprint on first open and rejects a
// mismatch on later opens. Queries against vectors from a different model
// are a configuration error, not a per-query concern.
func (s *SQLiteStore) pinEmbedder(version string, dims int) error {
	for key, want := range map[string]string{
		metaEmbedder:   version,
		metaDimensions: fmt.Sprintf("%d", dims),
	} {
		var got string
		err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&got)
		switch {
		case err == sql.ErrNoRows:
			if _, err := s.db.Exec("INSERT INTO meta (key, value) VALUES (?, ?)", key, want); err != nil {
				return fmt.Errorf("pinning %s: %w", key, err)
			}
		case err != nil:
			return fmt.Errorf("reading %s: %w", key, err)
		case got != want:
			return &ConfigurationError{
				Reason: fmt.Sprintf("index was built with %s=%s, configured %s", key, got, want),
			}
		}
	}
	return nil
}

// Upsert replaces all entries for doc.Name in a single transaction.
func (s *SQLiteStore) Upsert(ctx context.Context, doc DocumentRecord, entries []Entry) error {
	for _, e := range entries {
		if len(e.Vector) != s.dims {
			return fmt.Errorf("chunk %s part %d: vector has %d dimensions, index expects %d",
				e.Document, e.PartIndex, len(e.Vector), s.dims)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, "DELETE FROM chunks WHERE document = ?", doc.Name); err != nil {
		return fmt.Errorf("clearing previous chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (name, sha256, pages, chunks, ingested_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			sha256      = excluded.sha256,
			pages       = excluded.pages,
			chunks      = excluded.chunks,
			ingested_at = excluded.ingested_at
	`, doc.Name, doc.SHA256, doc.Pages, doc.Chunks, doc.IngestedAt); err != nil {
		return fmt.Errorf("saving document record: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (document, part_index, text, page, start_off, end_off, embedding, embedder_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		blob := float32SliceToBytes(normalize(e.Vector))
		if _, err := stmt.ExecContext(ctx, e.Document, e.PartIndex, e.Text,
			e.Page, e.Start, e.End, blob, e.EmbedderVersion); err != nil {
			return fmt.Errorf("saving chunk %d: %w", e.PartIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}
	return nil
}

// Delete removes a document and its chunks. Idempotent.
func (s *SQLiteStore) Delete(ctx context.Context, document string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM documents WHERE name = ?", document)
	if err != nil {
		return false, fmt.Errorf("deleting document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting document: %w", err)
	}
	return n > 0, nil
}

// Query scans every stored vector and returns the k best cosine matches.
// Stored vectors are normalized at write time, so similarity is a dot
// product. Ties break on (document, part_index) to keep ranking stable.
func (s *SQLiteStore) Query(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	q := normalize(vector)

	rows, err := s.db.QueryContext(ctx, `
		SELECT document, part_index, text, page, embedding FROM chunks
	`)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h    Hit
			blob []byte
		)
		if err := rows.Scan(&h.Document, &h.PartIndex, &h.Text, &h.Page, &blob); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		v := bytesToFloat32Slice(blob)
		if len(v) != len(q) {
			return nil, fmt.Errorf("chunk %s part %d: stored vector has %d dimensions, query has %d",
				h.Document, h.PartIndex, len(v), len(q))
		}
		h.Score = dot(q, v)
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunks: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Document != hits[j].Document {
			return hits[i].Document < hits[j].Document
		}
		return hits[i].PartIndex < hits[j].PartIndex
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	return hits, nil
}

// GetDocument returns the record for one document.
func (s *SQLiteStore) GetDocument(ctx context.Context, name string) (*DocumentRecord, error) {
	var doc DocumentRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT name, sha256, pages, chunks, ingested_at FROM documents WHERE name = ?
	`, name).Scan(&doc.Name, &doc.SHA256, &doc.Pages, &doc.Chunks, &doc.IngestedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}
	return &doc, nil
}

// Documents lists all ingested documents ordered by name.
func (s *SQLiteStore) Documents(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, sha256, pages, chunks, ingested_at FROM documents ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var docs []DocumentRecord
	for rows.Next() {
		var doc DocumentRecord
		if err := rows.Scan(&doc.Name, &doc.SHA256, &doc.Pages, &doc.Chunks, &doc.IngestedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating documents: %w", err)
	}
	return docs, nil
}

// float32SliceToBytes converts a []float32 to a byte slice for storage.
func float32SliceToBytes(floats []float32) []byte {
	buf := make([]byte, len(floats)*4)
	for i, f := range floats {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// bytesToFloat32Slice converts a stored byte slice back to []float32.
func bytesToFloat32Slice(data []byte) []float32 {
	floats := make([]float32, len(data)/4)
	for i := range floats {
		floats[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return floats
}

// normalize returns a unit-length copy; the zero vector is returned as is.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
