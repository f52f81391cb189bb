// Package storage persists documents, chunks, and query logs in SQLite.
package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for documents, chunks, and
// query logs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "citeseek.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for the local vector index, which
// shares this database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Documents ---

// SaveDocumentWithChunks stores a document and its chunks in one
// transaction. A URL that is already ingested returns ErrDuplicateDocument.
func (s *Store) SaveDocumentWithChunks(doc Document, chunks []Chunk) error {
	if _, err := s.GetDocumentByURL(doc.URL); err == nil {
		return ErrDuplicateDocument
	} else if err != ErrNotFound {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO documents (id, name, url, ingested_at)
		VALUES (?, ?, ?, ?)`,
		doc.ID, doc.Name, doc.URL, doc.IngestedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting document: %w", err)
	}

	for _, c := range chunks {
		if _, err := tx.Exec(`
			INSERT INTO chunks (id, document_id, ordinal, page, section, text, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, doc.ID, c.Ordinal, c.Page, c.Section, c.Text,
			time.Now().UTC().Format(time.RFC3339),
		); err != nil {
			return fmt.Errorf("inserting chunk %d: %w", c.Ordinal, err)
		}
	}

	return tx.Commit()
}

func (s *Store) GetDocument(id string) (Document, error) {
	return s.getDocument("SELECT id, name, url, ingested_at FROM documents WHERE id = ?", id)
}

func (s *Store) GetDocumentByURL(url string) (Document, error) {
	return s.getDocument("SELECT id, name, url, ingested_at FROM documents WHERE url = ?", url)
}

func (s *Store) getDocument(query, arg string) (Document, error) {
	var d Document
	var ingestedAt string
	err := s.db.QueryRow(query, arg).Scan(&d.ID, &d.Name, &d.URL, &ingestedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	t, err := time.Parse(time.RFC3339, ingestedAt)
	if err != nil {
		return Document{}, fmt.Errorf("parsing ingested_at: %w", err)
	}
	d.IngestedAt = t
	return d, nil
}

func (s *Store) ListDocuments(limit int) ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, name, url, ingested_at
		FROM documents ORDER BY ingested_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Document
	for rows.Next() {
		var d Document
		var ingestedAt string
		if err := rows.Scan(&d.ID, &d.Name, &d.URL, &ingestedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, ingestedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing ingested_at: %w", err)
		}
		d.IngestedAt = t
		results = append(results, d)
	}
	return results, rows.Err()
}

// DeleteDocument removes a document; its chunks follow via the foreign key
// cascade. Vector index cleanup is the caller's job.
func (s *Store) DeleteDocument(id string) error {
	res, err := s.db.Exec("DELETE FROM documents WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Chunks ---

func (s *Store) ListChunks(documentID string) ([]Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, ordinal, page, section, text, created_at
		FROM chunks WHERE document_id = ? ORDER BY ordinal ASC`, documentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Chunk
	for rows.Next() {
		var c Chunk
		var createdAt string
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.Page, &c.Section, &c.Text, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		c.CreatedAt = t
		results = append(results, c)
	}
	return results, rows.Err()
}

func (s *Store) CountChunks(documentID string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM chunks WHERE document_id = ?", documentID).Scan(&count)
	return count, err
}

// --- Query Logs ---

func (s *Store) SaveQueryLog(q QueryLog) error {
	_, err := s.db.Exec(`
		INSERT INTO query_logs (id, document_id, question, asked_at, response_json)
		VALUES (?, ?, ?, ?, ?)`,
		q.ID, q.DocumentID, q.Question, q.AskedAt.UTC().Format(time.RFC3339), q.ResponseJSON,
	)
	return err
}

func (s *Store) ListQueryLogs(documentID string, limit int) ([]QueryLog, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, question, asked_at, response_json
		FROM query_logs WHERE document_id = ? ORDER BY asked_at DESC LIMIT ?`,
		documentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []QueryLog
	for rows.Next() {
		var q QueryLog
		var askedAt string
		if err := rows.Scan(&q.ID, &q.DocumentID, &q.Question, &askedAt, &q.ResponseJSON); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, askedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing asked_at: %w", err)
		}
		q.AskedAt = t
		results = append(results, q)
	}
	return results, rows.Err()
}
