package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/Fybrk/dupfinder/internal/logging"
	"github.com/Fybrk/dupfinder/internal/verify"
	"github.com/Fybrk/dupfinder/pkg/types"
)

// SchemaVersion tags every persisted context and verification record.
const SchemaVersion = 1

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionMismatch = errors.New("persisted data has an incompatible version")
	ErrLocked          = errors.New("database is in use by another process")
)

// FileEntry is the persisted state of one file. Paths are slash separated
// and relative to the context root.
type FileEntry struct {
	RelPath string
	Size    int64
	ModTime int64
	Prefix  types.Digest
	Sample  types.Digest
}

// Snapshot is the persisted state of one context.
type Snapshot struct {
	Root  string
	Name  string
	Files []FileEntry
}

// Store persists contexts and the verification cache in sqlite.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	log  *zap.Logger
}

// Open opens or creates the database at dbPath. A second process opening
// the same database gets ErrLocked.
func Open(dbPath string, log *zap.Logger) (*Store, error) {
	lock := flock.New(dbPath + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLocked
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, lock: lock, log: logging.OrNop(log).Named("storage")}
	if err := store.initTables(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initTables() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS contexts (
		root TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		version INTEGER NOT NULL,
		saved_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS files (
		root TEXT NOT NULL,
		rel_path TEXT NOT NULL,
		size_hex TEXT NOT NULL,
		mtime_hex TEXT NOT NULL,
		prefix_hex TEXT NOT NULL,
		sample_hex TEXT NOT NULL,
		PRIMARY KEY (root, rel_path)
	);

	CREATE TABLE IF NOT EXISTS verification (
		path TEXT PRIMARY KEY,
		size_hex TEXT NOT NULL,
		mtime_hex TEXT NOT NULL,
		prefix_hex TEXT NOT NULL,
		sample_hex TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS verification_peers (
		path TEXT NOT NULL,
		peer TEXT NOT NULL,
		peer_mtime_hex TEXT NOT NULL,
		kind TEXT NOT NULL,
		PRIMARY KEY (path, peer)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

func hex(v int64) string {
	return strconv.FormatUint(uint64(v), 16)
}

func unhex(s string) (int64, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	return int64(v), err
}

// unhexInto parses each field into the matching destination.
func unhexInto(fields []string, dst ...*int64) error {
	for i, field := range fields {
		v, err := unhex(field)
		if err != nil {
			return fmt.Errorf("field %d: %w", i, err)
		}
		*dst[i] = v
	}
	return nil
}

// SaveContext replaces the persisted snapshot for snap.Root.
func (s *Store) SaveContext(snap Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM files WHERE root = ?`, snap.Root); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO contexts (root, name, version) VALUES (?, ?, ?)`,
		snap.Root, snap.Name, SchemaVersion); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
	INSERT INTO files (root, rel_path, size_hex, mtime_hex, prefix_hex, sample_hex)
	VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, f := range snap.Files {
		if _, err := stmt.Exec(snap.Root, f.RelPath,
			hex(f.Size), hex(f.ModTime), hex(int64(f.Prefix)), hex(int64(f.Sample))); err != nil {
			return fmt.Errorf("save %s: %w", f.RelPath, err)
		}
	}
	return tx.Commit()
}

// LoadContext returns the snapshot for root. A snapshot written with another
// schema version is discarded and reported as ErrVersionMismatch.
func (s *Store) LoadContext(root string) (*Snapshot, error) {
	snap := Snapshot{Root: root}
	var version int
	err := s.db.QueryRow(`SELECT name, version FROM contexts WHERE root = ?`, root).Scan(&snap.Name, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("context %s: %w", root, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if version != SchemaVersion {
		s.log.Warn("Discarding context with incompatible version",
			zap.String("root", root),
			zap.Int("version", version))
		if err := s.DeleteContext(root); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("context %s version %d: %w", root, version, ErrVersionMismatch)
	}

	rows, err := s.db.Query(`
	SELECT rel_path, size_hex, mtime_hex, prefix_hex, sample_hex
	FROM files WHERE root = ? ORDER BY rel_path
	`, root)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry FileEntry
		var size, mtime, prefix, sample string
		if err := rows.Scan(&entry.RelPath, &size, &mtime, &prefix, &sample); err != nil {
			return nil, err
		}
		var p, q int64
		if err := unhexInto([]string{size, mtime, prefix, sample}, &entry.Size, &entry.ModTime, &p, &q); err != nil {
			return nil, fmt.Errorf("context %s file %s: %w", root, entry.RelPath, err)
		}
		entry.Prefix = types.Digest(p)
		entry.Sample = types.Digest(q)
		snap.Files = append(snap.Files, entry)
	}
	return &snap, rows.Err()
}

// DeleteContext removes a persisted snapshot.
func (s *Store) DeleteContext(root string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM files WHERE root = ?`, root); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM contexts WHERE root = ?`, root); err != nil {
		return err
	}
	return tx.Commit()
}

// ListContexts returns the roots of every persisted context.
func (s *Store) ListContexts() ([]string, error) {
	rows, err := s.db.Query(`SELECT root FROM contexts ORDER BY root`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roots []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	return roots, rows.Err()
}

// SaveVerification replaces the persisted verification cache.
func (s *Store) SaveVerification(records []verify.Record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"verification_peers", "verification"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return err
		}
	}

	recStmt, err := tx.Prepare(`
	INSERT INTO verification (path, size_hex, mtime_hex, prefix_hex, sample_hex, version)
	VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer recStmt.Close()

	peerStmt, err := tx.Prepare(`
	INSERT OR REPLACE INTO verification_peers (path, peer, peer_mtime_hex, kind)
	VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer peerStmt.Close()

	for _, r := range records {
		if _, err := recStmt.Exec(r.Path, hex(r.Size), hex(r.ModTime),
			hex(int64(r.Prefix)), hex(int64(r.Sample)), SchemaVersion); err != nil {
			return fmt.Errorf("save verification %s: %w", r.Path, err)
		}
		for kind, peers := range map[string][]verify.Peer{"dup": r.Duplicates, "diff": r.Different} {
			for _, p := range peers {
				if _, err := peerStmt.Exec(r.Path, p.Path, hex(p.ModTime), kind); err != nil {
					return fmt.Errorf("save verification peer %s: %w", p.Path, err)
				}
			}
		}
	}
	return tx.Commit()
}

// LoadVerification returns every persisted verification record. If any
// record carries another schema version the whole cache is discarded and
// ErrVersionMismatch is returned.
func (s *Store) LoadVerification() ([]verify.Record, error) {
	var stale int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM verification WHERE version != ?`, SchemaVersion).Scan(&stale); err != nil {
		return nil, err
	}
	if stale > 0 {
		s.log.Warn("Discarding verification cache with incompatible version", zap.Int("records", stale))
		if err := s.SaveVerification(nil); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("verification cache: %w", ErrVersionMismatch)
	}

	rows, err := s.db.Query(`
	SELECT path, size_hex, mtime_hex, prefix_hex, sample_hex
	FROM verification ORDER BY path
	`)
	if err != nil {
		return nil, err
	}

	var records []verify.Record
	index := make(map[string]int)
	for rows.Next() {
		var r verify.Record
		var size, mtime, prefix, sample string
		if err := rows.Scan(&r.Path, &size, &mtime, &prefix, &sample); err != nil {
			rows.Close()
			return nil, err
		}
		var p, q int64
		if err := unhexInto([]string{size, mtime, prefix, sample}, &r.Size, &r.ModTime, &p, &q); err != nil {
			rows.Close()
			return nil, fmt.Errorf("verification %s: %w", r.Path, err)
		}
		r.Prefix = types.Digest(p)
		r.Sample = types.Digest(q)
		index[r.Path] = len(records)
		records = append(records, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	peers, err := s.db.Query(`SELECT path, peer, peer_mtime_hex, kind FROM verification_peers ORDER BY path, peer`)
	if err != nil {
		return nil, err
	}
	defer peers.Close()

	for peers.Next() {
		var path, peer, mtime, kind string
		if err := peers.Scan(&path, &peer, &mtime, &kind); err != nil {
			return nil, err
		}
		i, ok := index[path]
		if !ok {
			continue
		}
		ts, err := unhex(mtime)
		if err != nil {
			return nil, fmt.Errorf("verification peer %s: %w", peer, err)
		}
		entry := verify.Peer{Path: peer, ModTime: ts}
		if kind == "dup" {
			records[i].Duplicates = append(records[i].Duplicates, entry)
		} else {
			records[i].Different = append(records[i].Different, entry)
		}
	}
	return records, peers.Err()
}

// Close closes the database and releases the lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if unlockErr := s.lock.Unlock(); unlockErr != nil {
		s.log.Warn("Failed to release database lock", zap.Error(unlockErr))
	}
	return err
}
