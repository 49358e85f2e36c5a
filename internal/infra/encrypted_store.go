package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/permguard/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	storeDBName   = "permguard.db"
	schemaVersion = "1"
)

// EncryptedStore implements domain.AuditStore and domain.GrantStore using
// a SQLCipher encrypted SQLite database.
type EncryptedStore struct {
	db     *sql.DB
	dbPath string
}

// NewEncryptedStore opens (or creates) the encrypted store in dataDir.
// The key is used as the raw SQLCipher key.
func NewEncryptedStore(dataDir string, key []byte) (*EncryptedStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, hex.EncodeToString(key))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted store: %w", err)
	}

	// A wrong key only shows up on first access.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted store: %w", err)
	}

	store := &EncryptedStore{db: db, dbPath: dbPath}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *EncryptedStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		package TEXT NOT NULL,
		capability TEXT NOT NULL,
		action TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS audit_log_created ON audit_log (created_at);

	CREATE TABLE IF NOT EXISTS broker_grants (
		uid INTEGER PRIMARY KEY,
		granted INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
	return err
}

// --- domain.AuditStore implementation ---

// Record appends one mutation outcome.
func (s *EncryptedStore) Record(ctx context.Context, rec domain.AuditRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (package, capability, action, path, success, reason, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PackageID, string(rec.Capability), rec.Action, string(rec.Path),
		boolToInt(rec.Success), string(rec.Reason), rec.Detail, created.UnixNano(),
	)
	return err
}

// Recent returns up to limit records, newest first.
func (s *EncryptedStore) Recent(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, package, capability, action, path, success, reason, detail, created_at
		FROM audit_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var capability, path, reason string
		var success int
		var created int64
		if err := rows.Scan(&rec.ID, &rec.PackageID, &capability, &rec.Action, &path,
			&success, &reason, &rec.Detail, &created); err != nil {
			return nil, err
		}
		rec.Capability = domain.Capability(capability)
		rec.Path = domain.PrivilegePath(path)
		rec.Success = success != 0
		rec.Reason = domain.FailureReason(reason)
		rec.CreatedAt = time.Unix(0, created)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- domain.GrantStore implementation ---

// IsGranted reports the stored broker permission decision for uid.
// Unknown uids are not granted.
func (s *EncryptedStore) IsGranted(uid uint32) (bool, error) {
	var granted int
	err := s.db.QueryRow(`SELECT granted FROM broker_grants WHERE uid = ?`, int64(uid)).Scan(&granted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return granted != 0, nil
}

// SetGranted stores a broker permission decision for uid.
func (s *EncryptedStore) SetGranted(uid uint32, granted bool) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO broker_grants (uid, granted, updated_at) VALUES (?, ?, ?)`,
		int64(uid), boolToInt(granted), time.Now().Unix())
	return err
}

// Path returns the database file path.
func (s *EncryptedStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *EncryptedStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure EncryptedStore implements both interfaces.
var _ domain.AuditStore = (*EncryptedStore)(nil)
var _ domain.GrantStore = (*EncryptedStore)(nil)
