// Package sqlite is the default desktop store. It keeps the torrents and
// settings tables of the original client and extends them in place.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"torrentdesk/internal/domain"
)

const settingsKey = "session"

type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and migrates its schema.
func Open(ctx context.Context, path string) (*Repository, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection keeps writes serialized and lets WAL readers see them.
	db.SetMaxOpenConns(1)

	repo := &Repository{db: db, now: time.Now}
	if err := repo.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return repo, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// migrate creates the legacy layout when missing and adds the versioned
// columns to it. Rows written by the legacy client keep schema_version 0.
func (r *Repository) migrate(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS torrents (
			info_hash TEXT PRIMARY KEY,
			save_path TEXT NOT NULL,
			type TEXT NOT NULL,
			source TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	columns, err := tableColumns(ctx, tx, "torrents")
	if err != nil {
		return err
	}
	added := []struct{ name, ddl string }{
		{"schema_version", "ALTER TABLE torrents ADD COLUMN schema_version INTEGER NOT NULL DEFAULT 0"},
		{"record", "ALTER TABLE torrents ADD COLUMN record TEXT"},
		{"updated_at", "ALTER TABLE torrents ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0"},
	}
	for _, col := range added {
		if columns[col.name] {
			continue
		}
		if _, err := tx.ExecContext(ctx, col.ddl); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func tableColumns(ctx context.Context, tx *sql.Tx, table string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, "SELECT name FROM pragma_table_info(?)", table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// SaveTorrent upserts a record in a single statement. The legacy columns are
// kept filled so an older client can still read the row.
func (r *Repository) SaveTorrent(ctx context.Context, rec domain.TorrentRecord) error {
	rec.SchemaVersion = domain.RecordSchemaVersion
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	kind, source := legacySource(rec.Source)
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO torrents (info_hash, save_path, type, source, schema_version, record, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(info_hash) DO UPDATE SET
			save_path = excluded.save_path,
			type = excluded.type,
			source = excluded.source,
			schema_version = excluded.schema_version,
			record = excluded.record,
			updated_at = excluded.updated_at`,
		string(rec.InfoHash), rec.SavePath, kind, source, rec.SchemaVersion, string(payload), r.now().UTC().Unix(),
	)
	return err
}

func (r *Repository) DeleteTorrent(ctx context.Context, ih domain.InfoHash) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM torrents WHERE info_hash = ?", string(ih))
	return err
}

// LoadTorrents returns every row that decodes and validates. Rows that do
// not are reported as issues and left untouched in the table.
func (r *Repository) LoadTorrents(ctx context.Context) ([]domain.TorrentRecord, []domain.LoadIssue, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT info_hash, save_path, type, source, schema_version, record
		FROM torrents ORDER BY rowid`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var (
		records []domain.TorrentRecord
		issues  []domain.LoadIssue
	)
	for rows.Next() {
		var (
			key      string
			row      legacyRow
			version  int
			recordJS sql.NullString
		)
		if err := rows.Scan(&key, &row.savePath, &row.kind, &row.source, &version, &recordJS); err != nil {
			issues = append(issues, domain.LoadIssue{Key: key, Reason: "scan: " + err.Error()})
			continue
		}
		rec, err := r.decode(key, version, row, recordJS)
		if err != nil {
			issues = append(issues, domain.LoadIssue{Key: key, Reason: err.Error()})
			continue
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return records, issues, nil
}

type legacyRow struct {
	savePath string
	kind     string
	source   string
}

func (r *Repository) decode(key string, version int, row legacyRow, recordJS sql.NullString) (domain.TorrentRecord, error) {
	switch {
	case version > domain.RecordSchemaVersion:
		return domain.TorrentRecord{}, fmt.Errorf("%w: %d is newer than %d", domain.ErrSchemaVersion, version, domain.RecordSchemaVersion)
	case version == 0:
		return r.upgradeLegacy(key, row)
	}

	if !recordJS.Valid || recordJS.String == "" {
		return domain.TorrentRecord{}, errors.New("record column is empty")
	}
	var rec domain.TorrentRecord
	if err := json.Unmarshal([]byte(recordJS.String), &rec); err != nil {
		return domain.TorrentRecord{}, fmt.Errorf("decode record: %w", err)
	}
	rec.SchemaVersion = version
	if string(rec.InfoHash) != key {
		return domain.TorrentRecord{}, fmt.Errorf("record infoHash %q does not match key", rec.InfoHash)
	}
	if err := rec.Validate(); err != nil {
		return domain.TorrentRecord{}, err
	}
	return rec, nil
}

// upgradeLegacy turns a row written by the original client into a record
// that still needs its metadata resolved.
func (r *Repository) upgradeLegacy(key string, row legacyRow) (domain.TorrentRecord, error) {
	ih, err := domain.ParseInfoHash(key)
	if err != nil {
		return domain.TorrentRecord{}, err
	}
	src := domain.Source{InfoHash: ih}
	switch strings.ToLower(row.kind) {
	case "magnet":
		src.Kind = domain.SourceMagnet
		src.Magnet = row.source
	case "file", "torrent", "torrent_file":
		src.Kind = domain.SourceTorrentFile
		src.TorrentPath = row.source
	case "infohash":
		src.Kind = domain.SourceInfoHash
	default:
		return domain.TorrentRecord{}, fmt.Errorf("unknown legacy source type %q", row.kind)
	}
	now := r.now().UTC()
	rec := domain.TorrentRecord{
		SchemaVersion: domain.RecordSchemaVersion,
		InfoHash:      ih,
		State:         domain.StateResolving,
		SavePath:      row.savePath,
		Source:        src,
		CreatedAt:     now,
		LastActivity:  now,
	}
	if err := rec.Validate(); err != nil {
		return domain.TorrentRecord{}, err
	}
	return rec, nil
}

func legacySource(src domain.Source) (kind, value string) {
	switch src.Kind {
	case domain.SourceMagnet:
		return "magnet", src.Magnet
	case domain.SourceTorrentFile:
		return "file", src.TorrentPath
	default:
		return "infohash", string(src.InfoHash)
	}
}

func (r *Repository) LoadSettings(ctx context.Context) (domain.Settings, bool, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", settingsKey).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Settings{}, false, nil
		}
		return domain.Settings{}, false, err
	}
	var s domain.Settings
	if err := json.Unmarshal([]byte(value), &s); err != nil {
		return domain.Settings{}, false, fmt.Errorf("%w: settings: %v", domain.ErrCorruptRecord, err)
	}
	if s.SchemaVersion > domain.RecordSchemaVersion {
		return domain.Settings{}, false, fmt.Errorf("%w: settings version %d", domain.ErrSchemaVersion, s.SchemaVersion)
	}
	if s.BandwidthSchedules == nil {
		s.BandwidthSchedules = []domain.ScheduleRule{}
	}
	return s, true, nil
}

func (r *Repository) SaveSettings(ctx context.Context, s domain.Settings) error {
	s.SchemaVersion = domain.RecordSchemaVersion
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		settingsKey, string(payload),
	)
	return err
}
