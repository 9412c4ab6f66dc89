package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the document store of record.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection avoids SQLite writer lock contention between goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memcells (
			event_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			group_id TEXT NOT NULL DEFAULT '',
			timestamp_ms INTEGER NOT NULL,
			source_type TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			episode TEXT NOT NULL DEFAULT '',
			keywords_json TEXT NOT NULL DEFAULT '[]',
			embedding_json TEXT NOT NULL DEFAULT '[]',
			version INTEGER NOT NULL,
			profiled_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memcells_user_idx ON memcells(user_id, profiled_at_ms, timestamp_ms);`,
		`CREATE INDEX IF NOT EXISTS memcells_group_idx ON memcells(group_id, timestamp_ms);`,
		`CREATE TABLE IF NOT EXISTS cluster_states (
			group_id TEXT PRIMARY KEY,
			state_json TEXT NOT NULL,
			version INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS profiles (
			user_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			profile_json TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY(user_id, version)
		);`,
		`CREATE TABLE IF NOT EXISTS index_aliases (
			alias TEXT PRIMARY KEY,
			physical TEXT NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sync_watermarks (
			entity_key TEXT NOT NULL,
			target TEXT NOT NULL,
			version INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			updated_at_ms INTEGER NOT NULL,
			PRIMARY KEY(entity_key, target)
		);`,
		`CREATE TABLE IF NOT EXISTS memory_jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			scope_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			attempts INTEGER NOT NULL DEFAULT 0,
			payload_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			run_after_ms INTEGER NOT NULL,
			lease_until_ms INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			completed_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS memory_jobs_claim_idx ON memory_jobs(status, run_after_ms, lease_until_ms, priority, created_at_ms);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite (%s): %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func fromMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func encodeJSON(v any, empty string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func decodeStrings(raw string) []string {
	var out []string
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func decodeVector(raw string) []float32 {
	var out []float32
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PutMemCell stores cell if its event id is new and returns the stored copy.
// Memory units are immutable: a second put of the same event id is a no-op.
func (s *SQLiteStore) PutMemCell(ctx context.Context, cell MemCell) (MemCell, error) {
	if strings.TrimSpace(cell.EventID) == "" {
		return MemCell{}, fmt.Errorf("put memcell: missing event_id: %w", ErrInvalidInput)
	}
	if err := insertMemCell(ctx, s.db, cell); err != nil {
		return MemCell{}, err
	}
	return s.GetMemCell(ctx, cell.EventID)
}

func insertMemCell(ctx context.Context, ex execer, cell MemCell) error {
	if cell.Version == 0 {
		cell.Version = nowMS()
	}
	_, err := ex.ExecContext(ctx, `
INSERT INTO memcells(event_id, user_id, group_id, timestamp_ms, source_type, title, summary, episode, keywords_json, embedding_json, version, profiled_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING`,
		cell.EventID,
		cell.UserID,
		cell.GroupID,
		toMS(cell.Timestamp),
		string(cell.SourceType),
		cell.Title,
		cell.Summary,
		cell.Episode,
		encodeJSON(cell.Keywords, "[]"),
		encodeJSON(cell.Embedding, "[]"),
		cell.Version,
		cell.ProfiledAtMS,
	)
	if err != nil {
		return fmt.Errorf("insert memcell %s: %w", cell.EventID, err)
	}
	return nil
}

const memcellColumns = `event_id, user_id, group_id, timestamp_ms, source_type, title, summary, episode, keywords_json, embedding_json, version, profiled_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemCell(row rowScanner) (MemCell, error) {
	var (
		cell                      MemCell
		tsMS                      int64
		sourceType                string
		keywordsRaw, embeddingRaw string
	)
	if err := row.Scan(&cell.EventID, &cell.UserID, &cell.GroupID, &tsMS, &sourceType, &cell.Title, &cell.Summary, &cell.Episode, &keywordsRaw, &embeddingRaw, &cell.Version, &cell.ProfiledAtMS); err != nil {
		return MemCell{}, err
	}
	cell.Timestamp = fromMS(tsMS)
	cell.SourceType = SourceType(sourceType)
	cell.Keywords = decodeStrings(keywordsRaw)
	cell.Embedding = decodeVector(embeddingRaw)
	return cell, nil
}

func (s *SQLiteStore) GetMemCell(ctx context.Context, eventID string) (MemCell, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memcellColumns+` FROM memcells WHERE event_id = ?`, eventID)
	cell, err := scanMemCell(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MemCell{}, fmt.Errorf("get memcell %s: %w", eventID, ErrNotFound)
		}
		return MemCell{}, fmt.Errorf("get memcell: %w", err)
	}
	return cell, nil
}

// DeleteMemCell removes a memory unit. Deleting a missing unit is not an error.
func (s *SQLiteStore) DeleteMemCell(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM memcells WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("delete memcell: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMemCells(ctx context.Context, q MemCellQuery) ([]MemCell, error) {
	if q.Limit <= 0 {
		q.Limit = 500
	}
	var (
		where []string
		args  []any
	)
	if q.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, q.GroupID)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp_ms >= ?")
		args = append(args, q.Since.UnixMilli())
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp_ms < ?")
		args = append(args, q.Until.UnixMilli())
	}
	if q.OnlyUnprofiled {
		where = append(where, "profiled_at_ms = 0")
	}
	if q.AfterEventID != "" {
		where = append(where, "event_id > ?")
		args = append(args, q.AfterEventID)
	}
	query := `SELECT ` + memcellColumns + ` FROM memcells`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY event_id ASC LIMIT ?`
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memcells: %w", err)
	}
	defer rows.Close()

	out := []MemCell{}
	for rows.Next() {
		cell, err := scanMemCell(rows)
		if err != nil {
			return nil, fmt.Errorf("scan memcell: %w", err)
		}
		out = append(out, cell)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountUnprofiled(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memcells WHERE user_id = ? AND profiled_at_ms = 0`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unprofiled memcells: %w", err)
	}
	return n, nil
}

// LoadClusterState returns the stored state for groupID, or an empty state at
// version 0 when the group has never been clustered.
func (s *SQLiteStore) LoadClusterState(ctx context.Context, groupID string) (ClusterState, error) {
	var raw string
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT state_json, version FROM cluster_states WHERE group_id = ?`, groupID).Scan(&raw, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NewClusterState(groupID), nil
		}
		return ClusterState{}, fmt.Errorf("load cluster state: %w", err)
	}
	state := NewClusterState(groupID)
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return ClusterState{}, fmt.Errorf("decode cluster state %s: %w", groupID, err)
	}
	if state.Clusters == nil {
		state.Clusters = map[string]Cluster{}
	}
	if state.Assignments == nil {
		state.Assignments = map[string]string{}
	}
	state.GroupID = groupID
	state.Version = version
	return state, nil
}

// SaveClusterState writes state if state.Version is exactly one above the
// stored version, and returns ErrStaleVersion otherwise.
func (s *SQLiteStore) SaveClusterState(ctx context.Context, state ClusterState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save cluster state begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := saveClusterStateTx(ctx, tx, state); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save cluster state commit: %w", err)
	}
	return nil
}

func saveClusterStateTx(ctx context.Context, tx *sql.Tx, state ClusterState) error {
	if strings.TrimSpace(state.GroupID) == "" {
		return fmt.Errorf("save cluster state: missing group_id: %w", ErrInvalidInput)
	}
	var stored int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM cluster_states WHERE group_id = ?`, state.GroupID).Scan(&stored)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read cluster state version: %w", err)
	}
	if state.Version != stored+1 {
		return fmt.Errorf("cluster state %s version %d (stored %d): %w", state.GroupID, state.Version, stored, ErrStaleVersion)
	}
	if state.UpdatedAt.IsZero() {
		state.UpdatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO cluster_states(group_id, state_json, version, updated_at_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(group_id) DO UPDATE SET
	state_json = excluded.state_json,
	version = excluded.version,
	updated_at_ms = excluded.updated_at_ms`,
		state.GroupID, encodeJSON(state, "{}"), state.Version, toMS(state.UpdatedAt))
	if err != nil {
		return fmt.Errorf("write cluster state: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListGroups(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id FROM cluster_states ORDER BY group_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func decodeProfile(raw string) (Profile, error) {
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Profile{}, err
	}
	if p.Facts == nil {
		p.Facts = map[string]ProfileFact{}
	}
	return p, nil
}

// GetProfile returns the latest version of a user's profile.
func (s *SQLiteStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
SELECT profile_json FROM profiles
WHERE user_id = ?
ORDER BY version DESC
LIMIT 1`, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, fmt.Errorf("get profile %s: %w", userID, ErrNotFound)
		}
		return Profile{}, fmt.Errorf("get profile: %w", err)
	}
	p, err := decodeProfile(raw)
	if err != nil {
		return Profile{}, fmt.Errorf("decode profile %s: %w", userID, err)
	}
	return p, nil
}

// SaveProfile writes a profile version. A version below the latest stored one
// is rejected with ErrStaleVersion; the latest version is overwritten in place.
func (s *SQLiteStore) SaveProfile(ctx context.Context, profile Profile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save profile begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := saveProfileTx(ctx, tx, profile); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save profile commit: %w", err)
	}
	return nil
}

func saveProfileTx(ctx context.Context, tx *sql.Tx, profile Profile) error {
	if strings.TrimSpace(profile.UserID) == "" {
		return fmt.Errorf("save profile: missing user_id: %w", ErrInvalidInput)
	}
	if profile.Version <= 0 {
		profile.Version = 1
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = time.Now().UTC()
	}
	var latest sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM profiles WHERE user_id = ?`, profile.UserID).Scan(&latest); err != nil {
		return fmt.Errorf("read profile version: %w", err)
	}
	if latest.Valid && profile.Version < latest.Int64 {
		return fmt.Errorf("profile %s version %d (stored %d): %w", profile.UserID, profile.Version, latest.Int64, ErrStaleVersion)
	}
	_, err := tx.ExecContext(ctx, `
INSERT INTO profiles(user_id, version, profile_json, updated_at_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(user_id, version) DO UPDATE SET
	profile_json = excluded.profile_json,
	updated_at_ms = excluded.updated_at_ms`,
		profile.UserID, profile.Version, encodeJSON(profile, "{}"), toMS(profile.UpdatedAt))
	if err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}

// checkProfileBaseTx fails with ErrStaleVersion unless the latest stored
// profile of userID is still the revision base.
func checkProfileBaseTx(ctx context.Context, tx *sql.Tx, userID string, base ProfileBase) error {
	var version, updatedMS int64
	err := tx.QueryRowContext(ctx, `
SELECT version, updated_at_ms FROM profiles
WHERE user_id = ?
ORDER BY version DESC
LIMIT 1`, userID).Scan(&version, &updatedMS)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		version, updatedMS = 0, 0
	case err != nil:
		return fmt.Errorf("read profile revision: %w", err)
	}
	if version != base.Version || updatedMS != toMS(base.UpdatedAt) {
		return fmt.Errorf("profile %s moved from version %d to %d: %w", userID, base.Version, version, ErrStaleVersion)
	}
	return nil
}

// ListProfiles pages through the latest profile of every user by user id.
func (s *SQLiteStore) ListProfiles(ctx context.Context, afterUserID string, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT p.profile_json
FROM profiles p
JOIN (
	SELECT user_id, MAX(version) AS version
	FROM profiles
	WHERE user_id > ?
	GROUP BY user_id
	ORDER BY user_id ASC
	LIMIT ?
) latest ON latest.user_id = p.user_id AND latest.version = p.version
ORDER BY p.user_id ASC`, afterUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	return scanProfiles(rows)
}

func (s *SQLiteStore) ListProfileVersions(ctx context.Context, userID string, limit int) ([]Profile, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT profile_json FROM profiles
WHERE user_id = ?
ORDER BY version DESC
LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list profile versions: %w", err)
	}
	return scanProfiles(rows)
}

func scanProfiles(rows *sql.Rows) ([]Profile, error) {
	defer rows.Close()
	out := []Profile{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		p, err := decodeProfile(raw)
		if err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CommitConsolidation persists one run's units, cluster state, profiles,
// profiled markers and outbox jobs in a single transaction.
func (s *SQLiteStore) CommitConsolidation(ctx context.Context, commit ConsolidationCommit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit consolidation begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, cell := range commit.Cells {
		if err := insertMemCell(ctx, tx, cell); err != nil {
			return err
		}
	}
	if err := saveClusterStateTx(ctx, tx, commit.State); err != nil {
		return err
	}
	for _, p := range commit.Profiles {
		if base, ok := commit.ProfileBases[p.UserID]; ok {
			if err := checkProfileBaseTx(ctx, tx, p.UserID, base); err != nil {
				return err
			}
		}
		if err := saveProfileTx(ctx, tx, p); err != nil {
			return err
		}
	}
	if len(commit.ProfiledIDs) > 0 {
		at := nowMS()
		for _, id := range commit.ProfiledIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE memcells SET profiled_at_ms = ? WHERE event_id = ? AND profiled_at_ms = 0`, at, id); err != nil {
				return fmt.Errorf("mark memcell profiled: %w", err)
			}
		}
	}
	for _, job := range commit.Jobs {
		if err := enqueueJob(ctx, tx, job); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit consolidation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetSyncWatermark(ctx context.Context, key string, target SyncTarget) (int64, bool, error) {
	var version int64
	var deleted int
	err := s.db.QueryRowContext(ctx, `SELECT version, deleted FROM sync_watermarks WHERE entity_key = ? AND target = ?`, key, string(target)).Scan(&version, &deleted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("get sync watermark: %w", err)
	}
	return version, deleted == 1, nil
}

// AdvanceSyncWatermark records a synced version. Lower versions never replace
// higher ones.
func (s *SQLiteStore) AdvanceSyncWatermark(ctx context.Context, key string, target SyncTarget, version int64, deleted bool) error {
	flag := 0
	if deleted {
		flag = 1
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sync_watermarks(entity_key, target, version, deleted, updated_at_ms)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(entity_key, target) DO UPDATE SET
	version = excluded.version,
	deleted = excluded.deleted,
	updated_at_ms = excluded.updated_at_ms
WHERE excluded.version >= sync_watermarks.version`, key, string(target), version, flag, nowMS())
	if err != nil {
		return fmt.Errorf("advance sync watermark: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAlias(ctx context.Context, alias string) (string, error) {
	var physical string
	err := s.db.QueryRowContext(ctx, `SELECT physical FROM index_aliases WHERE alias = ?`, alias).Scan(&physical)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("alias %s: %w", alias, ErrNotFound)
		}
		return "", fmt.Errorf("get alias: %w", err)
	}
	return physical, nil
}

func (s *SQLiteStore) SetAlias(ctx context.Context, alias, physical string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO index_aliases(alias, physical, updated_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(alias) DO UPDATE SET
	physical = excluded.physical,
	updated_at_ms = excluded.updated_at_ms`, alias, physical, nowMS())
	if err != nil {
		return fmt.Errorf("set alias: %w", err)
	}
	return nil
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job Job) error {
	return enqueueJob(ctx, s.db, job)
}

func enqueueJob(ctx context.Context, ex execer, job Job) error {
	now := nowMS()
	if job.ID == "" {
		job.ID = "job-" + uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.Priority == 0 {
		job.Priority = 100
	}
	if job.RunAfterMS == 0 {
		job.RunAfterMS = now
	}
	if job.CreatedAtMS == 0 {
		job.CreatedAtMS = now
	}
	if job.UpdatedAtMS == 0 {
		job.UpdatedAtMS = now
	}

	_, err := ex.ExecContext(ctx, `
INSERT INTO memory_jobs(id, job_type, scope_key, status, priority, attempts, payload_json, error, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	priority = excluded.priority,
	payload_json = excluded.payload_json,
	error = excluded.error,
	run_after_ms = excluded.run_after_ms,
	lease_until_ms = excluded.lease_until_ms,
	updated_at_ms = excluded.updated_at_ms,
	completed_at_ms = excluded.completed_at_ms`,
		job.ID,
		job.JobType,
		job.ScopeKey,
		job.Status,
		job.Priority,
		job.Attempts,
		encodeJSON(job.Payload, "{}"),
		job.Error,
		job.RunAfterMS,
		job.LeaseUntilMS,
		job.CreatedAtMS,
		job.UpdatedAtMS,
		job.CompletedAtMS,
	)
	if err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

// ClaimNextJob leases the next runnable job. Jobs whose lease expired are
// claimable again.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error) {
	if leaseForMS <= 0 {
		leaseForMS = 60_000
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
SELECT id, job_type, scope_key, status, priority, attempts, payload_json, error, run_after_ms, lease_until_ms, created_at_ms, updated_at_ms, completed_at_ms
FROM memory_jobs
WHERE run_after_ms <= ?
AND (status = ? OR (status = ? AND lease_until_ms <= ?))
ORDER BY priority ASC, created_at_ms ASC
LIMIT 1`, nowMS, JobPending, JobRunning, nowMS)

	var job Job
	var payloadRaw string
	if err := row.Scan(&job.ID, &job.JobType, &job.ScopeKey, &job.Status, &job.Priority, &job.Attempts, &payloadRaw, &job.Error, &job.RunAfterMS, &job.LeaseUntilMS, &job.CreatedAtMS, &job.UpdatedAtMS, &job.CompletedAtMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, false, nil
		}
		return Job{}, false, fmt.Errorf("claim next job select: %w", err)
	}

	leaseUntil := nowMS + leaseForMS
	res, err := tx.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, lease_until_ms = ?, updated_at_ms = ?, attempts = attempts + 1, error = ''
WHERE id = ? AND (status = ? OR (status = ? AND lease_until_ms <= ?))`, JobRunning, leaseUntil, nowMS, job.ID, JobPending, JobRunning, nowMS)
	if err != nil {
		return Job{}, false, fmt.Errorf("claim next job update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return Job{}, false, nil
	}

	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("claim next job commit: %w", err)
	}

	job.Status = JobRunning
	job.Attempts++
	job.LeaseUntilMS = leaseUntil
	job.UpdatedAtMS = nowMS
	job.Payload = decodeMap(payloadRaw)
	return job, true, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, completed_at_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobCompleted, now, now, id)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// RetryJob returns a job to the queue, runnable again at runAfterMS.
func (s *SQLiteStore) RetryJob(ctx context.Context, id, errMsg string, runAfterMS int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, error = ?, run_after_ms = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobPending, errMsg, runAfterMS, nowMS(), id)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string) error {
	now := nowMS()
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, error = ?, updated_at_ms = ?, lease_until_ms = 0
WHERE id = ?`, JobFailed, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RequeueExpiredJobs(ctx context.Context, nowMS int64) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE memory_jobs
SET status = ?, updated_at_ms = ?, error = ''
WHERE status = ? AND lease_until_ms > 0 AND lease_until_ms <= ?`, JobPending, nowMS, JobRunning, nowMS)
	if err != nil {
		return fmt.Errorf("requeue expired jobs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountJobs(ctx context.Context, status string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memory_jobs WHERE status = ?`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}
