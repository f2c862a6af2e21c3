// Package storage はジョブストアの SQLite 実装と、変換済み TSX のローカル書き出しを提供します。
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourusername/subpage-forge/internal/jobs"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
    job_id        TEXT PRIMARY KEY,
    domain        TEXT NOT NULL DEFAULT '',
    raw_domain    TEXT NOT NULL DEFAULT '',
    branche       TEXT NOT NULL DEFAULT '',
    description   TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    created_at    DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS city_records (
    job_id            TEXT NOT NULL REFERENCES jobs(job_id),
    position          INTEGER NOT NULL,
    name              TEXT NOT NULL DEFAULT '',
    postcode          TEXT NOT NULL DEFAULT '',
    country           TEXT NOT NULL DEFAULT '',
    subpage_id        TEXT NOT NULL,
    status            TEXT NOT NULL DEFAULT 'pending',
    generated_content TEXT NOT NULL DEFAULT '',
    content_type      TEXT NOT NULL DEFAULT '',
    created_at        DATETIME NOT NULL,
    updated_at        DATETIME NOT NULL,
    PRIMARY KEY (job_id, position),
    UNIQUE (job_id, subpage_id)
);
`

// SQLiteStore は jobs.Store を SQLite で実装します。
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore はデータベースを開き、必要ならスキーマを作成します。
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// 書き込みは1本の接続に直列化する（SQLITE_BUSY を避ける）
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close はデータベース接続を閉じます。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job jobs.Job, cities []jobs.CityRecord) error {
	if job.JobID == "" {
		return fmt.Errorf("%w: job_id is required", jobs.ErrValidation)
	}
	if len(cities) == 0 {
		return fmt.Errorf("%w: job %s has no city records", jobs.ErrValidation, job.JobID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (job_id, domain, raw_domain, branche, description, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id) DO NOTHING`,
		job.JobID, job.Domain, job.RawDomain, job.Branche, job.Description, job.ErrorMessage, job.CreatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return jobs.DuplicateJob(job.JobID)
	}

	for i, c := range cities {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO city_records
			 (job_id, position, name, postcode, country, subpage_id, status, generated_content, content_type, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.JobID, i, c.Name, c.Postcode, c.Country, c.SubpageID, string(c.Status),
			c.GeneratedContent, c.ContentType, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	snap, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &snap.Job, nil
}

func (s *SQLiteStore) GetStatus(ctx context.Context, jobID string) (*jobs.Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, domain, raw_domain, branche, description, error_message, created_at
		 FROM jobs WHERE job_id = ?`, jobID,
	)
	var job jobs.Job
	err := row.Scan(&job.JobID, &job.Domain, &job.RawDomain, &job.Branche, &job.Description, &job.ErrorMessage, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.JobNotFound(jobID)
	}
	if err != nil {
		return nil, err
	}

	cities, err := s.loadCities(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Status = jobs.DeriveStatus(cities)
	return &jobs.Snapshot{Job: job, Cities: cities}, nil
}

// UpdateCityContent は status='pending' を条件にした1文の UPDATE で更新します。
func (s *SQLiteStore) UpdateCityContent(ctx context.Context, jobID string, key jobs.CityKey, update jobs.CityUpdate) (*jobs.CityRecord, error) {
	snap, err := s.GetStatus(ctx, jobID)
	if err != nil {
		return nil, err
	}
	idx := jobs.FindCity(snap.Cities, key)
	if idx < 0 {
		return nil, jobs.CityNotFound(jobID, key)
	}
	current := snap.Cities[idx]
	if !current.Status.CanTransition(update.Status) {
		return nil, jobs.InvalidTransition(current.Status, update.Status)
	}

	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE city_records
		 SET generated_content = ?, content_type = ?, status = ?, updated_at = ?
		 WHERE job_id = ? AND subpage_id = ? AND status = ?`,
		update.Content, update.ContentType, string(update.Status), now,
		jobID, current.SubpageID, string(jobs.CityPending),
	)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// 読み取り後に別の更新が先に確定した
		return nil, s.lostUpdate(ctx, jobID, current, update.Status)
	}

	current.GeneratedContent = update.Content
	current.ContentType = update.ContentType
	current.Status = update.Status
	current.UpdatedAt = now
	return &current, nil
}

// lostUpdate は条件付き UPDATE が競合で0件だった場合に、確定済みの状態を読み直してエラーにします。
func (s *SQLiteStore) lostUpdate(ctx context.Context, jobID string, rec jobs.CityRecord, to jobs.CityStatus) error {
	var winner string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM city_records WHERE job_id = ? AND subpage_id = ?`,
		jobID, rec.SubpageID,
	).Scan(&winner)
	if err != nil {
		return fmt.Errorf("%w: city %q is no longer pending", jobs.ErrInvalidTransition, rec.Name)
	}
	return jobs.InvalidTransition(jobs.CityStatus(winner), to)
}

func (s *SQLiteStore) loadCities(ctx context.Context, jobID string) ([]jobs.CityRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, name, postcode, country, subpage_id, status, generated_content, content_type, created_at, updated_at
		 FROM city_records WHERE job_id = ? ORDER BY position ASC`, jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cities []jobs.CityRecord
	for rows.Next() {
		var c jobs.CityRecord
		var status string
		if err := rows.Scan(&c.JobID, &c.Name, &c.Postcode, &c.Country, &c.SubpageID, &status,
			&c.GeneratedContent, &c.ContentType, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Status = jobs.CityStatus(status)
		cities = append(cities, c)
	}
	return cities, rows.Err()
}
