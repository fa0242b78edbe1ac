package history

import (
	"context"
	"database/sql"
	"strings"
	"time"
)

type Repository interface {
	CreateExport(ctx context.Context, rec *ExportRecord) error
	GetExport(ctx context.Context, id string) (*ExportRecord, error)
	ListExports(ctx context.Context, limit int) ([]*ExportRecord, error)
	UpdateExportStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateExportProgress(ctx context.Context, id string, progress int) error

	TouchRecentFile(ctx context.Context, path, format string, durationMs int64) error
	ListRecentFiles(ctx context.Context, limit int) ([]*RecentFile, error)

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) CreateExport(ctx context.Context, rec *ExportRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exports (id, source_path, output_path, output_format, status, progress, error, diagnostics, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.SourcePath, rec.OutputPath, rec.OutputFormat, rec.Status, rec.Progress,
		nullString(rec.Error), nullString(strings.Join(rec.Diagnostics, "\n")),
		rec.CreatedAt.Format(time.RFC3339), rec.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetExport(ctx context.Context, id string) (*ExportRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, source_path, output_path, output_format, status, progress, error, diagnostics, created_at, updated_at
		FROM exports WHERE id = ?
	`, id)
	return scanExport(row)
}

func (r *SQLiteRepository) ListExports(ctx context.Context, limit int) ([]*ExportRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source_path, output_path, output_format, status, progress, error, diagnostics, created_at, updated_at
		FROM exports ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ExportRecord
	for rows.Next() {
		rec, err := scanExport(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *SQLiteRepository) UpdateExportStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exports SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), time.Now().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteRepository) UpdateExportProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE exports SET progress = ?, updated_at = ? WHERE id = ?
	`, progress, time.Now().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteRepository) TouchRecentFile(ctx context.Context, path, format string, durationMs int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recent_files (path, format, duration_ms, last_opened_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET format = excluded.format, duration_ms = excluded.duration_ms, last_opened_at = excluded.last_opened_at
	`, path, nullString(format), durationMs, time.Now().Format(time.RFC3339Nano))
	return err
}

func (r *SQLiteRepository) ListRecentFiles(ctx context.Context, limit int) ([]*RecentFile, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT path, format, duration_ms, last_opened_at
		FROM recent_files ORDER BY last_opened_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []*RecentFile
	for rows.Next() {
		var f RecentFile
		var format sql.NullString
		var lastOpened string
		if err := rows.Scan(&f.Path, &format, &f.DurationMs, &lastOpened); err != nil {
			return nil, err
		}
		f.Format = format.String
		f.LastOpenedAt, _ = time.Parse(time.RFC3339Nano, lastOpened)
		files = append(files, &f)
	}
	return files, rows.Err()
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExport(row scanner) (*ExportRecord, error) {
	var rec ExportRecord
	var errMsg, diagnostics sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&rec.ID, &rec.SourcePath, &rec.OutputPath, &rec.OutputFormat,
		&rec.Status, &rec.Progress, &errMsg, &diagnostics, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.Error = errMsg.String
	if diagnostics.String != "" {
		rec.Diagnostics = strings.Split(diagnostics.String, "\n")
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &rec, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
