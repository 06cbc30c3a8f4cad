package db

import (
	"context"
	"database/sql"
	"fmt"
)

type DownloadRepo struct {
	db *sql.DB
}

func NewDownloadRepo(db *sql.DB) *DownloadRepo {
	return &DownloadRepo{db: db}
}

func (r *DownloadRepo) Create(ctx context.Context, dl *Download) error {
	if dl.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		dl.ID = id
	}
	if dl.CreatedAt.IsZero() {
		dl.CreatedAt = nowUTC()
	}
	if dl.UpdatedAt.IsZero() {
		dl.UpdatedAt = dl.CreatedAt
	}
	if dl.Status == "" {
		dl.Status = "pending"
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO downloads (id, name, url, status, size_bytes, downloaded_bytes, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, dl.ID, dl.Name, dl.URL, dl.Status, dl.SizeBytes, dl.DownloadedBytes, formatTimestamp(dl.CreatedAt), formatTimestamp(dl.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create download: %w", err)
	}
	return nil
}

func (r *DownloadRepo) Get(ctx context.Context, id string) (*Download, error) {
	var d Download
	var createdAtRaw, updatedAtRaw string

	err := r.db.QueryRowContext(ctx, `
SELECT id, name, url, status, size_bytes, downloaded_bytes, created_at, updated_at
FROM downloads
WHERE id = ?
`, id).Scan(&d.ID, &d.Name, &d.URL, &d.Status, &d.SizeBytes, &d.DownloadedBytes, &createdAtRaw, &updatedAtRaw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get download %q: %w", id, err)
	}

	if d.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DownloadRepo) List(ctx context.Context) ([]*Download, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, url, status, size_bytes, downloaded_bytes, created_at, updated_at
FROM downloads
ORDER BY created_at DESC, id DESC
`)
	if err != nil {
		return nil, fmt.Errorf("failed to list downloads: %w", err)
	}
	defer rows.Close()

	var downloads []*Download
	for rows.Next() {
		var d Download
		var createdAtRaw, updatedAtRaw string
		if err := rows.Scan(&d.ID, &d.Name, &d.URL, &d.Status, &d.SizeBytes, &d.DownloadedBytes, &createdAtRaw, &updatedAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		if d.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		if d.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
			return nil, err
		}
		downloads = append(downloads, &d)
	}
	return downloads, rows.Err()
}

// UpdateProgress merges one poll observation into the stored row.
func (r *DownloadRepo) UpdateProgress(ctx context.Context, id string, status string, downloadedBytes, sizeBytes int64) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE downloads
SET status = ?, downloaded_bytes = ?, size_bytes = ?, updated_at = ?
WHERE id = ?
`, status, downloadedBytes, sizeBytes, formatTimestamp(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update download %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check download update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("download %q not found", id)
	}
	return nil
}

func (r *DownloadRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete download %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check download delete: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("download %q not found", id)
	}
	return nil
}
