package db

import (
	"context"
	"database/sql"
	"fmt"
)

type ImageRepo struct {
	db *sql.DB
}

func NewImageRepo(db *sql.DB) *ImageRepo {
	return &ImageRepo{db: db}
}

func (r *ImageRepo) Create(ctx context.Context, img *Image) error {
	if img.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		img.ID = id
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = nowUTC()
	}
	if img.UpdatedAt.IsZero() {
		img.UpdatedAt = img.CreatedAt
	}
	labels, err := encodeStringSlice(img.Labels)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO images (id, name, tag, digest, size_bytes, status, template, tags, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, img.ID, img.Name, img.Tag, img.Digest, img.SizeBytes, img.Status, img.Template, labels, formatTimestamp(img.CreatedAt), formatTimestamp(img.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	return nil
}

func (r *ImageRepo) Get(ctx context.Context, id string) (*Image, error) {
	var img Image
	var labelsRaw, createdAtRaw, updatedAtRaw string

	err := r.db.QueryRowContext(ctx, `
SELECT id, name, tag, digest, size_bytes, status, template, tags, created_at, updated_at
FROM images
WHERE id = ?
`, id).Scan(&img.ID, &img.Name, &img.Tag, &img.Digest, &img.SizeBytes, &img.Status, &img.Template, &labelsRaw, &createdAtRaw, &updatedAtRaw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get image %q: %w", id, err)
	}

	if img.Labels, err = decodeStringSlice(labelsRaw); err != nil {
		return nil, err
	}
	if img.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if img.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
		return nil, err
	}
	return &img, nil
}

func (r *ImageRepo) List(ctx context.Context) ([]*Image, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, tag, digest, size_bytes, status, template, tags, created_at, updated_at
FROM images
ORDER BY name ASC, tag ASC
`)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var images []*Image
	for rows.Next() {
		var img Image
		var labelsRaw, createdAtRaw, updatedAtRaw string
		if err := rows.Scan(&img.ID, &img.Name, &img.Tag, &img.Digest, &img.SizeBytes, &img.Status, &img.Template, &labelsRaw, &createdAtRaw, &updatedAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		if img.Labels, err = decodeStringSlice(labelsRaw); err != nil {
			return nil, err
		}
		if img.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		if img.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
			return nil, err
		}
		images = append(images, &img)
	}
	return images, rows.Err()
}

func (r *ImageRepo) UpdateStatus(ctx context.Context, id string, status string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE images SET status = ?, updated_at = ? WHERE id = ?
`, status, formatTimestamp(nowUTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update image status %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check image update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("image %q not found", id)
	}
	return nil
}

func (r *ImageRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete image %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check image delete: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("image %q not found", id)
	}
	return nil
}
