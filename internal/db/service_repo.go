package db

import (
	"context"
	"database/sql"
	"fmt"
)

type ServiceRepo struct {
	db *sql.DB
}

func NewServiceRepo(db *sql.DB) *ServiceRepo {
	return &ServiceRepo{db: db}
}

func (r *ServiceRepo) Create(ctx context.Context, svc *Service) error {
	if svc.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		svc.ID = id
	}
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = nowUTC()
	}
	if svc.UpdatedAt.IsZero() {
		svc.UpdatedAt = svc.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO services (id, name, kind, host, port, status, image_id, template, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, svc.ID, svc.Name, svc.Kind, svc.Host, svc.Port, svc.Status, svc.ImageID, svc.Template, formatTimestamp(svc.CreatedAt), formatTimestamp(svc.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return nil
}

func (r *ServiceRepo) Get(ctx context.Context, id string) (*Service, error) {
	var s Service
	var createdAtRaw, updatedAtRaw string

	err := r.db.QueryRowContext(ctx, `
SELECT id, name, kind, host, port, status, image_id, template, created_at, updated_at
FROM services
WHERE id = ?
`, id).Scan(&s.ID, &s.Name, &s.Kind, &s.Host, &s.Port, &s.Status, &s.ImageID, &s.Template, &createdAtRaw, &updatedAtRaw)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get service %q: %w", id, err)
	}

	s.CreatedAt, err = parseTimestamp(createdAtRaw)
	if err != nil {
		return nil, err
	}
	s.UpdatedAt, err = parseTimestamp(updatedAtRaw)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *ServiceRepo) List(ctx context.Context) ([]*Service, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, name, kind, host, port, status, image_id, template, created_at, updated_at
FROM services
ORDER BY name ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	var services []*Service
	for rows.Next() {
		var s Service
		var createdAtRaw, updatedAtRaw string
		if err := rows.Scan(&s.ID, &s.Name, &s.Kind, &s.Host, &s.Port, &s.Status, &s.ImageID, &s.Template, &createdAtRaw, &updatedAtRaw); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		if s.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
			return nil, err
		}
		if s.UpdatedAt, err = parseTimestamp(updatedAtRaw); err != nil {
			return nil, err
		}
		services = append(services, &s)
	}
	return services, rows.Err()
}

func (r *ServiceRepo) Update(ctx context.Context, svc *Service) error {
	svc.UpdatedAt = nowUTC()
	res, err := r.db.ExecContext(ctx, `
UPDATE services
SET name = ?, kind = ?, host = ?, port = ?, status = ?, image_id = ?, template = ?, updated_at = ?
WHERE id = ?
`, svc.Name, svc.Kind, svc.Host, svc.Port, svc.Status, svc.ImageID, svc.Template, formatTimestamp(svc.UpdatedAt), svc.ID)
	if err != nil {
		return fmt.Errorf("failed to update service %q: %w", svc.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check service update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("service %q not found", svc.ID)
	}
	return nil
}

func (r *ServiceRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete service %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check service delete: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("service %q not found", id)
	}
	return nil
}
