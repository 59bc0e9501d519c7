package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const integrationColumns = `id, user_id, type, label, url, api_key_encrypted, created_at`

// CreateIntegration inserts an integration for its owner.
func (s *Store) CreateIntegration(ctx context.Context, in *Integration) error {
	in.CreatedAt = nowUnix()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO integrations (user_id, type, label, url, api_key_encrypted, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		in.UserID, in.Type, in.Label, in.URL, in.APIKeyEncrypted, in.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrLabelTaken
		}
		return fmt.Errorf("create integration: %w", err)
	}

	in.ID, err = res.LastInsertId()
	return err
}

// ListIntegrations returns the integrations owned by userID.
func (s *Store) ListIntegrations(ctx context.Context, userID int64) ([]Integration, error) {
	out := []Integration{}
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+integrationColumns+` FROM integrations WHERE user_id = ? ORDER BY label COLLATE NOCASE`, userID)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	return out, nil
}

// GetIntegration returns an integration owned by userID.
func (s *Store) GetIntegration(ctx context.Context, userID, id int64) (*Integration, error) {
	var in Integration
	err := s.db.GetContext(ctx, &in,
		`SELECT `+integrationColumns+` FROM integrations WHERE id = ? AND user_id = ?`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return &in, nil
}

// DeleteIntegration removes an owned integration.
func (s *Store) DeleteIntegration(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM integrations WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	return expectOne(res)
}
