package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const instanceColumns = `id, user_id, label, url,
	COALESCE(qbt_username, '') AS qbt_username,
	COALESCE(qbt_password_encrypted, '') AS qbt_password_encrypted,
	COALESCE(skip_auth, 0) AS skip_auth,
	COALESCE(created_at, 0) AS created_at`

// CreateInstance inserts an instance profile for its owner. The ID and
// CreatedAt fields are filled in on success.
func (s *Store) CreateInstance(ctx context.Context, inst *Instance) error {
	inst.CreatedAt = nowUnix()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO instances (user_id, label, url, qbt_username, qbt_password_encrypted, skip_auth, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.UserID, inst.Label, inst.URL, nullable(inst.Username), nullable(inst.PasswordEncrypted), inst.SkipAuth, inst.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrLabelTaken
		}
		return fmt.Errorf("create instance: %w", err)
	}

	inst.ID, err = res.LastInsertId()
	return err
}

// ListInstances returns all instances owned by userID ordered by label.
func (s *Store) ListInstances(ctx context.Context, userID int64) ([]Instance, error) {
	out := []Instance{}
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+instanceColumns+` FROM instances WHERE user_id = ? ORDER BY label COLLATE NOCASE`, userID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return out, nil
}

// GetInstance returns the instance with id when it belongs to userID.
// Instances owned by other users are reported as ErrNotFound.
func (s *Store) GetInstance(ctx context.Context, userID, id int64) (*Instance, error) {
	var inst Instance
	err := s.db.GetContext(ctx, &inst,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ? AND user_id = ?`, id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return &inst, nil
}

// UpdateInstance overwrites the mutable fields of an owned instance.
func (s *Store) UpdateInstance(ctx context.Context, inst *Instance) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE instances SET label = ?, url = ?, qbt_username = ?, qbt_password_encrypted = ?, skip_auth = ?
WHERE id = ? AND user_id = ?`,
		inst.Label, inst.URL, nullable(inst.Username), nullable(inst.PasswordEncrypted), inst.SkipAuth, inst.ID, inst.UserID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrLabelTaken
		}
		return fmt.Errorf("update instance: %w", err)
	}
	return expectOne(res)
}

// DeleteInstance removes an owned instance.
func (s *Store) DeleteInstance(ctx context.Context, userID, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM instances WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return expectOne(res)
}

func nullable(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
