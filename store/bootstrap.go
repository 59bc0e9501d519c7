package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/s0up4200/qbitgate/auth"
)

const (
	// DefaultAdminUsername is the account created when registration is
	// disabled on an empty database.
	DefaultAdminUsername = "admin"

	bootstrapPasswordLength = 20
)

// BootstrapOptions controls first-start account provisioning.
type BootstrapOptions struct {
	AuthDisabled         bool
	RegistrationDisabled bool
	AdminUsername        string
	HashParams           auth.Params
}

// BootstrapResult reports what Bootstrap provisioned.
type BootstrapResult struct {
	// AdminUsername is set when an administrative user was created.
	AdminUsername string
	// AdminPassword holds the generated plaintext password; nil otherwise.
	AdminPassword *OneTimePassword
}

// OneTimePassword hands out a generated plaintext password exactly once.
type OneTimePassword struct {
	mu    sync.Mutex
	value string
	taken bool
}

// Reveal returns the password on the first call and clears it. Later calls
// return false.
func (p *OneTimePassword) Reveal() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.taken {
		return "", false
	}
	v := p.value
	p.value = ""
	p.taken = true
	return v, true
}

// Bootstrap provisions the guest user when authentication is disabled, and
// an administrator with a generated password when registration is disabled
// and no accounts exist yet. Only the password hash is stored.
func (s *Store) Bootstrap(ctx context.Context, opts BootstrapOptions) (*BootstrapResult, error) {
	result := &BootstrapResult{}

	if opts.AuthDisabled {
		if err := s.EnsureGuest(ctx); err != nil {
			return nil, err
		}
		return result, nil
	}

	if !opts.RegistrationDisabled {
		return result, nil
	}

	n, err := s.CountUsers(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return result, nil
	}

	username := opts.AdminUsername
	if username == "" {
		username = DefaultAdminUsername
	}

	password, err := auth.GeneratePassword(bootstrapPasswordLength)
	if err != nil {
		return nil, fmt.Errorf("generate admin password: %w", err)
	}

	hash, err := auth.HashPassword(password, opts.HashParams)
	if err != nil {
		return nil, fmt.Errorf("hash admin password: %w", err)
	}

	if _, err := s.CreateUser(ctx, username, hash); err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return result, nil
		}
		return nil, err
	}

	s.logger.Info().Str("username", username).Msg("Created administrative user")

	result.AdminUsername = username
	result.AdminPassword = &OneTimePassword{value: password}
	return result, nil
}
