package store

// User is a dashboard account. Timestamps are Unix seconds.
type User struct {
	ID           int64  `db:"id" json:"id"`
	Username     string `db:"username" json:"username"`
	PasswordHash string `db:"password_hash" json:"-"`
	CreatedAt    int64  `db:"created_at" json:"created_at"`
}

// Instance is a connection profile for one remote qBittorrent WebUI.
// PasswordEncrypted holds Secret Codec ciphertext, never plaintext.
type Instance struct {
	ID                int64  `db:"id"`
	UserID            int64  `db:"user_id"`
	Label             string `db:"label"`
	URL               string `db:"url"`
	Username          string `db:"qbt_username"`
	PasswordEncrypted string `db:"qbt_password_encrypted"`
	SkipAuth          bool   `db:"skip_auth"`
	CreatedAt         int64  `db:"created_at"`
}

// HasPassword reports whether an upstream password is stored.
func (i *Instance) HasPassword() bool {
	return i.PasswordEncrypted != ""
}

// Session is a dashboard login session.
type Session struct {
	ID        string `db:"id"`
	UserID    int64  `db:"user_id"`
	ExpiresAt int64  `db:"expires_at"`
}

// Integration holds credentials for an auxiliary service such as Prowlarr.
type Integration struct {
	ID              int64  `db:"id"`
	UserID          int64  `db:"user_id"`
	Type            string `db:"type"`
	Label           string `db:"label"`
	URL             string `db:"url"`
	APIKeyEncrypted string `db:"api_key_encrypted"`
	CreatedAt       int64  `db:"created_at"`
}
