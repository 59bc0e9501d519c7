package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/s0up4200/qbitgate/auth"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fastParams() auth.Params {
	return auth.Params{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLen: 16, KeyLen: 32}
}

func TestOpenMigratesToLatest(t *testing.T) {
	s := openTestStore(t)

	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(4), v)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	u, err := s.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
}

func TestCreateUserUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	assert.Positive(t, id)

	_, err = s.CreateUser(ctx, "alice", "other")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	n, err := s.CountUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetUserNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetUserByUsername(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetUser(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInstanceLabelUniquePerUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	bob, err := s.CreateUser(ctx, "bob", "hash")
	require.NoError(t, err)

	require.NoError(t, s.CreateInstance(ctx, &Instance{UserID: alice, Label: "home", URL: "http://a:8080"}))
	require.NoError(t, s.CreateInstance(ctx, &Instance{UserID: bob, Label: "home", URL: "http://b:8080"}))

	err = s.CreateInstance(ctx, &Instance{UserID: alice, Label: "home", URL: "http://c:8080"})
	assert.ErrorIs(t, err, ErrLabelTaken)
}

func TestInstanceOwnershipScoping(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	alice, err := s.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	bob, err := s.CreateUser(ctx, "bob", "hash")
	require.NoError(t, err)

	inst := &Instance{UserID: alice, Label: "home", URL: "http://a:8080", Username: "admin", PasswordEncrypted: "v1:abc"}
	require.NoError(t, s.CreateInstance(ctx, inst))

	got, err := s.GetInstance(ctx, alice, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Username)
	assert.Equal(t, "v1:abc", got.PasswordEncrypted)
	assert.False(t, got.SkipAuth)

	_, err = s.GetInstance(ctx, bob, inst.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteInstance(ctx, bob, inst.ID), ErrNotFound)

	list, err := s.ListInstances(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdateInstance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	uid, err := s.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)

	inst := &Instance{UserID: uid, Label: "home", URL: "http://a:8080", Username: "admin", PasswordEncrypted: "v1:abc"}
	require.NoError(t, s.CreateInstance(ctx, inst))

	inst.SkipAuth = true
	inst.Username = ""
	inst.PasswordEncrypted = ""
	inst.Label = "seedbox"
	require.NoError(t, s.UpdateInstance(ctx, inst))

	got, err := s.GetInstance(ctx, uid, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "seedbox", got.Label)
	assert.True(t, got.SkipAuth)
	assert.Empty(t, got.Username)
	assert.False(t, got.HasPassword())
}

func TestDeleteUserCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	uid, err := s.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	require.NoError(t, s.CreateInstance(ctx, &Instance{UserID: uid, Label: "home", URL: "http://a:8080"}))
	require.NoError(t, s.CreateIntegration(ctx, &Integration{UserID: uid, Type: "prowlarr", Label: "p", URL: "http://p", APIKeyEncrypted: "v1:x"}))
	require.NoError(t, s.CreateSession(ctx, "sess", uid, time.Now().Add(time.Hour)))

	require.NoError(t, s.DeleteUser(ctx, uid))

	instances, err := s.ListInstances(ctx, uid)
	require.NoError(t, err)
	assert.Empty(t, instances)

	integrations, err := s.ListIntegrations(ctx, uid)
	require.NoError(t, err)
	assert.Empty(t, integrations)

	_, err = s.GetSession(ctx, "sess")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteExpiredSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	uid, err := s.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.CreateSession(ctx, "old", uid, now.Add(-time.Minute)))
	require.NoError(t, s.CreateSession(ctx, "live", uid, now.Add(time.Hour)))

	n, err := s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetSession(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)
	live, err := s.GetSession(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, uid, live.UserID)
}

// TestLegacySchemaRebuild opens a database created by an earlier release
// before skip_auth existed and checks rows and foreign keys survive.
func TestLegacySchemaRebuild(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	legacy, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	_, err = legacy.Exec(`
CREATE TABLE users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	created_at INTEGER DEFAULT (strftime('%s', 'now'))
);
CREATE TABLE instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	label TEXT NOT NULL,
	url TEXT NOT NULL,
	qbt_username TEXT NOT NULL,
	qbt_password_encrypted TEXT NOT NULL,
	created_at INTEGER DEFAULT (strftime('%s', 'now')),
	UNIQUE(user_id, label)
);
CREATE TABLE sessions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	expires_at INTEGER NOT NULL
);
INSERT INTO users (id, username, password_hash, created_at) VALUES (7, 'alice', 'hash', 100);
INSERT INTO instances (id, user_id, label, url, qbt_username, qbt_password_encrypted, created_at)
VALUES (3, 7, 'home', 'http://192.168.1.5:8080', 'admin', 'v1:cipher', 200);
INSERT INTO sessions (id, user_id, expires_at) VALUES ('s1', 7, 9999999999);
`)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	s, err := Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	inst, err := s.GetInstance(ctx, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, "home", inst.Label)
	assert.Equal(t, "admin", inst.Username)
	assert.Equal(t, "v1:cipher", inst.PasswordEncrypted)
	assert.False(t, inst.SkipAuth)
	assert.Equal(t, int64(200), inst.CreatedAt)

	// Credentials are optional after the rebuild.
	require.NoError(t, s.CreateInstance(ctx, &Instance{UserID: 7, Label: "open", URL: "http://open:8080", SkipAuth: true}))

	// The rebuilt table still cascades from users.
	require.NoError(t, s.DeleteUser(ctx, 7))
	list, err := s.ListInstances(ctx, 7)
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

// execRaw runs statements against the database file outside the store.
func execRaw(t *testing.T, path, query string) {
	t.Helper()
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(query)
	require.NoError(t, err)
}

// TestAdoptsUnversionedSchema opens a database that already has optional
// credentials and skip_auth but no migration history. The instances table
// must not be rebuilt, so skip_auth flags survive.
func TestAdoptsUnversionedSchema(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "current.db")

	execRaw(t, path, `
CREATE TABLE users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	created_at INTEGER DEFAULT (unixepoch())
);
CREATE TABLE instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	label TEXT NOT NULL,
	url TEXT NOT NULL,
	qbt_username TEXT,
	qbt_password_encrypted TEXT,
	skip_auth INTEGER DEFAULT 0,
	created_at INTEGER DEFAULT (unixepoch()),
	UNIQUE(user_id, label)
);
CREATE TABLE sessions (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	expires_at INTEGER NOT NULL
);
INSERT INTO users (id, username, password_hash, created_at) VALUES (7, 'alice', 'hash', 100);
INSERT INTO instances (id, user_id, label, url, skip_auth, created_at)
VALUES (3, 7, 'open', 'http://192.168.1.5:8080', 1, 200);
INSERT INTO instances (id, user_id, label, url, qbt_username, qbt_password_encrypted, skip_auth, created_at)
VALUES (4, 7, 'seedbox', 'https://seedbox:443', 'admin', 'v1:cipher', 0, 300);
`)

	s, err := Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(4), v)

	open, err := s.GetInstance(ctx, 7, 3)
	require.NoError(t, err)
	assert.True(t, open.SkipAuth)
	assert.Empty(t, open.Username)
	assert.False(t, open.HasPassword())

	seedbox, err := s.GetInstance(ctx, 7, 4)
	require.NoError(t, err)
	assert.False(t, seedbox.SkipAuth)
	assert.Equal(t, "admin", seedbox.Username)
	assert.Equal(t, "v1:cipher", seedbox.PasswordEncrypted)

	// Tables from earlier migrations are created when missing.
	require.NoError(t, s.CreateIntegration(ctx, &Integration{UserID: 7, Type: "radarr", Label: "movies", URL: "http://radarr:7878", APIKeyEncrypted: "v1:key"}))
}

// TestFailedMigrationRecovers makes the instances rebuild fail halfway
// through and checks that the rows survive and the next start finishes
// the migration.
func TestFailedMigrationRecovers(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "broken.db")

	execRaw(t, path, `
CREATE TABLE users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	created_at INTEGER DEFAULT (strftime('%s', 'now'))
);
CREATE TABLE instances (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	label TEXT NOT NULL,
	url TEXT NOT NULL,
	qbt_username TEXT NOT NULL,
	qbt_password_encrypted TEXT NOT NULL,
	created_at INTEGER DEFAULT (strftime('%s', 'now')),
	UNIQUE(user_id, label)
);
INSERT INTO users (id, username, password_hash) VALUES (7, 'alice', 'hash');
INSERT INTO instances (id, user_id, label, url, qbt_username, qbt_password_encrypted)
VALUES (3, 7, 'home', 'http://192.168.1.5:8080', 'admin', 'v1:cipher');
CREATE TABLE instances_new (id INTEGER PRIMARY KEY);
`)

	_, err := Open(ctx, path, zerolog.Nop())
	require.Error(t, err)

	db, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	var rows int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM instances WHERE qbt_username = 'admin'`).Scan(&rows))
	assert.Equal(t, 1, rows)
	var version int
	var dirty bool
	require.NoError(t, db.QueryRow(`SELECT version, dirty FROM schema_migrations`).Scan(&version, &dirty))
	assert.Equal(t, 3, version)
	assert.True(t, dirty)
	require.NoError(t, db.Close())

	execRaw(t, path, `DROP TABLE instances_new`)

	s, err := Open(ctx, path, zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	v, err := s.SchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(4), v)

	inst, err := s.GetInstance(ctx, 7, 3)
	require.NoError(t, err)
	assert.Equal(t, "home", inst.Label)
	assert.Equal(t, "v1:cipher", inst.PasswordEncrypted)
	assert.False(t, inst.SkipAuth)
}

func TestIsUniqueViolation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `INSERT INTO users (username, password_hash, created_at) VALUES ('alice', 'hash', 1)`)
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `INSERT INTO users (username, password_hash, created_at) VALUES ('alice', 'hash', 1)`)
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))

	_, err = s.db.ExecContext(ctx, `INSERT INTO users (username, password_hash, created_at) VALUES (NULL, 'hash', 1)`)
	require.Error(t, err)
	assert.False(t, isUniqueViolation(err))

	assert.False(t, isUniqueViolation(errors.New("UNIQUE constraint failed: users.username")))
	assert.False(t, isUniqueViolation(nil))
}

func TestBootstrapAdmin(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	res, err := s.Bootstrap(ctx, BootstrapOptions{RegistrationDisabled: true, HashParams: fastParams()})
	require.NoError(t, err)
	require.NotNil(t, res.AdminPassword)
	assert.Equal(t, DefaultAdminUsername, res.AdminUsername)

	password, ok := res.AdminPassword.Reveal()
	require.True(t, ok)
	assert.Len(t, password, bootstrapPasswordLength)

	again, ok := res.AdminPassword.Reveal()
	assert.False(t, ok)
	assert.Empty(t, again)

	u, err := s.GetUserByUsername(ctx, DefaultAdminUsername)
	require.NoError(t, err)
	assert.NotEqual(t, password, u.PasswordHash)

	match, err := auth.VerifyPassword(password, u.PasswordHash)
	require.NoError(t, err)
	assert.True(t, match)

	// A second start with users present creates nothing.
	res, err = s.Bootstrap(ctx, BootstrapOptions{RegistrationDisabled: true, HashParams: fastParams()})
	require.NoError(t, err)
	assert.Nil(t, res.AdminPassword)
}

func TestBootstrapRegistrationEnabled(t *testing.T) {
	s := openTestStore(t)

	res, err := s.Bootstrap(context.Background(), BootstrapOptions{HashParams: fastParams()})
	require.NoError(t, err)
	assert.Nil(t, res.AdminPassword)

	n, err := s.CountUsers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBootstrapGuest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := s.Bootstrap(ctx, BootstrapOptions{AuthDisabled: true})
		require.NoError(t, err)
	}

	u, err := s.GetUser(ctx, GuestUserID)
	require.NoError(t, err)
	assert.Equal(t, "guest", u.Username)

	ok, err := auth.VerifyPassword("disabled", u.PasswordHash)
	require.NoError(t, err)
	assert.False(t, ok)
}
