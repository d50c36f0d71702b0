package auth

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *MemoryRepository {
	t.Helper()
	repo := NewMemoryRepository()
	require.NoError(t, repo.Add(UserRecord{Name: "admin", Password: "admin", HomeDir: "/srv/admin", Writable: true}))
	require.NoError(t, repo.Add(UserRecord{Name: "off", Password: "x", HomeDir: "/srv/off", Disabled: true}))
	require.NoError(t, repo.Add(UserRecord{Name: "lan", Password: "lan", HomeDir: "/srv/lan", AllowedIPs: []string{"10.0.0.0/8"}}))
	require.NoError(t, repo.Add(UserRecord{Name: "anonymous", HomeDir: "/srv/pub"}))
	return repo
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	a := NewAuthenticator(newTestRepository(t))
	ctx := context.Background()
	local := net.ParseIP("127.0.0.1")

	tests := []struct {
		name     string
		user     string
		password string
		ip       net.IP
		reason   error
	}{
		{"valid", "admin", "admin", local, nil},
		{"wrong password", "admin", "nope", local, ErrBadCredentials},
		{"unknown user", "ghost", "x", local, ErrUnknownUser},
		{"disabled", "off", "x", local, ErrUserDisabled},
		{"ip allowed", "lan", "lan", net.ParseIP("10.9.9.9"), nil},
		{"ip restricted", "lan", "lan", local, ErrIPRestricted},
		{"anonymous any password", "anonymous", "me@example.com", local, nil},
		{"ftp alias", "FTP", "", local, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := a.Authenticate(ctx, tt.user, tt.password, tt.ip)
			if tt.reason == nil {
				require.NoError(t, err)
				require.NotNil(t, u)
				return
			}
			require.Error(t, err)
			assert.Nil(t, u)
			assert.ErrorIs(t, err, tt.reason)

			var authErr *AuthError
			require.True(t, errors.As(err, &authErr))
			assert.Equal(t, tt.user, authErr.User)
		})
	}
}

func TestAuthenticateAnonymousDisabled(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	a := NewAuthenticator(repo)
	_, err := a.Authenticate(context.Background(), "anonymous", "x", net.ParseIP("127.0.0.1"))
	assert.ErrorIs(t, err, ErrAnonymousDisabled)

	require.NoError(t, repo.Add(UserRecord{Name: "anonymous", HomeDir: "/srv", Disabled: true}))
	_, err = a.Authenticate(context.Background(), "anonymous", "x", net.ParseIP("127.0.0.1"))
	assert.ErrorIs(t, err, ErrAnonymousDisabled)
}

func TestAuthenticateRefetchesUser(t *testing.T) {
	t.Parallel()

	repo := newTestRepository(t)
	a := NewAuthenticator(repo)
	ctx := context.Background()
	ip := net.ParseIP("127.0.0.1")

	_, err := a.Authenticate(ctx, "admin", "admin", ip)
	require.NoError(t, err)

	require.NoError(t, repo.Add(UserRecord{Name: "admin", Password: "changed", HomeDir: "/srv/admin"}))
	_, err = a.Authenticate(ctx, "admin", "admin", ip)
	assert.ErrorIs(t, err, ErrBadCredentials)
	_, err = a.Authenticate(ctx, "admin", "changed", ip)
	assert.NoError(t, err)
}

func TestUserRecordBuild(t *testing.T) {
	t.Parallel()

	u, err := UserRecord{
		Name:            "bob",
		Password:        "secret",
		HomeDir:         "/home/bob",
		Writable:        true,
		WriteRoot:       "/upload",
		MaxLogins:       3,
		MaxDownloadRate: 2048,
	}.Build()
	require.NoError(t, err)

	assert.NotEqual(t, "secret", u.PasswordHash)
	assert.True(t, VerifyPassword(u.PasswordHash, "secret"))
	assert.True(t, u.Enabled)
	assert.False(t, u.Anonymous)

	assert.True(t, u.Authorize(WriteRequest("/upload/a")))
	assert.False(t, u.Authorize(WriteRequest("/other")))
	assert.True(t, u.Authorize(LoginCountRequest(3, 3)))
	assert.False(t, u.Authorize(LoginCountRequest(4, 1)))
	assert.True(t, u.Authorize(IPRequest(net.ParseIP("203.0.113.5"))))

	limit, ok := u.TransferRate(Download)
	assert.True(t, ok)
	assert.EqualValues(t, 2048, limit)
}

func TestUserRecordBuildReadOnlyByDefault(t *testing.T) {
	t.Parallel()

	u, err := UserRecord{Name: "ro", Password: "x", HomeDir: "/"}.Build()
	require.NoError(t, err)
	assert.False(t, u.Authorize(WriteRequest("/anything")))
}

func TestUserRecordBuildErrors(t *testing.T) {
	t.Parallel()

	_, err := UserRecord{HomeDir: "/"}.Build()
	assert.Error(t, err)

	_, err = UserRecord{Name: "nopass", HomeDir: "/"}.Build()
	assert.Error(t, err)

	_, err = UserRecord{Name: "clear", PasswordHash: "plaintext", HomeDir: "/"}.Build()
	assert.Error(t, err)

	_, err = UserRecord{Name: "badip", Password: "x", HomeDir: "/", AllowedIPs: []string{"nope"}}.Build()
	assert.Error(t, err)
}

func TestUserRecordHashedDropsClearText(t *testing.T) {
	t.Parallel()

	rec, err := UserRecord{Name: "a", Password: "pw", HomeDir: "/"}.Hashed()
	require.NoError(t, err)
	assert.Empty(t, rec.Password)
	assert.True(t, VerifyPassword(rec.PasswordHash, "pw"))
	assert.False(t, VerifyPassword(rec.PasswordHash, "PW"))
	assert.False(t, VerifyPassword("pw", "pw"), "clear text is never accepted as a hash")
}

// staticRepository serves users built outside UserRecord.
type staticRepository map[string]*User

func (r staticRepository) FindUserByName(_ context.Context, name string) (*User, error) {
	if u, ok := r[name]; ok {
		return u, nil
	}
	return nil, ErrUserNotFound
}

func TestAuthenticateWithoutIPRestriction(t *testing.T) {
	t.Parallel()

	hash, err := HashPassword("pw")
	require.NoError(t, err)
	repo := staticRepository{
		"bob": {
			Name:         "bob",
			PasswordHash: hash,
			HomeDir:      "/srv/bob",
			Enabled:      true,
			Authorities:  []Authority{WritePermission{Root: "/"}, ConcurrentLoginPermission{}},
		},
		"anonymous": {
			Name:        "anonymous",
			HomeDir:     "/srv/pub",
			Enabled:     true,
			Anonymous:   true,
			Authorities: []Authority{AnonymousLoginPermission{}},
		},
	}
	a := NewAuthenticator(repo)
	ctx := context.Background()

	u, err := a.Authenticate(ctx, "bob", "pw", net.ParseIP("198.51.100.7"))
	require.NoError(t, err, "no IP authority attached means no IP restriction")
	assert.Equal(t, "bob", u.Name)

	_, err = a.Authenticate(ctx, "bob", "wrong", net.ParseIP("198.51.100.7"))
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = a.Authenticate(ctx, "ftp", "guest", nil)
	assert.NoError(t, err)
}
