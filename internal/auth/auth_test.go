package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/persist"
)

type fakeAccountStore struct {
	accounts map[string]*persist.AccountRow
	nextID   uint32
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{accounts: make(map[string]*persist.AccountRow), nextID: 1}
}

func (f *fakeAccountStore) Load(_ context.Context, username string) (*persist.AccountRow, error) {
	return f.accounts[username], nil
}

func (f *fakeAccountStore) Create(_ context.Context, username, hash, salt, email string, contentIDs int) (uint32, error) {
	id := f.nextID
	f.nextID++
	f.accounts[username] = &persist.AccountRow{
		ID:           id,
		Username:     username,
		PasswordHash: hash,
		Salt:         salt,
		Email:        email,
		ContentIDs:   contentIDs,
		Privileges:   persist.PrivEnabled,
		Enabled:      true,
	}
	return id, nil
}

func (f *fakeAccountStore) UpdatePassword(_ context.Context, id uint32, hash, salt string) error {
	for _, a := range f.accounts {
		if a.ID == id {
			a.PasswordHash = hash
			a.Salt = salt
		}
	}
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeAccountStore) {
	t.Helper()
	store := newFakeAccountStore()
	return NewService(store, 3, zap.NewNop()), store
}

func TestCreateAndLogin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	id, err := svc.CreateAccount(ctx, "alice", "Passw0rd!", "alice@example.com")
	require.NoError(t, err)

	acct, err := svc.Login(ctx, "alice", "Passw0rd!")
	require.NoError(t, err)
	assert.Equal(t, id, acct.ID)

	_, err = svc.Login(ctx, "alice", "wrongpass")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = svc.Login(ctx, "nobody", "Passw0rd!")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestCreateRejectsTakenUsername(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "alice", "Passw0rd!", "")
	require.NoError(t, err)

	_, err = svc.CreateAccount(ctx, "alice", "0therPass!", "")
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestDisabledAccountMayOnlyChangePassword(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "bob", "Passw0rd!", "")
	require.NoError(t, err)
	store.accounts["bob"].Enabled = false

	_, err = svc.Login(ctx, "bob", "Passw0rd!")
	assert.ErrorIs(t, err, ErrAccountDisabled)

	require.NoError(t, svc.ChangePassword(ctx, "bob", "Passw0rd!", "N3wPassw0rd!"))
	_, err = svc.Login(ctx, "bob", "N3wPassw0rd!")
	assert.ErrorIs(t, err, ErrAccountDisabled)
}

func TestChangePasswordRotatesSalt(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateAccount(ctx, "carol", "Passw0rd!", "")
	require.NoError(t, err)
	oldSalt := store.accounts["carol"].Salt

	require.NoError(t, svc.ChangePassword(ctx, "carol", "Passw0rd!", "An0ther$ecret"))
	assert.NotEqual(t, oldSalt, store.accounts["carol"].Salt)

	_, err = svc.Login(ctx, "carol", "An0ther$ecret")
	assert.NoError(t, err)
}

func TestComplexityPolicy(t *testing.T) {
	tests := []struct {
		password string
		ok       bool
	}{
		{"Passw0rd", true},    // 8 chars, 3 classes
		{"passw0rd!", true},   // lower+digit+other
		{"Pass0rd", false},    // 7 chars
		{"password", false},   // 1 class
		{"Password", false},   // 2 classes
		{"PASSW0RD!", true},   // upper+digit+other
		{"longpassword", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, ComplexityOK(tt.password), "password %q", tt.password)
	}
}

func TestHashPasswordMatchesStoreContract(t *testing.T) {
	// SHA2(CONCAT(password, salt), 256) in the store's terms.
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		HashPassword("hello", ""))
}

func TestNewSaltShape(t *testing.T) {
	s1, err := NewSalt()
	require.NoError(t, err)
	s2, err := NewSalt()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, len(s1), 20)
	assert.NotEqual(t, s1[:10], s2[:10])
}
