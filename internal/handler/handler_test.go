package handler

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/auth"
	"github.com/vanadiel/loginserver/internal/config"
	"github.com/vanadiel/loginserver/internal/mq"
	"github.com/vanadiel/loginserver/internal/persist"
	"github.com/vanadiel/loginserver/internal/session"
)

type fakeAuth struct {
	accounts map[string]*persist.AccountRow
}

func (f *fakeAuth) Login(_ context.Context, username, password string) (*persist.AccountRow, error) {
	acct, ok := f.accounts[username]
	if !ok || password != "Passw0rd!" {
		return nil, auth.ErrBadCredentials
	}
	return acct, nil
}

func (f *fakeAuth) CreateAccount(_ context.Context, username, password, email string) (uint32, error) {
	if _, ok := f.accounts[username]; ok {
		return 0, auth.ErrUsernameTaken
	}
	if !auth.ComplexityOK(password) {
		return 0, auth.ErrWeakPassword
	}
	id := uint32(len(f.accounts) + 1)
	f.accounts[username] = &persist.AccountRow{
		ID: id, Username: username, Email: email,
		Privileges: persist.PrivEnabled, Enabled: true,
	}
	return id, nil
}

func (f *fakeAuth) ChangePassword(_ context.Context, username, oldPassword, _ string) (err error) {
	if _, ok := f.accounts[username]; !ok || oldPassword != "Passw0rd!" {
		return auth.ErrBadCredentials
	}
	return nil
}

type fakeAccounts struct {
	auth *fakeAuth
}

func (f *fakeAccounts) LoadByID(_ context.Context, id uint32) (*persist.AccountRow, error) {
	for _, acct := range f.auth.accounts {
		if acct.ID == id {
			return acct, nil
		}
	}
	return nil, nil
}

type fakeContents struct {
	rows []persist.ContentRow
}

func (f *fakeContents) ListByAccount(_ context.Context, _ uint32) ([]persist.ContentRow, error) {
	return f.rows, nil
}

type fakeMirror struct {
	chars   []mq.CharacterEntry
	purges  int
	deletes []uint32
}

func (f *fakeMirror) UpdateCharacter(_ context.Context, e *mq.CharacterEntry) error {
	f.chars = append(f.chars, *e)
	return nil
}

func (f *fakeMirror) AccountCharacters(_ context.Context, _ uint32) ([]mq.CharacterEntry, error) {
	return f.chars, nil
}

func (f *fakeMirror) DeleteByContentID(_ context.Context, contentID uint32) error {
	f.deletes = append(f.deletes, contentID)
	return nil
}

func (f *fakeMirror) CleanHalfCreated(_ context.Context, _ uint32) {
	f.purges++
}

func testDeps(t *testing.T) *Deps {
	t.Helper()
	fa := &fakeAuth{accounts: map[string]*persist.AccountRow{
		"Alice": {ID: 42, Username: "Alice", Privileges: persist.PrivEnabled, Enabled: true,
			Expansions: 0x1FFF, Features: 0x0001},
	}}
	return &Deps{
		Cfg: config.LoginServerConfig{
			MaxLoginAttempts: 3,
			SessionTimeout:   30 * time.Second,
			VersionLock:      0,
		},
		Log:      zap.NewNop(),
		Tracker:  session.NewTracker(zap.NewNop()),
		Auth:     fa,
		Accounts: &fakeAccounts{auth: fa},
		Contents: &fakeContents{},
		Mirror:   &fakeMirror{},
	}
}

func authPacket(username, password string, command byte, newPassword, email string) []byte {
	pkt := make([]byte, authPacketSize)
	copy(pkt[0:15], username)
	copy(pkt[16:31], password)
	pkt[32] = command
	copy(pkt[33:48], newPassword)
	copy(pkt[49:98], email)
	return pkt
}

func TestAuthLogin(t *testing.T) {
	deps := testDeps(t)
	h := NewAuthHandler(deps)

	resp, failed := h.process(context.Background(), authPacket("Alice", "Passw0rd!", authCmdLogin, "", ""), 0x0100007F, deps.Log)
	assert.False(t, failed)
	assert.Equal(t, byte(authRespLoginOK), resp[0])
	assert.Equal(t, uint32(42), binary.LittleEndian.Uint32(resp[1:5]))

	s, err := deps.Tracker.Get(42)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x0100007F), s.ClientIP())
	_, _, priv := s.Bitmasks()
	assert.Equal(t, uint32(persist.PrivEnabled), priv)
}

func TestAuthLoginFailure(t *testing.T) {
	deps := testDeps(t)
	h := NewAuthHandler(deps)

	resp, failed := h.process(context.Background(), authPacket("Alice", "wrong", authCmdLogin, "", ""), 1, deps.Log)
	assert.True(t, failed)
	assert.Equal(t, byte(authRespError), resp[0])
	assert.Equal(t, uint16(reasonLoginFailed), binary.LittleEndian.Uint16(resp[5:7]))
}

func TestAuthSessionConflict(t *testing.T) {
	deps := testDeps(t)
	h := NewAuthHandler(deps)
	ctx := context.Background()

	_, failed := h.process(ctx, authPacket("Alice", "Passw0rd!", authCmdLogin, "", ""), 1, deps.Log)
	require.False(t, failed)

	// Same account from another address while the session is live.
	resp, failed := h.process(ctx, authPacket("Alice", "Passw0rd!", authCmdLogin, "", ""), 2, deps.Log)
	assert.True(t, failed)
	assert.Equal(t, byte(authRespError), resp[0])
}

func TestAuthCreateAndChangePassword(t *testing.T) {
	deps := testDeps(t)
	h := NewAuthHandler(deps)
	ctx := context.Background()

	resp, failed := h.process(ctx, authPacket("Bob", "N3wPass!x", authCmdCreate, "", "bob@example.com"), 1, deps.Log)
	assert.False(t, failed)
	assert.Equal(t, byte(authRespCreateOK), resp[0])
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(resp[1:5]))
	_, err := deps.Tracker.Get(2)
	assert.NoError(t, err)

	resp, failed = h.process(ctx, authPacket("Alice", "Passw0rd!", authCmdChangePassword, "An0ther$ec", ""), 2, deps.Log)
	assert.False(t, failed)
	assert.Equal(t, byte(authRespPwChangeOK), resp[0])
}

func TestAuthMalformedPacket(t *testing.T) {
	deps := testDeps(t)
	h := NewAuthHandler(deps)

	pkt := authPacket("Alice", "Passw0rd!", authCmdLogin, "", "")
	for i := 0; i < 16; i++ {
		pkt[i] = 'A' // username without terminator
	}
	resp, failed := h.process(context.Background(), pkt, 1, deps.Log)
	assert.True(t, failed)
	assert.Equal(t, byte(authRespError), resp[0])
	assert.Equal(t, uint16(reasonMalformed), binary.LittleEndian.Uint16(resp[5:7]))
}

func TestVersionLock(t *testing.T) {
	tests := []struct {
		lock     int
		expected string
		client   string
		ok       bool
	}{
		{0, "30200101_0", "anything", true},
		{1, "30191004_0", "30191004_0", true},
		{1, "30191004_0", "30191004_1", false},
		{2, "30200101_0", "30191004_0", false},
		{2, "30200101_0", "30210101_0", true},
		{2, "30200101_0", "30200101_0", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, versionOK(tt.lock, tt.expected, tt.client),
			"lock %d expected %s client %s", tt.lock, tt.expected, tt.client)
	}
}

func TestClampMainJob(t *testing.T) {
	assert.Equal(t, uint8(1), clampMainJob(0))
	assert.Equal(t, uint8(1), clampMainJob(7))
	assert.Equal(t, uint8(1), clampMainJob(99))
	for j := uint8(1); j <= 6; j++ {
		assert.Equal(t, j, clampMainJob(j))
	}
}

func TestRecoverCharacter(t *testing.T) {
	chars := []mq.CharacterEntry{
		{ContentID: 672, CharacterID: 3<<16 | 3, Name: "Alice", WorldID: 3, Enabled: true},
		{ContentID: 673, CharacterID: 3<<16 | 9, Name: "Carol", WorldID: 3, Enabled: true},
	}

	got, ok := recoverCharacter(chars, 672, 3, "Alice")
	require.True(t, ok)
	assert.Equal(t, uint32(3<<16|3), got.CharacterID)

	_, ok = recoverCharacter(chars, 672, 3, "Mallory")
	assert.False(t, ok)
	_, ok = recoverCharacter(chars, 673, 3, "Alice")
	assert.False(t, ok)
}

func TestSuggestCharID(t *testing.T) {
	id, ok := suggestCharID(nil, 3)
	require.True(t, ok)
	assert.Equal(t, uint32(3<<16+1), id)

	chars := []mq.CharacterEntry{
		{CharacterID: 3<<16 | 7, WorldID: 3},
		{CharacterID: 5<<16 | 40, WorldID: 5},
	}
	id, ok = suggestCharID(chars, 3)
	require.True(t, ok)
	assert.Equal(t, uint32(3<<16+8), id)
	id, ok = suggestCharID(chars, 5)
	require.True(t, ok)
	assert.Equal(t, uint32(5<<16+41), id)
	id, ok = suggestCharID(chars, 9)
	require.True(t, ok)
	assert.Equal(t, uint32(9<<16+1), id)
}

func TestSuggestCharIDExhausted(t *testing.T) {
	chars := []mq.CharacterEntry{
		{CharacterID: 3<<16 | 0xFFFF, WorldID: 3},
	}
	_, ok := suggestCharID(chars, 3)
	assert.False(t, ok, "a full low word must not spill into another world's id space")

	// Other worlds are unaffected.
	id, ok := suggestCharID(chars, 4)
	require.True(t, ok)
	assert.Equal(t, uint32(4<<16+1), id)
}

func TestComposeCharacterList(t *testing.T) {
	contents := []persist.ContentRow{
		{ContentID: 672, AccountID: 42, Enabled: true},
		{ContentID: 673, AccountID: 42, Enabled: true},
	}
	chars := []mq.CharacterEntry{
		{ContentID: 672, CharacterID: 3<<16 | 3, Name: "Alice", WorldID: 3, Enabled: true,
			Race: 2, MainJob: 1, MainJobLevel: 75, Face: 4, Zone: 0xEA, Head: 0x1000},
	}
	worldName := func(id uint8) string {
		if id == 3 {
			return "Titan"
		}
		return ""
	}

	payload := composeCharacterList(contents, chars, worldName)
	require.Len(t, payload, 4+viewCharListSlots*viewCharListEntrySize)
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(payload[0:4]))

	first := payload[4 : 4+viewCharListEntrySize]
	assert.Equal(t, uint32(3<<16|3), binary.LittleEndian.Uint32(first[0:4]))
	assert.Equal(t, uint32(672), binary.LittleEndian.Uint32(first[4:8]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(first[8:12]))
	assert.Equal(t, "Alice", string(first[12:17]))
	assert.Equal(t, "Titan", string(first[28:33]))
	assert.Equal(t, byte(2), first[44])
	assert.Equal(t, byte(1), first[46])
	assert.Equal(t, byte(4), first[56])
	assert.Equal(t, byte(0x02), first[57])
	assert.Equal(t, uint16(0x1000), binary.LittleEndian.Uint16(first[58:60]))
	assert.Equal(t, byte(0xEA), first[72])
	assert.Equal(t, byte(75), first[73])
	assert.Equal(t, []byte{0x01, 0x00, 0x02, 0x00}, first[74:78])
	assert.Equal(t, uint16(0xEA), binary.LittleEndian.Uint16(first[78:80]))

	// Vacant slot renders with a zero character id and a space name.
	second := payload[4+viewCharListEntrySize : 4+2*viewCharListEntrySize]
	assert.Equal(t, uint32(0), binary.LittleEndian.Uint32(second[0:4]))
	assert.Equal(t, uint32(673), binary.LittleEndian.Uint32(second[4:8]))
	assert.Equal(t, byte(' '), second[12])

	// Slots past the account's allowance stay fully zeroed.
	last := payload[4+15*viewCharListEntrySize:]
	for _, b := range last {
		require.Zero(t, b)
	}
}

func TestMinimalDataList(t *testing.T) {
	deps := testDeps(t)
	deps.Contents = &fakeContents{rows: []persist.ContentRow{
		{ContentID: 672, AccountID: 42, Enabled: true},
		{ContentID: 673, AccountID: 42, Enabled: true},
		{ContentID: 674, AccountID: 42, Enabled: true},
	}}
	deps.Mirror = &fakeMirror{chars: []mq.CharacterEntry{
		{ContentID: 673, CharacterID: 3<<16 | 9},
	}}
	h := NewDataHandler(deps)

	list, err := h.minimalList(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, list, 2+3*mq.CharacterEntrySize)
	assert.Equal(t, dataCharList, list[0])
	assert.Equal(t, byte(3), list[1])

	second, err := mq.UnmarshalEntry(list[2+mq.CharacterEntrySize:])
	require.NoError(t, err)
	assert.Equal(t, uint32(673), second.ContentID)
	assert.Equal(t, uint32(3<<16|9), second.CharacterID)

	first, err := mq.UnmarshalEntry(list[2:])
	require.NoError(t, err)
	assert.Equal(t, uint32(672), first.ContentID)
	assert.Zero(t, first.CharacterID)
}
