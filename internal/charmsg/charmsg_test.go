package charmsg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/mq"
	"github.com/vanadiel/loginserver/internal/persist"
	"github.com/vanadiel/loginserver/internal/session"
)

type fakeCharStore struct {
	byContent map[uint32]*persist.CharRow
	inserted  int
	updated   int
}

func newFakeCharStore() *fakeCharStore {
	return &fakeCharStore{byContent: make(map[uint32]*persist.CharRow)}
}

func (f *fakeCharStore) GetByContentID(_ context.Context, contentID uint32) (*persist.CharRow, error) {
	return f.byContent[contentID], nil
}

func (f *fakeCharStore) GetByCharacter(_ context.Context, characterID uint32, worldID uint8) (*persist.CharRow, error) {
	for _, c := range f.byContent {
		if c.CharacterID == characterID && c.WorldID == worldID {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeCharStore) ListByAccount(_ context.Context, accountID uint32) ([]persist.CharRow, error) {
	var out []persist.CharRow
	for _, c := range f.byContent {
		if c.AccountID == accountID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCharStore) NameTaken(_ context.Context, worldID uint8, name string) (bool, error) {
	for _, c := range f.byContent {
		if c.WorldID == worldID && c.Name == name {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeCharStore) Insert(_ context.Context, c *persist.CharRow) error {
	cp := *c
	f.byContent[c.ContentID] = &cp
	f.inserted++
	return nil
}

func (f *fakeCharStore) Update(_ context.Context, c *persist.CharRow) error {
	cp := *c
	f.byContent[c.ContentID] = &cp
	f.updated++
	return nil
}

func (f *fakeCharStore) DeleteByContentID(_ context.Context, contentID uint32) error {
	delete(f.byContent, contentID)
	return nil
}

func (f *fakeCharStore) DeleteHalfCreated(_ context.Context, accountID uint32) (int64, error) {
	var dropped int64
	for id, c := range f.byContent {
		if c.AccountID == accountID && c.Nation == 0 && c.Zone == 0 {
			delete(f.byContent, id)
			dropped++
		}
	}
	return dropped, nil
}

type fakeContentStore struct {
	contents map[uint32]*persist.ContentRow
}

func (f *fakeContentStore) Get(_ context.Context, contentID uint32) (*persist.ContentRow, error) {
	return f.contents[contentID], nil
}

func testEntry() mq.CharacterEntry {
	return mq.CharacterEntry{
		ContentID:    100,
		Enabled:      true,
		CharacterID:  (3 << 16) | 7,
		Name:         "Altana",
		WorldID:      3,
		MainJob:      1,
		MainJobLevel: 5,
		Zone:         0xE6,
		Race:         2,
		Nation:       1,
	}
}

func newTestMirror(accountID uint32) (*Mirror, *fakeCharStore) {
	chars := newFakeCharStore()
	contents := &fakeContentStore{contents: map[uint32]*persist.ContentRow{
		100: {ContentID: 100, AccountID: accountID, Enabled: true},
	}}
	return NewMirror(chars, contents, zap.NewNop()), chars
}

func TestUpdateCharacterInsertsNew(t *testing.T) {
	m, chars := newTestMirror(42)
	e := testEntry()

	require.NoError(t, m.UpdateCharacter(context.Background(), &e))
	require.Equal(t, 1, chars.inserted)

	row := chars.byContent[100]
	require.NotNil(t, row)
	assert.Equal(t, uint32(42), row.AccountID)
	assert.Equal(t, e.CharacterID, row.CharacterID)
	assert.Equal(t, "Altana", row.Name)
}

func TestUpdateCharacterMutatesExisting(t *testing.T) {
	m, chars := newTestMirror(42)
	e := testEntry()
	require.NoError(t, m.UpdateCharacter(context.Background(), &e))

	e.MainJobLevel = 75
	e.Zone = 0xF4
	require.NoError(t, m.UpdateCharacter(context.Background(), &e))
	assert.Equal(t, 1, chars.updated)
	assert.Equal(t, uint8(75), chars.byContent[100].MainJobLevel)
}

func TestUpdateCharacterRejectsIdentityChange(t *testing.T) {
	m, _ := newTestMirror(42)
	e := testEntry()
	require.NoError(t, m.UpdateCharacter(context.Background(), &e))

	moved := e
	moved.ContentID = 101
	assert.ErrorIs(t, m.UpdateCharacter(context.Background(), &moved), ErrMismatch)

	renamed := e
	renamed.Name = "Promathia"
	assert.ErrorIs(t, m.UpdateCharacter(context.Background(), &renamed), ErrMismatch)
}

func TestUpdateCharacterRejectsBadInsert(t *testing.T) {
	chars := newFakeCharStore()
	contents := &fakeContentStore{contents: map[uint32]*persist.ContentRow{
		100: {ContentID: 100, AccountID: 42, Enabled: true},
		101: {ContentID: 101, AccountID: 42, Enabled: true},
	}}
	m := NewMirror(chars, contents, zap.NewNop())
	e := testEntry()
	require.NoError(t, m.UpdateCharacter(context.Background(), &e))

	// Unknown content id.
	other := testEntry()
	other.ContentID = 999
	other.CharacterID = (3 << 16) | 8
	assert.ErrorIs(t, m.UpdateCharacter(context.Background(), &other), ErrNoContent)

	// Occupied content id under a different character id.
	squatter := testEntry()
	squatter.CharacterID = (3 << 16) | 9
	squatter.Name = "Bahamut"
	assert.ErrorIs(t, m.UpdateCharacter(context.Background(), &squatter), ErrContentTaken)

	// Same name on the same world, different content.
	dup := testEntry()
	dup.ContentID = 101
	dup.CharacterID = (3 << 16) | 10
	assert.ErrorIs(t, m.UpdateCharacter(context.Background(), &dup), ErrNameTaken)
}

func TestQueries(t *testing.T) {
	m, _ := newTestMirror(42)
	e := testEntry()
	require.NoError(t, m.UpdateCharacter(context.Background(), &e))

	got, err := m.QueryByContentID(context.Background(), 100)
	require.NoError(t, err)
	assert.Equal(t, e.CharacterID, got.CharacterID)

	got, err = m.QueryCharacter(context.Background(), e.CharacterID, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(100), got.ContentID)

	_, err = m.QueryByContentID(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.QueryCharacter(context.Background(), e.CharacterID, 4)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanHalfCreated(t *testing.T) {
	m, chars := newTestMirror(42)
	e := testEntry()
	e.Nation = 0
	e.Zone = 0
	require.NoError(t, m.UpdateCharacter(context.Background(), &e))

	m.CleanHalfCreated(context.Background(), 42)
	assert.Empty(t, chars.byContent)
}

func newTestRouter(t *testing.T) (*Router, *session.Tracker, *fakeCharStore) {
	t.Helper()
	tracker := session.NewTracker(zap.NewNop())
	m, chars := newTestMirror(42)
	return NewRouter(tracker, m, zap.NewNop()), tracker, chars
}

func ackBody(typ, accountID uint32) []byte {
	r := mq.GenericResponse{
		Header:       mq.Header{Type: typ, AccountID: accountID},
		ResponseCode: 0,
	}
	return r.Marshal()
}

func TestRouterDeliversAcksToMailbox(t *testing.T) {
	router, tracker, _ := newTestRouter(t)
	s, err := tracker.Init(42, 0x7F000001, time.Minute)
	require.NoError(t, err)

	assert.True(t, router.handle(ackBody(mq.MsgCharReserveAck, 42), 3))

	body, world, ok := s.TakeMQMessage()
	require.True(t, ok)
	assert.Equal(t, uint8(3), world)
	header, err := mq.ParseHeader(body)
	require.NoError(t, err)
	assert.Equal(t, mq.MsgCharReserveAck, header.Type)
}

func TestRouterDropsAckForAbsentSession(t *testing.T) {
	router, _, _ := newTestRouter(t)
	assert.True(t, router.handle(ackBody(mq.MsgCharDeleteAck, 7), 3))
}

func updateBody(e mq.CharacterEntry) []byte {
	u := mq.CharUpdate{
		Header: mq.Header{
			Type:        mq.MsgCharUpdate,
			ContentID:   e.ContentID,
			CharacterID: e.CharacterID,
			AccountID:   42,
		},
		Entry: e,
	}
	return u.Marshal()
}

func TestRouterAppliesCharacterUpdate(t *testing.T) {
	router, _, chars := newTestRouter(t)

	assert.True(t, router.handle(updateBody(testEntry()), 3))
	assert.Equal(t, 1, chars.inserted)
}

func TestRouterRejectsSpoofedUpdate(t *testing.T) {
	router, _, chars := newTestRouter(t)

	// Entry claims world 3 but arrives over world 5's connection.
	assert.True(t, router.handle(updateBody(testEntry()), 5))
	assert.Zero(t, chars.inserted)
}

func TestRouterPassesForeignTypes(t *testing.T) {
	router, _, _ := newTestRouter(t)
	assert.False(t, router.handle(ackBody(mq.MsgLoginFullSync, 42), 3))
	assert.False(t, router.handle(ackBody(mq.MsgUniversalAnnounce, 42), 3))
}

func TestRouterSwallowsShortMessages(t *testing.T) {
	router, _, _ := newTestRouter(t)
	assert.True(t, router.handle([]byte{1, 2, 3}, 3))
}
