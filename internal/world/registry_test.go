package world

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vanadiel/loginserver/internal/persist"
)

func testRows() []persist.WorldRow {
	return []persist.WorldRow{
		{ID: 1, Name: "Titan"},
		{ID: 2, Name: "TitanTest", IsTest: true},
		{ID: 3, Name: "Leviathan"},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := newRegistry(zap.NewNop())
	for _, row := range testRows() {
		r.add(row, nil)
	}
	r.buildPackets(testRows())
	return r
}

func TestWorldsPacketLayout(t *testing.T) {
	r := newTestRegistry(t)

	admin := r.AdminWorldsPacket()
	require.Len(t, admin, 4+3*20)
	assert.Equal(t, uint32(0x20), binary.LittleEndian.Uint32(admin[0:4]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(admin[4:8]))
	assert.Equal(t, "Titan", string(admin[8:13]))
	assert.Equal(t, byte(0), admin[13])

	// The user variant drops the test world.
	user := r.UserWorldsPacket()
	require.Len(t, user, 4+2*20)
	assert.Equal(t, uint32(3), binary.LittleEndian.Uint32(user[24:28]))
}

func TestLookups(t *testing.T) {
	r := newTestRegistry(t)

	name, err := r.WorldName(2)
	require.NoError(t, err)
	assert.Equal(t, "TitanTest", name)

	id, err := r.WorldIDByName("Leviathan")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), id)

	isTest, err := r.IsTest(2)
	require.NoError(t, err)
	assert.True(t, isTest)

	_, err = r.WorldIDByName("Phoenix")
	assert.ErrorIs(t, err, ErrNoSuchWorld)
	_, err = r.WorldName(99)
	assert.ErrorIs(t, err, ErrNoSuchWorld)
}
