package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"downpour/internal/db"
	"downpour/internal/models"
	"downpour/internal/presence"
	"downpour/internal/rooms"
	"downpour/internal/store"
	"downpour/internal/ws"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

type brokenRegistry struct{}

func (brokenRegistry) Create(context.Context) (rooms.Room, error) {
	return rooms.Room{}, errors.New("db down")
}

func (brokenRegistry) Lookup(context.Context, string) (rooms.Room, error) {
	return rooms.Room{}, errors.New("db down")
}

func TestRoomService_CreateAndJoin(t *testing.T) {
	gdb := setupTestDB(t)
	svc := NewRoomService(rooms.NewGormRegistry(gdb, time.Hour), ws.NewHub(presence.NewTracker()))
	ctx := context.Background()

	created, err := svc.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, created.RoomID)

	joined, err := svc.Join(ctx, "  "+created.RoomID+" ")
	require.NoError(t, err)
	assert.Equal(t, created.RoomID, joined.RoomID)
	assert.Equal(t, 0, joined.Online)
}

func TestRoomService_JoinErrors(t *testing.T) {
	gdb := setupTestDB(t)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, gdb.Create(&models.Room{RoomID: "old", CreatedAt: past.Add(-time.Hour), ExpiresAt: past}).Error)
	svc := NewRoomService(rooms.NewGormRegistry(gdb, time.Hour), ws.NewHub(presence.NewTracker()))
	ctx := context.Background()

	_, err := svc.Join(ctx, "")
	assert.ErrorIs(t, err, ErrRoomIDRequired)

	_, err = svc.Join(ctx, "missing")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.ErrorIs(t, err, rooms.ErrRoomNotFound)

	_, err = svc.Join(ctx, "old")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.ErrorIs(t, err, rooms.ErrRoomExpired)

	broken := NewRoomService(brokenRegistry{}, ws.NewHub(presence.NewTracker()))
	_, err = broken.Join(ctx, "any")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRoomNotFound)
}

func TestMessageService_Transcript(t *testing.T) {
	gdb := setupTestDB(t)
	st := store.NewGormStore(gdb)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := st.Append(ctx, "R1", store.Record{AnonID: "a", Username: "alice", Ciphertext: string(rune('a' + i)), IV: "iv"})
		require.NoError(t, err)
	}

	svc := NewMessageService(st, 3)
	msgs, err := svc.Transcript(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "c", msgs[0].Ciphertext)
	assert.Equal(t, "e", msgs[2].Ciphertext)
	assert.Less(t, msgs[0].ID, msgs[2].ID)

	empty, err := NewMessageService(st, 0).Transcript(ctx, "nobody")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}
