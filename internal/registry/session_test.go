package registry

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionInterestedRooms(t *testing.T) {
	s := newTestSession(1, "earth,mars")
	rooms := s.InterestedRooms()
	require.Equal(t, []RoomKey{rk("earth"), rk("mars")}, rooms)

	rooms[0] = rk("pluto")
	assert.Equal(t, rk("earth"), s.InterestedRooms()[0])
	assert.Equal(t, "earth,mars", s.InterestedRoomsCSV())

	s.SetInterestedRooms("")
	assert.Empty(t, s.InterestedRooms())
}

func TestSessionWrite(t *testing.T) {
	w := newFakeWriter()
	s := NewSession(NewUserKey(1, 2), w, 0, nil)
	assert.Equal(t, w.ID(), s.ConnectionID())
	assert.Equal(t, int64(0), s.LastWrittenAt().UnixMicro())

	require.NoError(t, s.Write([]byte("hello")))
	assert.Equal(t, []string{"hello"}, w.written())
	first := s.LastWrittenAt()
	assert.False(t, first.Before(s.CreatedAt()))

	w.setErr(errBrokenPipe)
	time.Sleep(time.Millisecond)
	assert.ErrorIs(t, s.Write([]byte("lost")), errBrokenPipe)
	assert.True(t, s.LastWrittenAt().After(first))
}

func TestSessionWithoutWriter(t *testing.T) {
	s := NewSession(NewUserKey(1, 0), nil, 0, nil)
	assert.Equal(t, uuid.Nil, s.ConnectionID())
	assert.Error(t, s.Write([]byte("x")))
	assert.NotZero(t, s.LastWrittenAt().UnixMicro())
}

func TestSessionDescribe(t *testing.T) {
	s := newTestSession(7, "earth,mars")
	s.key.DeviceType = 3

	var buf bytes.Buffer
	s.Describe(&buf)
	out := buf.String()
	assert.Contains(t, out, "danmu.Session { uid=7 device_type=3 created_on=")
	assert.Contains(t, out, "interested_room=earth,mars, }")

	sum := s.Summary()
	assert.Equal(t, int64(7), sum.UID)
	assert.Equal(t, []string{"earth", "mars"}, sum.InterestedRooms)
}

func TestSessionDestroyIdempotent(t *testing.T) {
	s := newTestSession(1, "")
	s.Destroy()
	s.Destroy()
	assert.Equal(t, antiIdleUnarmed, s.antiIdleState())
}
