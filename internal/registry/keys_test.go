package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoomKey(t *testing.T) {
	assert.Equal(t, "earth", NewRoomKey("earth").String())
	assert.Equal(t, NewRoomKey("earth"), NewRoomKey("earth"))
	assert.NotEqual(t, NewRoomKey("earth"), NewRoomKey("eart"))

	long := strings.Repeat("x", RoomKeySize+4)
	assert.Equal(t, long[:RoomKeySize], NewRoomKey(long).String())
	assert.Equal(t, NewRoomKey(long), NewRoomKey(long[:RoomKeySize]))

	assert.Equal(t, "ab", NewRoomKey("ab\x00cd").String())
	assert.Equal(t, "", RoomKey{}.String())
}

func TestParseRoomKeys(t *testing.T) {
	assert.Empty(t, ParseRoomKeys(""))
	assert.Empty(t, ParseRoomKeys(",,"))
	assert.Equal(t, []RoomKey{rk("a"), rk("b")}, ParseRoomKeys("a,,b,"))
	assert.Equal(t, []RoomKey{rk("b"), rk("a"), rk("b")}, ParseRoomKeys("b,a,b"))
}

func TestJoinRoomKeys(t *testing.T) {
	assert.Equal(t, "", JoinRoomKeys(nil))
	assert.Equal(t, "earth,mars", JoinRoomKeys(ParseRoomKeys("earth,mars")))
	assert.Equal(t, "earth,mars", JoinRoomKeys(ParseRoomKeys(",earth,,mars")))
}

func TestUserKey(t *testing.T) {
	assert.Equal(t, "42,3", NewUserKey(42, 3).String())
	assert.NotEqual(t, NewUserKey(42, 3), NewUserKey(42, 0))
}
