package registry

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// UserKey 标识一个逻辑连接槽位：同一 (uid, device_type) 最多只有一个在线会话。
type UserKey struct {
	UID        int64
	DeviceType int16
}

// NewUserKey 创建一个 UserKey。
func NewUserKey(uid int64, deviceType int16) UserKey {
	return UserKey{UID: uid, DeviceType: deviceType}
}

func (k UserKey) String() string {
	return fmt.Sprintf("%d,%d", k.UID, k.DeviceType)
}

// RoomKeySize 为房间 ID 的最大字节数，超出部分被截断。
const RoomKeySize = 36

// RoomKey 是定长的房间标识，不足部分以 0 填充。
// 作为数组类型可直接用作 map 的 key，相等性比较覆盖整个填充区间。
type RoomKey [RoomKeySize]byte

// NewRoomKey 由字符串构造 RoomKey：遇到 0 字节或超过 RoomKeySize 时截断。
func NewRoomKey(id string) RoomKey {
	var k RoomKey
	if i := strings.IndexByte(id, 0); i >= 0 {
		id = id[:i]
	}
	copy(k[:], id)
	return k
}

// String 返回去掉填充后的房间 ID。
func (k RoomKey) String() string {
	n := bytes.IndexByte(k[:], 0)
	if n < 0 {
		n = len(k)
	}
	return string(k[:n])
}

// ParseRoomKeys 解析以逗号分隔的房间列表。
// 空片段被跳过；重复的房间 ID 按原样保留，不做去重。
func ParseRoomKeys(csv string) []RoomKey {
	return lo.FilterMap(strings.Split(csv, ","), func(s string, _ int) (RoomKey, bool) {
		if s == "" {
			return RoomKey{}, false
		}
		return NewRoomKey(s), true
	})
}

// JoinRoomKeys 将房间列表拼接为逗号分隔的字符串，是 ParseRoomKeys 的逆操作。
func JoinRoomKeys(keys []RoomKey) string {
	return strings.Join(lo.Map(keys, func(k RoomKey, _ int) string {
		return k.String()
	}), ",")
}
