package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// Room 是某个分片内关注同一房间的会话集合。
type Room struct {
	key    RoomKey
	logger *log.MLogger

	mu      sync.Mutex
	members map[UserKey]*Session
}

// newRoom 创建房间，logger 为空时使用全局 Logger。
func newRoom(key RoomKey, capacity int, logger *log.MLogger) *Room {
	if logger == nil {
		logger = log.With()
	}
	return &Room{
		key:     key,
		logger:  logger,
		members: make(map[UserKey]*Session, capacity),
	}
}

// Key 返回房间标识。
func (r *Room) Key() RoomKey {
	return r.key
}

// addMember 插入或覆盖成员。
func (r *Room) addMember(s *Session) {
	r.mu.Lock()
	r.members[s.Key()] = s
	r.mu.Unlock()
}

// removeMember 删除成员，返回删除后房间是否为空。成员不存在时同样返回当前是否为空。
func (r *Room) removeMember(key UserKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.members, key)
	return len(r.members) == 0
}

// HasMember 判断 key 是否在房间内。
func (r *Room) HasMember(key UserKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[key]
	return ok
}

// HasSession 判断 s 本身（而非同 key 的其它会话）是否在房间内。
func (r *Room) HasSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.members[s.Key()] == s
}

// Size 返回成员数量。
func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Broadcast 在房间锁内把 p 写给每个成员。
// 单个成员写失败只记录并计数，不中断广播也不移除成员。
func (r *Room) Broadcast(p []byte) (delivered, failed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range r.members {
		if err := s.Write(p); err != nil {
			failed++
			r.logger.RatedWarn(1, "fail to write to room member",
				log.FieldRoom(r.key.String()),
				log.FieldUID(key.UID),
				log.FieldDeviceType(key.DeviceType),
				zap.Bool("retriable", merr.IsRetryableErr(err)),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered, failed
}
