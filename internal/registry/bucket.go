package registry

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
	"github.com/lk2023060901/danmu-push-go/pkg/util/typeutil"
)

// roomWriteRateGroup 是所有分片共享的广播失败日志限流分组。
const roomWriteRateGroup = "registry.room_write"

// Bucket 是注册表的一个分片。
type Bucket struct {
	log.Binder

	index            int
	suggestedMembers int

	mu       sync.Mutex
	sessions map[UserKey]*Session
	rooms    map[RoomKey]*Room

	sessionGauge prometheus.Gauge
	roomGauge    prometheus.Gauge
	// roomLogger 供本分片的房间输出广播失败，按分组限流。
	roomLogger *log.MLogger

	// rewireGap 仅供测试，在重绑的删除与重新插入之间调用。
	rewireGap func()
}

func newBucket(index, suggestedRooms, suggestedUsers int) *Bucket {
	label := strconv.Itoa(index)
	b := &Bucket{
		index:            index,
		suggestedMembers: suggestedUsers / max(suggestedRooms, 1),
		sessions:         make(map[UserKey]*Session, suggestedUsers),
		rooms:            make(map[RoomKey]*Room, suggestedRooms),
		sessionGauge:     metrics.RegistrySessions.WithLabelValues(label),
		roomGauge:        metrics.RegistryRooms.WithLabelValues(label),
	}
	b.SetLogger(log.With(log.FieldComponent("bucket"), log.FieldBucket(index)))
	b.roomLogger = log.With(log.FieldComponent("room"), log.FieldBucket(index)).
		WithRateGroup(roomWriteRateGroup, 1, 60)
	return b
}

// Index 返回分片下标。
func (b *Bucket) Index() int {
	return b.index
}

// updateGaugesLocked 需持有 b.mu。
func (b *Bucket) updateGaugesLocked() {
	b.sessionGauge.Set(float64(len(b.sessions)))
	b.roomGauge.Set(float64(len(b.rooms)))
}

// AddSession 注册会话，并把它加入关注的每个房间。
//
// 若同 key 已有其它会话，先对其执行 DelSession 并作为 replaced 返回，
// 由调用方负责 Destroy。房间成员的加入在分片锁之外完成。
func (b *Bucket) AddSession(s *Session) (replaced *Session) {
	replaced, _ = b.addSession(s, false)
	return replaced
}

// addSession 先腾出 key 的槽位再插入 s。腾出与插入之间若有并发订阅抢先插入，
// 会继续把它替换掉，因此槽位里的会话不会在未被返回的情况下被覆盖。
// ifAbsent 为 true 时槽位被其它会话占用则放弃插入。
func (b *Bucket) addSession(s *Session, ifAbsent bool) (replaced *Session, added bool) {
	key := s.Key()
	for {
		b.mu.Lock()
		cur, ok := b.sessions[key]
		if !ok {
			break
		}
		b.mu.Unlock()
		if ifAbsent && cur != s {
			return nil, false
		}
		removed := b.delSession(key, cur)
		if removed == nil || removed == s {
			continue
		}
		if replaced != nil {
			// 只有与其它订阅交错时才会连续替换，前一个没有调用方接手。
			replaced.retire()
		}
		replaced = removed
		metrics.RegistrySessionOps.WithLabelValues(metrics.SessionOpReplace).Inc()
		b.Logger().Info("session replaced",
			log.FieldUID(key.UID), log.FieldDeviceType(key.DeviceType),
			zap.Stringer("old_conn", removed.ConnectionID()),
			zap.Stringer("new_conn", s.ConnectionID()))
	}

	// 仍持有分片锁。
	roomKeys := s.InterestedRooms()
	rooms := make([]*Room, 0, len(roomKeys))
	seen := typeutil.NewSet[RoomKey]()
	b.sessions[key] = s
	for _, rk := range roomKeys {
		if !seen.TryInsert(rk) {
			continue
		}
		room, ok := b.rooms[rk]
		if !ok {
			room = newRoom(rk, b.suggestedMembers, b.roomLogger)
			b.rooms[rk] = room
			b.Logger().Debug("room created", log.FieldRoom(rk.String()))
		}
		rooms = append(rooms, room)
	}
	b.updateGaugesLocked()
	b.mu.Unlock()

	for _, room := range rooms {
		room.addMember(s)
	}
	metrics.RegistrySessionOps.WithLabelValues(metrics.SessionOpAdd).Inc()
	return replaced, true
}

// DelSession 注销 key 对应的会话并把它移出所有房间，返回被移除的会话。
// key 不存在时返回 nil。同一会话被并发删除时只有一个调用方拿到它。
//
// 分三段临界区完成：查找会话、收集房间、删除会话与变空的房间；
// 成员移除在两段之间、分片锁之外进行。
func (b *Bucket) DelSession(key UserKey) *Session {
	return b.delSession(key, nil)
}

// delSession 与 DelSession 相同，want 非空时只在当前会话就是 want 时才删除。
func (b *Bucket) delSession(key UserKey, want *Session) *Session {
	b.mu.Lock()
	s, ok := b.sessions[key]
	b.mu.Unlock()
	if !ok || (want != nil && s != want) {
		return nil
	}

	roomKeys := s.InterestedRooms()
	rooms := make([]*Room, 0, len(roomKeys))
	seen := typeutil.NewSet[RoomKey]()
	b.mu.Lock()
	for _, rk := range roomKeys {
		if !seen.TryInsert(rk) {
			continue
		}
		if room, ok := b.rooms[rk]; ok {
			rooms = append(rooms, room)
		}
	}
	b.mu.Unlock()

	empty := make([]bool, len(rooms))
	for i, room := range rooms {
		empty[i] = room.removeMember(key)
	}

	b.mu.Lock()
	for i, room := range rooms {
		if !empty[i] {
			continue
		}
		if cur, ok := b.rooms[room.Key()]; ok && cur == room {
			delete(b.rooms, room.Key())
			b.Logger().Debug("room destroyed", log.FieldRoom(room.Key().String()))
		}
	}
	cur, ok := b.sessions[key]
	owned := ok && cur == s
	if owned {
		delete(b.sessions, key)
	}
	b.updateGaugesLocked()
	b.mu.Unlock()

	if !owned {
		// 并发的另一次删除已经摘掉了 s，由它负责返回。
		return nil
	}
	metrics.RegistrySessionOps.WithLabelValues(metrics.SessionOpDel).Inc()
	return s
}

// UpdateSessionRooms 把在线会话的关注房间替换为 csv。
// 返回当前会话（离线时为 nil）以及是否真的发生了重绑。
// csv 与当前房间列表逐字相同时不做任何事。
//
// 重绑期间同 key 的新订阅优先：被重绑的会话不再放回，随即销毁并关闭连接，
// 返回 (nil, false)。重绑期间连接已经断开时同样摘掉会话并返回 (nil, false)，
// 因为此时的断线通知找不到会话，已经被忽略了。
func (b *Bucket) UpdateSessionRooms(key UserKey, csv string) (*Session, bool) {
	s := b.GetSession(key)
	if s == nil {
		return nil, false
	}
	if s.InterestedRoomsCSV() == csv {
		return s, false
	}

	removed := b.delSession(key, s)
	if removed == nil {
		return nil, false
	}
	removed.SetInterestedRooms(csv)
	if b.rewireGap != nil {
		b.rewireGap()
	}
	if _, added := b.addSession(removed, true); !added {
		b.Logger().Info("rewired session superseded by new subscription",
			log.FieldUID(key.UID), log.FieldDeviceType(key.DeviceType),
			zap.Stringer("conn", removed.ConnectionID()))
		removed.retire()
		return nil, false
	}
	if removed.writerClosed() {
		if b.delSession(key, removed) != nil {
			removed.Destroy()
		}
		return nil, false
	}
	metrics.RegistrySessionOps.WithLabelValues(metrics.SessionOpRewire).Inc()
	return removed, true
}

// GetSession 返回 key 对应的会话。
func (b *Bucket) GetSession(key UserKey) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[key]
}

// GetRoom 返回本分片内的房间。
func (b *Bucket) GetRoom(key RoomKey) *Room {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rooms[key]
}

// CountSession 返回会话数。
func (b *Bucket) CountSession() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// CountRoom 返回房间数。
func (b *Bucket) CountRoom() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms)
}

// Sessions 返回会话快照。
func (b *Bucket) Sessions() []*Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return lo.Values(b.sessions)
}

// Crowded 返回本分片内最大房间的成员数，没有房间时为 0。
func (b *Bucket) Crowded() int {
	b.mu.Lock()
	rooms := lo.Values(b.rooms)
	b.mu.Unlock()

	return lo.Max(lo.Map(rooms, func(r *Room, _ int) int {
		return r.Size()
	}))
}

// BucketSummary 是 Bucket 的结构化诊断信息。
type BucketSummary struct {
	Index    int `json:"index"`
	Sessions int `json:"sessions"`
	Rooms    int `json:"rooms"`
	Crowded  int `json:"crowded"`
}

// Summary 返回分片统计。
func (b *Bucket) Summary() BucketSummary {
	b.mu.Lock()
	sessions, rooms := len(b.sessions), len(b.rooms)
	b.mu.Unlock()
	return BucketSummary{
		Index:    b.index,
		Sessions: sessions,
		Rooms:    rooms,
		Crowded:  b.Crowded(),
	}
}

// Describe 输出分片的诊断信息。
func (b *Bucket) Describe(w io.Writer) {
	sum := b.Summary()
	fmt.Fprintf(w, "Bucket { index=%d sessions=%d rooms=%d crowded=%d }",
		sum.Index, sum.Sessions, sum.Rooms, sum.Crowded)
}
