package registry

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/timer"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// Writer 是会话持有的下行写出句柄，由传输层实现。
// ID 在连接生命周期内不变，用于识别过期的断线通知。
type Writer interface {
	Write(p []byte) error
	ID() uuid.UUID
}

// Session 表示一个在线连接。
type Session struct {
	key    UserKey
	writer Writer
	connID uuid.UUID

	createdUs int64
	writtenUs atomic.Int64

	roomsMu sync.Mutex
	rooms   []RoomKey

	antiIdle antiIdle
}

// NewSession 创建会话并记录创建时间。
// antiIdle > 0 且 sched 非空时启动防空闲定时器。
func NewSession(key UserKey, w Writer, antiIdle time.Duration, sched *timer.Scheduler) *Session {
	s := &Session{
		key:       key,
		writer:    w,
		createdUs: time.Now().UnixMicro(),
	}
	if w != nil {
		s.connID = w.ID()
	}
	s.antiIdle.interval = antiIdle
	s.antiIdle.sched = sched
	if antiIdle > 0 && sched != nil {
		s.armAntiIdle()
	}
	return s
}

// Key 返回会话的 UserKey。
func (s *Session) Key() UserKey {
	return s.key
}

// Writer 返回底层连接的写出句柄。
func (s *Session) Writer() Writer {
	return s.writer
}

// ConnectionID 返回底层连接的唯一标识。
func (s *Session) ConnectionID() uuid.UUID {
	return s.connID
}

// CreatedAt 返回创建时间。
func (s *Session) CreatedAt() time.Time {
	return time.UnixMicro(s.createdUs)
}

// LastWrittenAt 返回最近一次写出的时间，从未写出时为 Unix 零点。
func (s *Session) LastWrittenAt() time.Time {
	return time.UnixMicro(s.writtenUs.Load())
}

// SetInterestedRooms 以逗号分隔的列表整体替换会话关注的房间。
func (s *Session) SetInterestedRooms(csv string) {
	rooms := ParseRoomKeys(csv)
	s.roomsMu.Lock()
	s.rooms = rooms
	s.roomsMu.Unlock()
}

// InterestedRooms 返回关注房间列表的拷贝。
func (s *Session) InterestedRooms() []RoomKey {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()
	out := make([]RoomKey, len(s.rooms))
	copy(out, s.rooms)
	return out
}

// InterestedRoomsCSV 返回关注房间的逗号拼接形式。
func (s *Session) InterestedRoomsCSV() string {
	return JoinRoomKeys(s.InterestedRooms())
}

// Write 将 p 转发给底层连接。无论成功与否都会刷新最近写出时间，
// 写失败不会关闭会话，连接的回收由传输层的断线通知负责。
func (s *Session) Write(p []byte) error {
	var err error
	if s.writer == nil {
		err = merr.WrapErrStreamClosed(s.connID, "session has no writer")
	} else {
		err = s.writer.Write(p)
	}
	s.writtenUs.Store(time.Now().UnixMicro())
	return err
}

// Destroy 取消防空闲定时器，可重复调用。
// 会话本身不持有其它资源，关闭连接由调用方决定。
func (s *Session) Destroy() {
	s.cancelAntiIdle()
}

// writerClosed 判断底层连接是否已经结束。不能感知关闭的 Writer 视为存活。
func (s *Session) writerClosed() bool {
	d, ok := s.writer.(interface{ Done() <-chan struct{} })
	if !ok {
		return false
	}
	select {
	case <-d.Done():
		return true
	default:
		return false
	}
}

// retire 销毁一个没有调用方接手的会话并关闭它的连接。
func (s *Session) retire() {
	s.Destroy()
	if c, ok := s.writer.(io.Closer); ok {
		if err := c.Close(); err != nil {
			s.logger().Debug("fail to close retired session", zap.Error(err))
		}
	}
}

const describeTimeLayout = "2006/01/02-15:04:05.000000"

// Describe 输出会话的诊断信息。
func (s *Session) Describe(w io.Writer) {
	fmt.Fprintf(w, "danmu.Session { uid=%d device_type=%d created_on=%s written_on=%s interested_room=",
		s.key.UID, s.key.DeviceType,
		s.CreatedAt().Format(describeTimeLayout),
		s.LastWrittenAt().Format(describeTimeLayout))
	for _, rk := range s.InterestedRooms() {
		fmt.Fprintf(w, "%s,", rk.String())
	}
	io.WriteString(w, " }")
}

// SessionSummary 是 Session 的结构化诊断信息。
type SessionSummary struct {
	UID             int64     `json:"uid"`
	DeviceType      int16     `json:"device_type"`
	ConnectionID    string    `json:"connection_id"`
	CreatedOn       time.Time `json:"created_on"`
	WrittenOn       time.Time `json:"written_on"`
	InterestedRooms []string  `json:"interested_rooms"`
}

// Summary 返回会话的结构化诊断信息。
func (s *Session) Summary() SessionSummary {
	rooms := s.InterestedRooms()
	names := make([]string, 0, len(rooms))
	for _, rk := range rooms {
		names = append(names, rk.String())
	}
	return SessionSummary{
		UID:             s.key.UID,
		DeviceType:      s.key.DeviceType,
		ConnectionID:    s.connID.String(),
		CreatedOn:       s.CreatedAt(),
		WrittenOn:       s.LastWrittenAt(),
		InterestedRooms: names,
	}
}

func (s *Session) logger() *log.MLogger {
	return log.With(log.FieldUID(s.key.UID), log.FieldDeviceType(s.key.DeviceType),
		zap.Stringer("conn", s.connID))
}
