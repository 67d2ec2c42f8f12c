package registry

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type fakeWriter struct {
	id        uuid.UUID
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	chunks  [][]byte
	err     error
	block   chan struct{}
	entered chan struct{}
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{id: uuid.New(), done: make(chan struct{})}
}

func (w *fakeWriter) Done() <-chan struct{} {
	return w.done
}

func (w *fakeWriter) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	return nil
}

func (w *fakeWriter) closed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *fakeWriter) ID() uuid.UUID {
	return w.id
}

func (w *fakeWriter) Write(p []byte) error {
	w.mu.Lock()
	block, entered := w.block, w.entered
	w.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.chunks = append(w.chunks, append([]byte(nil), p...))
	return nil
}

func (w *fakeWriter) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

// blockWrites 让后续 Write 在 release 被关闭前阻塞，进入 Write 时向 entered 发信号。
func (w *fakeWriter) blockWrites() (entered <-chan struct{}, release func()) {
	ch := make(chan struct{})
	in := make(chan struct{}, 1)
	w.mu.Lock()
	w.block, w.entered = ch, in
	w.mu.Unlock()
	return in, func() { close(ch) }
}

func (w *fakeWriter) written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.chunks))
	for _, c := range w.chunks {
		out = append(out, string(c))
	}
	return out
}

var errBrokenPipe = errors.New("broken pipe")

func newTestSession(uid int64, rooms string) *Session {
	s := NewSession(NewUserKey(uid, 0), newFakeWriter(), 0, nil)
	s.SetInterestedRooms(rooms)
	return s
}

func rk(id string) RoomKey {
	return NewRoomKey(id)
}
