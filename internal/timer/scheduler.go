// Package timer 提供一次性延迟任务调度。
//
// Scheduler 在任务表中持有每个待执行任务（以及任务闭包捕获的对象），
// 直到任务被触发或被取消为止。Cancel 与触发路径在任务表上竞争：
// 先把表项摘除的一方负责后续处理，另一方一定看不到该表项，
// 因此每个任务只会有一条路径“释放”它。
package timer

import (
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

// TaskID 标识一次调度，0 为无效值。
type TaskID uint64

type task struct {
	id    TaskID
	timer *time.Timer
	fn    func()
}

// Scheduler 管理一次性延迟任务。
type Scheduler struct {
	mu      sync.Mutex
	nextID  TaskID
	tasks   map[TaskID]*task
	stopped bool

	// inflight 为已从任务表摘除、回调尚未返回的任务数。
	inflight atomic.Int64
	wg       sync.WaitGroup
}

// NewScheduler 创建一个空的 Scheduler。
func NewScheduler() *Scheduler {
	return &Scheduler{
		tasks: make(map[TaskID]*task),
	}
}

// Schedule 在 at 时刻执行 fn。at 早于当前时间时尽快执行。
// Scheduler 已停止时返回 merr.ErrTimerScheduleFailed。
func (s *Scheduler) Schedule(at time.Time, fn func()) (TaskID, error) {
	if fn == nil {
		return 0, merr.WrapErrTimerScheduleFailed("nil callback")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0, merr.WrapErrTimerScheduleFailed("scheduler stopped")
	}

	s.nextID++
	t := &task{id: s.nextID, fn: fn}
	s.tasks[t.id] = t
	// AfterFunc 的回调需要拿到表锁，因此在持锁期间启动是安全的。
	t.timer = time.AfterFunc(time.Until(at), func() { s.fire(t.id) })
	return t.id, nil
}

// Cancel 尝试取消任务。
// 返回 true 表示任务尚未触发且已被移除，回调永远不会执行；
// 返回 false 表示任务不存在，或已经开始（或完成）执行。
func (s *Scheduler) Cancel(id TaskID) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	t.timer.Stop()
	return true
}

func (s *Scheduler) fire(id TaskID) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
		s.inflight.Inc()
		s.wg.Add(1)
	}
	s.mu.Unlock()

	if !ok {
		// 已被 Cancel 或 Stop 摘除。
		return
	}
	defer func() {
		s.inflight.Dec()
		s.wg.Done()
	}()
	t.fn()
}

// Pending 返回仍被 Scheduler 持有的任务数，包括尚未触发的和正在执行的。
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	n := len(s.tasks)
	s.mu.Unlock()
	return n + int(s.inflight.Load())
}

// Stop 停止调度：取消所有未触发的任务，等待正在执行的回调返回。
// 之后的 Schedule 均失败。可重复调用。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	tasks := s.tasks
	s.tasks = make(map[TaskID]*task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.timer.Stop()
	}
	s.wg.Wait()
}
