package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/timer"
	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
)

// keepAlivePayload 是防空闲保活包，客户端应忽略空行。
var keepAlivePayload = []byte("\n")

type antiIdleState int32

const (
	antiIdleUnarmed antiIdleState = iota
	antiIdleArmed
	antiIdleFiring
	antiIdleCancelled
)

func (s antiIdleState) String() string {
	switch s {
	case antiIdleUnarmed:
		return "unarmed"
	case antiIdleArmed:
		return "armed"
	case antiIdleFiring:
		return "firing"
	case antiIdleCancelled:
		return "cancelled"
	}
	return "unknown"
}

// antiIdle 记录会话防空闲定时器的状态。
//
// 处于 armed 时，调度器任务表里的闭包持有会话引用。Cancel 成功摘除表项时由
// cancelAntiIdle 回到 unarmed；摘除失败说明回调已在途，状态置为 cancelled，
// 由回调在下一次获取 mu 时回到 unarmed 且不再续约。
type antiIdle struct {
	mu       sync.Mutex
	state    antiIdleState
	interval time.Duration
	sched    *timer.Scheduler
	task     timer.TaskID
}

func (s *Session) armAntiIdle() {
	a := &s.antiIdle
	a.mu.Lock()
	defer a.mu.Unlock()
	s.scheduleAntiIdleLocked(s.CreatedAt().Add(a.interval))
}

// scheduleAntiIdleLocked 需持有 a.mu。
func (s *Session) scheduleAntiIdleLocked(at time.Time) {
	a := &s.antiIdle
	id, err := a.sched.Schedule(at, s.onAntiIdle)
	if err != nil {
		a.state = antiIdleUnarmed
		a.task = 0
		s.logger().Warn("fail to schedule anti-idle timer, keep-alive disabled", zap.Error(err))
		return
	}
	a.state = antiIdleArmed
	a.task = id
}

func (s *Session) onAntiIdle() {
	a := &s.antiIdle
	a.mu.Lock()
	if a.state != antiIdleArmed {
		// 回调已从任务表摘除，但 Destroy 抢先拿到了锁。
		a.state = antiIdleUnarmed
		a.task = 0
		a.mu.Unlock()
		return
	}
	a.state = antiIdleFiring
	a.task = 0
	a.mu.Unlock()

	now := time.Now()
	if now.Sub(s.LastWrittenAt()) >= a.interval {
		if err := s.Write(keepAlivePayload); err != nil {
			metrics.KeepAliveTotal.WithLabelValues(metrics.ResultError).Inc()
			s.logger().Debug("fail to write keep-alive", zap.Error(err))
		} else {
			metrics.KeepAliveTotal.WithLabelValues(metrics.ResultDelivered).Inc()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == antiIdleCancelled {
		a.state = antiIdleUnarmed
		return
	}
	s.scheduleAntiIdleLocked(s.LastWrittenAt().Add(a.interval))
}

func (s *Session) cancelAntiIdle() {
	a := &s.antiIdle
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.state {
	case antiIdleArmed:
		if a.sched.Cancel(a.task) {
			a.state = antiIdleUnarmed
		} else {
			a.state = antiIdleCancelled
		}
		a.task = 0
	case antiIdleFiring:
		a.state = antiIdleCancelled
	}
}

func (s *Session) antiIdleState() antiIdleState {
	s.antiIdle.mu.Lock()
	defer s.antiIdle.mu.Unlock()
	return s.antiIdle.state
}
