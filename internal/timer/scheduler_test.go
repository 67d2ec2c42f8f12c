package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/lk2023060901/danmu-push-go/pkg/util/merr"
)

func TestScheduleFires(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	done := make(chan struct{})
	id, err := s.Schedule(time.Now().Add(10*time.Millisecond), func() { close(done) })
	require.NoError(t, err)
	assert.NotZero(t, id)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not fire")
	}
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
	// 已触发的任务无法再取消。
	assert.False(t, s.Cancel(id))
}

func TestCancelBeforeFire(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var fired atomic.Bool
	id, err := s.Schedule(time.Now().Add(time.Hour), func() { fired.Store(true) })
	require.NoError(t, err)
	assert.Equal(t, 1, s.Pending())

	assert.True(t, s.Cancel(id))
	assert.False(t, s.Cancel(id))
	assert.Equal(t, 0, s.Pending())
	assert.False(t, fired.Load())
}

func TestCancelWhileFiring(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	entered := make(chan struct{})
	release := make(chan struct{})
	id, err := s.Schedule(time.Now(), func() {
		close(entered)
		<-release
	})
	require.NoError(t, err)

	<-entered
	assert.Equal(t, 1, s.Pending())
	// 回调已在执行，取消必须失败。
	assert.False(t, s.Cancel(id))
	close(release)
	assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestScheduleAfterStop(t *testing.T) {
	s := NewScheduler()
	_, err := s.Schedule(time.Now().Add(time.Hour), func() {})
	require.NoError(t, err)

	s.Stop()
	s.Stop()
	assert.Equal(t, 0, s.Pending())

	_, err = s.Schedule(time.Now(), func() {})
	assert.ErrorIs(t, err, merr.ErrTimerScheduleFailed)

	_, err = NewScheduler().Schedule(time.Now(), nil)
	assert.ErrorIs(t, err, merr.ErrTimerScheduleFailed)
}

func TestCancelRacesFireExactlyOnce(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	for i := 0; i < 200; i++ {
		var fired atomic.Int32
		id, err := s.Schedule(time.Now(), func() { fired.Inc() })
		require.NoError(t, err)
		cancelled := s.Cancel(id)
		assert.Eventually(t, func() bool { return s.Pending() == 0 }, time.Second, time.Millisecond)
		if cancelled {
			assert.Equal(t, int32(0), fired.Load())
		} else {
			assert.Equal(t, int32(1), fired.Load())
		}
	}
}
