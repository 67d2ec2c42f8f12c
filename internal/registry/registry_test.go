package registry

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRouting(t *testing.T) {
	r := NewRegistry(Options{BucketSize: 4})
	defer r.Close()

	assert.Len(t, r.Buckets(), 4)
	assert.Equal(t, 1, r.Bucket(5).Index())
	assert.Equal(t, 0, r.Bucket(0).Index())
	assert.NotPanics(t, func() {
		r.Bucket(-1)
		r.Bucket(math.MinInt64)
	})
	assert.Equal(t, int(uint64(math.MaxUint64)%4), r.Bucket(-1).Index())
}

func TestRegistryDefaults(t *testing.T) {
	r := NewRegistry(Options{})
	defer r.Close()

	opts := r.Options()
	assert.Equal(t, DefaultBucketSize, opts.BucketSize)
	assert.Equal(t, DefaultSuggestedRoomCount, opts.SuggestedRoomCount)
	assert.Equal(t, DefaultSuggestedUserCount, opts.SuggestedUserCount)
	assert.Equal(t, DefaultBucketSize, opts.BroadcastParallelism)
	assert.Equal(t, DefaultOptions().BucketSize, opts.BucketSize)
}

func TestRegistryBroadcastToRoom(t *testing.T) {
	r := NewRegistry(Options{BucketSize: 4})
	defer r.Close()

	writers := make(map[int64]*fakeWriter)
	for uid := int64(1); uid <= 8; uid++ {
		w := newFakeWriter()
		writers[uid] = w
		s := r.NewSession(NewUserKey(uid, 0), w, 0)
		if uid%2 == 0 {
			s.SetInterestedRooms("earth")
		} else {
			s.SetInterestedRooms("mars")
		}
		r.Bucket(uid).AddSession(s)
	}
	writers[2].setErr(errBrokenPipe)

	res := r.BroadcastToRoom(context.Background(), rk("earth"), []byte("hello"))
	assert.Equal(t, BroadcastResult{Delivered: 3, Failed: 1}, res)
	for uid, w := range writers {
		if uid%2 == 0 && uid != 2 {
			assert.Equal(t, []string{"hello"}, w.written(), "uid=%d", uid)
		} else {
			assert.Empty(t, w.written(), "uid=%d", uid)
		}
	}

	res = r.BroadcastToRoom(context.Background(), rk("pluto"), []byte("hello"))
	assert.Equal(t, BroadcastResult{}, res)

	shards := r.RoomShards(rk("earth"))
	assert.Equal(t, []RoomShard{{Bucket: 0, Size: 2}, {Bucket: 2, Size: 2}}, shards)
	assert.Empty(t, r.RoomShards(rk("pluto")))
}

func TestRegistryRemoveIfCurrent(t *testing.T) {
	r := NewRegistry(Options{BucketSize: 2})
	defer r.Close()

	key := NewUserKey(1, 0)
	oldWriter, newWriter := newFakeWriter(), newFakeWriter()
	old := r.NewSession(key, oldWriter, time.Hour)
	old.SetInterestedRooms("earth")
	r.Bucket(1).AddSession(old)

	cur := r.NewSession(key, newWriter, time.Hour)
	cur.SetInterestedRooms("earth")
	replaced := r.Bucket(1).AddSession(cur)
	require.Same(t, old, replaced)
	replaced.Destroy()

	// 旧连接的断线通知不能删除新会话。
	assert.Nil(t, r.RemoveIfCurrent(key, oldWriter.ID()))
	assert.Same(t, cur, r.GetSession(key))
	assert.True(t, r.Bucket(1).GetRoom(rk("earth")).HasSession(cur))

	assert.Same(t, cur, r.RemoveIfCurrent(key, newWriter.ID()))
	assert.Nil(t, r.GetSession(key))
	assert.Nil(t, r.Bucket(1).GetRoom(rk("earth")))
	assert.Equal(t, antiIdleUnarmed, cur.antiIdleState())
	assert.Equal(t, 0, r.Scheduler().Pending())

	assert.Nil(t, r.RemoveIfCurrent(key, newWriter.ID()))
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry(Options{BucketSize: 2})
	for uid := int64(0); uid < 4; uid++ {
		s := r.NewSession(NewUserKey(uid, 0), newFakeWriter(), time.Hour)
		s.SetInterestedRooms("earth")
		r.Bucket(uid).AddSession(s)
	}
	assert.Equal(t, 4, r.Scheduler().Pending())

	r.Close()
	r.Close()
	for _, b := range r.Buckets() {
		assert.Equal(t, 0, b.CountSession())
		assert.Equal(t, 0, b.CountRoom())
	}
	assert.Equal(t, 0, r.Scheduler().Pending())
}

func TestRegistryBroadcastSlowMember(t *testing.T) {
	r := NewRegistry(Options{BucketSize: 2})
	defer r.Close()

	slowWriter := newFakeWriter()
	slow := r.NewSession(NewUserKey(1, 0), slowWriter, 0)
	slow.SetInterestedRooms("slow")
	r.Bucket(1).AddSession(slow)
	entered, release := slowWriter.blockWrites()
	releaseOnce := sync.OnceFunc(release)
	defer releaseOnce()

	fastWriter := newFakeWriter()
	fast := r.NewSession(NewUserKey(2, 0), fastWriter, 0)
	fast.SetInterestedRooms("fast")
	r.Bucket(2).AddSession(fast)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.BroadcastToRoom(context.Background(), rk("slow"), []byte("s"))
		}()
	}
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("slow member never written")
	}
	// 让第二个广播也占住 worker。
	time.Sleep(50 * time.Millisecond)

	got := make(chan BroadcastResult, 1)
	go func() {
		got <- r.BroadcastToRoom(context.Background(), rk("fast"), []byte("f"))
	}()
	select {
	case res := <-got:
		assert.Equal(t, BroadcastResult{Delivered: 1}, res)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast to another room stalled behind a slow member")
	}
	assert.Equal(t, []string{"f"}, fastWriter.written())

	releaseOnce()
	wg.Wait()
	assert.Equal(t, []string{"s", "s"}, slowWriter.written())
}

func TestRegistryConcurrent(t *testing.T) {
	r := NewRegistry(Options{BucketSize: 4})
	defer r.Close()

	const workers = 8
	const rounds = 200
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				uid := int64(j % 16)
				key := NewUserKey(uid, 0)
				b := r.Bucket(uid)
				switch (i + j) % 5 {
				case 0:
					s := r.NewSession(key, newFakeWriter(), time.Hour)
					s.SetInterestedRooms(fmt.Sprintf("r%d,common", j%3))
					if old := b.AddSession(s); old != nil {
						old.Destroy()
					}
				case 1:
					if s := b.DelSession(key); s != nil {
						s.Destroy()
					}
				case 2:
					b.UpdateSessionRooms(key, fmt.Sprintf("r%d", j%5))
				case 3:
					r.BroadcastToRoom(context.Background(), rk("common"), []byte("x"))
				case 4:
					if s := b.GetSession(key); s != nil {
						r.RemoveIfCurrent(key, s.ConnectionID())
					}
				}
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("registry operations deadlocked")
	}

	// 每个离开注册表的会话都恰好被销毁一次，留下的会话仍持有定时器。
	total := 0
	for _, b := range r.Buckets() {
		total += b.CountSession()
		for _, s := range b.Sessions() {
			assert.Equal(t, antiIdleArmed, s.antiIdleState(), "uid=%d", s.Key().UID)
		}
	}
	assert.Equal(t, total, r.Scheduler().Pending())

	for _, b := range r.Buckets() {
		for _, s := range b.Sessions() {
			if removed := b.DelSession(s.Key()); removed != nil {
				removed.Destroy()
			}
		}
		assert.Equal(t, 0, b.CountSession())
		assert.Equal(t, 0, b.CountRoom())
	}
	assert.Equal(t, 0, r.Scheduler().Pending())
}
