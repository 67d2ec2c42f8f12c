package registry

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-push-go/internal/timer"
	"github.com/lk2023060901/danmu-push-go/pkg/log"
	"github.com/lk2023060901/danmu-push-go/pkg/metrics"
	"github.com/lk2023060901/danmu-push-go/pkg/util/conc"
)

const (
	DefaultBucketSize         = 8
	DefaultSuggestedRoomCount = 128
	DefaultSuggestedUserCount = 1024
)

// Options 是 Registry 的构造参数，零值字段使用默认值。
type Options struct {
	BucketSize         int
	SuggestedRoomCount int
	SuggestedUserCount int
	// BroadcastParallelism 为房间广播协程池的 worker 数，默认等于 BucketSize。
	// 池满时分片任务在发起广播的协程中直接执行，不与其它房间的广播排队。
	BroadcastParallelism int
	// BroadcastWorkerExpiry 为空闲 worker 的回收间隔，零值使用 ants 的默认值。
	BroadcastWorkerExpiry time.Duration
}

// DefaultOptions 返回默认参数。
func DefaultOptions() Options {
	return Options{
		BucketSize:         DefaultBucketSize,
		SuggestedRoomCount: DefaultSuggestedRoomCount,
		SuggestedUserCount: DefaultSuggestedUserCount,
	}
}

func (o *Options) normalize() {
	if o.BucketSize <= 0 {
		o.BucketSize = DefaultBucketSize
	}
	if o.SuggestedRoomCount <= 0 {
		o.SuggestedRoomCount = DefaultSuggestedRoomCount
	}
	if o.SuggestedUserCount <= 0 {
		o.SuggestedUserCount = DefaultSuggestedUserCount
	}
	if o.BroadcastParallelism <= 0 {
		o.BroadcastParallelism = o.BucketSize
	}
}

// BroadcastResult 汇总一次广播的投递结果。
type BroadcastResult struct {
	Delivered int
	Failed    int
}

// Add 累加另一个结果。
func (r *BroadcastResult) Add(o BroadcastResult) {
	r.Delivered += o.Delivered
	r.Failed += o.Failed
}

// Registry 是分片的会话注册表。
type Registry struct {
	opts    Options
	buckets []*Bucket
	sched   *timer.Scheduler
	pool    *conc.Pool[BroadcastResult]

	closeOnce sync.Once
}

// NewRegistry 创建注册表。
func NewRegistry(opts Options) *Registry {
	opts.normalize()
	r := &Registry{
		opts:    opts,
		buckets: make([]*Bucket, opts.BucketSize),
		sched:   timer.NewScheduler(),
		pool: conc.NewPool[BroadcastResult](opts.BroadcastParallelism,
			conc.WithPreAlloc(true),
			conc.WithNonBlocking(true),
			conc.WithConcealPanic(true),
			conc.WithExpiryDuration(opts.BroadcastWorkerExpiry)),
	}
	roomsPerBucket := opts.SuggestedRoomCount / opts.BucketSize
	usersPerBucket := opts.SuggestedUserCount / opts.BucketSize
	for i := range r.buckets {
		r.buckets[i] = newBucket(i, roomsPerBucket, usersPerBucket)
	}
	log.Info("registry created",
		zap.Int("bucketSize", opts.BucketSize),
		zap.Int("suggestedRoomCount", opts.SuggestedRoomCount),
		zap.Int("suggestedUserCount", opts.SuggestedUserCount))
	return r
}

// Options 返回规范化后的构造参数。
func (r *Registry) Options() Options {
	return r.opts
}

// Bucket 返回 uid 所在的分片。
func (r *Registry) Bucket(uid int64) *Bucket {
	return r.buckets[uint64(uid)%uint64(len(r.buckets))]
}

// Buckets 返回全部分片。
func (r *Registry) Buckets() []*Bucket {
	return r.buckets
}

// Scheduler 返回防空闲定时器使用的调度器。
func (r *Registry) Scheduler() *timer.Scheduler {
	return r.sched
}

// NewSession 创建一个使用本注册表调度器的会话。
func (r *Registry) NewSession(key UserKey, w Writer, antiIdle time.Duration) *Session {
	return NewSession(key, w, antiIdle, r.sched)
}

// GetSession 在 key 所在分片上查找会话。
func (r *Registry) GetSession(key UserKey) *Session {
	return r.Bucket(key.UID).GetSession(key)
}

// RemoveIfCurrent 处理连接断开：仅当 key 下的当前会话仍是 connID 对应的连接时
// 才注销并销毁它。已被新连接替换的旧连接的断线通知会被忽略。
func (r *Registry) RemoveIfCurrent(key UserKey, connID uuid.UUID) *Session {
	b := r.Bucket(key.UID)
	cur := b.GetSession(key)
	if cur == nil || cur.ConnectionID() != connID {
		metrics.RegistrySessionOps.WithLabelValues(metrics.SessionOpStale).Inc()
		b.Logger().Debug("ignore stale disconnect",
			log.FieldUID(key.UID), log.FieldDeviceType(key.DeviceType),
			zap.Stringer("conn", connID))
		return nil
	}
	removed := b.delSession(key, cur)
	if removed == nil {
		return nil
	}
	removed.Destroy()
	return removed
}

// BroadcastToRoom 把 p 投递给所有分片中 key 房间的成员。
// 各分片独立查询并发投递，不持有任何跨分片的锁。某个房间里的慢连接
// 只会拖慢投递给该房间的请求，不会占住其它房间广播所需的 worker。
func (r *Registry) BroadcastToRoom(ctx context.Context, key RoomKey, p []byte) BroadcastResult {
	futures := make([]*conc.Future[BroadcastResult], 0, len(r.buckets))
	for _, b := range r.buckets {
		futures = append(futures, r.pool.SubmitOrRun(func() (BroadcastResult, error) {
			room := b.GetRoom(key)
			if room == nil {
				return BroadcastResult{}, nil
			}
			delivered, failed := room.Broadcast(p)
			return BroadcastResult{Delivered: delivered, Failed: failed}, nil
		}))
	}

	var total BroadcastResult
	for _, f := range futures {
		res, err := f.Await()
		if err != nil {
			log.Ctx(ctx).Warn("fail to broadcast on bucket",
				log.FieldRoom(key.String()), zap.Error(err))
			continue
		}
		total.Add(res)
	}
	return total
}

// RoomShard 描述房间在某个分片上的规模。
type RoomShard struct {
	Bucket int `json:"bucket"`
	Size   int `json:"size"`
}

// RoomShards 返回 key 房间在各分片上的成员数，只包含存在该房间的分片。
func (r *Registry) RoomShards(key RoomKey) []RoomShard {
	shards := make([]RoomShard, 0, len(r.buckets))
	for _, b := range r.buckets {
		if room := b.GetRoom(key); room != nil {
			shards = append(shards, RoomShard{Bucket: b.Index(), Size: room.Size()})
		}
	}
	return shards
}

// Close 注销并销毁所有会话，然后停止调度器与协程池。可重复调用。
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		count := 0
		for _, b := range r.buckets {
			for _, s := range b.Sessions() {
				if removed := b.DelSession(s.Key()); removed != nil {
					removed.Destroy()
					count++
				}
			}
		}
		r.sched.Stop()
		r.pool.Release()
		log.Info("registry closed", zap.Int("sessions", count))
	})
}
