// Package registry 维护推送服务的在线会话与房间关系。
//
// Registry 由固定数量的 Bucket 组成，按 uint64(uid) % N 路由。每个 Bucket
// 持有本分片的会话表与房间表，房间只包含路由到本分片的成员，
// 因此一次房间广播需要依次询问所有分片。
//
// 锁层级：
//   - 不同时持有 Bucket 锁与 Room 锁；
//   - 持有 Bucket 锁或 Room 锁时不获取 Session 的房间列表锁。
//
// DelSession 在第三段临界区里删除“移除成员时已为空”的房间。若两段之间有
// 新成员通过 AddSession 加入同一个房间对象，该成员会随房间一起从索引中消失，
// 直到下一次订阅或重绑房间才会恢复。这是有意保留的竞态，换来的是
// 任何路径都不会嵌套加锁。
//
// 会话表不受这个竞态影响：AddSession 只在槽位为空时插入，否则先把占用者
// 替换出来；同一会话被并发删除时只有真正把它摘出会话表的一方拿到它。
// 因此每个离开会话表的会话都恰好交给一个调用方销毁。
package registry
