package network

import "github.com/cockroachdb/errors"

// Stage 表示下行推送链路中的处理阶段。
//
// 主要用于在日志中标记错误发生的位置，便于监控与排查。
type Stage string

const (
	StageUpgrade Stage = "upgrade" // HTTP 升级为 WebSocket
	StageRecv    Stage = "recv"    // 读取对端数据（仅用于感知断线）
	StageSend    Stage = "send"    // 写出到底层连接
	StageFlush   Stage = "flush"   // 分块响应刷出
	StageClose   Stage = "close"
)

// 统一的错误码常量。
//
// 注意：这些是用于日志/监控的稳定字符串，真正的 error 对象在下面构造。
const (
	ErrCodeUpgradeFailed = "network:upgrade_failed"
	ErrCodeRecvFailed    = "network:recv_failed"
	ErrCodeSendFailed    = "network:send_failed"
	ErrCodeFlushFailed   = "network:flush_failed"
)

var (
	// ErrUpgradeFailed 表示 WebSocket 升级失败。
	ErrUpgradeFailed = errors.New(ErrCodeUpgradeFailed)

	// ErrRecvFailed 表示读取底层连接时发生错误，通常意味着对端已断开。
	ErrRecvFailed = errors.New(ErrCodeRecvFailed)

	// ErrSendFailed 表示写出数据到对端时发生错误。
	ErrSendFailed = errors.New(ErrCodeSendFailed)

	// ErrFlushFailed 表示分块响应刷出失败。
	ErrFlushFailed = errors.New(ErrCodeFlushFailed)
)

// MarkStage 把 err 标记为某一阶段的网络错误，之后可用 errors.Is 与对应的哨兵错误比较。
func MarkStage(err error, stage Stage) error {
	if err == nil {
		return nil
	}
	switch stage {
	case StageUpgrade:
		return errors.Mark(err, ErrUpgradeFailed)
	case StageRecv:
		return errors.Mark(err, ErrRecvFailed)
	case StageSend:
		return errors.Mark(err, ErrSendFailed)
	case StageFlush:
		return errors.Mark(err, ErrFlushFailed)
	}
	return err
}
