package server

import (
	"sync/atomic"
)

// RoomMetrics 记录房间运行期的关键指标（用于监控与调试）
type RoomMetrics struct {
	TickCount         int64 // Tick 次数
	PositionsAccepted int64 // 被接受的位置上报
	PositionsRejected int64 // 非法坐标 / 越界被拒绝
	PositionsStale    int64 // 乱序（客户端时间戳回退）被丢弃
	InboxFull         int64 // 因房间入站队列满被丢弃
	MoveEnds          int64 // 收到的 move_end
	Coalesced         int64 // 去抖窗口内被合并的上报
	Reverted          int64 // 回到原区域而撤销的变更
	Transitions       int64 // 已提交的区域变更事件
	NotifyFailed      int64 // 可靠发件箱满 / 已关闭
	ListenerPanics    int64 // 区域订阅者 panic
	SnapshotsSent     int64 // 广播的快照条数
	Deactivated       int64 // 清理中被置为不活跃
	Removed           int64 // 清理中被删除
	TotalTickNs       int64 // Tick 累计耗时（纳秒）
}

func (m *RoomMetrics) IncAccepted()     { atomic.AddInt64(&m.PositionsAccepted, 1) }
func (m *RoomMetrics) IncRejected()     { atomic.AddInt64(&m.PositionsRejected, 1) }
func (m *RoomMetrics) IncStale()        { atomic.AddInt64(&m.PositionsStale, 1) }
func (m *RoomMetrics) IncInboxFull()    { atomic.AddInt64(&m.InboxFull, 1) }
func (m *RoomMetrics) IncMoveEnd()      { atomic.AddInt64(&m.MoveEnds, 1) }
func (m *RoomMetrics) IncCoalesced()    { atomic.AddInt64(&m.Coalesced, 1) }
func (m *RoomMetrics) IncReverted()     { atomic.AddInt64(&m.Reverted, 1) }
func (m *RoomMetrics) IncTransition()   { atomic.AddInt64(&m.Transitions, 1) }
func (m *RoomMetrics) IncNotifyFailed() { atomic.AddInt64(&m.NotifyFailed, 1) }
func (m *RoomMetrics) IncSnapshot()     { atomic.AddInt64(&m.SnapshotsSent, 1) }

func (m *RoomMetrics) IncListenerPanic() { atomic.AddInt64(&m.ListenerPanics, 1) }
func (m *RoomMetrics) AddSwept(deactivated, removed int) {
	atomic.AddInt64(&m.Deactivated, int64(deactivated))
	atomic.AddInt64(&m.Removed, int64(removed))
}
func (m *RoomMetrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *RoomMetrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"tick_count":         tick,
		"positions_accepted": atomic.LoadInt64(&m.PositionsAccepted),
		"positions_rejected": atomic.LoadInt64(&m.PositionsRejected),
		"positions_stale":    atomic.LoadInt64(&m.PositionsStale),
		"inbox_full":         atomic.LoadInt64(&m.InboxFull),
		"move_ends":          atomic.LoadInt64(&m.MoveEnds),
		"coalesced":          atomic.LoadInt64(&m.Coalesced),
		"reverted":           atomic.LoadInt64(&m.Reverted),
		"transitions":        atomic.LoadInt64(&m.Transitions),
		"notify_failed":      atomic.LoadInt64(&m.NotifyFailed),
		"listener_panics":    atomic.LoadInt64(&m.ListenerPanics),
		"snapshots_sent":     atomic.LoadInt64(&m.SnapshotsSent),
		"deactivated":        atomic.LoadInt64(&m.Deactivated),
		"removed":            atomic.LoadInt64(&m.Removed),
		"avg_tick_ms":        avgMs,
	}
}
