package server

import (
	"time"

	"minispace/protocol"
)

const (
	// TicksPerSecond 广播频率（20 TPS）
	TicksPerSecond = 20
)

var tickInterval = time.Duration(1000/TicksPerSecond) * time.Millisecond // 50ms

// StartTicker 启动房间协程：处理入站消息，按固定频率提交区域变更并广播快照
func (r *Room) StartTicker() {
	r.startOnce.Do(func() { go r.run() })
}

func (r *Room) run() {
	defer close(r.done)
	interval := r.cfg.BroadcastInterval
	if interval <= 0 {
		interval = tickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case u := <-r.posChan:
			r.handlePosition(u)
		case req := <-r.moveEndChan:
			req.resp <- r.handleMoveEnd(req)
		case hb := <-r.heartbeatChan:
			r.store.Heartbeat(hb.user, r.now())
		case <-r.sweepChan:
			r.sweep(r.now())
		case fn := <-r.ctrlChan:
			fn()
			if r.cfg.BroadcastInterval > 0 && r.cfg.BroadcastInterval != interval {
				interval = r.cfg.BroadcastInterval
				ticker.Reset(interval)
			}
		case <-ticker.C:
			// 核心循环：提交到期的区域变更 → 广播快照
			start := time.Now()
			r.tick(r.now())
			r.metrics.AddTick(time.Since(start).Nanoseconds())
		}
	}
}

func (r *Room) tick(now time.Time) {
	for _, c := range r.tracker.Flush(now) {
		r.publish(c)
	}
	r.broadcast(now)
}

// broadcast 把房间快照一次编码后发给所有成员；没有活跃记录时不发送
func (r *Room) broadcast(now time.Time) {
	if len(r.members) == 0 {
		return
	}
	users := r.store.Snapshot(now)
	if len(users) == 0 {
		return
	}
	msg := protocol.Prepare(protocol.Snapshot{
		Type:     protocol.TypeSnapshot,
		Map:      r.ID,
		Users:    users,
		ServerTS: now.UnixMilli(),
	})
	for _, p := range r.members {
		p.Send(msg)
	}
	r.metrics.IncSnapshot()
}
