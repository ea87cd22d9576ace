package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"minispace/geometry"
	"minispace/protocol"
)

var ErrRoomClosed = errors.New("room closed")

// RoomConfig 房间可调参数
type RoomConfig struct {
	BroadcastInterval time.Duration
	InactivityTimeout time.Duration
	SpanDuration      time.Duration
	StaleSampleAfter  time.Duration
	DebounceWindow    time.Duration
	BoundsMargin      float64
	InboxSize         int // 位置上报队列容量
	OutboxSize        int // 每个成员的可靠发件箱容量
}

func (c RoomConfig) store() StoreConfig {
	return StoreConfig{
		InactivityTimeout: c.InactivityTimeout,
		SpanDuration:      c.SpanDuration,
		StaleSampleAfter:  c.StaleSampleAfter,
		BoundsMargin:      c.BoundsMargin,
	}
}

// ZoneListener 区域变更的外部订阅者（如通话会话管理）。
// 在房间协程中同步调用，实现不得阻塞；panic 会被捕获并计数。
type ZoneListener interface {
	ZoneChanged(ev protocol.ZoneChanged)
}

// Room 一张地图实例：位置表、插值器、区域追踪器都由房间协程独占，
// 其他协程只能经由通道与之交互。
type Room struct {
	ID string

	cfg       RoomConfig
	layout    geometry.Layout
	store     *PositionStore
	tracker   *AreaTracker
	members   map[UserID]Peer
	listeners []ZoneListener
	seq       uint64

	log     *zap.SugaredLogger
	metrics *RoomMetrics
	now     func() time.Time

	posChan       chan positionUpdate
	moveEndChan   chan moveEndRequest
	heartbeatChan chan heartbeat
	sweepChan     chan struct{}
	ctrlChan      chan func()
	quit          chan struct{}
	done          chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
}

// NewRoom 创建房间，初始化数据结构；调用 StartTicker 后开始运行
func NewRoom(id string, layout geometry.Layout, cfg RoomConfig, log *zap.SugaredLogger, listeners ...ZoneListener) *Room {
	if layout.MapID == "" {
		layout.MapID = id
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	inbox := cfg.InboxSize
	if inbox <= 0 {
		inbox = 256
	}
	return &Room{
		ID:            id,
		cfg:           cfg,
		layout:        layout,
		store:         NewPositionStore(cfg.store(), layout),
		tracker:       NewAreaTracker(layout, cfg.DebounceWindow),
		members:       make(map[UserID]Peer),
		listeners:     listeners,
		log:           log.With("room", id),
		metrics:       &RoomMetrics{},
		now:           time.Now,
		posChan:       make(chan positionUpdate, inbox), // 足够缓冲，避免网络读阻塞
		moveEndChan:   make(chan moveEndRequest, 64),
		heartbeatChan: make(chan heartbeat, 64),
		sweepChan:     make(chan struct{}, 1),
		ctrlChan:      make(chan func()),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Metrics 运行指标（并发安全）
func (r *Room) Metrics() *RoomMetrics { return r.metrics }

// OnPosition 入站位置（不可靠）：不阻塞，拥塞时丢弃，保证 Tick 准时
func (r *Room) OnPosition(user UserID, msg protocol.Position) {
	if msg.Map != "" && msg.Map != r.ID {
		r.metrics.IncRejected()
		return
	}
	pos, dir, ok := parsePosition(msg.X, msg.Y, msg.Dir)
	if !ok {
		r.metrics.IncRejected()
		return
	}
	select {
	case r.posChan <- positionUpdate{user: user, pos: pos, dir: dir, clientTS: msg.TS, at: r.now()}:
	default:
		r.metrics.IncInboxFull()
	}
}

// MoveEnd 入站移动结束（可靠）：等待房间给出权威区域
func (r *Room) MoveEnd(ctx context.Context, user UserID, msg protocol.MoveEnd) (protocol.Area, error) {
	req := moveEndRequest{user: user, msg: msg, resp: make(chan protocol.Area, 1)}
	select {
	case r.moveEndChan <- req:
	case <-ctx.Done():
		return protocol.Area{}, ctx.Err()
	case <-r.quit:
		return protocol.Area{}, ErrRoomClosed
	}
	select {
	case area := <-req.resp:
		return area, nil
	case <-ctx.Done():
		return protocol.Area{}, ctx.Err()
	case <-r.quit:
		return protocol.Area{}, ErrRoomClosed
	}
}

// OnHeartbeat 保活，不阻塞
func (r *Room) OnHeartbeat(user UserID) {
	select {
	case r.heartbeatChan <- heartbeat{user: user}:
	default:
	}
}

// Sweep 请求一次不活跃清理（由管理器的共享定时器触发）
func (r *Room) Sweep() {
	select {
	case r.sweepChan <- struct{}{}:
	default:
	}
}

// Do 在房间协程中执行 fn，用于加入/离开与管理操作
func (r *Room) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case r.ctrlChan <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-r.quit:
		return ErrRoomClosed
	}
	select {
	case <-done:
		return nil
	case <-r.quit:
		return ErrRoomClosed
	}
}

// Join 将成员加入房间；同一用户的旧连接被替换并关闭
func (r *Room) Join(ctx context.Context, user UserID, p Peer) error {
	return r.Do(ctx, func() { r.join(user, p) })
}

// Leave 在房间协程中移除成员（断线），视为隐式离开
func (r *Room) Leave(user UserID, p Peer) {
	_ = r.Do(context.Background(), func() { r.leave(user, p) })
}

// Close 停止房间协程
func (r *Room) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
	// 从未启动的房间没有协程负责关闭 done
	r.startOnce.Do(func() { close(r.done) })
	<-r.done
}

func (r *Room) join(user UserID, p Peer) {
	if old, ok := r.members[user]; ok && old != p {
		old.Close()
		r.log.Infow("connection replaced", "user", user)
	}
	r.members[user] = p
	r.log.Infow("member joined", "user", user, "members", len(r.members))
}

func (r *Room) leave(user UserID, p Peer) {
	if cur, ok := r.members[user]; !ok || cur != p {
		// 已被新连接替换
		return
	}
	delete(r.members, user)
	r.store.Remove(user)
	if c, ok := r.tracker.Remove(user); ok {
		r.publish(c)
	}
	r.log.Infow("member left", "user", user, "members", len(r.members))
}

func (r *Room) handlePosition(u positionUpdate) {
	err := r.store.Update(u.user, u.pos, u.dir, u.clientTS, u.at)
	switch {
	case err == nil:
		r.metrics.IncAccepted()
		r.store.SetZone(u.user, r.tracker.Current(u.user))
	case errors.Is(err, ErrStaleSample):
		r.metrics.IncStale()
	default:
		r.metrics.IncRejected()
		r.log.Debugw("position rejected", "user", u.user, "x", u.pos.X, "y", u.pos.Y, "err", err)
	}
}

func (r *Room) handleMoveEnd(req moveEndRequest) protocol.Area {
	r.metrics.IncMoveEnd()
	resp := protocol.Area{Type: protocol.TypeArea, ID: req.msg.ID}
	if req.msg.Map != "" && req.msg.Map != r.ID {
		resp.Error = protocol.ErrBadRequest
		return resp
	}
	pos, dir, ok := parsePosition(req.msg.X, req.msg.Y, req.msg.Dir)
	if !ok || !r.layout.Contains(pos, r.cfg.BoundsMargin) {
		r.metrics.IncRejected()
		resp.Error = protocol.ErrBadRequest
		return resp
	}

	// 先应用已排队的位置样本，最终位置不能被更早的样本覆盖
	r.drainPositions()
	now := r.now()
	// 最终位置同样是最新已知位置
	if err := r.store.Update(req.user, pos, dir, req.msg.TS, now); err == nil {
		r.store.SetZone(req.user, r.tracker.Current(req.user))
	}
	zone, outcome := r.tracker.Report(req.user, pos, now)
	switch outcome {
	case ReportCoalesced:
		r.metrics.IncCoalesced()
	case ReportReverted:
		r.metrics.IncReverted()
	}
	resp.Zone = zone.ID
	resp.Kind = zone.Kind
	resp.Name = zone.Name
	return resp
}

// drainPositions 处理入站队列中已有的位置样本，不等待新样本
func (r *Room) drainPositions() {
	for {
		select {
		case u := <-r.posChan:
			r.handlePosition(u)
		default:
			return
		}
	}
}

// publish 分配序号，可靠投递给相关成员，并通知订阅者
func (r *Room) publish(c ZoneChange) {
	r.seq++
	ev := protocol.ZoneChanged{
		Type:     protocol.TypeZoneChanged,
		ID:       uuid.NewString(),
		Seq:      r.seq,
		User:     string(c.User),
		Map:      r.ID,
		OldZone:  c.OldZone,
		NewZone:  c.NewZone,
		Kind:     c.Kind,
		Entering: userStrings(c.Entering),
		Leaving:  userStrings(c.Leaving),
	}
	r.metrics.IncTransition()
	r.store.SetZone(c.User, c.NewZone)
	r.log.Infow("zone changed", "user", c.User, "from", c.OldZone, "to", c.NewZone, "seq", ev.Seq)

	for _, u := range c.Affected() {
		p, ok := r.members[u]
		if !ok {
			continue
		}
		if !p.Notify(ev) {
			// 可靠事件不能静默丢失：断开慢连接，客户端重连后重新同步
			r.metrics.IncNotifyFailed()
			r.log.Warnw("reliable outbox full, dropping connection", "user", u, "seq", ev.Seq)
			p.Close()
		}
	}
	for _, l := range r.listeners {
		r.notifyListener(l, ev)
	}
}

// notifyListener 订阅者出错只记录日志，不影响房间协程
func (r *Room) notifyListener(l ZoneListener, ev protocol.ZoneChanged) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.IncListenerPanic()
			r.log.Errorw("zone listener panicked", "seq", ev.Seq, "panic", p)
		}
	}()
	l.ZoneChanged(ev)
}

func (r *Room) sweep(now time.Time) {
	res := r.store.SweepInactive(now)
	if len(res.Deactivated) == 0 && len(res.Removed) == 0 {
		return
	}
	r.metrics.AddSwept(len(res.Deactivated), len(res.Removed))
	r.log.Debugw("swept inactive users", "deactivated", res.Deactivated, "removed", res.Removed)
	// 记录删除时区域归属一并清除，区域内其他成员收到离开事件
	for _, u := range res.Removed {
		if c, ok := r.tracker.Remove(u); ok {
			r.publish(c)
		}
	}
}

// applyConfig 热更新（在房间协程中执行）
func (r *Room) applyConfig(cfg RoomConfig) {
	r.cfg = cfg
	r.store.SetConfig(cfg.store())
	r.tracker.SetWindow(cfg.DebounceWindow)
}

func (r *Room) applyLayout(layout geometry.Layout) {
	if layout.MapID == "" {
		layout.MapID = r.ID
	}
	r.layout = layout
	r.store.SetLayout(layout)
	r.tracker.SetLayout(layout)
}

// RoomSummary 管理接口使用的房间概况
type RoomSummary struct {
	Room    string              `json:"room"`
	Members []string            `json:"members"`
	Active  int                 `json:"active"`
	Records int                 `json:"records"`
	Zones   map[string][]string `json:"zones"`
	Layout  geometry.Layout     `json:"layout"`
}

func (r *Room) summary() RoomSummary {
	members := make([]UserID, 0, len(r.members))
	for u := range r.members {
		members = append(members, u)
	}
	sortUsers(members)
	zones := make(map[string][]string)
	for id, users := range r.tracker.Zones() {
		zones[id] = userStrings(users)
	}
	return RoomSummary{
		Room:    r.ID,
		Members: userStrings(members),
		Active:  r.store.ActiveCount(),
		Records: r.store.Len(),
		Zones:   zones,
		Layout:  r.layout,
	}
}

// Summary 线程安全地读取房间概况
func (r *Room) Summary(ctx context.Context) (RoomSummary, error) {
	var s RoomSummary
	err := r.Do(ctx, func() { s = r.summary() })
	return s, err
}

// Config 线程安全地读取当前配置
func (r *Room) Config(ctx context.Context) (RoomConfig, error) {
	var c RoomConfig
	err := r.Do(ctx, func() { c = r.cfg })
	return c, err
}

// UpdateConfig 以 fn 修改当前配置并生效
func (r *Room) UpdateConfig(ctx context.Context, fn func(*RoomConfig)) (RoomConfig, error) {
	var c RoomConfig
	err := r.Do(ctx, func() {
		next := r.cfg
		fn(&next)
		r.applyConfig(next)
		c = next
	})
	return c, err
}

// SetLayout 替换地图区域定义
func (r *Room) SetLayout(ctx context.Context, layout geometry.Layout) error {
	return r.Do(ctx, func() { r.applyLayout(layout) })
}

func userStrings(ids []UserID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
