package server

import (
	"errors"
	"sort"
	"time"

	"minispace/geometry"
	"minispace/protocol"
)

var (
	ErrInvalidPosition = errors.New("invalid position")
	ErrStaleSample     = errors.New("stale sample")
)

// MotionRecord 每个房间内每个用户一条，只由该房间的 PositionStore 持有
type MotionRecord struct {
	LastPosition  geometry.Position
	LastDirection geometry.Direction
	LastUpdate    time.Time
	Velocity      geometry.Position // 单位/秒
	Active        bool
	ZoneID        string

	lastClientTS int64
}

// StoreConfig 位置表的时间参数
type StoreConfig struct {
	InactivityTimeout time.Duration
	SpanDuration      time.Duration
	// StaleSampleAfter 上一样本早于该时长时不计算速度、不插值，直接落位
	StaleSampleAfter time.Duration
	BoundsMargin     float64
}

// SweepResult 一次清理的结果（按用户 id 排序）
type SweepResult struct {
	Deactivated []UserID
	Removed     []UserID
}

// PositionStore 房间内最新位置表。非并发安全：由房间协程独占访问。
type PositionStore struct {
	cfg     StoreConfig
	layout  geometry.Layout
	records map[UserID]*MotionRecord
	interp  *Interpolator
}

func NewPositionStore(cfg StoreConfig, layout geometry.Layout) *PositionStore {
	return &PositionStore{
		cfg:     cfg,
		layout:  layout,
		records: make(map[UserID]*MotionRecord),
		interp:  NewInterpolator(),
	}
}

func (s *PositionStore) SetConfig(cfg StoreConfig)         { s.cfg = cfg }
func (s *PositionStore) SetLayout(layout geometry.Layout) { s.layout = layout }

// Interpolator 返回该房间的插值器
func (s *PositionStore) Interpolator() *Interpolator { return s.interp }

// Get 返回记录副本
func (s *PositionStore) Get(user UserID) (MotionRecord, bool) {
	rec, ok := s.records[user]
	if !ok {
		return MotionRecord{}, false
	}
	return *rec, true
}

// Len 记录数（含不活跃）
func (s *PositionStore) Len() int { return len(s.records) }

// ActiveCount 活跃记录数
func (s *PositionStore) ActiveCount() int {
	n := 0
	for _, rec := range s.records {
		if rec.Active {
			n++
		}
	}
	return n
}

// Update 记录一次位置上报。
// 首次上报创建零速度记录；之后按位移/耗时计算速度（耗时为 0 时速度不变），
// 并以 {旧位置, 新位置, now, SpanDuration} 替换插值区间。
// 越界或非有限坐标被拒绝，原记录保持不变。clientTS 回退的样本视为乱序丢弃。
func (s *PositionStore) Update(user UserID, pos geometry.Position, dir geometry.Direction, clientTS int64, now time.Time) error {
	if !s.layout.Contains(pos, s.cfg.BoundsMargin) {
		return ErrInvalidPosition
	}
	rec, ok := s.records[user]
	if !ok {
		if dir == "" {
			dir = geometry.DirDown
		}
		s.records[user] = &MotionRecord{
			LastPosition:  pos,
			LastDirection: dir,
			LastUpdate:    now,
			Active:        true,
			lastClientTS:  clientTS,
		}
		return nil
	}
	if clientTS > 0 && clientTS < rec.lastClientTS {
		return ErrStaleSample
	}

	prev := rec.LastPosition
	elapsed := now.Sub(rec.LastUpdate)
	switch {
	case !rec.Active || (s.cfg.StaleSampleAfter > 0 && elapsed > s.cfg.StaleSampleAfter):
		// 长时间停顿后的样本不产生速度尖峰
		rec.Velocity = geometry.Position{}
		s.interp.Drop(user)
	default:
		if elapsed > 0 {
			delta, secs := pos.Sub(prev), elapsed.Seconds()
			rec.Velocity = geometry.Position{X: delta.X / secs, Y: delta.Y / secs}
		}
		s.interp.Begin(user, Span{Start: prev, End: pos, StartedAt: now, Duration: s.cfg.SpanDuration})
	}

	if dir == "" {
		dir = geometry.DirectionOf(prev, pos, rec.LastDirection)
	}
	rec.LastPosition = pos
	rec.LastDirection = dir
	rec.LastUpdate = now
	rec.Active = true
	if clientTS > 0 {
		rec.lastClientTS = clientTS
	}
	return nil
}

// Heartbeat 刷新时间戳，使没有移动的用户不被清理；未知用户返回 false
func (s *PositionStore) Heartbeat(user UserID, now time.Time) bool {
	rec, ok := s.records[user]
	if !ok {
		return false
	}
	if !rec.Active {
		rec.Velocity = geometry.Position{}
	}
	rec.LastUpdate = now
	rec.Active = true
	return true
}

// SetZone 同步区域追踪器提交的区域
func (s *PositionStore) SetZone(user UserID, zoneID string) {
	if rec, ok := s.records[user]; ok {
		rec.ZoneID = zoneID
	}
}

// Remove 立即移除（断线）
func (s *PositionStore) Remove(user UserID) bool {
	if _, ok := s.records[user]; !ok {
		return false
	}
	delete(s.records, user)
	s.interp.Drop(user)
	return true
}

// SweepInactive 超过 InactivityTimeout 未更新的记录置为不活跃并丢弃 Span；
// 达到两倍阈值的记录删除。
func (s *PositionStore) SweepInactive(now time.Time) SweepResult {
	var res SweepResult
	timeout := s.cfg.InactivityTimeout
	if timeout <= 0 {
		return res
	}
	for id, rec := range s.records {
		idle := now.Sub(rec.LastUpdate)
		switch {
		case idle >= 2*timeout:
			delete(s.records, id)
			s.interp.Drop(id)
			res.Removed = append(res.Removed, id)
		case idle > timeout && rec.Active:
			rec.Active = false
			rec.Velocity = geometry.Position{}
			s.interp.Drop(id)
			res.Deactivated = append(res.Deactivated, id)
		}
	}
	sortUsers(res.Deactivated)
	sortUsers(res.Removed)
	return res
}

// Snapshot 为所有活跃记录生成广播用状态，按用户 id 排序。
// 有活动 Span 时使用插值位置并标记 moving。
func (s *PositionStore) Snapshot(now time.Time) []protocol.UserState {
	ids := make([]UserID, 0, len(s.records))
	for id, rec := range s.records {
		if rec.Active {
			ids = append(ids, id)
		}
	}
	sortUsers(ids)

	out := make([]protocol.UserState, 0, len(ids))
	for _, id := range ids {
		rec := s.records[id]
		pos, moving := s.interp.Sample(id, now)
		if !moving || !pos.Valid() {
			pos = rec.LastPosition
			moving = false
		}
		out = append(out, protocol.UserState{
			User:   string(id),
			X:      pos.X,
			Y:      pos.Y,
			Dir:    rec.LastDirection,
			VX:     rec.Velocity.X,
			VY:     rec.Velocity.Y,
			Moving: moving,
			Zone:   rec.ZoneID,
			TS:     rec.LastUpdate.UnixMilli(),
		})
	}
	return out
}

func sortUsers(ids []UserID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
