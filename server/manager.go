package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"minispace/geometry"
)

// RoomManager 管理多个房间的生命周期；房间只能经由房间 id 查找
type RoomManager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	cfg       RoomConfig
	layouts   LayoutSource
	listeners []ZoneListener
	log       *zap.SugaredLogger
}

func NewRoomManager(cfg RoomConfig, layouts LayoutSource, log *zap.SugaredLogger, listeners ...ZoneListener) *RoomManager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &RoomManager{
		rooms:     make(map[string]*Room),
		cfg:       cfg,
		layouts:   layouts,
		listeners: listeners,
		log:       log,
	}
}

// GetOrCreateRoom 获取或创建房间，并确保开始 Tick。
// 没有区域配置的地图照常创建，所有位置都解析为公共区域。
func (m *RoomManager) GetOrCreateRoom(ctx context.Context, id string) (*Room, error) {
	m.mu.RLock()
	r, ok := m.rooms[id]
	m.mu.RUnlock()
	if ok {
		return r, nil
	}

	layout := geometry.Layout{MapID: id}
	if m.layouts != nil {
		l, found, err := m.layouts.Layout(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load layout %s: %w", id, err)
		}
		if found {
			layout = l
		} else {
			m.log.Infow("no zone configuration for map, using public zone only", "room", id)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[id]; ok {
		return r, nil
	}
	r = NewRoom(id, layout, m.cfg, m.log, m.listeners...)
	m.rooms[id] = r
	r.StartTicker()
	return r, nil
}

// Room 查找已存在的房间
func (m *RoomManager) Room(id string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[id]
	return r, ok
}

// Rooms 按 id 排序的房间列表
func (m *RoomManager) Rooms() []*Room {
	m.mu.RLock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ReloadLayout 从来源重新读取区域定义并应用到已存在的房间
func (m *RoomManager) ReloadLayout(ctx context.Context, id string) error {
	r, ok := m.Room(id)
	if !ok || m.layouts == nil {
		return nil
	}
	l, found, err := m.layouts.Layout(ctx, id)
	if err != nil {
		return fmt.Errorf("reload layout %s: %w", id, err)
	}
	if !found {
		l = geometry.Layout{MapID: id}
	}
	return r.SetLayout(ctx, l)
}

// StartSweeper 所有房间共享的周期清理，与广播定时器相互独立
func (m *RoomManager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, r := range m.Rooms() {
					r.Sweep()
				}
			}
		}
	}()
}

// Close 停止所有房间
func (m *RoomManager) Close() {
	for _, r := range m.Rooms() {
		r.Close()
	}
}
