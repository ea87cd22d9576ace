package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"minispace/geometry"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// HandleAdminConfig 提供房间配置的读取与更新（热更新基本规则）
// GET /admin/config?room=room-1  返回当前配置
// POST /admin/config?room=room-1 以 JSON 载荷更新部分字段
func (h *Handlers) HandleAdminConfig(w http.ResponseWriter, r *http.Request) {
	roomID := h.roomParam(r)
	room, ok := h.rooms.Room(roomID)
	if !ok {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}

	type cfg struct {
		BroadcastIntervalMs *int     `json:"broadcastIntervalMs,omitempty"`
		InactivityTimeoutMs *int     `json:"inactivityTimeoutMs,omitempty"`
		SpanDurationMs      *int     `json:"spanDurationMs,omitempty"`
		StaleSampleAfterMs  *int     `json:"staleSampleAfterMs,omitempty"`
		DebounceWindowMs    *int     `json:"debounceWindowMs,omitempty"`
		BoundsMargin        *float64 `json:"boundsMargin,omitempty"`
	}
	ms := func(d time.Duration) *int { v := int(d / time.Millisecond); return &v }
	view := func(c RoomConfig) cfg {
		return cfg{
			BroadcastIntervalMs: ms(c.BroadcastInterval),
			InactivityTimeoutMs: ms(c.InactivityTimeout),
			SpanDurationMs:      ms(c.SpanDuration),
			StaleSampleAfterMs:  ms(c.StaleSampleAfter),
			DebounceWindowMs:    ms(c.DebounceWindow),
			BoundsMargin:        &c.BoundsMargin,
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		cur, err := room.Config(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, view(cur))
	case http.MethodPost:
		var body cfg
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		dur := func(v *int, minV, maxV time.Duration, dst *time.Duration) {
			if v != nil {
				*dst = clampDuration(time.Duration(*v)*time.Millisecond, minV, maxV)
			}
		}
		next, err := room.UpdateConfig(ctx, func(c *RoomConfig) {
			dur(body.BroadcastIntervalMs, 8*time.Millisecond, time.Second, &c.BroadcastInterval)
			dur(body.InactivityTimeoutMs, 500*time.Millisecond, 10*time.Minute, &c.InactivityTimeout)
			dur(body.SpanDurationMs, 10*time.Millisecond, 2*time.Second, &c.SpanDuration)
			dur(body.StaleSampleAfterMs, 50*time.Millisecond, c.InactivityTimeout, &c.StaleSampleAfter)
			dur(body.DebounceWindowMs, 0, 5*time.Second, &c.DebounceWindow)
			if body.BoundsMargin != nil {
				c.BoundsMargin = clampFloat(*body.BoundsMargin, 0, 1e6)
			}
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		h.log.Infow("config updated", "room", roomID,
			"broadcast", next.BroadcastInterval, "inactivity", next.InactivityTimeout,
			"span", next.SpanDuration, "debounce", next.DebounceWindow)
		writeJSON(w, map[string]any{"ok": true, "config": view(next)})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMetrics 输出指定房间的运行指标
// GET /metrics?room=room-1
func (h *Handlers) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	roomID := h.roomParam(r)
	room, ok := h.rooms.Room(roomID)
	if !ok {
		http.Error(w, "unknown room", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"room":    roomID,
		"metrics": room.Metrics().Snapshot(),
	})
}

// HandleRooms 所有房间的概况
// GET /admin/rooms
func (h *Handlers) HandleRooms(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	out := make([]RoomSummary, 0)
	for _, room := range h.rooms.Rooms() {
		s, err := room.Summary(ctx)
		if err != nil {
			continue
		}
		out = append(out, s)
	}
	writeJSON(w, out)
}

// HandleZones 读取或替换地图的区域定义（需要配置区域数据库）
// GET /admin/zones?room=office
// PUT /admin/zones?room=office  载荷为 geometry.Layout
func (h *Handlers) HandleZones(w http.ResponseWriter, r *http.Request) {
	if h.zones == nil {
		http.Error(w, "zone database not configured", http.StatusNotImplemented)
		return
	}
	mapID := h.roomParam(r)
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		l, ok, err := h.zones.Layout(ctx, mapID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "unknown map", http.StatusNotFound)
			return
		}
		writeJSON(w, l)
	case http.MethodPut:
		var l geometry.Layout
		if err := json.NewDecoder(r.Body).Decode(&l); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		l.MapID = mapID
		if err := ValidateLayout(l); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.zones.SaveLayout(ctx, l); err != nil {
			h.log.Errorw("save layout failed", "map", mapID, "err", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := h.rooms.ReloadLayout(ctx, mapID); err != nil {
			h.log.Warnw("reload layout failed", "map", mapID, "err", err)
		}
		h.log.Infow("zones updated", "map", mapID, "zones", len(l.Zones))
		writeJSON(w, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleMaps 区域数据库中已保存的地图
// GET /admin/maps
func (h *Handlers) HandleMaps(w http.ResponseWriter, r *http.Request) {
	if h.zones == nil {
		http.Error(w, "zone database not configured", http.StatusNotImplemented)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	maps, err := h.zones.Maps(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if maps == nil {
		maps = []string{}
	}
	writeJSON(w, map[string]any{"maps": maps})
}
