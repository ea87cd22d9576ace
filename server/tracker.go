package server

import (
	"time"

	"minispace/geometry"
)

// ReportOutcome 一次 move_end 上报对追踪器状态的影响
type ReportOutcome int

const (
	ReportUnchanged ReportOutcome = iota // 与已提交区域相同，无事发生
	ReportPending                        // 新建待提交的变更
	ReportCoalesced                      // 合并进已有的待提交变更（后到者为准）
	ReportReverted                       // 回到已提交区域，撤销待提交变更
)

// ZoneChange 一次已提交的区域变更
type ZoneChange struct {
	User    UserID
	Map     string
	OldZone string // 首次进入时为空
	NewZone string // 断线离开时为空
	Kind    geometry.ZoneKind
	// Entering 变更后新区域的成员；Leaving 变更后旧区域的成员
	Entering []UserID
	Leaving  []UserID
}

// Affected 需要收到该事件的用户：新旧区域成员与本人
func (c ZoneChange) Affected() []UserID {
	seen := map[UserID]struct{}{c.User: {}}
	out := []UserID{c.User}
	for _, list := range [][]UserID{c.Entering, c.Leaving} {
		for _, u := range list {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	sortUsers(out)
	return out
}

// pendingTransition 去抖状态：待提交的目标区域与截止时间
type pendingTransition struct {
	zone     geometry.Zone
	deadline time.Time
}

// AreaTracker 区域权威。只接受可靠的 move_end 上报；
// 区域变化经 DebounceWindow 去抖后由 Flush 提交，每次变化恰好产生一个事件。
// 非并发安全：由房间协程独占访问。
type AreaTracker struct {
	layout geometry.Layout
	window time.Duration

	current map[UserID]string
	members map[string]map[UserID]struct{}
	pending map[UserID]*pendingTransition
}

func NewAreaTracker(layout geometry.Layout, window time.Duration) *AreaTracker {
	return &AreaTracker{
		layout:  layout,
		window:  window,
		current: make(map[UserID]string),
		members: make(map[string]map[UserID]struct{}),
		pending: make(map[UserID]*pendingTransition),
	}
}

func (t *AreaTracker) SetLayout(layout geometry.Layout) { t.layout = layout }
func (t *AreaTracker) SetWindow(window time.Duration)   { t.window = window }

// Current 已提交的区域；未知用户为空
func (t *AreaTracker) Current(user UserID) string { return t.current[user] }

// Pending 待提交的目标区域
func (t *AreaTracker) Pending(user UserID) (string, bool) {
	p, ok := t.pending[user]
	if !ok {
		return "", false
	}
	return p.zone.ID, true
}

// Report 处理一次 move_end：解析最终位置所在区域并更新去抖状态，返回解析出的区域
func (t *AreaTracker) Report(user UserID, pos geometry.Position, now time.Time) (geometry.Zone, ReportOutcome) {
	zone := t.layout.Resolve(pos)
	cur, known := t.current[user]
	p, hasPending := t.pending[user]

	if known && zone.ID == cur {
		if hasPending {
			delete(t.pending, user)
			return zone, ReportReverted
		}
		return zone, ReportUnchanged
	}
	if hasPending {
		p.zone = zone
		p.deadline = now.Add(t.window)
		return zone, ReportCoalesced
	}
	t.pending[user] = &pendingTransition{zone: zone, deadline: now.Add(t.window)}
	return zone, ReportPending
}

// Flush 提交所有到期的待提交变更，按用户 id 排序返回
func (t *AreaTracker) Flush(now time.Time) []ZoneChange {
	if len(t.pending) == 0 {
		return nil
	}
	var due []UserID
	for user, p := range t.pending {
		if !now.Before(p.deadline) {
			due = append(due, user)
		}
	}
	sortUsers(due)

	changes := make([]ZoneChange, 0, len(due))
	for _, user := range due {
		p := t.pending[user]
		delete(t.pending, user)
		if c, ok := t.commit(user, p.zone); ok {
			changes = append(changes, c)
		}
	}
	return changes
}

func (t *AreaTracker) commit(user UserID, zone geometry.Zone) (ZoneChange, bool) {
	old, known := t.current[user]
	if known && old == zone.ID {
		return ZoneChange{}, false
	}
	if known {
		t.leave(old, user)
	}
	set, ok := t.members[zone.ID]
	if !ok {
		set = make(map[UserID]struct{})
		t.members[zone.ID] = set
	}
	set[user] = struct{}{}
	t.current[user] = zone.ID

	c := ZoneChange{
		User:     user,
		Map:      t.layout.MapID,
		OldZone:  old,
		NewZone:  zone.ID,
		Kind:     zone.Kind,
		Entering: t.Members(zone.ID),
	}
	if known {
		c.Leaving = t.Members(old)
	}
	return c, true
}

// Remove 断线时的隐式离开：丢弃待提交变更，离开当前区域
func (t *AreaTracker) Remove(user UserID) (ZoneChange, bool) {
	delete(t.pending, user)
	old, known := t.current[user]
	if !known {
		return ZoneChange{}, false
	}
	t.leave(old, user)
	delete(t.current, user)

	kind := geometry.ZonePublic
	if z, ok := t.layout.Zone(old); ok {
		kind = z.Kind
	}
	return ZoneChange{
		User:    user,
		Map:     t.layout.MapID,
		OldZone: old,
		Kind:    kind,
		Leaving: t.Members(old),
	}, true
}

func (t *AreaTracker) leave(zoneID string, user UserID) {
	set, ok := t.members[zoneID]
	if !ok {
		return
	}
	delete(set, user)
	if len(set) == 0 {
		delete(t.members, zoneID)
	}
}

// Members 区域当前成员，按 id 排序
func (t *AreaTracker) Members(zoneID string) []UserID {
	set := t.members[zoneID]
	out := make([]UserID, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sortUsers(out)
	return out
}

// Zones 每个非空区域的成员
func (t *AreaTracker) Zones() map[string][]UserID {
	out := make(map[string][]UserID, len(t.members))
	for id := range t.members {
		out[id] = t.Members(id)
	}
	return out
}
