package protocol

import "minispace/geometry"

const Version = "1"

// 消息类型
const (
	TypePosition    = "position"     // 客户端 → 服务端，不可靠
	TypeMoveEnd     = "move_end"     // 客户端 → 服务端，可靠请求
	TypeArea        = "area"         // move_end 的应答
	TypeHeartbeat   = "heartbeat"    // 保活
	TypeSnapshot    = "snapshot"     // 服务端 → 房间，不可靠，约 20Hz
	TypeZoneChanged = "zone_changed" // 服务端 → 相关成员，可靠推送
	TypeAck         = "ack"          // zone_changed 的确认
)

// 错误码
const (
	ErrBadRequest = "E_BAD_REQUEST"
	ErrTimeout    = "E_TIMEOUT"
	ErrInternal   = "E_INTERNAL"
)

// Base 用于先按 type 路由，再解码完整消息
type Base struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// IsResponse 这些类型按 id 关联到等待中的可靠请求
func IsResponse(typ string) bool {
	return typ == TypeArea || typ == TypeAck
}

// Position 移动中的中间位置（不可靠通道）
type Position struct {
	Type string             `json:"type"`
	Map  string             `json:"map,omitempty"`
	X    float64            `json:"x"`
	Y    float64            `json:"y"`
	Dir  geometry.Direction `json:"dir"`
	TS   int64              `json:"ts"` // 客户端毫秒时间戳
}

// MoveEnd 移动结束，请求权威区域信息（可靠通道）
type MoveEnd struct {
	Type string             `json:"type"`
	ID   string             `json:"id"`
	Map  string             `json:"map,omitempty"`
	X    float64            `json:"x"`
	Y    float64            `json:"y"`
	Dir  geometry.Direction `json:"dir"`
	TS   int64              `json:"ts,omitempty"` // 与位置流同一时钟，晚到的旧样本据此丢弃
}

// Area move_end 的应答
type Area struct {
	Type  string            `json:"type"`
	ID    string            `json:"id"`
	Zone  string            `json:"zone,omitempty"`
	Kind  geometry.ZoneKind `json:"kind,omitempty"`
	Name  string            `json:"name,omitempty"`
	Error string            `json:"error,omitempty"`
}

// Heartbeat 没有移动时也维持记录不被清理
type Heartbeat struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// UserState 快照中的单个用户
type UserState struct {
	User   string             `json:"user"`
	X      float64            `json:"x"`
	Y      float64            `json:"y"`
	Dir    geometry.Direction `json:"dir"`
	VX     float64            `json:"vx"`
	VY     float64            `json:"vy"`
	Moving bool               `json:"moving"`
	Zone   string             `json:"zone,omitempty"`
	TS     int64              `json:"ts"`
}

// Snapshot 房间全量快照
type Snapshot struct {
	Type     string      `json:"type"`
	Map      string      `json:"map"`
	Users    []UserState `json:"users"`
	ServerTS int64       `json:"server_ts"`
}

// ZoneChanged 区域变更事件，外部协作方（如通话会话）唯一应当响应的信号
type ZoneChanged struct {
	Type     string            `json:"type"`
	ID       string            `json:"id"`
	Seq      uint64            `json:"seq"`
	User     string            `json:"user"`
	Map      string            `json:"map"`
	OldZone  string            `json:"old_zone"`
	NewZone  string            `json:"new_zone"`
	Kind     geometry.ZoneKind `json:"kind,omitempty"`
	Entering []string          `json:"entering"`
	Leaving  []string          `json:"leaving"`
}

// Ack 确认可靠推送
type Ack struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}
