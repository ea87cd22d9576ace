package server

import (
	"time"

	"minispace/geometry"
	"minispace/protocol"
)

// 房间协程的入站请求。位置更新不阻塞（满则丢弃），其余请求带应答通道。

type positionUpdate struct {
	user     UserID
	pos      geometry.Position
	dir      geometry.Direction
	clientTS int64
	at       time.Time
}

type moveEndRequest struct {
	user UserID
	msg  protocol.MoveEnd
	resp chan protocol.Area
}

type heartbeat struct {
	user UserID
}

// parsePosition 边界校验：方向非法时置空，由位置表按位移推导
func parsePosition(x, y float64, dir geometry.Direction) (geometry.Position, geometry.Direction, bool) {
	p := geometry.Position{X: x, Y: y}
	if !p.Valid() {
		return p, "", false
	}
	d, ok := geometry.ParseDirection(string(dir))
	if !ok {
		d = ""
	}
	return p, d, true
}
