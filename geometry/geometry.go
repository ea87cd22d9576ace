package geometry

import "math"

// Position 场景坐标中的一个点，更新时整体替换
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Valid 拒绝 NaN / Inf 坐标
func (p Position) Valid() bool {
	return !math.IsNaN(p.X) && !math.IsNaN(p.Y) && !math.IsInf(p.X, 0) && !math.IsInf(p.Y, 0)
}

// Sub 返回 p - o 的位移
func (p Position) Sub(o Position) Position {
	return Position{X: p.X - o.X, Y: p.Y - o.Y}
}

// Distance 两点间欧氏距离
func Distance(a, b Position) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// MoveToward 从 from 朝 to 前进至多 step，不会越过目标点
func MoveToward(from, to Position, step float64) Position {
	d := Distance(from, to)
	if d <= step || d == 0 {
		return to
	}
	k := step / d
	return Position{X: from.X + (to.X-from.X)*k, Y: from.Y + (to.Y-from.Y)*k}
}

// Lerp 在 a→b 之间按 t 线性混合
func Lerp(a, b Position, t float64) Position {
	return Position{X: a.X + (b.X-a.X)*t, Y: a.Y + (b.Y-a.Y)*t}
}

// Direction 朝向（屏幕坐标，y 轴向下）
type Direction string

const (
	DirUp    Direction = "up"
	DirDown  Direction = "down"
	DirLeft  Direction = "left"
	DirRight Direction = "right"
)

// ParseDirection 解析线上的朝向字符串
func ParseDirection(s string) (Direction, bool) {
	switch Direction(s) {
	case DirUp, DirDown, DirLeft, DirRight:
		return Direction(s), true
	}
	return "", false
}

// DirectionOf 取位移的主轴决定朝向；两轴相等时取纵轴。
// 零位移保持 prev。
func DirectionOf(from, to Position, prev Direction) Direction {
	d := to.Sub(from)
	if d.X == 0 && d.Y == 0 {
		return prev
	}
	if math.Abs(d.X) > math.Abs(d.Y) {
		if d.X < 0 {
			return DirLeft
		}
		return DirRight
	}
	if d.Y < 0 {
		return DirUp
	}
	return DirDown
}
