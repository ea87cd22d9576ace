package geometry

// ZoneKind 区域类型
type ZoneKind string

const (
	ZonePublic  ZoneKind = "public"
	ZonePrivate ZoneKind = "private"
)

// PublicZoneID 每张地图隐式存在的公共区域（兜底）
const PublicZoneID = "public"

// PublicZone 隐式公共区域
var PublicZone = Zone{ID: PublicZoneID, Name: "Public", Kind: ZonePublic}

// Zone 地图上的轴对齐矩形区域
type Zone struct {
	ID   string   `json:"id" yaml:"id"`
	Name string   `json:"name,omitempty" yaml:"name"`
	Kind ZoneKind `json:"kind" yaml:"kind"`
	X1   float64  `json:"x1" yaml:"x1"`
	Y1   float64  `json:"y1" yaml:"y1"`
	X2   float64  `json:"x2" yaml:"x2"`
	Y2   float64  `json:"y2" yaml:"y2"`
}

// Contains 闭区间判断，四条边都算在区域内
func (z Zone) Contains(p Position) bool {
	minX, maxX := z.X1, z.X2
	if minX > maxX {
		minX, maxX = maxX, minX
	}
	minY, maxY := z.Y1, z.Y2
	if minY > maxY {
		minY, maxY = maxY, minY
	}
	return p.X >= minX && p.X <= maxX && p.Y >= minY && p.Y <= maxY
}

// ResolveZone 按声明顺序返回第一个包含 p 的私有区域，否则返回公共区域。
// 纯函数：结果只取决于入参。重叠区域的优先级由调用方的排列顺序决定。
func ResolveZone(p Position, zones []Zone) Zone {
	for _, z := range zones {
		if z.Kind != ZonePrivate {
			continue
		}
		if z.Contains(p) {
			return z
		}
	}
	return PublicZone
}

// Layout 一张地图的区域定义与可选边界（Width/Height 为 0 表示不限）
type Layout struct {
	MapID  string  `json:"map" yaml:"id"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
	Zones  []Zone  `json:"zones" yaml:"zones"`
}

// Resolve 见 ResolveZone
func (l Layout) Resolve(p Position) Zone {
	return ResolveZone(p, l.Zones)
}

// Zone 按 id 查找区域；公共区域总能找到
func (l Layout) Zone(id string) (Zone, bool) {
	if id == PublicZoneID {
		return PublicZone, true
	}
	for _, z := range l.Zones {
		if z.ID == id {
			return z, true
		}
	}
	return Zone{}, false
}

// Contains 判断点是否在地图边界（外扩 margin）内
func (l Layout) Contains(p Position, margin float64) bool {
	if !p.Valid() {
		return false
	}
	if l.Width <= 0 || l.Height <= 0 {
		return true
	}
	return p.X >= -margin && p.Y >= -margin && p.X <= l.Width+margin && p.Y <= l.Height+margin
}
