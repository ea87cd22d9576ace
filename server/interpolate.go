package server

import (
	"time"

	"minispace/geometry"
)

// Span 两次上报之间的插值区间，仅用于广播画面的平滑，从不参与权威判定
type Span struct {
	Start     geometry.Position
	End       geometry.Position
	StartedAt time.Time
	Duration  time.Duration

	finished bool
}

// Interpolator 每个用户至多一个活动 Span；新样本总是替换旧 Span，不排队
type Interpolator struct {
	spans map[UserID]*Span
}

func NewInterpolator() *Interpolator {
	return &Interpolator{spans: make(map[UserID]*Span)}
}

// Begin 创建或替换该用户的 Span
func (in *Interpolator) Begin(user UserID, s Span) {
	s.finished = false
	in.spans[user] = &s
}

// Drop 丢弃该用户的 Span
func (in *Interpolator) Drop(user UserID) {
	delete(in.spans, user)
}

// Len 当前 Span 数量
func (in *Interpolator) Len() int { return len(in.spans) }

// EaseOutQuad 1-(1-p)^2
func EaseOutQuad(p float64) float64 {
	q := 1 - p
	return 1 - q*q
}

// Sample 返回 now 时刻的插值位置；没有活动 Span 时返回 false，调用方退回原始位置。
// 进度到达 1 时返回终点本身，Span 在下一次访问时移除。
func (in *Interpolator) Sample(user UserID, now time.Time) (geometry.Position, bool) {
	s, ok := in.spans[user]
	if !ok {
		return geometry.Position{}, false
	}
	if s.finished {
		delete(in.spans, user)
		return geometry.Position{}, false
	}

	progress := 1.0
	if s.Duration > 0 {
		progress = float64(now.Sub(s.StartedAt)) / float64(s.Duration)
	}
	if progress < 0 {
		progress = 0
	}
	if progress >= 1 {
		s.finished = true
		return s.End, true
	}
	return geometry.Lerp(s.Start, s.End, EaseOutQuad(progress)), true
}
