// Package client 客户端位置代理：本地预测移动，移动中经不可靠通道上报位置，
// 到达后经可靠通道请求权威区域。
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"minispace/geometry"
	"minispace/protocol"
	"minispace/transport"
)

// ErrAreaRejected 服务端以错误码拒绝了 move_end
var ErrAreaRejected = errors.New("area request rejected")

// Obstruction 外部碰撞检测：from → to 是否可通行
type Obstruction func(from, to geometry.Position, mapID string) bool

// AreaStatus 本地区域信息的可信程度
type AreaStatus int

const (
	AreaUnknown     AreaStatus = iota // 请求重试后仍失败，或尚未上报过
	AreaProvisional                   // 本地猜测，等待服务端确认
	AreaKnown                         // 服务端权威结果
)

func (s AreaStatus) String() string {
	switch s {
	case AreaProvisional:
		return "provisional"
	case AreaKnown:
		return "known"
	}
	return "unknown"
}

// AreaState 客户端持有的区域信息
type AreaState struct {
	Status AreaStatus
	Zone   string
	Kind   geometry.ZoneKind
	Name   string
	Err    error // 仅 AreaUnknown 时非空
}

// MoveResult 一次移动的结局
type MoveResult int

const (
	MoveCancelled  MoveResult = iota // 被新的移动取代或被取消
	MoveArrived                      // 到达目标
	MoveObstructed                   // 被阻挡，停在最后一个可达位置
)

func (r MoveResult) String() string {
	switch r {
	case MoveArrived:
		return "arrived"
	case MoveObstructed:
		return "obstructed"
	}
	return "cancelled"
}

// Config 代理参数，零值字段使用默认值
type Config struct {
	MapID        string
	Speed        float64       // 单位/秒
	TickInterval time.Duration // 动画帧间隔
	Epsilon      float64       // 到达判定距离
	CanMove      Obstruction

	// Layout 可选的本地区域定义，用于请求发出前的乐观猜测
	Layout *geometry.Layout
	OnArea func(AreaState)
	Logger *zap.SugaredLogger
}

func (c Config) withDefaults() Config {
	if c.Speed <= 0 {
		c.Speed = 240
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 16 * time.Millisecond
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 0.5
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	return c
}

// Move 一次移动任务的句柄
type Move struct {
	Target geometry.Position

	cancel context.CancelFunc
	done   chan struct{}
	result MoveResult
}

// Cancel 停止移动；已结束时无效果
func (m *Move) Cancel() { m.cancel() }

// Done 移动循环退出后关闭，此后不再写位置
func (m *Move) Done() <-chan struct{} { return m.done }

// Result 在 Done 关闭后有效
func (m *Move) Result() MoveResult {
	<-m.done
	return m.result
}

func (m *Move) finished() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Agent 单个化身的移动代理。同一时刻最多一个移动循环在写位置。
type Agent struct {
	cfg        Config
	unreliable transport.UnreliableChannel
	reliable   transport.ReliableChannel
	log        *zap.SugaredLogger
	now        func() time.Time

	begin sync.Mutex // 串行化 BeginMove

	mu        sync.Mutex
	pos       geometry.Position
	dir       geometry.Direction
	area      AreaState
	cur       *Move
	reportGen uint64
}

func NewAgent(cfg Config, start geometry.Position, u transport.UnreliableChannel, r transport.ReliableChannel) *Agent {
	cfg = cfg.withDefaults()
	return &Agent{
		cfg:        cfg,
		unreliable: u,
		reliable:   r,
		log:        cfg.Logger,
		now:        time.Now,
		pos:        start,
		dir:        geometry.DirDown,
	}
}

// Position 当前本地位置与朝向
func (a *Agent) Position() (geometry.Position, geometry.Direction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos, a.dir
}

// Area 当前区域信息
func (a *Agent) Area() AreaState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.area
}

// Moving 是否有移动循环在运行
func (a *Agent) Moving() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cur != nil && !a.cur.finished()
}

// BeginMove 开始向 target 移动。
// 正在前往同一目标或已在目标处时拒绝（返回 false）；前往不同目标时取代旧的移动，
// 旧循环退出后新循环才开始。
func (a *Agent) BeginMove(target geometry.Position) (*Move, bool) {
	if !target.Valid() {
		return nil, false
	}
	a.begin.Lock()
	defer a.begin.Unlock()

	a.mu.Lock()
	prev := a.cur
	pos := a.pos
	a.mu.Unlock()

	if prev != nil && !prev.finished() {
		if prev.Target == target {
			return nil, false
		}
		prev.Cancel()
		<-prev.done
	} else if geometry.Distance(pos, target) <= a.cfg.Epsilon {
		return nil, false
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Move{Target: target, cancel: cancel, done: make(chan struct{})}
	a.mu.Lock()
	a.cur = m
	a.mu.Unlock()
	go a.run(ctx, m)
	return m, true
}

func (a *Agent) run(ctx context.Context, m *Move) {
	defer m.cancel()
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()

	step := a.cfg.Speed * a.cfg.TickInterval.Seconds()
	advanced := false
	result := MoveCancelled

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
		}

		a.mu.Lock()
		from, prevDir := a.pos, a.dir
		a.mu.Unlock()
		if geometry.Distance(from, m.Target) <= a.cfg.Epsilon {
			result = MoveArrived
			break
		}
		next := geometry.MoveToward(from, m.Target, step)
		if a.cfg.CanMove != nil && !a.cfg.CanMove(from, next, a.cfg.MapID) {
			result = MoveObstructed
			break
		}
		if ctx.Err() != nil {
			break
		}
		dir := geometry.DirectionOf(from, next, prevDir)
		a.mu.Lock()
		a.pos, a.dir = next, dir
		a.mu.Unlock()
		advanced = true

		a.unreliable.Send(protocol.Position{
			Type: protocol.TypePosition,
			Map:  a.cfg.MapID,
			X:    next.X,
			Y:    next.Y,
			Dir:  dir,
			TS:   a.now().UnixMilli(),
		})
		if geometry.Distance(next, m.Target) <= a.cfg.Epsilon {
			result = MoveArrived
			break
		}
	}

	m.result = result
	final, dir := a.Position()
	close(m.done)

	// 被阻挡时移动同样在当前位置结束
	if result == MoveArrived || (result == MoveObstructed && advanced) {
		a.report(final, dir)
	}
}

// report 移动结束后请求权威区域；暂时性失败以新的 id 再试一次，仍失败则区域未知
func (a *Agent) report(pos geometry.Position, dir geometry.Direction) {
	a.mu.Lock()
	a.reportGen++
	gen := a.reportGen
	guess := a.area
	a.mu.Unlock()

	guess.Status = AreaProvisional
	guess.Err = nil
	if a.cfg.Layout != nil {
		z := a.cfg.Layout.Resolve(pos)
		guess.Zone, guess.Kind, guess.Name = z.ID, z.Kind, z.Name
	}
	a.setArea(gen, guess)

	var (
		area protocol.Area
		err  error
	)
	for attempt := 0; attempt < 2; attempt++ {
		area, err = a.requestArea(pos, dir)
		if err == nil || !retryable(err, area.Error) {
			break
		}
		a.log.Debugw("area request failed, retrying", "attempt", attempt+1, "err", err)
	}
	if err != nil {
		a.log.Warnw("area unknown after move", "x", pos.X, "y", pos.Y, "err", err)
		a.setArea(gen, AreaState{Status: AreaUnknown, Err: err})
		return
	}
	a.setArea(gen, AreaState{Status: AreaKnown, Zone: area.Zone, Kind: area.Kind, Name: area.Name})
}

// requestArea 一次 move_end 往返；每次使用新的 id
func (a *Agent) requestArea(pos geometry.Position, dir geometry.Direction) (protocol.Area, error) {
	id := uuid.NewString()
	f, err := a.reliable.Request(context.Background(), id, protocol.MoveEnd{
		Type: protocol.TypeMoveEnd,
		ID:   id,
		Map:  a.cfg.MapID,
		X:    pos.X,
		Y:    pos.Y,
		Dir:  dir,
		TS:   a.now().UnixMilli(),
	})
	if err != nil {
		return protocol.Area{}, err
	}
	var area protocol.Area
	if err := f.Decode(&area); err != nil {
		return protocol.Area{}, err
	}
	if area.Error != "" {
		return area, fmt.Errorf("%w: %s", ErrAreaRejected, area.Error)
	}
	return area, nil
}

// retryable 服务端的暂时性错误与断开的连接值得再试一次；
// 传输层超时已经重试过，请求本身非法则重试无用
func retryable(err error, code string) bool {
	if errors.Is(err, transport.ErrClosed) {
		return true
	}
	return code != "" && code != protocol.ErrBadRequest
}

// setArea 只接受最新一次上报的结果
func (a *Agent) setArea(gen uint64, s AreaState) {
	a.mu.Lock()
	if gen != a.reportGen {
		a.mu.Unlock()
		return
	}
	a.area = s
	a.mu.Unlock()
	if a.cfg.OnArea != nil {
		a.cfg.OnArea(s)
	}
}
