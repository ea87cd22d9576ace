package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"minispace/geometry"
	"minispace/protocol"
	"minispace/transport"
)

type fakeUnreliable struct {
	mu   sync.Mutex
	sent []protocol.Position
}

func (f *fakeUnreliable) Send(msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := msg.(protocol.Position); ok {
		f.sent = append(f.sent, p)
	}
}

func (f *fakeUnreliable) positions() []protocol.Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Position(nil), f.sent...)
}

// fakeReliable 对 move_end 回应 zone；err 非空时直接失败
type fakeReliable struct {
	mu   sync.Mutex
	reqs []protocol.MoveEnd
	zone string
	err  error
}

func (f *fakeReliable) Request(ctx context.Context, id string, msg any) (protocol.Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	me, ok := msg.(protocol.MoveEnd)
	if !ok {
		return protocol.Frame{}, fmt.Errorf("unexpected %T", msg)
	}
	f.reqs = append(f.reqs, me)
	if f.err != nil {
		return protocol.Frame{}, f.err
	}
	b, _ := json.Marshal(protocol.Area{Type: protocol.TypeArea, ID: id, Zone: f.zone, Kind: geometry.ZonePrivate})
	return protocol.DecodeFrame(protocol.JSON, b)
}

func (f *fakeReliable) requests() []protocol.MoveEnd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.MoveEnd(nil), f.reqs...)
}

func fastConfig(areas chan AreaState) Config {
	return Config{
		MapID:        "office",
		Speed:        1000,
		TickInterval: 2 * time.Millisecond,
		Epsilon:      0.5,
		OnArea: func(s AreaState) {
			if areas != nil && s.Status != AreaProvisional {
				areas <- s
			}
		},
	}
}

func waitArea(t *testing.T, areas chan AreaState) AreaState {
	t.Helper()
	select {
	case s := <-areas:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no area result")
	}
	return AreaState{}
}

func waitDone(t *testing.T, m *Move) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("move did not finish")
	}
}

func TestAgentArrivesAndReportsOnce(t *testing.T) {
	u, r := &fakeUnreliable{}, &fakeReliable{zone: "room1"}
	areas := make(chan AreaState, 4)
	a := NewAgent(fastConfig(areas), geometry.Position{}, u, r)

	m, ok := a.BeginMove(geometry.Position{X: 100, Y: 0})
	if !ok {
		t.Fatalf("move rejected")
	}
	waitDone(t, m)
	if m.Result() != MoveArrived {
		t.Fatalf("expected arrived, got %v", m.Result())
	}
	s := waitArea(t, areas)
	if s.Status != AreaKnown || s.Zone != "room1" {
		t.Fatalf("unexpected area %+v", s)
	}

	sent := u.positions()
	if len(sent) == 0 {
		t.Fatalf("no positions streamed")
	}
	last := -1.0
	for _, p := range sent {
		if p.X < last || p.X > 100 {
			t.Fatalf("position went backwards or overshot: %+v", sent)
		}
		if p.Dir != geometry.DirRight || p.Map != "office" {
			t.Fatalf("unexpected sample %+v", p)
		}
		last = p.X
	}
	reqs := r.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected exactly one move_end, got %d", len(reqs))
	}
	if reqs[0].X != 100 || reqs[0].Y != 0 || reqs[0].ID == "" {
		t.Fatalf("unexpected move_end %+v", reqs[0])
	}
	if pos, _ := a.Position(); pos.X != 100 {
		t.Fatalf("expected final x=100, got %v", pos.X)
	}
}

func TestAgentRejectsSameTarget(t *testing.T) {
	u, r := &fakeUnreliable{}, &fakeReliable{}
	cfg := fastConfig(nil)
	cfg.Speed = 10
	a := NewAgent(cfg, geometry.Position{}, u, r)

	target := geometry.Position{X: 1000}
	m, ok := a.BeginMove(target)
	if !ok {
		t.Fatalf("first move rejected")
	}
	defer m.Cancel()
	if _, ok := a.BeginMove(target); ok {
		t.Fatalf("expected duplicate move to be rejected")
	}
	if _, ok := a.BeginMove(geometry.Position{}); !ok {
		t.Fatalf("expected a different target to supersede")
	}
}

func TestAgentRejectsCurrentPosition(t *testing.T) {
	a := NewAgent(fastConfig(nil), geometry.Position{X: 5, Y: 5}, &fakeUnreliable{}, &fakeReliable{})
	if _, ok := a.BeginMove(geometry.Position{X: 5, Y: 5}); ok {
		t.Fatalf("expected no-op move to be rejected")
	}
}

func TestAgentSupersedeCancelsPriorLoop(t *testing.T) {
	u, r := &fakeUnreliable{}, &fakeReliable{zone: "public"}
	areas := make(chan AreaState, 4)
	cfg := fastConfig(areas)
	cfg.Speed = 50
	a := NewAgent(cfg, geometry.Position{}, u, r)

	first, _ := a.BeginMove(geometry.Position{X: 1000})
	time.Sleep(20 * time.Millisecond)
	second, ok := a.BeginMove(geometry.Position{X: 0, Y: 2})
	if !ok {
		t.Fatalf("second move rejected")
	}
	// 新循环开始前旧循环必须已经退出
	select {
	case <-first.Done():
	default:
		t.Fatalf("prior loop still running")
	}
	if first.Result() != MoveCancelled {
		t.Fatalf("expected cancelled, got %v", first.Result())
	}
	waitDone(t, second)
	if second.Result() != MoveArrived {
		t.Fatalf("expected arrived, got %v", second.Result())
	}
	waitArea(t, areas)
	// 被取代的移动不发送 move_end
	if n := len(r.requests()); n != 1 {
		t.Fatalf("expected one move_end, got %d", n)
	}
}

func TestAgentObstructionStopsMove(t *testing.T) {
	u, r := &fakeUnreliable{}, &fakeReliable{zone: "public"}
	areas := make(chan AreaState, 4)
	cfg := fastConfig(areas)
	cfg.CanMove = func(from, to geometry.Position, mapID string) bool {
		if mapID != "office" {
			t.Errorf("unexpected map %q", mapID)
		}
		return to.X <= 10
	}
	a := NewAgent(cfg, geometry.Position{}, u, r)

	m, _ := a.BeginMove(geometry.Position{X: 100})
	waitDone(t, m)
	if m.Result() != MoveObstructed {
		t.Fatalf("expected obstructed, got %v", m.Result())
	}
	pos, _ := a.Position()
	if pos.X > 10 {
		t.Fatalf("moved through obstruction: %v", pos)
	}
	waitArea(t, areas)
	reqs := r.requests()
	if len(reqs) != 1 || reqs[0].X != pos.X {
		t.Fatalf("expected final position reported, got %+v", reqs)
	}
	after := len(u.positions())
	time.Sleep(10 * time.Millisecond)
	if len(u.positions()) != after {
		t.Fatalf("ticks continued after obstruction")
	}
}

func TestAgentBlockedImmediatelySendsNothing(t *testing.T) {
	u, r := &fakeUnreliable{}, &fakeReliable{}
	cfg := fastConfig(nil)
	cfg.CanMove = func(from, to geometry.Position, mapID string) bool { return false }
	a := NewAgent(cfg, geometry.Position{}, u, r)

	m, _ := a.BeginMove(geometry.Position{X: 100})
	waitDone(t, m)
	time.Sleep(5 * time.Millisecond)
	if len(u.positions()) != 0 || len(r.requests()) != 0 {
		t.Fatalf("blocked move should not send anything")
	}
}

func TestAgentAreaUnknownOnReliableFailure(t *testing.T) {
	u := &fakeUnreliable{}
	r := &fakeReliable{err: fmt.Errorf("request x: %w", transport.ErrTimeout)}
	areas := make(chan AreaState, 4)
	layout := geometry.Layout{Zones: []geometry.Zone{{ID: "room1", Kind: geometry.ZonePrivate, X1: 0, Y1: 0, X2: 50, Y2: 50}}}
	cfg := fastConfig(areas)
	cfg.Layout = &layout

	var provisional []AreaState
	var mu sync.Mutex
	cfg.OnArea = func(s AreaState) {
		if s.Status == AreaProvisional {
			mu.Lock()
			provisional = append(provisional, s)
			mu.Unlock()
			return
		}
		areas <- s
	}
	a := NewAgent(cfg, geometry.Position{}, u, r)

	m, _ := a.BeginMove(geometry.Position{X: 20, Y: 20})
	waitDone(t, m)
	s := waitArea(t, areas)
	if s.Status != AreaUnknown || !errors.Is(s.Err, transport.ErrTimeout) {
		t.Fatalf("expected area unknown with timeout, got %+v", s)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(provisional) != 1 || provisional[0].Zone != "room1" {
		t.Fatalf("expected provisional local guess, got %+v", provisional)
	}
	if a.Area().Status != AreaUnknown {
		t.Fatalf("agent state not updated")
	}
	// 传输层已经重试过一次，代理不再追加
	if n := len(r.requests()); n != 1 {
		t.Fatalf("expected a single round-trip after transport timeout, got %d", n)
	}
}

func TestAgentServerErrorIsAreaUnknown(t *testing.T) {
	u := &fakeUnreliable{}
	areas := make(chan AreaState, 4)
	r := &countingReliable{}
	a := NewAgent(fastConfig(areas), geometry.Position{}, u, r)

	m, _ := a.BeginMove(geometry.Position{X: 3})
	waitDone(t, m)
	s := waitArea(t, areas)
	if s.Status != AreaUnknown || !errors.Is(s.Err, ErrAreaRejected) {
		t.Fatalf("expected rejected area, got %+v", s)
	}
	if n := len(r.reqs); n != 1 {
		t.Fatalf("bad request should not be retried, got %d round-trips", n)
	}
}

// countingReliable 总是以 E_BAD_REQUEST 拒绝
type countingReliable struct {
	mu   sync.Mutex
	reqs []string
}

func (c *countingReliable) Request(ctx context.Context, id string, msg any) (protocol.Frame, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, id)
	c.mu.Unlock()
	b, _ := json.Marshal(protocol.Area{Type: protocol.TypeArea, ID: id, Error: protocol.ErrBadRequest})
	return protocol.DecodeFrame(protocol.JSON, b)
}

// scriptedReliable 依次返回预设的应答；codes 中的空串表示成功
type scriptedReliable struct {
	mu    sync.Mutex
	codes []string
	errs  []error
	ids   []string
	ts    []int64
}

func (s *scriptedReliable) Request(ctx context.Context, id string, msg any) (protocol.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.ids)
	s.ids = append(s.ids, id)
	if me, ok := msg.(protocol.MoveEnd); ok {
		s.ts = append(s.ts, me.TS)
	}
	if n < len(s.errs) && s.errs[n] != nil {
		return protocol.Frame{}, s.errs[n]
	}
	area := protocol.Area{Type: protocol.TypeArea, ID: id, Zone: geometry.PublicZoneID, Kind: geometry.ZonePublic}
	if n < len(s.codes) && s.codes[n] != "" {
		area = protocol.Area{Type: protocol.TypeArea, ID: id, Error: s.codes[n]}
	}
	b, _ := json.Marshal(area)
	return protocol.DecodeFrame(protocol.JSON, b)
}

func (s *scriptedReliable) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

func TestAgentRetriesTransientServerError(t *testing.T) {
	areas := make(chan AreaState, 4)
	r := &scriptedReliable{codes: []string{protocol.ErrInternal, ""}}
	a := NewAgent(fastConfig(areas), geometry.Position{}, &fakeUnreliable{}, r)

	m, _ := a.BeginMove(geometry.Position{X: 3})
	waitDone(t, m)
	s := waitArea(t, areas)
	if s.Status != AreaKnown || s.Zone != geometry.PublicZoneID {
		t.Fatalf("expected known area after retry, got %+v", s)
	}
	ids := r.calls()
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("expected two round-trips with fresh ids, got %v", ids)
	}
	if r.ts[0] == 0 {
		t.Fatalf("move_end should carry the client timestamp")
	}
}

func TestAgentRetriesOnlyOnce(t *testing.T) {
	areas := make(chan AreaState, 4)
	r := &scriptedReliable{codes: []string{protocol.ErrTimeout, protocol.ErrInternal, ""}}
	a := NewAgent(fastConfig(areas), geometry.Position{}, &fakeUnreliable{}, r)

	m, _ := a.BeginMove(geometry.Position{X: 3})
	waitDone(t, m)
	s := waitArea(t, areas)
	if s.Status != AreaUnknown || !errors.Is(s.Err, ErrAreaRejected) {
		t.Fatalf("expected area unknown after second failure, got %+v", s)
	}
	if n := len(r.calls()); n != 2 {
		t.Fatalf("expected exactly two round-trips, got %d", n)
	}
}

func TestAgentRetriesClosedConnection(t *testing.T) {
	areas := make(chan AreaState, 4)
	r := &scriptedReliable{errs: []error{transport.ErrClosed}}
	a := NewAgent(fastConfig(areas), geometry.Position{}, &fakeUnreliable{}, r)

	m, _ := a.BeginMove(geometry.Position{X: 3})
	waitDone(t, m)
	if s := waitArea(t, areas); s.Status != AreaKnown {
		t.Fatalf("expected known area after reconnect retry, got %+v", s)
	}
	if n := len(r.calls()); n != 2 {
		t.Fatalf("expected two round-trips, got %d", n)
	}
}
