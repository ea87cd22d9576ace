package server

import (
	"testing"
	"time"

	"minispace/geometry"
)

var officeLayout = geometry.Layout{
	MapID: "office",
	Zones: []geometry.Zone{
		{ID: "room1", Name: "Room 1", Kind: geometry.ZonePrivate, X1: 100, Y1: 100, X2: 300, Y2: 250},
		{ID: "room2", Name: "Room 2", Kind: geometry.ZonePrivate, X1: 400, Y1: 100, X2: 500, Y2: 250},
	},
}

func TestTrackerEnterZoneOnce(t *testing.T) {
	tr := NewAreaTracker(officeLayout, 200*time.Millisecond)
	t0 := time.Unix(1000, 0)

	// 先在公共区域
	tr.Report("u", geometry.Position{X: 10, Y: 10}, t0)
	if c := tr.Flush(t0.Add(200 * time.Millisecond)); len(c) != 1 || c[0].NewZone != geometry.PublicZoneID || c[0].OldZone != "" {
		t.Fatalf("expected initial public placement, got %+v", c)
	}

	t1 := t0.Add(time.Second)
	zone, outcome := tr.Report("u", geometry.Position{X: 150, Y: 150}, t1)
	if zone.ID != "room1" || outcome != ReportPending {
		t.Fatalf("expected pending room1, got %q %v", zone.ID, outcome)
	}
	if c := tr.Flush(t1.Add(100 * time.Millisecond)); len(c) != 0 {
		t.Fatalf("committed before debounce window: %+v", c)
	}
	changes := tr.Flush(t1.Add(200 * time.Millisecond))
	if len(changes) != 1 {
		t.Fatalf("expected one transition, got %d", len(changes))
	}
	c := changes[0]
	if c.OldZone != geometry.PublicZoneID || c.NewZone != "room1" || c.Kind != geometry.ZonePrivate || c.Map != "office" {
		t.Fatalf("unexpected change %+v", c)
	}
	if len(c.Entering) != 1 || c.Entering[0] != "u" {
		t.Fatalf("entering members should include user, got %v", c.Entering)
	}
	if len(c.Leaving) != 0 {
		t.Fatalf("public zone should now be empty, got %v", c.Leaving)
	}

	// 同一位置再次上报：无事件，返回已记录区域
	zone, outcome = tr.Report("u", geometry.Position{X: 150, Y: 150}, t1.Add(time.Second))
	if zone.ID != "room1" || outcome != ReportUnchanged {
		t.Fatalf("expected idempotent no-op, got %q %v", zone.ID, outcome)
	}
	if c := tr.Flush(t1.Add(2 * time.Second)); len(c) != 0 {
		t.Fatalf("unexpected event %+v", c)
	}
	if tr.Current("u") != "room1" {
		t.Fatalf("committed zone lost")
	}
}

func TestTrackerDebounceKeepsLastZone(t *testing.T) {
	tr := NewAreaTracker(officeLayout, 200*time.Millisecond)
	t0 := time.Unix(1000, 0)
	tr.Report("u", geometry.Position{X: 10, Y: 10}, t0)
	tr.Flush(t0.Add(time.Second))

	t1 := t0.Add(2 * time.Second)
	tr.Report("u", geometry.Position{X: 150, Y: 150}, t1)
	if _, outcome := tr.Report("u", geometry.Position{X: 450, Y: 150}, t1.Add(100*time.Millisecond)); outcome != ReportCoalesced {
		t.Fatalf("expected coalesced, got %v", outcome)
	}
	// 截止时间随最后一次上报后移
	if c := tr.Flush(t1.Add(250 * time.Millisecond)); len(c) != 0 {
		t.Fatalf("deadline not reset: %+v", c)
	}
	changes := tr.Flush(t1.Add(300 * time.Millisecond))
	if len(changes) != 1 || changes[0].NewZone != "room2" {
		t.Fatalf("expected single transition to room2, got %+v", changes)
	}
}

func TestTrackerRevertCancelsPending(t *testing.T) {
	tr := NewAreaTracker(officeLayout, 200*time.Millisecond)
	t0 := time.Unix(1000, 0)
	tr.Report("u", geometry.Position{X: 10, Y: 10}, t0)
	tr.Flush(t0.Add(time.Second))

	t1 := t0.Add(2 * time.Second)
	tr.Report("u", geometry.Position{X: 100, Y: 100}, t1)
	if _, ok := tr.Pending("u"); !ok {
		t.Fatalf("expected pending transition")
	}
	if _, outcome := tr.Report("u", geometry.Position{X: 99, Y: 100}, t1.Add(50*time.Millisecond)); outcome != ReportReverted {
		t.Fatalf("expected reverted, got %v", outcome)
	}
	if c := tr.Flush(t1.Add(time.Second)); len(c) != 0 {
		t.Fatalf("boundary straddle produced events: %+v", c)
	}
}

func TestTrackerZeroWindowCommitsOnNextFlush(t *testing.T) {
	tr := NewAreaTracker(officeLayout, 0)
	t0 := time.Unix(1000, 0)
	tr.Report("u", geometry.Position{X: 150, Y: 150}, t0)
	if c := tr.Flush(t0); len(c) != 1 || c[0].NewZone != "room1" {
		t.Fatalf("expected immediate commit, got %+v", c)
	}
}

func TestTrackerMembersAndRemove(t *testing.T) {
	tr := NewAreaTracker(officeLayout, 0)
	t0 := time.Unix(1000, 0)
	tr.Report("bob", geometry.Position{X: 150, Y: 150}, t0)
	tr.Report("alice", geometry.Position{X: 160, Y: 160}, t0)
	changes := tr.Flush(t0)
	if len(changes) != 2 || changes[0].User != "alice" || changes[1].User != "bob" {
		t.Fatalf("expected commits sorted by user, got %+v", changes)
	}
	if m := tr.Members("room1"); len(m) != 2 || m[0] != "alice" || m[1] != "bob" {
		t.Fatalf("unexpected members %v", m)
	}
	if got := changes[1].Affected(); len(got) != 2 {
		t.Fatalf("affected should cover both members, got %v", got)
	}

	c, ok := tr.Remove("alice")
	if !ok || c.OldZone != "room1" || c.NewZone != "" || c.Kind != geometry.ZonePrivate {
		t.Fatalf("unexpected leave %+v ok=%v", c, ok)
	}
	if len(c.Leaving) != 1 || c.Leaving[0] != "bob" {
		t.Fatalf("remaining members should be reported, got %v", c.Leaving)
	}
	if _, ok := tr.Remove("alice"); ok {
		t.Fatalf("second remove should be a no-op")
	}
	if zones := tr.Zones(); len(zones["room1"]) != 1 {
		t.Fatalf("unexpected zones %v", zones)
	}
}

func TestTrackerWithoutZonesIsPublic(t *testing.T) {
	tr := NewAreaTracker(geometry.Layout{MapID: "empty"}, 0)
	zone, _ := tr.Report("u", geometry.Position{X: 1e6, Y: -1e6}, time.Unix(0, 0))
	if zone.ID != geometry.PublicZoneID {
		t.Fatalf("expected public zone, got %q", zone.ID)
	}
}
