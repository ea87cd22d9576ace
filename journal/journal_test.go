package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"minispace/protocol"
)

func readLines(t *testing.T, path string) []protocol.ZoneChanged {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()

	var out []protocol.ZoneChanged
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var ev protocol.ZoneChanged
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestWriterRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "zones")
	clock := time.Date(2024, 5, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	if err := w.Write(protocol.ZoneChanged{Type: protocol.TypeZoneChanged, Seq: 1, User: "alice"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	clock = clock.Add(2 * time.Minute)
	if err := w.Write(protocol.ZoneChanged{Type: protocol.TypeZoneChanged, Seq: 2, User: "bob"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	first := readLines(t, w.PathForHour("2024-05-01-10"))
	second := readLines(t, w.PathForHour("2024-05-01-11"))
	if len(first) != 1 || first[0].User != "alice" {
		t.Fatalf("unexpected first file %+v", first)
	}
	if len(second) != 1 || second[0].Seq != 2 {
		t.Fatalf("unexpected second file %+v", second)
	}
}

func TestZoneLogDrainsOnClose(t *testing.T) {
	dir := t.TempDir()
	z := NewZoneLog(dir, 16, nil)
	for i := 1; i <= 5; i++ {
		z.ZoneChanged(protocol.ZoneChanged{Type: protocol.TypeZoneChanged, Seq: uint64(i), User: "alice", NewZone: "room-a"})
	}
	if err := z.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if z.Dropped() != 0 {
		t.Fatalf("expected no drops, got %d", z.Dropped())
	}

	entries, err := os.ReadDir(dir + "/zones")
	if err != nil || len(entries) == 0 {
		t.Fatalf("expected journal file, err=%v", err)
	}
	var got []protocol.ZoneChanged
	for _, e := range entries {
		got = append(got, readLines(t, dir+"/zones/"+e.Name())...)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Seq != uint64(i+1) {
			t.Fatalf("events out of order: %+v", got)
		}
	}
}
