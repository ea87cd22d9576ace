package journal

import (
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"minispace/protocol"
)

// ZoneLog 订阅房间的区域变更并异步落盘。
// ZoneChanged 在房间协程中调用，队列满时丢弃并计数，不阻塞房间。
type ZoneLog struct {
	w       *Writer
	queue   chan protocol.ZoneChanged
	log     *zap.SugaredLogger
	dropped atomic.Uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewZoneLog(dir string, queueSize int, log *zap.SugaredLogger) *ZoneLog {
	if queueSize <= 0 {
		queueSize = 1024
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	z := &ZoneLog{
		w:     NewWriter(filepath.Join(dir, "zones"), "zones"),
		queue: make(chan protocol.ZoneChanged, queueSize),
		log:   log,
	}
	z.wg.Add(1)
	go z.loop()
	return z
}

func (z *ZoneLog) ZoneChanged(ev protocol.ZoneChanged) {
	select {
	case z.queue <- ev:
	default:
		z.dropped.Add(1)
	}
}

// Dropped 因队列满而丢弃的事件数
func (z *ZoneLog) Dropped() uint64 { return z.dropped.Load() }

func (z *ZoneLog) loop() {
	defer z.wg.Done()
	for ev := range z.queue {
		if err := z.w.Write(ev); err != nil {
			z.log.Warnw("zone journal write failed", "seq", ev.Seq, "err", err)
		}
	}
}

// Close 写完队列中剩余事件后关闭文件；之后不得再调用 ZoneChanged
func (z *ZoneLog) Close() error {
	z.closeOnce.Do(func() { close(z.queue) })
	z.wg.Wait()
	return z.w.Close()
}
