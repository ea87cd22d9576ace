package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"minispace/protocol"
)

// Options 连接参数，零值字段使用默认值
type Options struct {
	Codec          protocol.Codec
	SendQueue      int           // 不可靠队列容量，满则丢弃
	ReliableQueue  int           // 可靠队列容量，满则阻塞调用方
	RequestTimeout time.Duration // 可靠请求单次尝试的超时
	WriteWait      time.Duration
	PongWait       time.Duration
	ReadLimit      int64
	Logger         *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = protocol.JSON
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 64
	}
	if o.ReliableQueue <= 0 {
		o.ReliableQueue = 16
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 2 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20 // 1MB
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// Conn 双通道连接：两个写队列由同一个写协程消费（可靠队列优先），
// 读协程把应答按 id 分发给等待中的请求，其余消息交给 Handler。
type Conn struct {
	ws   *websocket.Conn
	opts Options
	log  *zap.SugaredLogger

	unreliable chan []byte
	reliable   chan []byte

	mu      sync.Mutex
	pending map[string]chan protocol.Frame

	done      chan struct{}
	closeOnce sync.Once

	dropped atomic.Int64
	retries atomic.Int64
}

var (
	_ UnreliableChannel = (*Conn)(nil)
	_ ReliableChannel   = (*Conn)(nil)
)

func NewConn(ws *websocket.Conn, opts Options) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		ws:         ws,
		opts:       opts,
		log:        opts.Logger,
		unreliable: make(chan []byte, opts.SendQueue),
		reliable:   make(chan []byte, opts.ReliableQueue),
		pending:    make(map[string]chan protocol.Frame),
		done:       make(chan struct{}),
	}
}

// Codec 当前连接使用的编解码器
func (c *Conn) Codec() protocol.Codec { return c.opts.Codec }

// Done 连接关闭后被关闭
func (c *Conn) Done() <-chan struct{} { return c.done }

// Dropped 因发送队列满被丢弃的不可靠消息数
func (c *Conn) Dropped() int64 { return c.dropped.Load() }

// Retries 可靠请求触发重试的次数
func (c *Conn) Retries() int64 { return c.retries.Load() }

// Close 关闭连接，等待中的请求返回 ErrClosed；可重复调用
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// Run 启动写协程并在当前协程读，直到连接出错或被关闭
func (c *Conn) Run(h Handler) error {
	go c.writePump()
	defer c.Close()

	c.ws.SetReadLimit(c.opts.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		f, err := protocol.DecodeFrame(c.opts.Codec, payload)
		if err != nil {
			c.log.Debugw("discarding malformed frame", "err", err)
			continue
		}
		if protocol.IsResponse(f.Type) && c.resolve(f) {
			continue
		}
		if h != nil {
			h(f)
		}
	}
}

// Send 不可靠发送：队列满直接丢弃，从不阻塞
func (c *Conn) Send(msg any) {
	select {
	case <-c.done:
		return
	default:
	}
	b, err := protocol.Encode(c.opts.Codec, msg)
	if err != nil {
		c.log.Debugw("encode failed", "err", err)
		return
	}
	select {
	case c.unreliable <- b:
	default:
		c.dropped.Add(1)
	}
}

// Request 可靠请求：等待同 id 应答；单次超时后用同一 id 重发一次。
// 迟到的第一次应答同样能满足请求。
func (c *Conn) Request(ctx context.Context, id string, msg any) (protocol.Frame, error) {
	b, err := protocol.Encode(c.opts.Codec, msg)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("encode request %s: %w", id, err)
	}
	ch := make(chan protocol.Frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			c.retries.Add(1)
		}
		if err := c.enqueueReliable(ctx, b); err != nil {
			return protocol.Frame{}, err
		}
		timer := time.NewTimer(c.opts.RequestTimeout)
		select {
		case f := <-ch:
			timer.Stop()
			return f, nil
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return protocol.Frame{}, ctx.Err()
		case <-c.done:
			timer.Stop()
			return protocol.Frame{}, ErrClosed
		}
	}
	return protocol.Frame{}, fmt.Errorf("request %s: %w", id, ErrTimeout)
}

// Reply 经可靠路径写出应答或确认，不等待对端
func (c *Conn) Reply(ctx context.Context, msg any) error {
	b, err := protocol.Encode(c.opts.Codec, msg)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return c.enqueueReliable(ctx, b)
}

func (c *Conn) enqueueReliable(ctx context.Context, b []byte) error {
	select {
	case c.reliable <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Conn) resolve(f protocol.Frame) bool {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- f:
	default:
		// 重试导致的重复应答
	}
	return true
}

func (c *Conn) messageType() int {
	if c.opts.Codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func (c *Conn) write(b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.ws.WriteMessage(c.messageType(), b)
}

// writePump 独立协程，唯一的写者
func (c *Conn) writePump() {
	ping := time.NewTicker(c.opts.PongWait * 9 / 10)
	defer func() {
		ping.Stop()
		c.Close()
	}()
	for {
		// 可靠队列优先于位置流
		select {
		case b := <-c.reliable:
			if err := c.write(b); err != nil {
				return
			}
			continue
		default:
		}

		select {
		case <-c.done:
			return
		case b := <-c.reliable:
			if err := c.write(b); err != nil {
				return
			}
		case b := <-c.unreliable:
			if err := c.write(b); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
