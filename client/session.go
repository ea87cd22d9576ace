package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"minispace/geometry"
	"minispace/protocol"
	"minispace/transport"
)

// SessionConfig 连接参数
type SessionConfig struct {
	URL   string // 例如 ws://localhost:8080/ws
	Room  string
	User  string
	Codec protocol.Codec

	Heartbeat      time.Duration // 保活间隔，默认 1s
	RequestTimeout time.Duration
	Agent          Config

	OnSnapshot    func(protocol.Snapshot)
	OnZoneChanged func(protocol.ZoneChanged)
	Logger        *zap.SugaredLogger
}

// Session 一条到服务端的连接与其上的移动代理
type Session struct {
	Agent *Agent

	cfg  SessionConfig
	conn *transport.Conn
	log  *zap.SugaredLogger

	mu       sync.Mutex
	lastSeq  uint64
	snapshot protocol.Snapshot
}

// Endpoint 拼出带查询参数的连接地址
func Endpoint(base, room, user string, codec protocol.Codec) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url %s: %w", base, err)
	}
	q := u.Query()
	q.Set("room", room)
	q.Set("user", user)
	q.Set("v", protocol.Version)
	if codec != nil && codec != protocol.JSON {
		q.Set("codec", codec.Name())
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect 建立连接并创建代理；调用方随后执行 Run
func Connect(ctx context.Context, cfg SessionConfig, start geometry.Position) (*Session, error) {
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSON
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Agent.MapID == "" {
		cfg.Agent.MapID = cfg.Room
	}
	if cfg.Agent.Logger == nil {
		cfg.Agent.Logger = cfg.Logger
	}
	endpoint, err := Endpoint(cfg.URL, cfg.Room, cfg.User, cfg.Codec)
	if err != nil {
		return nil, err
	}
	conn, err := transport.Dial(ctx, endpoint, transport.Options{
		Codec:          cfg.Codec,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Session{
		Agent: NewAgent(cfg.Agent, start, conn, conn),
		cfg:   cfg,
		conn:  conn,
		log:   cfg.Logger,
	}, nil
}

// Run 读取服务端消息直到连接关闭；同时在空闲时发送心跳
func (s *Session) Run() error {
	go s.heartbeat()
	return s.conn.Run(s.handle)
}

// Close 关闭连接
func (s *Session) Close() { s.conn.Close() }

// Done 连接关闭后被关闭
func (s *Session) Done() <-chan struct{} { return s.conn.Done() }

// Snapshot 最近收到的房间快照
func (s *Session) Snapshot() protocol.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *Session) heartbeat() {
	t := time.NewTicker(s.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-s.conn.Done():
			return
		case now := <-t.C:
			// 移动中的位置流本身就能保活
			if s.Agent.Moving() {
				continue
			}
			s.conn.Send(protocol.Heartbeat{Type: protocol.TypeHeartbeat, TS: now.UnixMilli()})
		}
	}
}

func (s *Session) handle(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeSnapshot:
		var snap protocol.Snapshot
		if err := f.Decode(&snap); err != nil {
			s.log.Debugw("bad snapshot", "err", err)
			return
		}
		s.mu.Lock()
		// 乱序到达的旧快照直接丢弃
		if snap.ServerTS < s.snapshot.ServerTS {
			s.mu.Unlock()
			return
		}
		s.snapshot = snap
		s.mu.Unlock()
		if s.cfg.OnSnapshot != nil {
			s.cfg.OnSnapshot(snap)
		}
	case protocol.TypeZoneChanged:
		var ev protocol.ZoneChanged
		if err := f.Decode(&ev); err != nil {
			s.log.Debugw("bad zone event", "err", err)
			return
		}
		// 无论是否重复都要确认，否则服务端会重发
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.conn.Reply(ctx, protocol.Ack{Type: protocol.TypeAck, ID: ev.ID})
		cancel()
		if err != nil {
			s.log.Debugw("ack not sent", "seq", ev.Seq, "err", err)
		}
		s.mu.Lock()
		dup := ev.Seq <= s.lastSeq
		if !dup {
			s.lastSeq = ev.Seq
		}
		s.mu.Unlock()
		if dup {
			return
		}
		if s.cfg.OnZoneChanged != nil {
			s.cfg.OnZoneChanged(ev)
		}
	}
}
