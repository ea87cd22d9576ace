package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"minispace/protocol"
	"minispace/transport"
)

// Handlers HTTP 与 WebSocket 入口
type Handlers struct {
	rooms       *RoomManager
	zones       LayoutWriter // 可为 nil
	log         *zap.SugaredLogger
	conn        transport.Options
	outboxSize  int
	defaultRoom string
}

func NewHandlers(cfg Config, rooms *RoomManager, zones LayoutWriter, log *zap.SugaredLogger) *Handlers {
	return &Handlers{
		rooms: rooms,
		zones: zones,
		log:   log,
		conn: transport.Options{
			SendQueue:      cfg.SendQueue,
			RequestTimeout: cfg.RequestTimeout,
		},
		outboxSize:  cfg.OutboxSize,
		defaultRoom: cfg.DefaultRoom,
	}
}

// Routes 注册全部路由
func (h *Handlers) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleWS)
	mux.HandleFunc("/admin/config", h.HandleAdminConfig)
	mux.HandleFunc("/admin/rooms", h.HandleRooms)
	mux.HandleFunc("/admin/zones", h.HandleZones)
	mux.HandleFunc("/admin/maps", h.HandleMaps)
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
}

func (h *Handlers) roomParam(r *http.Request) string {
	if id := r.URL.Query().Get("room"); id != "" {
		return id
	}
	return h.defaultRoom
}

// HandleWS WebSocket 接入：?room=room-1&user=alice[&codec=msgpack][&v=1]
// 用户身份由外部会话层保证，这里只读取查询参数。
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	roomID := h.roomParam(r)
	user := r.URL.Query().Get("user")
	if user == "" {
		http.Error(w, "missing user query", http.StatusBadRequest)
		return
	}
	if v := r.URL.Query().Get("v"); v != "" && v != protocol.Version {
		http.Error(w, "unsupported protocol version", http.StatusBadRequest)
		return
	}
	codec, ok := protocol.CodecByName(r.URL.Query().Get("codec"))
	if !ok {
		http.Error(w, "unknown codec", http.StatusBadRequest)
		return
	}
	room, err := h.rooms.GetOrCreateRoom(r.Context(), roomID)
	if err != nil {
		h.log.Errorw("room unavailable", "room", roomID, "err", err)
		http.Error(w, "room unavailable", http.StatusInternalServerError)
		return
	}

	ws, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("upgrade error", "err", err)
		return
	}

	log := h.log.With("room", roomID, "user", user)
	opts := h.conn
	opts.Codec = codec
	opts.Logger = log
	conn := transport.NewConn(ws, opts)
	member := NewMember(UserID(user), conn, h.outboxSize, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = room.Join(ctx, member.User, member)
	cancel()
	if err != nil {
		log.Warnw("join failed", "err", err)
		conn.Close()
		return
	}

	go member.deliver()
	go func() {
		err := conn.Run(h.dispatch(room, member, conn))
		// 读泵退出即断线：立即从房间移除，不等待不活跃超时
		room.Leave(member.User, member)
		log.Debugw("connection closed", "err", err)
	}()
}

// dispatch 按消息类型路由到房间；可靠请求在读协程内同步处理以保持顺序
func (h *Handlers) dispatch(room *Room, m *Member, conn *transport.Conn) transport.Handler {
	return func(f protocol.Frame) {
		switch f.Type {
		case protocol.TypePosition:
			var msg protocol.Position
			if err := f.Decode(&msg); err != nil {
				room.Metrics().IncRejected()
				return
			}
			room.OnPosition(m.User, msg)
		case protocol.TypeMoveEnd:
			var msg protocol.MoveEnd
			if err := f.Decode(&msg); err != nil || msg.ID == "" {
				if f.ID != "" {
					_ = conn.Reply(context.Background(), protocol.Area{Type: protocol.TypeArea, ID: f.ID, Error: protocol.ErrBadRequest})
				}
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			area, err := room.MoveEnd(ctx, m.User, msg)
			if err != nil {
				area = protocol.Area{Type: protocol.TypeArea, ID: msg.ID, Error: moveEndErrorCode(err)}
			}
			if err := conn.Reply(ctx, area); err != nil {
				h.log.Debugw("area reply not sent", "user", m.User, "err", err)
			}
		case protocol.TypeHeartbeat:
			room.OnHeartbeat(m.User)
		}
	}
}

// moveEndErrorCode 房间未能及时处理 move_end 时回给客户端的错误码
func moveEndErrorCode(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.ErrTimeout
	}
	return protocol.ErrInternal
}
