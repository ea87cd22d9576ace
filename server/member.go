package server

import (
	"context"

	"go.uber.org/zap"

	"minispace/protocol"
	"minispace/transport"
)

// UserID 用户唯一标识
type UserID string

// Peer 房间成员的发送端：快照走不可靠通道，区域事件走可靠发件箱
type Peer interface {
	transport.UnreliableChannel
	// Notify 将区域事件放入可靠发件箱，不阻塞；发件箱已满或连接已关闭返回 false
	Notify(ev protocol.ZoneChanged) bool
	Close()
}

// Member 一条 WebSocket 连接上的房间成员
type Member struct {
	User UserID

	conn   *transport.Conn
	outbox chan protocol.ZoneChanged
	log    *zap.SugaredLogger
}

func NewMember(user UserID, conn *transport.Conn, outboxSize int, log *zap.SugaredLogger) *Member {
	if outboxSize <= 0 {
		outboxSize = 32
	}
	return &Member{
		User:   user,
		conn:   conn,
		outbox: make(chan protocol.ZoneChanged, outboxSize),
		log:    log,
	}
}

// Send 不可靠发送（快照）
func (m *Member) Send(msg any) { m.conn.Send(msg) }

func (m *Member) Notify(ev protocol.ZoneChanged) bool {
	select {
	case <-m.conn.Done():
		return false
	default:
	}
	select {
	case m.outbox <- ev:
		return true
	default:
		return false
	}
}

func (m *Member) Close() { m.conn.Close() }

// deliver 独立协程，按顺序逐条可靠投递区域事件并等待确认。
// 重试一次仍失败说明对端已不可达，关闭连接让客户端重连后重新同步。
func (m *Member) deliver() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.conn.Done()
		cancel()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.outbox:
			if _, err := m.conn.Request(ctx, ev.ID, ev); err != nil {
				if ctx.Err() == nil {
					m.log.Warnw("zone event not acknowledged, closing connection", "user", m.User, "seq", ev.Seq, "err", err)
					m.conn.Close()
				}
				return
			}
		}
	}
}
