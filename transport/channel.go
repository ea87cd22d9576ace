// Package transport 在一条 WebSocket 连接上提供两种投递契约：
// 不可靠通道（尽力而为、不阻塞、不重试）与可靠通道（有序、按 id 关联应答、超时重试一次）。
package transport

import (
	"context"
	"errors"

	"minispace/protocol"
)

var (
	ErrTimeout = errors.New("transport: request timed out")
	ErrClosed  = errors.New("transport: connection closed")
)

// UnreliableChannel 发送即忘：调用方从不阻塞、不检查结果，丢失是预期行为
type UnreliableChannel interface {
	Send(msg any)
}

// ReliableChannel 请求/应答：等待 id 相关联的应答或超时，超时后恰好重试一次
type ReliableChannel interface {
	Request(ctx context.Context, id string, msg any) (protocol.Frame, error)
}

// Handler 处理非应答类的入站消息
type Handler func(f protocol.Frame)
