package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// Upgrader 服务端升级器。演示环境允许所有来源
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Dial 客户端建立连接；连接尚未开始读写，调用方需要 Run
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewConn(ws, opts), nil
}
