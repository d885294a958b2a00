package handler

import (
	"Amity/internal/im"
	log "log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WsHandler struct {
	gateway *im.Gateway
}

func NewWsHandler(gateway *im.Gateway) *WsHandler {
	return &WsHandler{gateway: gateway}
}

// Connect 升级 Websocket 并移交网关；认证在连接内的首帧完成
func (s *WsHandler) Connect(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WS 协议升级失败", "err", err)
		return
	}

	s.gateway.Serve(conn)
}
