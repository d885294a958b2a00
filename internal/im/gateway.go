package im

import (
	"Amity/internal/api/dto"
	"Amity/internal/pkg/logger"
	"context"
	"errors"
	log "log/slog"
	"net"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// AuthFunc 外部认证协作方：校验凭据并返回用户身份
type AuthFunc func(token string) (uint64, error)

// ActionHandler 入站动作的业务入口，由 IM 服务实现
type ActionHandler interface {
	SendMessage(ctx context.Context, senderID uint64, req *dto.SendMessageReq) (*dto.MessageDTO, error)
	MarkAsRead(ctx context.Context, userID, convID, seq uint64) error
	AckDelivered(ctx context.Context, userID, convID, seq uint64) error
	UserConversationIDs(ctx context.Context, userID uint64) ([]uint64, error)
	IsMember(ctx context.Context, convID, userID uint64) (bool, error)
}

// GatewayConfig 网关运行参数
type GatewayConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	MaxFrameBytes    int64
	SendBuffer       int
}

// Gateway 连接网关：握手认证、订阅装配、读写泵
type Gateway struct {
	registry *Registry
	handler  ActionHandler
	auth     AuthFunc
	cfg      GatewayConfig
}

func NewGateway(registry *Registry, handler ActionHandler, auth AuthFunc, cfg GatewayConfig) *Gateway {
	return &Gateway{
		registry: registry,
		handler:  handler,
		auth:     auth,
		cfg:      cfg,
	}
}

// Serve 驱动单个连接的完整生命周期，返回即连接终结。
// 无论以何种方式退出都会从注册表摘除连接。
func (g *Gateway) Serve(ws *websocket.Conn) {
	conn := newConnection(uuid.NewString(), ws, g.cfg.SendBuffer)
	ws.SetReadLimit(g.cfg.MaxFrameBytes)

	ctx := context.WithValue(context.Background(), logger.TraceIDKey, "ws-"+conn.ID)

	if !g.handshake(ctx, conn) {
		conn.close()
		_ = ws.Close()
		return
	}

	g.registry.Register(conn)
	defer func() {
		g.registry.Unregister(conn)
		conn.close()
		_ = ws.Close()
		log.InfoContext(ctx, "WS 连接已断开", "userID", conn.UserID, "connID", conn.ID)
	}()

	// 订阅用户参与的全部会话
	convIDs, err := g.handler.UserConversationIDs(ctx, conn.UserID)
	if err != nil {
		log.ErrorContext(ctx, "获取会话列表失败", "userID", conn.UserID, "err", err)
		return
	}
	for _, id := range convIDs {
		g.registry.Subscribe(conn, id)
	}

	conn.state.Store(StateActive)
	log.InfoContext(ctx, "WS 连接已建立", "userID", conn.UserID, "connID", conn.ID, "conversations", len(convIDs))

	ready, _ := json.Marshal(dto.ReadyFrame{
		Type:          dto.EventReady,
		UserID:        conn.UserID,
		Conversations: convIDs,
	})
	_ = conn.Push(ready)

	go g.writePump(conn)
	g.readPump(ctx, conn)
}

// handshake Connecting 态只接受一帧认证消息，限时完成
func (g *Gateway) handshake(ctx context.Context, conn *Connection) bool {
	_ = conn.ws.SetReadDeadline(time.Now().Add(g.cfg.HandshakeTimeout))

	_, raw, err := conn.ws.ReadMessage()
	if err != nil {
		reason := "authentication failed"
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			reason = "authentication timeout"
		}
		g.closeWith(conn, websocket.ClosePolicyViolation, reason)
		log.WarnContext(ctx, "WS 握手中断", "reason", reason, "err", err)
		return false
	}

	var frame dto.AuthFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Token == "" {
		g.closeWith(conn, websocket.ClosePolicyViolation, "authentication required")
		return false
	}

	userID, err := g.auth(frame.Token)
	if err != nil {
		g.closeWith(conn, websocket.ClosePolicyViolation, "authentication failed")
		log.WarnContext(ctx, "WS 鉴权失败", "err", err)
		return false
	}

	conn.UserID = userID
	conn.state.Store(StateAuthenticated)
	_ = conn.ws.SetReadDeadline(time.Time{})
	return true
}

// readPump Active 态的入站循环：容错解析，单帧出错不断连
func (g *Gateway) readPump(ctx context.Context, conn *Connection) {
	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			// 协议级违例（超长帧）按 ProtocolError 关闭
			if errors.Is(err, websocket.ErrReadLimit) {
				g.closeWith(conn, websocket.CloseMessageTooBig, "frame too large")
			}
			return
		}

		var frame dto.ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.WarnContext(ctx, "WS 入站帧解析失败，已忽略", "userID", conn.UserID, "err", err)
			continue
		}

		g.dispatch(ctx, conn, &frame)
	}
}

// dispatch 入站动作分发，业务失败只回传错误帧
func (g *Gateway) dispatch(ctx context.Context, conn *Connection, frame *dto.ClientFrame) {
	var err error

	switch frame.Action {
	case dto.ActionSend:
		_, err = g.handler.SendMessage(ctx, conn.UserID, &dto.SendMessageReq{
			ConversationID: frame.ConversationID,
			ParticipantIDs: frame.ParticipantIDs,
			Content:        frame.Content,
			DedupID:        frame.DedupID,
		})
	case dto.ActionMarkRead:
		err = g.handler.MarkAsRead(ctx, conn.UserID, frame.ConversationID, frame.Sequence)
	case dto.ActionAck:
		err = g.handler.AckDelivered(ctx, conn.UserID, frame.ConversationID, frame.Sequence)
	case dto.ActionSubscribe:
		var ok bool
		ok, err = g.handler.IsMember(ctx, frame.ConversationID, conn.UserID)
		if err == nil && !ok {
			err = errors.New("不是会话成员")
		}
		if err == nil {
			g.registry.Subscribe(conn, frame.ConversationID)
		}
	default:
		log.WarnContext(ctx, "WS 未知动作，已忽略", "userID", conn.UserID, "action", frame.Action)
		return
	}

	if err != nil {
		payload, _ := json.Marshal(dto.ErrorFrame{
			Type:   dto.EventError,
			Action: frame.Action,
			Reason: err.Error(),
		})
		_ = conn.Push(payload)
	}
}

// writePump 下行循环：串行写 socket，带写超时。
// 写出成功才确认 written，死在半路的帧不产生任何送达痕迹。
func (g *Gateway) writePump(conn *Connection) {
	for {
		select {
		case frame := <-conn.send:
			_ = conn.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := conn.ws.WriteMessage(websocket.TextMessage, frame.payload); err != nil {
				conn.close()
				return
			}
			if frame.written != nil {
				close(frame.written)
			}
		case <-conn.done:
			return
		}
	}
}

func (g *Gateway) closeWith(conn *Connection, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.ws.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	_ = conn.ws.WriteMessage(websocket.CloseMessage, msg)
}
