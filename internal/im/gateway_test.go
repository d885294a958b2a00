package im

import (
	"Amity/internal/api/dto"
	"Amity/internal/pkg/security"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeActionHandler 记录入站动作，按需返回预设错误
type fakeActionHandler struct {
	mu      sync.Mutex
	convIDs []uint64
	markErr error
	reads   []uint64
}

func (f *fakeActionHandler) SendMessage(ctx context.Context, senderID uint64, req *dto.SendMessageReq) (*dto.MessageDTO, error) {
	return &dto.MessageDTO{ConversationID: req.ConversationID, SenderID: senderID, Content: req.Content, Seq: 1}, nil
}

func (f *fakeActionHandler) MarkAsRead(ctx context.Context, userID, convID, seq uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.reads = append(f.reads, seq)
	return nil
}

func (f *fakeActionHandler) AckDelivered(ctx context.Context, userID, convID, seq uint64) error {
	return nil
}

func (f *fakeActionHandler) UserConversationIDs(ctx context.Context, userID uint64) ([]uint64, error) {
	return f.convIDs, nil
}

func (f *fakeActionHandler) IsMember(ctx context.Context, convID, userID uint64) (bool, error) {
	return true, nil
}

func startGateway(t *testing.T, handler ActionHandler, cfg GatewayConfig) (*Registry, string) {
	t.Helper()
	reg := NewRegistry()
	g := NewGateway(reg, handler, func(token string) (uint64, error) {
		claims, err := security.ValidateToken(token)
		if err != nil {
			return 0, err
		}
		return claims.UserID, nil
	}, cfg)

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.Serve(ws)
	}))
	t.Cleanup(srv.Close)

	return reg, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testGatewayConfig() GatewayConfig {
	return GatewayConfig{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     time.Second,
		MaxFrameBytes:    64 * 1024,
		SendBuffer:       16,
	}
}

func dialGateway(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// expectClose 读到连接关闭为止，校验关闭码（reason 为空则不校验文案）
func expectClose(t *testing.T, ws *websocket.Conn, code int, reason string) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce)
		require.Equal(t, code, ce.Code)
		if reason != "" {
			require.Equal(t, reason, ce.Text)
		}
		return
	}
}

func authenticate(t *testing.T, ws *websocket.Conn, userID uint64) dto.ReadyFrame {
	t.Helper()
	token, err := security.GenerateToken(userID, nil)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(dto.AuthFrame{Token: token}))

	var ready dto.ReadyFrame
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	require.NoError(t, ws.ReadJSON(&ready))
	require.Equal(t, dto.EventReady, ready.Type)
	return ready
}

func TestGatewayHandshakeTimeout(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.HandshakeTimeout = 100 * time.Millisecond
	_, url := startGateway(t, &fakeActionHandler{}, cfg)

	// 限时窗口内不发认证帧即被强制关闭
	ws := dialGateway(t, url)
	expectClose(t, ws, websocket.ClosePolicyViolation, "authentication timeout")
}

func TestGatewayRejectsBadToken(t *testing.T) {
	_, url := startGateway(t, &fakeActionHandler{}, testGatewayConfig())

	ws := dialGateway(t, url)
	require.NoError(t, ws.WriteJSON(dto.AuthFrame{Token: "not-a-token"}))
	expectClose(t, ws, websocket.ClosePolicyViolation, "authentication failed")
}

func TestGatewayRejectsNonAuthFirstFrame(t *testing.T) {
	_, url := startGateway(t, &fakeActionHandler{}, testGatewayConfig())

	ws := dialGateway(t, url)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"action":"send"}`)))
	expectClose(t, ws, websocket.ClosePolicyViolation, "authentication required")
}

func TestGatewayHandshakeAndPresence(t *testing.T) {
	r := require.New(t)
	handler := &fakeActionHandler{convIDs: []uint64{100, 200}}
	reg, url := startGateway(t, handler, testGatewayConfig())

	ws := dialGateway(t, url)
	ready := authenticate(t, ws, 42)
	r.Equal(uint64(42), ready.UserID)
	r.Equal([]uint64{100, 200}, ready.Conversations)
	r.True(reg.IsOnline(42))

	// 断开即离线
	r.NoError(ws.Close())
	r.Eventually(func() bool { return !reg.IsOnline(42) }, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayIgnoresMalformedFrame(t *testing.T) {
	r := require.New(t)
	handler := &fakeActionHandler{convIDs: []uint64{100}}
	_, url := startGateway(t, handler, testGatewayConfig())

	ws := dialGateway(t, url)
	authenticate(t, ws, 42)

	// 坏帧只被忽略，连接必须活着继续处理后续动作
	r.NoError(ws.WriteMessage(websocket.TextMessage, []byte("{{{not json")))
	r.NoError(ws.WriteJSON(dto.ClientFrame{Action: dto.ActionMarkRead, ConversationID: 100, Sequence: 3}))

	r.Eventually(func() bool {
		handler.mu.Lock()
		defer handler.mu.Unlock()
		return len(handler.reads) == 1 && handler.reads[0] == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGatewayActionFailureReturnsErrorFrame(t *testing.T) {
	r := require.New(t)
	handler := &fakeActionHandler{convIDs: []uint64{100}, markErr: ErrConnClosed}
	_, url := startGateway(t, handler, testGatewayConfig())

	ws := dialGateway(t, url)
	authenticate(t, ws, 42)

	r.NoError(ws.WriteJSON(dto.ClientFrame{Action: dto.ActionMarkRead, ConversationID: 100, Sequence: 3}))

	var frame dto.ErrorFrame
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	r.NoError(ws.ReadJSON(&frame))
	r.Equal(dto.EventError, frame.Type)
	r.Equal(dto.ActionMarkRead, frame.Action)
}

func TestGatewayClosesOversizedFrame(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.MaxFrameBytes = 1024
	_, url := startGateway(t, &fakeActionHandler{convIDs: []uint64{100}}, cfg)

	ws := dialGateway(t, url)
	authenticate(t, ws, 42)

	big := make([]byte, 4096)
	for i := range big {
		big[i] = 'a'
	}
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, big))
	expectClose(t, ws, websocket.CloseMessageTooBig, "")
}
