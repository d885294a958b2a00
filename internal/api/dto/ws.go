package dto

// 长连接帧类型
const (
	EventMessage     = "MESSAGE"
	EventDelivered   = "DELIVERED"
	EventReadReceipt = "READ_RECEIPT"
	EventReady       = "READY"
	EventError       = "ERROR"
)

// 长连接入站动作
const (
	ActionSend      = "send"
	ActionMarkRead  = "mark_read"
	ActionAck       = "ack"
	ActionSubscribe = "subscribe"
)

// AuthFrame 握手期唯一合法的入站帧
type AuthFrame struct {
	Token string `json:"token"`
}

// ClientFrame Active 态的入站帧，按 action 分发
type ClientFrame struct {
	Action         string   `json:"action"`
	ConversationID uint64   `json:"conversation_id"`
	ParticipantIDs []uint64 `json:"participant_ids"`
	Content        string   `json:"content"`
	Sequence       uint64   `json:"sequence"`
	DedupID        string   `json:"dedup_id"`
}

// ReadyFrame 握手成功后的首个下行帧
type ReadyFrame struct {
	Type          string   `json:"type"`
	UserID        uint64   `json:"user_id"`
	Conversations []uint64 `json:"conversations"`
}

// MessageEvent 新消息推送
type MessageEvent struct {
	Type    string      `json:"type"`
	Message *MessageDTO `json:"message"`
}

// DeliveredEvent 送达回执推送（通知发送方）
type DeliveredEvent struct {
	Type           string `json:"type"`
	ConversationID uint64 `json:"conversation_id"`
	Seq            uint64 `json:"seq"`
	RecipientID    uint64 `json:"recipient_id"`
}

// ErrorFrame 入站动作失败时的下行提示
type ErrorFrame struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Reason string `json:"reason"`
}
