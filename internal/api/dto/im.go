package dto

import "time"

// SendMessageReq 发送消息请求体
// conversation_id 为 0 时通过 participant_ids 解析（或创建）会话
type SendMessageReq struct {
	ConversationID uint64   `json:"conversation_id"`
	ParticipantIDs []uint64 `json:"participant_ids"`
	Content        string   `json:"content" binding:"required"`
	DedupID        string   `json:"dedup_id"` // 客户端幂等键，重试时原样携带
}

// ResolveConversationReq 解析/创建会话请求体
type ResolveConversationReq struct {
	ParticipantIDs []uint64 `json:"participant_ids" binding:"required,min=1"`
}

// MarkAsReadReq 标记为已读请求
type MarkAsReadReq struct {
	ConversationID uint64 `json:"conversation_id" binding:"required"`
	Sequence       uint64 `json:"sequence" binding:"required"` // 客户端当前看到的最后一条消息序号
}

// AckDeliveredReq 拉取后的送达确认请求
type AckDeliveredReq struct {
	ConversationID uint64 `json:"conversation_id" binding:"required"`
	Sequence       uint64 `json:"sequence" binding:"required"`
}

// MessageDTO 消息明细响应
type MessageDTO struct {
	ID             string    `json:"id,omitempty"`
	ConversationID uint64    `json:"conversation_id"`
	SenderID       uint64    `json:"sender_id"`
	Content        string    `json:"content"`
	Seq            uint64    `json:"seq"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationDTO 会话列表项响应
type ConversationDTO struct {
	ConversationID uint64    `json:"conversation_id"`
	Type           int8      `json:"type"`     // 1-单聊, 2-群聊
	PeerIDs        []uint64  `json:"peer_ids"` // 除自己外的参与者
	LastMsgContent string    `json:"last_msg_content"`
	LastSenderID   uint64    `json:"last_sender_id"`
	LastMessageAt  time.Time `json:"lastMessageAt"`
	MaxMsgSeq      uint64    `json:"max_msg_seq"`
	ReadSeq        uint64    `json:"read_seq"`
	UnreadCount    uint64    `json:"unreadCount"`
}

// ReadReceiptDTO 已读回执推送
type ReadReceiptDTO struct {
	Type           string `json:"type"`
	ConversationID uint64 `json:"conversation_id"`
	UserID         uint64 `json:"user_id"`
	ReadSeq        uint64 `json:"read_seq"`
}
