package mongo

import (
	"time"
)

// 投递状态，只允许向前推进 pending → delivered → read
const (
	DeliveryPending   int8 = 0
	DeliveryDelivered int8 = 1
	DeliveryRead      int8 = 2
)

// Message MongoDB 消息明细模型
// 投递记录内嵌在消息文档中：单文档写入保证消息与其全部投递记录同生共死
type Message struct {
	ID             string           `bson:"_id,omitempty" json:"id"`               // MongoDB 自动生成的 ObjectID
	ConversationID uint64           `bson:"conversation_id" json:"conversationId"` // 关联 MySQL 的会话 ID
	SenderID       uint64           `bson:"sender_id" json:"senderId"`             // 发送者 UID
	Content        string           `bson:"content" json:"content"`                // 文本内容
	Seq            uint64           `bson:"seq" json:"seq"`                        // 该消息在会话中的唯一绝对序号 (来自 MySQL)
	Delivery       []DeliveryRecord `bson:"delivery" json:"delivery"`              // 每个接收者一条投递记录
	CreatedAt      time.Time        `bson:"created_at" json:"createdAt"`           // 消息发送时间
}

// DeliveryRecord 单个接收者的投递状态
type DeliveryRecord struct {
	RecipientID uint64    `bson:"recipient_id" json:"recipientId"`
	State       int8      `bson:"state" json:"state"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updatedAt"` // 最近一次状态迁移时间
}

// NewPendingDelivery 为全部接收者初始化 pending 投递记录
func NewPendingDelivery(recipientIDs []uint64, now time.Time) []DeliveryRecord {
	records := make([]DeliveryRecord, 0, len(recipientIDs))
	for _, id := range recipientIDs {
		records = append(records, DeliveryRecord{
			RecipientID: id,
			State:       DeliveryPending,
			UpdatedAt:   now,
		})
	}
	return records
}
