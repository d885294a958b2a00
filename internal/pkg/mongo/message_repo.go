package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	// ErrDeliveryNotFound 目标投递记录不存在（消息不存在或该用户不是接收者）
	ErrDeliveryNotFound = errors.New("delivery record not found")
	// ErrBackwardTransition 投递状态禁止回退
	ErrBackwardTransition = errors.New("delivery state cannot move backward")
)

type MessageRepo interface {
	SaveMessage(ctx context.Context, msg *Message) error
	ListSince(ctx context.Context, convID uint64, sinceSeq uint64, limit int) ([]*Message, error)
	GetHistory(ctx context.Context, convID uint64, beforeSeq uint64, limit int) ([]*Message, error)
	GetMessageBySeq(ctx context.Context, convID uint64, seq uint64) (*Message, error)
	MarkDelivered(ctx context.Context, convID, seq, recipientID uint64) error
	MarkRead(ctx context.Context, convID, seq, recipientID uint64) error
	MarkReadUpTo(ctx context.Context, convID, recipientID, upToSeq uint64) (int64, error)
	CountPendingOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

type messageRepoImpl struct {
	col *mongo.Collection
}

func NewMessageRepo(db *mongo.Database) MessageRepo {
	return &messageRepoImpl{
		col: db.Collection("message"),
	}
}

// SaveMessage 将消息连同全部投递记录一次性存入 MongoDB
// (conversation_id, seq) 唯一索引使同序号重放落库成为幂等操作
func (s *messageRepoImpl) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.col.InsertOne(ctx, msg)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

// ListSince 增量同步查询：seq 大于游标的消息按升序返回
// 游标即上一页最后一条的 seq，可从任意位置重启
func (s *messageRepoImpl) ListSince(ctx context.Context, convID uint64, sinceSeq uint64, limit int) ([]*Message, error) {
	filter := bson.M{
		"conversation_id": convID,
		"seq":             bson.M{"$gt": sinceSeq},
	}

	findOptions := options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(int64(limit))

	return s.find(ctx, filter, findOptions)
}

// GetHistory 历史消息查询逻辑
// beforeSeq 为当前页面最旧一条消息的序号。如果是第一页，传 0。
func (s *messageRepoImpl) GetHistory(ctx context.Context, convID uint64, beforeSeq uint64, limit int) ([]*Message, error) {
	// 基础过滤：指定会话 ID
	filter := bson.M{"conversation_id": convID}

	// 游标过滤：如果是拉取历史记录，找比当前最旧序号更小的消息
	if beforeSeq > 0 {
		filter["seq"] = bson.M{"$lt": beforeSeq}
	}

	// 按照 seq 降序排列 (最新的在前)，限制返回条数
	findOptions := options.Find().
		SetSort(bson.D{{Key: "seq", Value: -1}}).
		SetLimit(int64(limit))

	return s.find(ctx, filter, findOptions)
}

// GetMessageBySeq 精确查询
func (s *messageRepoImpl) GetMessageBySeq(ctx context.Context, convID uint64, seq uint64) (*Message, error) {
	var msg Message
	filter := bson.M{
		"conversation_id": convID,
		"seq":             seq,
	}
	err := s.col.FindOne(ctx, filter).Decode(&msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkDelivered 投递记录迁移至 delivered
func (s *messageRepoImpl) MarkDelivered(ctx context.Context, convID, seq, recipientID uint64) error {
	return s.transition(ctx, convID, seq, recipientID, DeliveryDelivered)
}

// MarkRead 投递记录迁移至 read（pending 直达 read 合法：read 蕴含 delivered）
func (s *messageRepoImpl) MarkRead(ctx context.Context, convID, seq, recipientID uint64) error {
	return s.transition(ctx, convID, seq, recipientID, DeliveryRead)
}

// transition 条件更新：仅当当前状态小于目标状态时迁移
// 未命中时区分三种情况：记录不存在、同状态重放（无操作）、回退（拒绝）
func (s *messageRepoImpl) transition(ctx context.Context, convID, seq, recipientID uint64, target int8) error {
	filter := bson.M{
		"conversation_id": convID,
		"seq":             seq,
		"delivery": bson.M{"$elemMatch": bson.M{
			"recipient_id": recipientID,
			"state":        bson.M{"$lt": target},
		}},
	}
	update := bson.M{"$set": bson.M{
		"delivery.$.state":      target,
		"delivery.$.updated_at": time.Now(),
	}}

	res, err := s.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}

	msg, err := s.GetMessageBySeq(ctx, convID, seq)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrDeliveryNotFound
		}
		return err
	}
	for _, r := range msg.Delivery {
		if r.RecipientID != recipientID {
			continue
		}
		if r.State == target {
			return nil
		}
		return ErrBackwardTransition
	}
	return ErrDeliveryNotFound
}

// MarkReadUpTo 批量已读：该接收者在 upToSeq 及之前所有未读投递记录置为 read
func (s *messageRepoImpl) MarkReadUpTo(ctx context.Context, convID, recipientID, upToSeq uint64) (int64, error) {
	filter := bson.M{
		"conversation_id":       convID,
		"seq":                   bson.M{"$lte": upToSeq},
		"delivery.recipient_id": recipientID,
	}
	update := bson.M{"$set": bson.M{
		"delivery.$[r].state":      DeliveryRead,
		"delivery.$[r].updated_at": time.Now(),
	}}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{
			"r.recipient_id": recipientID,
			"r.state":        bson.M{"$lt": DeliveryRead},
		}},
	})

	res, err := s.col.UpdateMany(ctx, filter, update, opts)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// CountPendingOlderThan 统计超过给定时长仍未送达的投递记录所在消息数
func (s *messageRepoImpl) CountPendingOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	filter := bson.M{
		"created_at":     bson.M{"$lt": time.Now().Add(-age)},
		"delivery.state": DeliveryPending,
	}
	return s.col.CountDocuments(ctx, filter)
}

func (s *messageRepoImpl) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*Message, error) {
	cursor, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	// 解析结果
	var messages []*Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}

	return messages, nil
}
