package service

import (
	"Amity/internal/api/config"
	"Amity/internal/api/dto"
	"Amity/internal/model"
	"Amity/internal/pkg/mongo"
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeConvRepo 内存会话仓库，语义对齐 MySQL 实现（唯一索引、条件更新）
type fakeConvRepo struct {
	mu      sync.Mutex
	nextID  uint64
	convs   map[uint64]*model.Conversation
	byKey   map[string]uint64
	members map[uint64][]uint64          // convID -> userIDs
	readSeq map[uint64]map[uint64]uint64 // convID -> userID -> seq
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{
		nextID:  1,
		convs:   make(map[uint64]*model.Conversation),
		byKey:   make(map[string]uint64),
		members: make(map[uint64][]uint64),
		readSeq: make(map[uint64]map[uint64]uint64),
	}
}

func (f *fakeConvRepo) CreateConversation(ctx context.Context, conv *model.Conversation, members []*model.ConversationMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byKey[conv.PeerKey]; ok {
		return gorm.ErrDuplicatedKey
	}
	conv.ID = f.nextID
	f.nextID++
	f.convs[conv.ID] = conv
	f.byKey[conv.PeerKey] = conv.ID
	f.readSeq[conv.ID] = make(map[uint64]uint64)
	for _, m := range members {
		f.members[conv.ID] = append(f.members[conv.ID], m.UserID)
	}
	return nil
}

func (f *fakeConvRepo) GetConversation(ctx context.Context, convID uint64) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[convID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *conv
	return &cp, nil
}

func (f *fakeConvRepo) GetConversationByPeerKey(ctx context.Context, peerKey string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[peerKey]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *f.convs[id]
	return &cp, nil
}

func (f *fakeConvRepo) IsMember(ctx context.Context, convID, userID uint64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.members[convID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeConvRepo) GetMemberIDs(ctx context.Context, convID uint64) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64{}, f.members[convID]...), nil
}

func (f *fakeConvRepo) GetUserConversationIDs(ctx context.Context, userID uint64) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []uint64
	for convID, members := range f.members {
		for _, id := range members {
			if id == userID {
				ids = append(ids, convID)
			}
		}
	}
	return ids, nil
}

// UpdateReadSeq 条件更新：游标只增不减
func (f *fakeConvRepo) UpdateReadSeq(ctx context.Context, convID, userID, seq uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readSeq[convID][userID] < seq {
		f.readSeq[convID][userID] = seq
	}
	return nil
}

func (f *fakeConvRepo) GetReadSeq(ctx context.Context, convID, userID uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readSeq[convID][userID], nil
}

func (f *fakeConvRepo) IncrMaxSeq(ctx context.Context, convID uint64, preview string, senderID uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.convs[convID]
	if !ok {
		return 0, gorm.ErrRecordNotFound
	}
	conv.MaxMsgSeq++
	conv.LastMsgContent = preview
	conv.LastSenderID = senderID
	conv.LastMessageAt = time.Now()
	return conv.MaxMsgSeq, nil
}

func (f *fakeConvRepo) GetUserConversationMemList(ctx context.Context, userID uint64) ([]*model.ConversationMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []*model.ConversationMember
	for convID, members := range f.members {
		for _, id := range members {
			if id != userID {
				continue
			}
			conv := *f.convs[convID]
			read := f.readSeq[convID][userID]
			res = append(res, &model.ConversationMember{
				ConversationID: convID,
				UserID:         userID,
				ReadMsgSeq:     read,
				Conversation:   conv,
				UnreadCount:    conv.MaxMsgSeq - read,
			})
		}
	}
	return res, nil
}

func (f *fakeConvRepo) GetTotalUnreadCount(ctx context.Context, userID uint64) (int64, error) {
	members, _ := f.GetUserConversationMemList(ctx, userID)
	var total int64
	for _, m := range members {
		total += int64(m.UnreadCount)
	}
	return total, nil
}

// memMessageRepo 内存消息仓库，(convID, seq) 唯一、迁移只进不退
type memMessageRepo struct {
	mu        sync.Mutex
	msgs      map[uint64]map[uint64]*mongo.Message // convID -> seq -> message
	failSaves int                                  // 前 N 次写入注入失败
}

func newMemMessageRepo() *memMessageRepo {
	return &memMessageRepo{msgs: make(map[uint64]map[uint64]*mongo.Message)}
}

func (f *memMessageRepo) setFailSaves(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSaves = n
}

func (f *memMessageRepo) SaveMessage(ctx context.Context, msg *mongo.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves > 0 {
		f.failSaves--
		return context.DeadlineExceeded
	}
	conv, ok := f.msgs[msg.ConversationID]
	if !ok {
		conv = make(map[uint64]*mongo.Message)
		f.msgs[msg.ConversationID] = conv
	}
	if _, dup := conv[msg.Seq]; dup {
		return nil
	}
	cp := *msg
	cp.Delivery = append([]mongo.DeliveryRecord{}, msg.Delivery...)
	conv[msg.Seq] = &cp
	return nil
}

func (f *memMessageRepo) ListSince(ctx context.Context, convID, sinceSeq uint64, limit int) ([]*mongo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []*mongo.Message
	for seq, m := range f.msgs[convID] {
		if seq > sinceSeq {
			res = append(res, m)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Seq < res[j].Seq })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (f *memMessageRepo) GetHistory(ctx context.Context, convID, beforeSeq uint64, limit int) ([]*mongo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []*mongo.Message
	for seq, m := range f.msgs[convID] {
		if beforeSeq == 0 || seq < beforeSeq {
			res = append(res, m)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Seq > res[j].Seq })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (f *memMessageRepo) GetMessageBySeq(ctx context.Context, convID, seq uint64) (*mongo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.msgs[convID][seq]; ok {
		return m, nil
	}
	return nil, mongo.ErrDeliveryNotFound
}

func (f *memMessageRepo) MarkDelivered(ctx context.Context, convID, seq, recipientID uint64) error {
	return f.transition(convID, seq, recipientID, mongo.DeliveryDelivered)
}

func (f *memMessageRepo) MarkRead(ctx context.Context, convID, seq, recipientID uint64) error {
	return f.transition(convID, seq, recipientID, mongo.DeliveryRead)
}

func (f *memMessageRepo) transition(convID, seq, recipientID uint64, target int8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.msgs[convID][seq]
	if !ok {
		return mongo.ErrDeliveryNotFound
	}
	for i := range m.Delivery {
		if m.Delivery[i].RecipientID != recipientID {
			continue
		}
		if m.Delivery[i].State > target {
			return mongo.ErrBackwardTransition
		}
		m.Delivery[i].State = target
		return nil
	}
	return mongo.ErrDeliveryNotFound
}

func (f *memMessageRepo) MarkReadUpTo(ctx context.Context, convID, recipientID, upToSeq uint64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for seq, m := range f.msgs[convID] {
		if seq > upToSeq {
			continue
		}
		for i := range m.Delivery {
			if m.Delivery[i].RecipientID == recipientID && m.Delivery[i].State < mongo.DeliveryRead {
				m.Delivery[i].State = mongo.DeliveryRead
				n++
			}
		}
	}
	return n, nil
}

func (f *memMessageRepo) CountPendingOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	return 0, nil
}

func (f *memMessageRepo) deliveryState(convID, seq, recipientID uint64) int8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.msgs[convID][seq].Delivery {
		if r.RecipientID == recipientID {
			return r.State
		}
	}
	return -1
}

// fakePublisher 记录投递到扇出引擎的事件
type fakePublisher struct {
	mu           sync.Mutex
	created      []*dto.MessageDTO
	readReceipts []uint64 // upToSeq 序列
	delivered    []uint64 // recipientID 序列
}

func (f *fakePublisher) PublishMessageCreated(msg *dto.MessageDTO, recipientIDs []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, msg)
}

func (f *fakePublisher) PublishDelivered(msg *dto.MessageDTO, recipientID uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, recipientID)
}

func (f *fakePublisher) PublishReadReceipt(convID, readerID, upToSeq uint64, notifyIDs []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readReceipts = append(f.readReceipts, upToSeq)
}

// fakeDedup 内存幂等存储
type fakeDedup struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{data: make(map[string]string)}
}

func (f *fakeDedup) Reserve(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = "__pending__"
	return true, nil
}

func (f *fakeDedup) Cached(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.data[key]
	if v == "__pending__" {
		return "", nil
	}
	return v, nil
}

func (f *fakeDedup) Store(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeDedup) Release(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

type testEnv struct {
	svc      IMService
	convRepo *fakeConvRepo
	msgRepo  *memMessageRepo
	hub      *fakePublisher
	dedup    *fakeDedup
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		convRepo: newFakeConvRepo(),
		msgRepo:  newMemMessageRepo(),
		hub:      &fakePublisher{},
		dedup:    newFakeDedup(),
	}
	cfg := config.IMConfig{PageSizeCap: 100, SendRetries: 1, RetryBackoffMS: 1}
	env.svc = NewIMService(env.convRepo, env.msgRepo, env.hub, env.dedup, cfg)
	t.Cleanup(env.svc.Close)
	return env
}

func TestResolveConversationSetSemantics(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	// 顺序、重复都不影响解析结果，调用方自动并入集合
	a, err := env.svc.ResolveConversation(ctx, 1, []uint64{2})
	r.NoError(err)
	b, err := env.svc.ResolveConversation(ctx, 2, []uint64{1, 1, 2})
	r.NoError(err)
	r.Equal(a.ConversationID, b.ConversationID)
	r.Equal(int8(1), a.Type)
	r.Equal([]uint64{2}, a.PeerIDs)

	// 三人及以上为群聊，且与双人会话互不混淆
	g, err := env.svc.ResolveConversation(ctx, 1, []uint64{2, 3})
	r.NoError(err)
	r.NotEqual(a.ConversationID, g.ConversationID)
	r.Equal(int8(2), g.Type)

	// 集合退化到单人拒绝
	_, err = env.svc.ResolveConversation(ctx, 1, []uint64{1})
	r.ErrorIs(err, ErrTooFewParticipants)
}

func TestSendMessageValidation(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.svc.ResolveConversation(ctx, 1, []uint64{2})
	r.NoError(err)

	// 空白消息拒绝
	_, err = env.svc.SendMessage(ctx, 1, &dto.SendMessageReq{ConversationID: conv.ConversationID, Content: "   \n\t"})
	r.ErrorIs(err, ErrBlankMessage)

	// 非成员发送拒绝
	_, err = env.svc.SendMessage(ctx, 99, &dto.SendMessageReq{ConversationID: conv.ConversationID, Content: "hi"})
	r.ErrorIs(err, ErrNotMember)
}

func TestSendMessageAssignsContiguousSeqs(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.svc.ResolveConversation(ctx, 1, []uint64{2})
	r.NoError(err)

	const n = 20
	seqs := make(chan uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			res, err := env.svc.SendMessage(ctx, 1, &dto.SendMessageReq{ConversationID: conv.ConversationID, Content: "hi"})
			if err == nil {
				seqs <- res.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	// 并发发送分得连续且互不重复的序号
	got := make([]uint64, 0, n)
	for s := range seqs {
		got = append(got, s)
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	r.Len(got, n)
	for i, s := range got {
		r.Equal(uint64(i+1), s)
	}

	// 每条消息只为接收者建投递记录
	r.Equal(mongo.DeliveryPending, env.msgRepo.deliveryState(conv.ConversationID, 1, 2))
	msg, err := env.msgRepo.GetMessageBySeq(ctx, conv.ConversationID, 1)
	r.NoError(err)
	r.Len(msg.Delivery, 1)
}

func TestSendMessageDedupReplay(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.svc.ResolveConversation(ctx, 1, []uint64{2})
	r.NoError(err)

	req := &dto.SendMessageReq{ConversationID: conv.ConversationID, Content: "hi", DedupID: "retry-1"}
	first, err := env.svc.SendMessage(ctx, 1, req)
	r.NoError(err)

	// 携带相同幂等键的重试拿回首次响应，不会二次落库
	replay, err := env.svc.SendMessage(ctx, 1, req)
	r.NoError(err)
	r.Equal(first.Seq, replay.Seq)

	msgs, err := env.msgRepo.ListSince(ctx, conv.ConversationID, 0, 100)
	r.NoError(err)
	r.Len(msgs, 1)
}

func TestSendMessageStoreFailureBackfillsSameSeq(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.svc.ResolveConversation(ctx, 1, []uint64{2})
	r.NoError(err)

	env.msgRepo.setFailSaves(1)
	req := &dto.SendMessageReq{ConversationID: conv.ConversationID, Content: "hi", DedupID: "retry-1"}
	_, err = env.svc.SendMessage(ctx, 1, req)
	r.ErrorIs(err, ErrStoreUnavailable)

	// 落库失败但序号已定：同一幂等键的重试拿回同一条消息，不另开序号
	replay, err := env.svc.SendMessage(ctx, 1, req)
	r.NoError(err)
	r.Equal(uint64(1), replay.Seq)

	// 补偿协程用原序号补齐空洞，最终只有一条消息
	r.Eventually(func() bool {
		msgs, lErr := env.msgRepo.ListSince(ctx, conv.ConversationID, 0, 100)
		return lErr == nil && len(msgs) == 1 && msgs[0].Seq == 1
	}, 3*time.Second, 10*time.Millisecond)

	// 序号轴保持连续
	next, err := env.svc.SendMessage(ctx, 1, &dto.SendMessageReq{ConversationID: conv.ConversationID, Content: "again"})
	r.NoError(err)
	r.Equal(uint64(2), next.Seq)
}

func TestSyncMessagesFromCursor(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.svc.ResolveConversation(ctx, 1, []uint64{2})
	r.NoError(err)
	for i := 0; i < 5; i++ {
		_, err = env.svc.SendMessage(ctx, 1, &dto.SendMessageReq{ConversationID: conv.ConversationID, Content: "hi"})
		r.NoError(err)
	}

	// 游标之后的消息按序号升序返回
	msgs, err := env.svc.SyncMessages(ctx, 2, conv.ConversationID, 2, 100)
	r.NoError(err)
	r.Len(msgs, 3)
	for i, m := range msgs {
		r.Equal(uint64(i+3), m.Seq)
	}

	// 非成员无法同步
	_, err = env.svc.SyncMessages(ctx, 99, conv.ConversationID, 0, 100)
	r.ErrorIs(err, ErrNotMember)
}

func TestGetChatHistoryNewestFirst(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.svc.ResolveConversation(ctx, 1, []uint64{2})
	r.NoError(err)
	for i := 0; i < 4; i++ {
		_, err = env.svc.SendMessage(ctx, 1, &dto.SendMessageReq{ConversationID: conv.ConversationID, Content: "hi"})
		r.NoError(err)
	}

	page, err := env.svc.GetChatHistory(ctx, 2, conv.ConversationID, 4, 2)
	r.NoError(err)
	r.Len(page, 2)
	r.Equal(uint64(3), page[0].Seq)
	r.Equal(uint64(2), page[1].Seq)
}

func TestMarkAsReadMonotone(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.svc.ResolveConversation(ctx, 1, []uint64{2})
	r.NoError(err)
	for i := 0; i < 3; i++ {
		_, err = env.svc.SendMessage(ctx, 1, &dto.SendMessageReq{ConversationID: conv.ConversationID, Content: "hi"})
		r.NoError(err)
	}

	r.NoError(env.svc.MarkAsRead(ctx, 2, conv.ConversationID, 3))
	read, _ := env.convRepo.GetReadSeq(ctx, conv.ConversationID, 2)
	r.Equal(uint64(3), read)
	r.Equal(mongo.DeliveryRead, env.msgRepo.deliveryState(conv.ConversationID, 2, 2))

	// 回退重放：游标不动，也不报错
	r.NoError(env.svc.MarkAsRead(ctx, 2, conv.ConversationID, 1))
	read, _ = env.convRepo.GetReadSeq(ctx, conv.ConversationID, 2)
	r.Equal(uint64(3), read)

	// 超出会话最大序号拒绝
	r.ErrorIs(env.svc.MarkAsRead(ctx, 2, conv.ConversationID, 9), ErrSeqOutOfRange)

	env.hub.mu.Lock()
	defer env.hub.mu.Unlock()
	r.NotEmpty(env.hub.readReceipts)
}

func TestAckDelivered(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.svc.ResolveConversation(ctx, 1, []uint64{2})
	r.NoError(err)
	_, err = env.svc.SendMessage(ctx, 1, &dto.SendMessageReq{ConversationID: conv.ConversationID, Content: "hi"})
	r.NoError(err)

	r.NoError(env.svc.AckDelivered(ctx, 2, conv.ConversationID, 1))
	r.Equal(mongo.DeliveryDelivered, env.msgRepo.deliveryState(conv.ConversationID, 1, 2))

	// 不存在的投递记录降级为无操作
	r.NoError(env.svc.AckDelivered(ctx, 2, conv.ConversationID, 99))

	// 已读之后的送达确认不回退状态
	r.NoError(env.svc.MarkAsRead(ctx, 2, conv.ConversationID, 1))
	r.NoError(env.svc.AckDelivered(ctx, 2, conv.ConversationID, 1))
	r.Equal(mongo.DeliveryRead, env.msgRepo.deliveryState(conv.ConversationID, 1, 2))
}

func TestUnreadCount(t *testing.T) {
	r := require.New(t)
	env := newTestEnv(t)
	ctx := context.Background()

	conv, err := env.svc.ResolveConversation(ctx, 1, []uint64{2})
	r.NoError(err)
	for i := 0; i < 4; i++ {
		_, err = env.svc.SendMessage(ctx, 1, &dto.SendMessageReq{ConversationID: conv.ConversationID, Content: "hi"})
		r.NoError(err)
	}
	r.NoError(env.svc.MarkAsRead(ctx, 2, conv.ConversationID, 1))

	total, err := env.svc.GetTotalUnreadCount(ctx, 2)
	r.NoError(err)
	r.Equal(int64(3), total)

	list, err := env.svc.GetConversationList(ctx, 2)
	r.NoError(err)
	r.Len(list, 1)
	r.Equal(uint64(3), list[0].UnreadCount)
	r.Equal(uint64(4), list[0].MaxMsgSeq)
	r.Equal([]uint64{1}, list[0].PeerIDs)

	// 没有任何会话的新用户未读数为 0，不是错误
	zero, err := env.svc.GetTotalUnreadCount(ctx, 77)
	r.NoError(err)
	r.Zero(zero)
}
