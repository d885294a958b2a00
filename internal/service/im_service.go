package service

import (
	"Amity/internal/api/config"
	"Amity/internal/api/dto"
	"Amity/internal/model"
	"Amity/internal/pkg/consts"
	"Amity/internal/pkg/mongo"
	"Amity/internal/repository"
	"context"
	"errors"
	log "log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
)

// IMService 即时通讯服务接口定义
type IMService interface {
	SendMessage(ctx context.Context, senderID uint64, req *dto.SendMessageReq) (*dto.MessageDTO, error)
	ResolveConversation(ctx context.Context, userID uint64, participantIDs []uint64) (*dto.ConversationDTO, error)
	GetConversationList(ctx context.Context, userID uint64) ([]*dto.ConversationDTO, error)
	SyncMessages(ctx context.Context, userID uint64, convID uint64, sinceSeq uint64, pageSize int) ([]*dto.MessageDTO, error)
	GetChatHistory(ctx context.Context, userID uint64, convID uint64, beforeSeq uint64, pageSize int) ([]*dto.MessageDTO, error)
	MarkAsRead(ctx context.Context, userID, convID, seq uint64) error
	AckDelivered(ctx context.Context, userID, convID, seq uint64) error
	GetTotalUnreadCount(ctx context.Context, userID uint64) (int64, error)
	UserConversationIDs(ctx context.Context, userID uint64) ([]uint64, error)
	IsMember(ctx context.Context, convID, userID uint64) (bool, error)
	Close()
}

// EventPublisher 扇出引擎入口，发送链路只投递事件、不关心连接细节
type EventPublisher interface {
	PublishMessageCreated(msg *dto.MessageDTO, recipientIDs []uint64)
	PublishDelivered(msg *dto.MessageDTO, recipientID uint64)
	PublishReadReceipt(convID, readerID, upToSeq uint64, notifyIDs []uint64)
}

// DedupStore 发送幂等存储，nil 表示关闭幂等保护
type DedupStore interface {
	Reserve(ctx context.Context, key string) (bool, error)
	Cached(ctx context.Context, key string) (string, error)
	Store(ctx context.Context, key, value string) error
	Release(ctx context.Context, key string) error
}

type imServiceImpl struct {
	convRepo    repository.ConversationRepo
	messageRepo mongo.MessageRepo
	hub         EventPublisher
	dedup       DedupStore
	cfg         config.IMConfig

	// 按会话 ID 的互斥锁：同会话 append 串行，不同会话互不阻塞
	convLocks sync.Map

	retryChan chan *mongo.Message
	wg        sync.WaitGroup
	stopChan  chan struct{}
}

// NewIMService 构造函数：初始化服务并启动异步校准工作池
func NewIMService(convRepo repository.ConversationRepo, messageRepo mongo.MessageRepo, hub EventPublisher, dedup DedupStore, cfg config.IMConfig) IMService {
	s := &imServiceImpl{
		convRepo:    convRepo,
		messageRepo: messageRepo,
		hub:         hub,
		dedup:       dedup,
		cfg:         cfg,
		retryChan:   make(chan *mongo.Message, 2048),
		stopChan:    make(chan struct{}),
	}

	workerCount := 5
	s.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go s.calibrationWorker()
	}

	return s
}

// SendMessage 发送消息
func (s *imServiceImpl) SendMessage(ctx context.Context, senderID uint64, req *dto.SendMessageReq) (*dto.MessageDTO, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrBlankMessage
	}

	// 确定会话：显式 ID 校验成员身份，否则按参与者集合解析（或创建）
	convID := req.ConversationID
	if convID == 0 {
		conv, err := s.resolve(ctx, senderID, req.ParticipantIDs)
		if err != nil {
			return nil, err
		}
		convID = conv.ID
	} else {
		isMember, err := s.convRepo.IsMember(ctx, convID, senderID)
		if err != nil {
			return nil, ErrStoreUnavailable
		}
		if !isMember {
			return nil, ErrNotMember
		}
	}

	// 幂等保护：重复的 dedup_id 返回首次响应而非二次落库
	dedupKey := ""
	if s.dedup != nil && req.DedupID != "" {
		dedupKey = consts.IMDedupKey + strconv.FormatUint(senderID, 10) + ":" + req.DedupID
		reserved, err := s.dedup.Reserve(ctx, dedupKey)
		if err != nil {
			log.WarnContext(ctx, "幂等占位失败，本次发送不做去重", "err", err)
			dedupKey = ""
		} else if !reserved {
			cached, err := s.dedup.Cached(ctx, dedupKey)
			if err == nil && cached != "" {
				var replay dto.MessageDTO
				if json.Unmarshal([]byte(cached), &replay) == nil {
					return &replay, nil
				}
			}
			return nil, ErrDuplicateSend
		}
	}

	res, err := s.append(ctx, convID, senderID, content)
	if err != nil {
		if dedupKey != "" {
			// 序号已定且补偿在途：缓存响应而不是释放占位，
			// 携同一幂等键的重试拿回同一条消息而不是另开新序号
			if res != nil {
				if data, mErr := json.Marshal(res); mErr == nil {
					_ = s.dedup.Store(context.Background(), dedupKey, string(data))
				}
			} else {
				_ = s.dedup.Release(context.Background(), dedupKey)
			}
		}
		return nil, err
	}

	if dedupKey != "" {
		if data, mErr := json.Marshal(res); mErr == nil {
			_ = s.dedup.Store(ctx, dedupKey, string(data))
		}
	}
	return res, nil
}

// append 会话内串行的核心写路径：定序、落库、扇出
func (s *imServiceImpl) append(ctx context.Context, convID, senderID uint64, content string) (*dto.MessageDTO, error) {
	mu := s.lockFor(convID)
	mu.Lock()
	defer mu.Unlock()

	memberIDs, err := s.convRepo.GetMemberIDs(ctx, convID)
	if err != nil {
		return nil, ErrStoreUnavailable
	}
	if len(memberIDs) == 0 {
		return nil, ErrConversationNotFound
	}
	recipients := exclude(memberIDs, senderID)

	// MySQL 原子定序，同时刷新最后活跃与预览
	var seq uint64
	err = s.withBackoff(func() error {
		var e error
		seq, e = s.convRepo.IncrMaxSeq(ctx, convID, preview(content), senderID)
		return e
	})
	if err != nil {
		log.ErrorContext(ctx, "消息定序失败", "convID", convID, "err", err)
		return nil, ErrStoreUnavailable
	}

	now := time.Now()
	msgModel := &mongo.Message{
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		Seq:            seq,
		Delivery:       mongo.NewPendingDelivery(recipients, now),
		CreatedAt:      now,
	}

	// 构造并存入 MongoDB
	err = s.withBackoff(func() error {
		writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.messageRepo.SaveMessage(writeCtx, msgModel)
	})
	if err != nil {
		// 序号已被占用：进入异步校准补齐空洞，同时向调用方如实上报失败。
		// 返回已定序的 DTO 供幂等缓存使用，重试不会另开序号。
		select {
		case s.retryChan <- msgModel:
		default:
		}
		log.ErrorContext(ctx, "消息落库失败", "convID", convID, "seq", seq, "err", err)
		return s.toMessageDTO(msgModel), ErrStoreUnavailable
	}

	msgDTO := s.toMessageDTO(msgModel)
	s.hub.PublishMessageCreated(msgDTO, recipients)
	return msgDTO, nil
}

// ResolveConversation 按参与者集合解析或创建会话（调用方总在集合内）
func (s *imServiceImpl) ResolveConversation(ctx context.Context, userID uint64, participantIDs []uint64) (*dto.ConversationDTO, error) {
	conv, err := s.resolve(ctx, userID, participantIDs)
	if err != nil {
		return nil, err
	}
	readSeq, _ := s.convRepo.GetReadSeq(ctx, conv.ID, userID)
	return s.toConversationDTO(conv, readSeq, userID), nil
}

// resolve 参与者集合与顺序无关、重复折叠；同一集合永远解析到同一会话
func (s *imServiceImpl) resolve(ctx context.Context, callerID uint64, participantIDs []uint64) (*model.Conversation, error) {
	set := canonicalSet(append(append([]uint64{}, participantIDs...), callerID))
	if len(set) < 2 {
		return nil, ErrTooFewParticipants
	}
	peerKey := peerKeyOf(set)

	conv, err := s.convRepo.GetConversationByPeerKey(ctx, peerKey)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStoreUnavailable
	}

	convType := int8(consts.ConversationTypeDirect)
	if len(set) > 2 {
		convType = consts.ConversationTypeGroup
	}
	newConv := &model.Conversation{
		Type:          convType,
		PeerKey:       peerKey,
		LastMessageAt: time.Now(),
	}
	members := make([]*model.ConversationMember, 0, len(set))
	for _, id := range set {
		members = append(members, &model.ConversationMember{UserID: id})
	}

	if err := s.convRepo.CreateConversation(ctx, newConv, members); err != nil {
		// 并发创建撞唯一索引：回读既有会话
		if existed, err2 := s.convRepo.GetConversationByPeerKey(ctx, peerKey); err2 == nil {
			return existed, nil
		}
		return nil, ErrStoreUnavailable
	}
	return newConv, nil
}

// GetConversationList 获取会话列表，按最后活跃降序
func (s *imServiceImpl) GetConversationList(ctx context.Context, userID uint64) ([]*dto.ConversationDTO, error) {
	members, err := s.convRepo.GetUserConversationMemList(ctx, userID)
	if err != nil {
		return nil, ErrStoreUnavailable
	}

	res := make([]*dto.ConversationDTO, 0, len(members))
	for _, m := range members {
		d := s.toConversationDTO(&m.Conversation, m.ReadMsgSeq, userID)
		d.UnreadCount = m.UnreadCount
		res = append(res, d)
	}
	return res, nil
}

// SyncMessages 增量同步：sinceSeq 之后的消息升序返回，游标可重启
func (s *imServiceImpl) SyncMessages(ctx context.Context, userID uint64, convID uint64, sinceSeq uint64, pageSize int) ([]*dto.MessageDTO, error) {
	isMember, err := s.convRepo.IsMember(ctx, convID, userID)
	if err != nil || !isMember {
		return nil, ErrNotMember
	}

	models, err := s.messageRepo.ListSince(ctx, convID, sinceSeq, s.clampPage(pageSize))
	if err != nil {
		return nil, ErrStoreUnavailable
	}
	return s.toMessageDTOs(models), nil
}

// GetChatHistory 拉取历史，最新的在前
func (s *imServiceImpl) GetChatHistory(ctx context.Context, userID uint64, convID uint64, beforeSeq uint64, pageSize int) ([]*dto.MessageDTO, error) {
	isMember, err := s.convRepo.IsMember(ctx, convID, userID)
	if err != nil || !isMember {
		return nil, ErrNotMember
	}

	models, err := s.messageRepo.GetHistory(ctx, convID, beforeSeq, s.clampPage(pageSize))
	if err != nil {
		return nil, ErrStoreUnavailable
	}
	return s.toMessageDTOs(models), nil
}

// MarkAsRead 标记已读：推进游标、迁移投递记录、回执其余参与者
// 重放相同或更低序号没有任何额外效果
func (s *imServiceImpl) MarkAsRead(ctx context.Context, userID, convID, seq uint64) error {
	isMember, err := s.convRepo.IsMember(ctx, convID, userID)
	if err != nil || !isMember {
		return ErrNotMember
	}

	conv, err := s.convRepo.GetConversation(ctx, convID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrConversationNotFound
		}
		return ErrStoreUnavailable
	}
	if seq > conv.MaxMsgSeq {
		return ErrSeqOutOfRange
	}

	err = s.withBackoff(func() error {
		return s.convRepo.UpdateReadSeq(ctx, convID, userID, seq)
	})
	if err != nil {
		return ErrStoreUnavailable
	}

	if _, err := s.messageRepo.MarkReadUpTo(ctx, convID, userID, seq); err != nil {
		// 游标已推进；投递记录迁移失败只记录，下次已读会补齐
		log.ErrorContext(ctx, "投递记录批量已读失败", "convID", convID, "userID", userID, "err", err)
	}

	memberIDs, err := s.convRepo.GetMemberIDs(ctx, convID)
	if err == nil {
		s.hub.PublishReadReceipt(convID, userID, seq, exclude(memberIDs, userID))
	}
	return nil
}

// AckDelivered 拉取后的显式送达确认
// 非法迁移降级为无操作，只留日志
func (s *imServiceImpl) AckDelivered(ctx context.Context, userID, convID, seq uint64) error {
	isMember, err := s.convRepo.IsMember(ctx, convID, userID)
	if err != nil || !isMember {
		return ErrNotMember
	}

	err = s.messageRepo.MarkDelivered(ctx, convID, seq, userID)
	if err != nil {
		if errors.Is(err, mongo.ErrDeliveryNotFound) || errors.Is(err, mongo.ErrBackwardTransition) {
			log.WarnContext(ctx, "送达确认被忽略", "convID", convID, "seq", seq, "userID", userID, "err", err)
			return nil
		}
		return ErrStoreUnavailable
	}

	if msg, err := s.messageRepo.GetMessageBySeq(ctx, convID, seq); err == nil {
		s.hub.PublishDelivered(s.toMessageDTO(msg), userID)
	}
	return nil
}

// GetTotalUnreadCount 计算全局未读数
func (s *imServiceImpl) GetTotalUnreadCount(ctx context.Context, userID uint64) (int64, error) {
	total, err := s.convRepo.GetTotalUnreadCount(ctx, userID)
	if err != nil {
		return 0, ErrStoreUnavailable
	}
	return total, nil
}

func (s *imServiceImpl) UserConversationIDs(ctx context.Context, userID uint64) ([]uint64, error) {
	return s.convRepo.GetUserConversationIDs(ctx, userID)
}

func (s *imServiceImpl) IsMember(ctx context.Context, convID, userID uint64) (bool, error) {
	return s.convRepo.IsMember(ctx, convID, userID)
}

func (s *imServiceImpl) Close() {
	close(s.stopChan)
	s.wg.Wait()
	log.Info("IMService shut down gracefully")
}

// calibrationWorker 异步补偿：填补定序成功但落库失败留下的序号空洞
// (conversation_id, seq) 唯一索引保证补写是幂等的
func (s *imServiceImpl) calibrationWorker() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.retryChan:
			s.backfill(msg)
		case <-s.stopChan:
			return
		}
	}
}

// backfill 指数退避重写直到成功：放弃会在序号轴上留下永久空洞，
// 所以除进程退出外不放弃
func (s *imServiceImpl) backfill(msg *mongo.Message) {
	backoff := time.Second
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.messageRepo.SaveMessage(ctx, msg)
		cancel()
		if err == nil {
			recipients := make([]uint64, 0, len(msg.Delivery))
			for _, r := range msg.Delivery {
				recipients = append(recipients, r.RecipientID)
			}
			s.hub.PublishMessageCreated(s.toMessageDTO(msg), recipients)
			return
		}

		select {
		case <-time.After(backoff):
		case <-s.stopChan:
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// withBackoff 有限重试：瞬时存储故障指数退避后仍失败则向上曝露
func (s *imServiceImpl) withBackoff(fn func() error) error {
	retries := s.cfg.SendRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := time.Duration(s.cfg.RetryBackoffMS) * time.Millisecond
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}

	var err error
	for i := 0; i < retries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < retries-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return err
}

func (s *imServiceImpl) lockFor(convID uint64) *sync.Mutex {
	mu, _ := s.convLocks.LoadOrStore(convID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *imServiceImpl) clampPage(pageSize int) int {
	if pageSize <= 0 {
		return consts.DefaultPageSize
	}
	pageCap := s.cfg.PageSizeCap
	if pageCap <= 0 {
		pageCap = 100
	}
	if pageSize > pageCap {
		return pageCap
	}
	return pageSize
}

func (s *imServiceImpl) toMessageDTO(m *mongo.Message) *dto.MessageDTO {
	return &dto.MessageDTO{
		ID: m.ID, ConversationID: m.ConversationID, SenderID: m.SenderID,
		Content: m.Content, Seq: m.Seq, CreatedAt: m.CreatedAt,
	}
}

func (s *imServiceImpl) toMessageDTOs(models []*mongo.Message) []*dto.MessageDTO {
	res := make([]*dto.MessageDTO, 0, len(models))
	for _, m := range models {
		res = append(res, s.toMessageDTO(m))
	}
	return res
}

func (s *imServiceImpl) toConversationDTO(conv *model.Conversation, readSeq uint64, userID uint64) *dto.ConversationDTO {
	return &dto.ConversationDTO{
		ConversationID: conv.ID,
		Type:           conv.Type,
		PeerIDs:        exclude(parsePeerKey(conv.PeerKey), userID),
		LastMsgContent: conv.LastMsgContent,
		LastSenderID:   conv.LastSenderID,
		LastMessageAt:  conv.LastMessageAt,
		MaxMsgSeq:      conv.MaxMsgSeq,
		ReadSeq:        readSeq,
	}
}

// canonicalSet 去重并升序排序，参与者集合与顺序无关
func canonicalSet(ids []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(ids))
	set := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		set = append(set, id)
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	return set
}

// peerKeyOf 参与者集合的规范标识，如 "3_17_42"
func peerKeyOf(set []uint64) string {
	parts := make([]string, 0, len(set))
	for _, id := range set {
		parts = append(parts, strconv.FormatUint(id, 10))
	}
	return strings.Join(parts, "_")
}

func parsePeerKey(peerKey string) []uint64 {
	parts := strings.Split(peerKey, "_")
	ids := make([]uint64, 0, len(parts))
	for _, p := range parts {
		if id, err := strconv.ParseUint(p, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func exclude(ids []uint64, userID uint64) []uint64 {
	res := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id != userID {
			res = append(res, id)
		}
	}
	return res
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= consts.PreviewMaxRunes {
		return content
	}
	return string(runes[:consts.PreviewMaxRunes])
}
