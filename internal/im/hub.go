package im

import (
	"Amity/internal/api/dto"
	"Amity/internal/pkg/mongo"
	"context"
	"errors"
	log "log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	evMessageCreated = iota
	evDelivered
	evReadReceipt
)

type event struct {
	kind       int
	msg        *dto.MessageDTO
	recipients []uint64

	convID      uint64
	readerID    uint64
	upToSeq     uint64
	notify      []uint64
	recipientID uint64
}

// Hub 投递扇出引擎：消费结构化事件，把推送落到在线接收者的订阅连接上。
// 推送只是降低延迟的捷径，拉取路径始终兜底，所以任何推送失败都不致命。
//
// 事件按会话分片到固定工作协程：同一会话的事件串行扇出，
// 对每个接收者的推送顺序即发布顺序。
type Hub struct {
	registry *Registry
	messages mongo.MessageRepo
	shards   []chan event
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewHub 构造扇出引擎并启动工作池
func NewHub(registry *Registry, messages mongo.MessageRepo, workers, buffer int) *Hub {
	if workers <= 0 {
		workers = 1
	}
	h := &Hub{
		registry: registry,
		messages: messages,
		shards:   make([]chan event, workers),
		stopChan: make(chan struct{}),
	}

	h.wg.Add(workers)
	for i := range h.shards {
		h.shards[i] = make(chan event, buffer)
		go h.worker(h.shards[i])
	}

	return h
}

func (h *Hub) shardFor(convID uint64) chan event {
	return h.shards[convID%uint64(len(h.shards))]
}

// PublishMessageCreated 新消息进入扇出队列
// 队列满时丢弃推送（接收者由拉取路径补齐），不阻塞发送调用链
func (h *Hub) PublishMessageCreated(msg *dto.MessageDTO, recipientIDs []uint64) {
	select {
	case h.shardFor(msg.ConversationID) <- event{kind: evMessageCreated, msg: msg, recipients: recipientIDs}:
	default:
		log.Warn("扇出队列已满，推送降级为拉取", "convID", msg.ConversationID, "seq", msg.Seq)
	}
}

// PublishDelivered 显式送达确认（拉取路径）的回执进入扇出队列
func (h *Hub) PublishDelivered(msg *dto.MessageDTO, recipientID uint64) {
	select {
	case h.shardFor(msg.ConversationID) <- event{kind: evDelivered, msg: msg, recipientID: recipientID}:
	default:
		log.Warn("扇出队列已满，送达回执推送丢弃", "convID", msg.ConversationID, "seq", msg.Seq)
	}
}

// PublishReadReceipt 已读回执进入扇出队列
func (h *Hub) PublishReadReceipt(convID, readerID, upToSeq uint64, notifyIDs []uint64) {
	select {
	case h.shardFor(convID) <- event{kind: evReadReceipt, convID: convID, readerID: readerID, upToSeq: upToSeq, notify: notifyIDs}:
	default:
		log.Warn("扇出队列已满，已读回执推送丢弃", "convID", convID, "readerID", readerID)
	}
}

func (h *Hub) Close() {
	close(h.stopChan)
	h.wg.Wait()
	log.Info("Fan-out hub shut down gracefully")
}

func (h *Hub) worker(events <-chan event) {
	defer h.wg.Done()
	for {
		select {
		case ev := <-events:
			switch ev.kind {
			case evMessageCreated:
				h.fanOutMessage(ev.msg, ev.recipients)
			case evDelivered:
				h.notifyDelivered(ev.msg, ev.recipientID)
			case evReadReceipt:
				h.fanOutReadReceipt(ev.convID, ev.readerID, ev.upToSeq, ev.notify)
			}
		case <-h.stopChan:
			return
		}
	}
}

// fanOutMessage 对每个接收者：推送到其订阅了该会话的全部连接。
// 送达标记延迟到写泵真正写出该帧之后；入队失败、
// 或连接在写出前死亡都保持 pending，由拉取路径兜底。
func (h *Hub) fanOutMessage(msg *dto.MessageDTO, recipientIDs []uint64) {
	payload, err := json.Marshal(dto.MessageEvent{Type: dto.EventMessage, Message: msg})
	if err != nil {
		log.Error("消息推送序列化失败", "err", err)
		return
	}

	for _, recipientID := range recipientIDs {
		conns := h.registry.SubscribedConnections(recipientID, msg.ConversationID)
		if len(conns) == 0 {
			continue
		}

		confirm := &deliveryConfirm{hub: h, msg: msg, recipientID: recipientID}
		for _, c := range conns {
			written, err := c.PushTracked(payload)
			if err != nil {
				log.Warn("WS 推送失败，交由拉取路径兜底", "userID", recipientID, "connID", c.ID, "err", err)
				continue
			}
			go confirm.watch(c, written)
		}
	}
}

// deliveryConfirm 等待写泵确认：任一连接真正写出该帧才算送达一次
type deliveryConfirm struct {
	hub         *Hub
	msg         *dto.MessageDTO
	recipientID uint64
	once        sync.Once
}

func (d *deliveryConfirm) watch(c *Connection, written <-chan struct{}) {
	select {
	case <-written:
	case <-c.done:
		// 连接终结与写出确认可能同时就绪，补查一次
		select {
		case <-written:
		default:
			return
		}
	}

	d.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := d.hub.messages.MarkDelivered(ctx, d.msg.ConversationID, d.msg.Seq, d.recipientID)
		if err != nil && !errors.Is(err, mongo.ErrBackwardTransition) {
			log.Error("标记送达失败", "convID", d.msg.ConversationID, "seq", d.msg.Seq, "recipient", d.recipientID, "err", err)
			return
		}
		d.hub.notifyDelivered(d.msg, d.recipientID)
	})
}

// notifyDelivered 向发送方的存活连接回执送达事件
func (h *Hub) notifyDelivered(msg *dto.MessageDTO, recipientID uint64) {
	payload, err := json.Marshal(dto.DeliveredEvent{
		Type:           dto.EventDelivered,
		ConversationID: msg.ConversationID,
		Seq:            msg.Seq,
		RecipientID:    recipientID,
	})
	if err != nil {
		return
	}
	for _, c := range h.registry.SubscribedConnections(msg.SenderID, msg.ConversationID) {
		_ = c.Push(payload)
	}
}

// fanOutReadReceipt 向会话其余参与者推送已读进度
func (h *Hub) fanOutReadReceipt(convID, readerID, upToSeq uint64, notifyIDs []uint64) {
	payload, err := json.Marshal(dto.ReadReceiptDTO{
		Type:           dto.EventReadReceipt,
		ConversationID: convID,
		UserID:         readerID,
		ReadSeq:        upToSeq,
	})
	if err != nil {
		return
	}

	for _, userID := range notifyIDs {
		for _, c := range h.registry.SubscribedConnections(userID, convID) {
			_ = c.Push(payload)
		}
	}
}
