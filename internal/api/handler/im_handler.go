package handler

import (
	"Amity/internal/api/dto"
	"Amity/internal/pkg/response"
	"Amity/internal/service"
	"strconv"

	"github.com/gin-gonic/gin"
)

type IMHandler struct {
	imService service.IMService
}

func NewIMHandler(imService service.IMService) *IMHandler {
	return &IMHandler{imService: imService}
}

// SendMessage 发送消息接口
func (s *IMHandler) SendMessage(c *gin.Context) {
	var req dto.SendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	// 从 Context 中获取中间件解析出的当前用户 ID
	senderID := c.GetUint64("user_id")

	res, err := s.imService.SendMessage(c, senderID, &req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// ResolveConversation 按参与者集合解析或创建会话
func (s *IMHandler) ResolveConversation(c *gin.Context) {
	var req dto.ResolveConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("user_id")

	res, err := s.imService.ResolveConversation(c, userID, req.ParticipantIDs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// MarkAsRead 标记已读接口
func (s *IMHandler) MarkAsRead(c *gin.Context) {
	var req dto.MarkAsReadReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("user_id")

	err := s.imService.MarkAsRead(c, userID, req.ConversationID, req.Sequence)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, nil)
}

// AckDelivered 拉取后的送达确认接口
func (s *IMHandler) AckDelivered(c *gin.Context) {
	var req dto.AckDeliveredReq
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, service.ErrParamInvalid)
		return
	}

	userID := c.GetUint64("user_id")

	err := s.imService.AckDelivered(c, userID, req.ConversationID, req.Sequence)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, nil)
}

// SyncMessages 增量同步：返回 lastSeq 之后的消息，升序
func (s *IMHandler) SyncMessages(c *gin.Context) {
	convID, _ := strconv.ParseUint(c.Query("conversationId"), 10, 64)
	sinceSeq, _ := strconv.ParseUint(c.Query("sinceSeq"), 10, 64)
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "50"))

	userID := c.GetUint64("user_id")

	res, err := s.imService.SyncMessages(c, userID, convID, sinceSeq, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// GetChatHistory 获取历史消息
func (s *IMHandler) GetChatHistory(c *gin.Context) {
	convID, _ := strconv.ParseUint(c.Query("conversationId"), 10, 64)
	beforeSeq, _ := strconv.ParseUint(c.Query("beforeSeq"), 10, 64)
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))

	userID := c.GetUint64("user_id")

	res, err := s.imService.GetChatHistory(c, userID, convID, beforeSeq, pageSize)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// GetConversationList 获取会话列表
func (s *IMHandler) GetConversationList(c *gin.Context) {
	userID := c.GetUint64("user_id")
	res, err := s.imService.GetConversationList(c, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// GetTotalUnread 获取全局未读数
func (s *IMHandler) GetTotalUnread(c *gin.Context) {
	userID := c.GetUint64("user_id")
	total, err := s.imService.GetTotalUnreadCount(c, userID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"total": total})
}
