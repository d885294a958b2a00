package consts

const (
	// ConversationTypeDirect 单聊
	ConversationTypeDirect = 1
	// ConversationTypeGroup 群聊（固定成员集合，创建后不可变）
	ConversationTypeGroup = 2
)

const (
	DefaultPageSize = 20
	// PreviewMaxRunes 会话列表中最后一条消息预览的截断长度
	PreviewMaxRunes = 64
)
