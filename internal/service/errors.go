package service

import (
	"errors"
)

const (
	BadRequest          = 400
	Unauthorized        = 401
	Forbidden           = 403
	NotFound            = 404
	InternalServerError = 500
)

var (
	ErrParamInvalid         = errors.New("参数错误")
	ErrBlankMessage         = errors.New("消息内容不能为空")
	ErrTooFewParticipants   = errors.New("会话至少需要两个不同的参与者")
	ErrConversationNotFound = errors.New("会话不存在")
	ErrNotMember            = errors.New("不是会话成员")
	ErrSeqOutOfRange        = errors.New("已读序号超出会话最新进度")
	ErrInvalidTransition    = errors.New("非法的投递状态变更")
	ErrDuplicateSend        = errors.New("重复的发送请求正在处理中")
	ErrStoreUnavailable     = errors.New("存储暂不可用，请稍后重试")
	UnauthorizedError       = errors.New("权限不足")
	UnExpectedError         = errors.New("系统异常，请稍后重试")
)

var ErrorMap = map[error]int{
	ErrParamInvalid:         BadRequest,
	ErrBlankMessage:         BadRequest,
	ErrTooFewParticipants:   BadRequest,
	ErrConversationNotFound: NotFound,
	ErrNotMember:            Forbidden,
	ErrSeqOutOfRange:        BadRequest,
	ErrInvalidTransition:    BadRequest,
	ErrDuplicateSend:        BadRequest,
	ErrStoreUnavailable:     InternalServerError,
	UnauthorizedError:       Unauthorized,
	UnExpectedError:         InternalServerError,
}
