package service

import "errors"

// 业务层通用错误，handler 可根据错误类型映射到合适的 HTTP 状态码。
// 同步路径的错误在持久化之前返回，不会留下半成品写入。
var (
	ErrValidation        = errors.New("validation failed")
	ErrSelfConversation  = errors.New("users cannot have conversations with themselves")
	ErrNotParticipant    = errors.New("not a participant in this conversation")
	ErrNotSender         = errors.New("only the sender may perform this action")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrNotAMember        = errors.New("user is not a member of this conversation")
	ErrCapacityExceeded  = errors.New("conversation is full")
	ErrDuplicateReaction = errors.New("duplicate reaction")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrNotFound          = errors.New("not found")
)
