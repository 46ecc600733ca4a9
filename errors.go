package zmesh

import "errors"

var (
	// ErrServiceNotFound 请求的服务组没有存活 worker，或 worker 上没有该方法
	ErrServiceNotFound = errors.New("zmesh: service not found")
	// ErrTimeout 在期限内没有收到终止帧
	ErrTimeout = errors.New("zmesh: request timeout")
	// ErrWorkerLost 调用期间 worker 失联
	ErrWorkerLost = errors.New("zmesh: worker lost")
	// ErrNotRunning dealer 不在 RUNNING 状态，不接收请求
	ErrNotRunning = errors.New("zmesh: dealer is not running")
	// ErrRateLimited router 入口限流
	ErrRateLimited = errors.New("zmesh: too many requests")
	// ErrNoRequestID 请求帧缺少 request_id
	ErrNoRequestID = errors.New("zmesh: request block without request_id")

	// 注册期错误
	ErrInvalidHandler  = errors.New("zmesh: register method err: unsupported handler signature")
	ErrMethodExists    = errors.New("zmesh: register method err: method already exists")
	ErrAlreadyStarted  = errors.New("zmesh: dealer already started")
	ErrEmptyMethodName = errors.New("zmesh: register method err: empty method name")
)
