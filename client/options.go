package client

import (
	"time"

	"github.com/hunyxv/zmesh"
)

type Option func(opt *options)

type options struct {
	Identity          string          // client id，同一 router 下不能重复
	Logger            zmesh.Logger
	CallTimeout       time.Duration   // 缺省调用超时
	HeartbeatInterval time.Duration   // client -> router 心跳间隔
}

func defaultOptions() *options {
	return &options{
		Identity:          "cli-" + zmesh.NewRequestID(),
		Logger:            zmesh.DefaultLogger,
		CallTimeout:       30 * time.Second,
		HeartbeatInterval: 5 * time.Second,
	}
}

// WithIdentity 设置客户端 id
func WithIdentity(id string) Option {
	return func(opt *options) {
		opt.Identity = id
	}
}

// WithLogger 设置 logger
func WithLogger(logger zmesh.Logger) Option {
	return func(opt *options) {
		opt.Logger = logger
	}
}

// WithCallTimeout 缺省调用超时（ctx 自带 deadline 时以 ctx 为准）
func WithCallTimeout(t time.Duration) Option {
	return func(opt *options) {
		opt.CallTimeout = t
	}
}

// WithHeartbeatInterval 设置心跳间隔
func WithHeartbeatInterval(t time.Duration) Option {
	return func(opt *options) {
		opt.HeartbeatInterval = t
	}
}
