package zmesh

import (
	"time"

	"golang.org/x/time/rate"
)

type Option func(opt *options)

type options struct {
	Logger            Logger
	Identity          string        // socket 标识，缺省随机生成
	HeartbeatInterval time.Duration // dealer -> router 心跳间隔
	HeartbeatTimeout  time.Duration // router 判定 worker 失活的阈值
	MaxTimeoutPeriod  time.Duration // 方法执行最大时间期限
	DrainTimeout      time.Duration // Stop 时等待在途调用的期限
	WorkPoolSize      int           // dealer 工作池大小
	RateLimit         rate.Limit    // router 入口限流（0 表示不限流）
	RateBurst         int
}

func defaultOptions() *options {
	return &options{
		Logger:            DefaultLogger,
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  12 * time.Second,
		MaxTimeoutPeriod:  5 * time.Minute,
		DrainTimeout:      10 * time.Second,
		WorkPoolSize:      0, // 0 表示跟随 CPU 数
	}
}

// WithLogger 设置 logger
func WithLogger(logger Logger) Option {
	return func(opt *options) {
		opt.Logger = logger
	}
}

// WithIdentity 设置 socket 标识（同一 router 下不能重复）
func WithIdentity(id string) Option {
	return func(opt *options) {
		opt.Identity = id
	}
}

// WithHeartbeatInterval 设置心跳间隔
func WithHeartbeatInterval(t time.Duration) Option {
	return func(opt *options) {
		opt.HeartbeatInterval = t
	}
}

// WithHeartbeatTimeout 设置失活判定阈值
func WithHeartbeatTimeout(t time.Duration) Option {
	return func(opt *options) {
		opt.HeartbeatTimeout = t
	}
}

// WithMaxTimeoutPeriod 方法执行最大时间期限
func WithMaxTimeoutPeriod(t time.Duration) Option {
	return func(opt *options) {
		opt.MaxTimeoutPeriod = t
	}
}

// WithDrainTimeout Stop 时等待在途调用的期限
func WithDrainTimeout(t time.Duration) Option {
	return func(opt *options) {
		opt.DrainTimeout = t
	}
}

// WithWorkPoolSize 设置工作池大小
func WithWorkPoolSize(size int) Option {
	return func(opt *options) {
		opt.WorkPoolSize = size
	}
}

// WithRequestRateLimit router 入口限流，超限请求直接以 ERROR 终止帧应答
func WithRequestRateLimit(r rate.Limit, burst int) Option {
	return func(opt *options) {
		opt.RateLimit = r
		opt.RateBurst = burst
	}
}
