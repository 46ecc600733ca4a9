package zmesh

import (
	"net/url"
	"strconv"
	"time"
)

// 注册到注册中心时使用 json 序列化，以便人工查看

// RouterInfo 发布到注册中心的 router 信息
type RouterInfo struct {
	Name     string `json:"name" msgpack:"name"`
	RouterID string `json:"router_id" msgpack:"router_id"`
	Endpoint string `json:"endpoint" msgpack:"endpoint"` // 形如 tcp://host:port
}

// splitEndpoint 从 endpoint 中取 host 和 port（健康检查回调用）
func splitEndpoint(endpoint string) (host string, port int) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", 0
	}
	port, _ = strconv.Atoi(u.Port())
	return u.Hostname(), port
}

// RegisterConfig router 注册所需配置
type RegisterConfig struct {
	Registries      []string      // 注册中心 endpoint
	ServicePrefix   string        // 注册键前缀
	HeartBeatPeriod time.Duration // 续约间隔
	RouterInfo      RouterInfo
	Logger          Logger
}

// RouterRegister router 注册
type RouterRegister interface {
	// Register 注册 router（阻塞，周期性续约）
	Register()
	// Deregister 注销 router
	Deregister()
}

// DiscoverConfig router 发现所需配置
type DiscoverConfig struct {
	Registries    []string // 注册中心 endpoint
	ServicePrefix string
	Name          string // router 名称
	Logger        Logger
}

// Discover router 发现
type Discover interface {
	// Watch 监控 router 节点变化（阻塞）
	Watch(callback WatchCallback)
	// Stop 停止监控
	Stop()
}

// WatchCallback 节点变更事件回调
type WatchCallback interface {
	AddOrUpdate(routerID string, metadata []byte) error
	Delete(routerID string)
}
