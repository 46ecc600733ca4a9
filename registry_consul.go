package zmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
)

type consulRegister struct {
	ctx    context.Context
	cancel context.CancelFunc

	metadata map[string]string
	cnf      *RegisterConfig
	client   *consulapi.Client
}

// NewConsulRegister consul router 注册
func NewConsulRegister(cnf *RegisterConfig) (RouterRegister, error) {
	if cnf.Logger == nil {
		cnf.Logger = DefaultLogger
	}

	consulConfig := consulapi.DefaultConfig()
	consulConfig.Address = strings.Join(cnf.Registries, ",")
	consulClient, err := consulapi.NewClient(consulConfig)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"name":      cnf.RouterInfo.Name,
		"router_id": cnf.RouterInfo.RouterID,
		"endpoint":  cnf.RouterInfo.Endpoint,
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &consulRegister{
		ctx:    ctx,
		cancel: cancel,

		metadata: metadata,
		cnf:      cnf,
		client:   consulClient,
	}, nil
}

// Register 注册 router（consul agent 守护健康检查，无需周期续约）
func (cr *consulRegister) Register() {
	host, port := splitEndpoint(cr.cnf.RouterInfo.Endpoint)
	if host == "" {
		if hosts, _ := getLocalIps(); len(hosts) > 0 {
			host = hosts[0]
		}
	}

	registration := &consulapi.AgentServiceRegistration{
		Kind:    consulapi.ServiceKindTypical,
		Address: host,
		Port:    port,
		Meta:    cr.metadata,
		ID:      cr.cnf.RouterInfo.RouterID,
		Name:    cr.cnf.RouterInfo.Name,
		Tags:    []string{"zmesh"},
	}
	registration.Checks = []*consulapi.AgentServiceCheck{{
		Name:                           "router-endpoint",
		TCP:                            fmt.Sprintf("%s:%d", host, port),
		Interval:                       "7s",
		Timeout:                        "3s",
		DeregisterCriticalServiceAfter: "30s",
	}}

	if err := cr.client.Agent().ServiceRegister(registration); err != nil {
		cr.cnf.Logger.Warnf("consul register: registry fail, err: %v", err)
	}
}

// Deregister 注销 router
func (cr *consulRegister) Deregister() {
	cr.cancel()
	if cr.cnf.RouterInfo.RouterID != "" {
		cr.client.Agent().ServiceDeregister(cr.cnf.RouterInfo.RouterID)
	}
}

type consulDiscover struct {
	ctx    context.Context
	cancel context.CancelFunc

	cnf    *DiscoverConfig
	client *consulapi.Client
}

// NewConsulDiscover consul router 发现
func NewConsulDiscover(cnf *DiscoverConfig) (Discover, error) {
	if cnf.Logger == nil {
		cnf.Logger = DefaultLogger
	}

	consulConfig := consulapi.DefaultConfig()
	consulConfig.Address = strings.Join(cnf.Registries, ",")
	consulClient, err := consulapi.NewClient(consulConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &consulDiscover{
		ctx:    ctx,
		cancel: cancel,

		cnf:    cnf,
		client: consulClient,
	}, nil
}

// Watch 监控 router 节点变化
func (cd *consulDiscover) Watch(callback WatchCallback) {
	var lastIndex uint64
	for {
		select {
		case <-cd.ctx.Done():
			return
		default:
			// 长轮询，直到有新的更新
			services, querymeta, err := cd.client.Health().Service(cd.cnf.Name, "zmesh", true, &consulapi.QueryOptions{
				WaitIndex: lastIndex,
			})
			if err != nil {
				cd.cnf.Logger.Warnf("consul discover: watch fail, err: %v", err)
				continue
			}
			lastIndex = querymeta.LastIndex

			for _, service := range services {
				meta := service.Service.Meta
				routerID, ok := meta["router_id"]
				if !ok {
					continue
				}
				switch service.Checks.AggregatedStatus() {
				case consulapi.HealthPassing:
					info, _ := json.Marshal(meta)
					callback.AddOrUpdate(routerID, info)
				case consulapi.HealthWarning, consulapi.HealthCritical:
					callback.Delete(routerID)
				}
			}
		}
	}
}

// Stop 停止监控
func (cd *consulDiscover) Stop() {
	cd.cancel()
}
