package zmesh

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

type etcdRegister struct {
	ctx    context.Context
	cancel context.CancelFunc

	metadata string
	key      string
	cnf      *RegisterConfig
	client   *clientv3.Client
	leaseID  clientv3.LeaseID // 租约 id
}

// NewEtcdRegistry etcd router 注册
func NewEtcdRegistry(cnf *RegisterConfig) (RouterRegister, error) {
	etcdClient, err := clientv3.New(clientv3.Config{Endpoints: cnf.Registries})
	if err != nil {
		return nil, err
	}

	info, err := json.Marshal(cnf.RouterInfo)
	if err != nil {
		return nil, err
	}
	if cnf.Logger == nil {
		cnf.Logger = DefaultLogger
	}

	key := strings.Join([]string{
		cnf.ServicePrefix,
		cnf.RouterInfo.Name,
		cnf.RouterInfo.RouterID}, "/")
	ctx, cancel := context.WithCancel(context.Background())
	return &etcdRegister{
		ctx:    ctx,
		cancel: cancel,

		metadata: string(info),
		key:      key,
		cnf:      cnf,
		client:   etcdClient,
	}, nil
}

// Register 注册 router，周期性续约；续约失败则重新注册
func (er *etcdRegister) Register() {
	tick := time.NewTicker(er.cnf.HeartBeatPeriod)
	defer tick.Stop()

	for {
		select {
		case <-er.ctx.Done():
			return
		case <-tick.C:
			if er.leaseID > 0 {
				if err := er.leaseRenewal(); err != nil {
					er.cnf.Logger.Warnf("etcd register: %s, leaseid: %d, err: %v", er.key, er.leaseID, err)
					er.leaseID = 0
					continue
				}
				er.cnf.Logger.Debugf("etcd register: %s renewal succ", er.key)
			} else {
				if err := er.register(); err != nil {
					er.cnf.Logger.Warnf("etcd register: %s register fail, err: %v", er.key, err)
					continue
				}
				er.cnf.Logger.Infof("etcd register: %s register succ", er.key)
			}
		}
	}
}

func (er *etcdRegister) register() error {
	ctx, cancel := context.WithTimeout(er.ctx, time.Second*5)
	defer cancel()
	// TTL 租约：续约停止后表项自动过期，不会留下幽灵 router
	resp, err := er.client.Grant(ctx, int64(er.cnf.HeartBeatPeriod.Seconds())+3)
	if err != nil {
		return err
	}

	_, err = er.client.Put(ctx, er.key, er.metadata, clientv3.WithLease(resp.ID))
	er.leaseID = resp.ID
	return err
}

func (er *etcdRegister) leaseRenewal() error {
	ctx, cancel := context.WithTimeout(er.ctx, time.Second*5)
	defer cancel()
	_, err := er.client.KeepAliveOnce(ctx, er.leaseID)
	return err
}

// Deregister 注销 router
func (er *etcdRegister) Deregister() {
	er.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := er.client.Delete(ctx, er.key); err != nil {
		er.cnf.Logger.Errorf("etcd register: %s deregister fail, err: %v", er.key, err)
	}
}

type etcdDiscover struct {
	ctx    context.Context
	cancel context.CancelFunc

	prefix string
	cnf    *DiscoverConfig
	client *clientv3.Client
}

// NewEtcdDiscover etcd router 发现
func NewEtcdDiscover(cnf *DiscoverConfig) (Discover, error) {
	etcdClient, err := clientv3.New(clientv3.Config{Endpoints: cnf.Registries})
	if err != nil {
		return nil, err
	}

	if cnf.Logger == nil {
		cnf.Logger = DefaultLogger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &etcdDiscover{
		ctx:    ctx,
		cancel: cancel,

		prefix: strings.Join([]string{cnf.ServicePrefix, cnf.Name}, "/"),
		cnf:    cnf,
		client: etcdClient,
	}, nil
}

// Watch 监控 router 节点变化
func (ed *etcdDiscover) Watch(callback WatchCallback) {
	ed.getAllRouters(callback)

	watch := ed.client.Watch(ed.ctx, ed.prefix, clientv3.WithPrefix())
	for {
		select {
		case <-ed.ctx.Done():
			return
		case ret := <-watch:
			if err := ret.Err(); err != nil {
				ed.cnf.Logger.Errorf("etcd discover: watch err: %v", err)
				continue
			}
			for _, event := range ret.Events {
				if event.Kv == nil {
					continue
				}

				_, routerID := splitKey(string(event.Kv.Key))
				switch event.Type {
				case clientv3.EventTypePut:
					callback.AddOrUpdate(routerID, event.Kv.Value)
				case clientv3.EventTypeDelete:
					callback.Delete(routerID)
				}
			}
		}
	}
}

func (ed *etcdDiscover) getAllRouters(callback WatchCallback) {
	ctx, cancel := context.WithTimeout(ed.ctx, time.Second*5)
	defer cancel()
	result, err := ed.client.Get(ctx, ed.prefix, clientv3.WithPrefix())
	if err != nil {
		ed.cnf.Logger.Warnf("etcd discover: Get() fail, err: %v", err)
		return
	}

	for _, kv := range result.Kvs {
		_, routerID := splitKey(string(kv.Key))
		if err := callback.AddOrUpdate(routerID, kv.Value); err != nil {
			ed.cnf.Logger.Warnf("etcd discover: router %s AddOrUpdate fail, err: %v", routerID, err)
		}
	}
}

// Stop 停止监控
func (ed *etcdDiscover) Stop() {
	ed.cancel()
}

func splitKey(key string) (string, string) {
	l := strings.Split(key, "/")
	if len(l) > 2 {
		return l[len(l)-2], l[len(l)-1]
	}
	return "", ""
}
