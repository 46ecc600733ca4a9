package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hunyxv/zmesh"
	zmq "github.com/pebbe/zmq4"
)

var (
	// ErrConnectClosed 连接已关闭
	ErrConnectClosed = errors.New("zmesh-cli: client connect is closed")
	// ErrNoRouter 没有可用的 router
	ErrNoRouter = errors.New("zmesh-cli: no router available")
	// ErrConnectionLost 传输层断连，断连时刻的在途调用以此失败
	ErrConnectionLost = errors.New("zmesh-cli: connection lost")
)

// connectManager 维护到 router 的连接：心跳、失活检测、自动重连与切换。
// 	同一时刻只连一个 router；发现到多个 router 时失联自动切到下一个。
type connectManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	identity   string
	soc        *zmesh.Socket
	logger     zmesh.Logger
	hbInterval time.Duration
	ch         chan *zmesh.Block
	onDrop     func(err error) // 断连通知，上层用来了结在途调用

	mutex    sync.RWMutex
	routers  []zmesh.RouterInfo
	cursor   int    // 轮换候选 router 的游标
	current  string // 当前连接的 endpoint
	expirAt  time.Time
	isClosed bool
}

var _ zmesh.WatchCallback = (*connectManager)(nil)

func newConnectManager(identity string, endpoints []string, hbInterval time.Duration, logger zmesh.Logger) (*connectManager, error) {
	soc, err := zmesh.NewSocket(identity, zmq.DEALER, zmesh.Backend, "", logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	manager := &connectManager{
		ctx:    ctx,
		cancel: cancel,

		identity:   identity,
		soc:        soc,
		logger:     logger,
		hbInterval: hbInterval,
		ch:         make(chan *zmesh.Block, 16),
		onDrop:     func(error) {},
	}
	for _, endpoint := range endpoints {
		manager.routers = append(manager.routers, zmesh.RouterInfo{Endpoint: endpoint})
	}
	if len(manager.routers) > 0 {
		manager.connectLocked(manager.routers[0].Endpoint)
	}
	return manager, nil
}

// start 启动收包与心跳；onDrop 必须在此之前就位
func (manager *connectManager) start() {
	go manager.loop()
}

// connectLocked 调用方需持有 mutex（或处于构造期）
func (manager *connectManager) connectLocked(endpoint string) {
	manager.soc.Connect(endpoint)
	manager.current = endpoint
	manager.expirAt = time.Now().Add(manager.hbInterval*2 + 2*time.Second)
}

func (manager *connectManager) loop() {
	tick := time.NewTicker(manager.hbInterval)
	defer tick.Stop()

	for {
		select {
		case <-manager.ctx.Done():
			return
		case <-tick.C:
			manager.heartbeat()
		case data := <-manager.soc.Recv():
			if len(data) == 0 {
				continue
			}
			b, err := zmesh.DecodeBlock(data[len(data)-1])
			if err != nil {
				manager.logger.Warnf("zmesh-cli: decode fail: %v", err)
				continue
			}

			switch b.Type {
			case zmesh.BlockHeartbeat:
				manager.mutex.Lock()
				manager.expirAt = time.Now().Add(manager.hbInterval*2 + 2*time.Second)
				manager.mutex.Unlock()
			case zmesh.BlockDisconnect:
				manager.reconnect()
			default:
				manager.ch <- b
			}
		}
	}
}

func (manager *connectManager) heartbeat() {
	manager.mutex.RLock()
	current := manager.current
	expired := !manager.expirAt.IsZero() && time.Until(manager.expirAt) < 0
	manager.mutex.RUnlock()
	if current == "" {
		return
	}

	raw, _ := zmesh.NewHeartbeatBlock(manager.identity, "").Encode()
	manager.soc.Send() <- [][]byte{raw}

	if expired {
		manager.reconnect()
	}
}

// reconnect 断开当前连接并连到下一个候选 router（只有一个候选时原地重连）。
// 	断连时刻的在途调用全部以传输错误了结，不做自动重发。
func (manager *connectManager) reconnect() {
	manager.mutex.Lock()
	if manager.isClosed || manager.current == "" {
		manager.mutex.Unlock()
		return
	}

	manager.soc.Disconnect(manager.current)
	time.Sleep(100 * time.Millisecond)

	manager.cursor = (manager.cursor + 1) % len(manager.routers)
	next := manager.routers[manager.cursor].Endpoint
	manager.connectLocked(next)
	manager.mutex.Unlock()

	manager.logger.Warnf("zmesh-cli: reconnect endpoint: %s", next)
	manager.onDrop(ErrConnectionLost)
}

// AddOrUpdate 服务发现回调：新增/更新 router
func (manager *connectManager) AddOrUpdate(routerID string, metadata []byte) error {
	var info zmesh.RouterInfo
	if err := json.Unmarshal(metadata, &info); err != nil {
		return err
	}

	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.isClosed {
		return nil
	}

	var has bool
	for i, r := range manager.routers {
		if r.RouterID == routerID {
			manager.routers[i] = info
			has = true
			break
		}
	}
	if !has {
		manager.routers = append(manager.routers, info)
	}
	if manager.current == "" {
		manager.connectLocked(info.Endpoint)
	}
	return nil
}

// Delete 服务发现回调：router 下线
func (manager *connectManager) Delete(routerID string) {
	manager.mutex.Lock()
	if manager.isClosed {
		manager.mutex.Unlock()
		return
	}

	var endpoint string
	for i, r := range manager.routers {
		if r.RouterID == routerID {
			endpoint = r.Endpoint
			manager.routers = append(manager.routers[:i], manager.routers[i+1:]...)
			break
		}
	}
	current := manager.current == endpoint && endpoint != ""
	if current {
		manager.soc.Disconnect(endpoint)
		manager.current = ""
		if len(manager.routers) > 0 {
			manager.cursor = manager.cursor % len(manager.routers)
			manager.connectLocked(manager.routers[manager.cursor].Endpoint)
		}
	}
	manager.mutex.Unlock()

	if current {
		manager.onDrop(ErrConnectionLost)
	}
}

// Send 发送数据帧
func (manager *connectManager) Send(b *zmesh.Block) error {
	manager.mutex.RLock()
	defer manager.mutex.RUnlock()
	if manager.isClosed {
		return ErrConnectClosed
	}
	if manager.current == "" {
		return ErrNoRouter
	}

	raw, err := b.Encode()
	if err != nil {
		return err
	}
	manager.soc.Send() <- [][]byte{raw}
	return nil
}

// Recv 接收数据帧
func (manager *connectManager) Recv() <-chan *zmesh.Block { return manager.ch }

// Close 关闭连接
func (manager *connectManager) Close() {
	manager.mutex.Lock()
	defer manager.mutex.Unlock()
	if manager.isClosed {
		return
	}
	manager.isClosed = true

	if manager.current != "" {
		manager.soc.Disconnect(manager.current)
		manager.current = ""
	}
	time.Sleep(100 * time.Millisecond)
	manager.cancel()
	manager.soc.Close()
}
