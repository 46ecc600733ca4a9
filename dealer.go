package zmesh

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	zmq "github.com/pebbe/zmq4"
	"github.com/pkg/errors"
)

// DealerState dealer 生命周期状态
type DealerState int32

const (
	StateInit DealerState = iota
	StateRunning
	StateReconnecting
	StateStopping
	StateStopped
)

func (s DealerState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// ServiceDealer 持有一组可远程调用的方法，注册到 router 并响应请求。
// 	方法体一律提交到自有工作池执行，socket 循环因此始终能收请求、发心跳。
type ServiceDealer struct {
	group          string
	routerEndpoint string
	identity       string

	registry *methodRegistry
	soc      *Socket
	pool     *ants.Pool
	opts     *options
	logger   Logger

	ctx    context.Context
	cancel context.CancelFunc

	state          int32
	inflight       sync.WaitGroup
	routerExpirAt  int64 // unix nano，router 心跳回包的过期时间
}

// NewServiceDealer 创建 dealer。group 是负载均衡的单位，同组多个 dealer 互为副本
func NewServiceDealer(group string, routerEndpoint string, opts ...Option) (*ServiceDealer, error) {
	if group == "" {
		return nil, errors.New("zmesh: service group cannot be empty")
	}

	defOpts := defaultOptions()
	for _, f := range opts {
		f(defOpts)
	}
	if defOpts.Identity == "" {
		defOpts.Identity = "sd-" + NewRequestID()
	}

	size := defOpts.WorkPoolSize
	if size <= 0 {
		size = runtime.NumCPU()
	}
	// 工作池归 dealer 实例所有，Stop 时一并释放
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ServiceDealer{
		group:          group,
		routerEndpoint: routerEndpoint,
		identity:       defOpts.Identity,
		registry:       newMethodRegistry(),
		pool:           pool,
		opts:           defOpts,
		logger:         defOpts.Logger,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Register 注册方法，必须在 Start 之前完成；之后注册表只读
func (d *ServiceDealer) Register(name string, handler interface{}, opts ...MethodOption) error {
	if d.State() != StateInit {
		return ErrAlreadyStarted
	}
	m, err := newMethod(name, handler, opts...)
	if err != nil {
		return err
	}
	return d.registry.register(m)
}

// State 当前生命周期状态
func (d *ServiceDealer) State() DealerState {
	return DealerState(atomic.LoadInt32(&d.state))
}

func (d *ServiceDealer) setState(s DealerState) {
	atomic.StoreInt32(&d.state, int32(s))
}

// Start 连接 router、上报方法元信息、启动心跳
func (d *ServiceDealer) Start() error {
	if !atomic.CompareAndSwapInt32(&d.state, int32(StateInit), int32(StateRunning)) {
		return ErrAlreadyStarted
	}

	soc, err := NewSocket(d.identity, zmq.DEALER, Backend, "", d.logger)
	if err != nil {
		d.setState(StateInit)
		return err
	}
	d.soc = soc
	soc.Connect(d.routerEndpoint)
	d.refreshRouterExpir()
	d.announce()

	go d.mainLoop()
	d.logger.Infof("zmesh: dealer %s (group %s) started", d.identity, d.group)
	return nil
}

// announce 上报服务组与方法元信息
func (d *ServiceDealer) announce() {
	raw, err := NewRegisterBlock(d.identity, d.group, d.registry.metadata()).Encode()
	if err != nil {
		d.logger.Errorf("zmesh: dealer announce fail: %v", err)
		return
	}
	d.soc.Send() <- [][]byte{raw}
}

func (d *ServiceDealer) refreshRouterExpir() {
	expir := time.Now().Add(d.opts.HeartbeatInterval*2 + 2*time.Second)
	atomic.StoreInt64(&d.routerExpirAt, expir.UnixNano())
}

func (d *ServiceDealer) routerExpired() bool {
	return time.Now().UnixNano() > atomic.LoadInt64(&d.routerExpirAt)
}

func (d *ServiceDealer) mainLoop() {
	tick := time.NewTicker(d.opts.HeartbeatInterval)
	defer tick.Stop()

	hbRaw, _ := NewHeartbeatBlock(d.identity, d.group).Encode()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-tick.C:
			if d.State() != StateRunning {
				continue
			}
			d.soc.Send() <- [][]byte{hbRaw}
			if d.routerExpired() {
				d.reconnect()
			}
		case frames := <-d.soc.Recv():
			if len(frames) == 0 {
				continue
			}
			b, err := DecodeBlock(frames[len(frames)-1])
			if err != nil {
				d.logger.Warnf("zmesh: dealer decode fail: %v", err)
				continue
			}
			switch b.Type {
			case BlockHeartbeat:
				d.refreshRouterExpir()
			case BlockDisconnect:
				// router 主动驱逐，按断连处理
				d.reconnect()
			case BlockRequest:
				d.handleRequest(b)
			}
		}
	}
}

// reconnect RUNNING -> RECONNECTING -> RUNNING，期间不收请求不发心跳，
// 	成功后重新 announce
func (d *ServiceDealer) reconnect() {
	if !atomic.CompareAndSwapInt32(&d.state, int32(StateRunning), int32(StateReconnecting)) {
		return
	}
	d.logger.Warnf("zmesh: dealer %s lost router, reconnecting", d.identity)

	d.soc.Disconnect(d.routerEndpoint)
	time.Sleep(100 * time.Millisecond)
	d.soc.Connect(d.routerEndpoint)
	d.refreshRouterExpir()

	d.setState(StateRunning)
	d.announce()
	d.logger.Infof("zmesh: dealer %s reconnected", d.identity)
}

func (d *ServiceDealer) handleRequest(req *Block) {
	if d.State() != StateRunning {
		d.Reply(NewReplyErrorBlock(req, ErrNotRunning.Error()))
		return
	}

	m, ok := d.registry.lookup(methodOf(req))
	if !ok {
		d.Reply(NewReplyErrorBlock(req, fmt.Sprintf("method not found: %s", req.ServiceName)))
		return
	}

	mf := newMethodFunc(m, d, d.logger)
	d.inflight.Add(1)
	err := d.pool.Submit(func() {
		defer d.inflight.Done()
		ctx, cancel := context.WithTimeout(d.ctx, d.opts.MaxTimeoutPeriod)
		defer cancel()
		mf.Call(ctx, req)
	})
	if err != nil {
		d.inflight.Done()
		if errors.Is(err, ants.ErrPoolOverload) {
			d.logger.Warnf("zmesh: dealer %s work pool overload", d.identity)
		} else {
			d.logger.Errorf("zmesh: dealer submit fail: %v", err)
		}
		d.Reply(NewReplyErrorBlock(req, err.Error()))
	}
}

// methodOf 从 "{group}.{method}" 取方法名；没有分隔符时原样返回
func methodOf(req *Block) string {
	name := req.FuncName
	if name == "" {
		name = req.ServiceName
	}
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[i+1:]
		}
	}
	return name
}

// Reply 发送应答帧（方法执行 goroutine 也会调用，经由 channel 串行化）
func (d *ServiceDealer) Reply(b *Block) error {
	raw, err := b.Encode()
	if err != nil {
		return err
	}
	d.soc.Send() <- [][]byte{raw}
	return nil
}

// Stop 进入 STOPPING，等待在途调用（有限期），通知 router 下线后关闭
func (d *ServiceDealer) Stop() {
	state := d.State()
	if state != StateRunning && state != StateReconnecting {
		return
	}
	d.setState(StateStopping)

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.opts.DrainTimeout):
		d.logger.Warnf("zmesh: dealer %s drain timeout, dropping in-flight calls", d.identity)
	}

	if raw, err := NewDisconnectBlock(d.identity, d.group).Encode(); err == nil {
		d.soc.Send() <- [][]byte{raw}
	}
	time.Sleep(100 * time.Millisecond)

	d.cancel()
	d.soc.Close()
	d.pool.Release()
	d.setState(StateStopped)
	d.logger.Infof("zmesh: dealer %s stopped", d.identity)
}
