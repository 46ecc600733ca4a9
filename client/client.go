package client

import (
	"context"
	"sync"
	"time"

	"github.com/hunyxv/zmesh"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ClusterInfo 服务组集群状态
type ClusterInfo struct {
	State   string `msgpack:"state"`
	Workers int    `msgpack:"workers"`
}

// ClientDealer 调用方。以 request_id 多路复用到 router 的单条连接，
// 	支持一次性调用与流式调用。
type ClientDealer struct {
	ctx    context.Context
	cancel context.CancelFunc

	identity string
	manager  *connectManager
	logger   zmesh.Logger
	timeout  time.Duration

	mutex   sync.Mutex
	pending map[string]*pendingCall

	discover zmesh.Discover
}

// New 连接固定的 router 端点
func New(endpoints []string, opts ...Option) (*ClientDealer, error) {
	if len(endpoints) == 0 {
		return nil, ErrNoRouter
	}
	return newClientDealer(endpoints, nil, opts...)
}

// NewWithDiscover 通过注册中心发现 router
func NewWithDiscover(discover zmesh.Discover, opts ...Option) (*ClientDealer, error) {
	return newClientDealer(nil, discover, opts...)
}

func newClientDealer(endpoints []string, discover zmesh.Discover, opts ...Option) (*ClientDealer, error) {
	defOpts := defaultOptions()
	for _, o := range opts {
		o(defOpts)
	}

	manager, err := newConnectManager(defOpts.Identity, endpoints, defOpts.HeartbeatInterval, defOpts.Logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cli := &ClientDealer{
		ctx:    ctx,
		cancel: cancel,

		identity: defOpts.Identity,
		manager:  manager,
		logger:   defOpts.Logger,
		timeout:  defOpts.CallTimeout,
		pending:  make(map[string]*pendingCall),
		discover: discover,
	}
	manager.onDrop = cli.failInflight
	manager.start()

	if discover != nil {
		go discover.Watch(manager)
	}
	go cli.dispatch()
	return cli, nil
}

// dispatch 按 request_id 把响应帧分发给对应的在途调用
func (cli *ClientDealer) dispatch() {
	for {
		select {
		case <-cli.ctx.Done():
			return
		case b := <-cli.manager.Recv():
			cli.mutex.Lock()
			p, ok := cli.pending[b.RequestID]
			if ok && b.Terminal() {
				delete(cli.pending, b.RequestID)
			}
			cli.mutex.Unlock()
			if !ok {
				cli.logger.Debugf("zmesh-cli: drop frame of unknown request: %s", b.RequestID)
				continue
			}
			p.deliver(b)
		}
	}
}

func (cli *ClientDealer) addPending(requestID string) *pendingCall {
	p := newPendingCall(requestID)
	cli.mutex.Lock()
	cli.pending[requestID] = p
	cli.mutex.Unlock()
	return p
}

func (cli *ClientDealer) removePending(requestID string) {
	cli.mutex.Lock()
	delete(cli.pending, requestID)
	cli.mutex.Unlock()
}

// failInflight 断连时以传输错误了结全部在途调用
func (cli *ClientDealer) failInflight(err error) {
	cli.mutex.Lock()
	calls := make([]*pendingCall, 0, len(cli.pending))
	for id, p := range cli.pending {
		calls = append(calls, p)
		delete(cli.pending, id)
	}
	cli.mutex.Unlock()

	for _, p := range calls {
		p.finish(err)
	}
}

// send 注入链路上下文并发出请求帧
func (cli *ClientDealer) send(ctx context.Context, req *zmesh.Block) error {
	if req.Header == nil {
		req.Header = zmesh.Header{}
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		req.Header.Set(k, v)
	}
	return cli.manager.Send(req)
}

// Call 一次性调用：发出请求并等待终止帧。
// 	ctx 未设期限时采用默认调用超时；超时返回 zmesh.ErrTimeout，此后
// 	到达的迟到响应被丢弃。
func (cli *ClientDealer) Call(ctx context.Context, serviceName string, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cli.timeout)
		defer cancel()
	}

	ctx, span := otel.GetTracerProvider().Tracer("zmesh-cli").Start(ctx, serviceName,
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	req := zmesh.NewRequestBlock(serviceName, args, kwargs)
	p := cli.addPending(req.RequestID)
	defer cli.removePending(req.RequestID)

	if err := cli.send(ctx, req); err != nil {
		p.finish(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			p.finish(zmesh.ErrTimeout)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				span.SetStatus(codes.Error, zmesh.ErrTimeout.Error())
				return nil, zmesh.ErrTimeout
			}
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, ctx.Err()
		case <-p.done:
			span.SetStatus(codes.Error, p.err.Error())
			return nil, p.err
		case b := <-p.ch:
			if !b.Terminal() {
				// 一次性调用忽略中间帧（PROGRESS 等）
				continue
			}
			if b.Failed() {
				err := errors.New(b.Error)
				span.SetStatus(codes.Error, b.Error)
				return nil, err
			}
			return b.Result, nil
		}
	}
}

// Stream 流式调用：数据帧经 StreamCall.C() 依次交付，终止后 C() 关闭，
// 	结束原因见 StreamCall.Err()。取消 ctx 即放弃接收；ctx 未设期限时
// 	采用默认调用超时，超过期限 Err() 返回 zmesh.ErrTimeout。
func (cli *ClientDealer) Stream(ctx context.Context, serviceName string, args []interface{}, kwargs map[string]interface{}) (*StreamCall, error) {
	cancel := context.CancelFunc(func() {})
	if _, ok := ctx.Deadline(); !ok {
		ctx, cancel = context.WithTimeout(ctx, cli.timeout)
	}

	req := zmesh.NewRequestBlock(serviceName, args, kwargs)
	p := cli.addPending(req.RequestID)

	if err := cli.send(ctx, req); err != nil {
		p.finish(err)
		cli.removePending(req.RequestID)
		cancel()
		return nil, err
	}

	sc := newStreamCall()
	go cli.pump(ctx, cancel, req.RequestID, p, sc)
	return sc, nil
}

// streamErr 期限耗尽与超时错误对齐
func streamErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return zmesh.ErrTimeout
	}
	return ctx.Err()
}

func (cli *ClientDealer) pump(ctx context.Context, cancel context.CancelFunc, requestID string, p *pendingCall, sc *StreamCall) {
	defer cancel()
	defer cli.removePending(requestID)
	for {
		select {
		case <-ctx.Done():
			p.finish(streamErr(ctx))
			sc.close(streamErr(ctx))
			return
		case <-p.done:
			sc.close(p.err)
			return
		case b := <-p.ch:
			if !b.Terminal() {
				select {
				case sc.out <- b:
				case <-ctx.Done():
					p.finish(streamErr(ctx))
					sc.close(streamErr(ctx))
					return
				}
				continue
			}
			if b.Failed() {
				sc.close(errors.New(b.Error))
			} else {
				sc.close(nil)
			}
			return
		}
	}
}

// DiscoverServices 查询全部在线服务方法，键为 "group.method"
func (cli *ClientDealer) DiscoverServices(ctx context.Context) (map[string]zmesh.MethodInfo, error) {
	result, err := cli.Call(ctx, zmesh.DiscoverServicesMethod, nil, nil)
	if err != nil {
		return nil, err
	}

	services := make(map[string]zmesh.MethodInfo)
	if err := remarshal(result, &services); err != nil {
		return nil, err
	}
	return services, nil
}

// DiscoverClusters 查询各服务组集群状态
func (cli *ClientDealer) DiscoverClusters(ctx context.Context) (map[string]ClusterInfo, error) {
	result, err := cli.Call(ctx, zmesh.DiscoverClustersMethod, nil, nil)
	if err != nil {
		return nil, err
	}

	clusters := make(map[string]ClusterInfo)
	if err := remarshal(result, &clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

// remarshal 把泛型解码结果转成具体类型
func remarshal(in interface{}, out interface{}) error {
	raw, err := msgpack.Marshal(in)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(msgpack.Unmarshal(raw, out))
}

// Close 了结全部在途调用并断开连接
func (cli *ClientDealer) Close() {
	if cli.discover != nil {
		cli.discover.Stop()
	}
	cli.cancel()
	cli.failInflight(ErrConnectClosed)
	cli.manager.Close()
}
