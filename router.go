package zmesh

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	zmq "github.com/pebbe/zmq4"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// 内建服务发现方法，与普通调用走同一条请求通路
const (
	DiscoverServicesMethod = "discover_services"
	DiscoverClustersMethod = "discover_clusters"
)

// worker 状态
const (
	WorkerActive   = "active"
	WorkerInactive = "inactive"
)

// workerEntry router 侧的 worker 注册表项
type workerEntry struct {
	identity      string
	group         string
	methods       map[string]MethodInfo
	state         string
	lastHeartbeat time.Time
	inactiveAt    time.Time
}

// serviceGroup 同名服务组下的全部 worker，round robin 计数器随组走
type serviceGroup struct {
	workers map[string]*workerEntry
	rr      uint64
}

// activeIdentities 有序的存活 worker 列表（map 遍历无序，轮询需要稳定顺序）
func (g *serviceGroup) activeIdentities() []string {
	ids := make([]string, 0, len(g.workers))
	for id, w := range g.workers {
		if w.state == WorkerActive {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// pick 轮询选择一个存活 worker
func (g *serviceGroup) pick() (string, bool) {
	ids := g.activeIdentities()
	if len(ids) == 0 {
		return "", false
	}
	g.rr++
	return ids[g.rr%uint64(len(ids))], true
}

// pendingCall 在途调用：request_id 与客户端、worker 的对应关系，
// 	终止帧转发后删除
type pendingCall struct {
	client      string
	worker      string
	serviceName string
}

// ServiceRouter 代理：在多个客户端与多个 worker 之间转发请求和应答，
// 	不含任何业务逻辑。worker 表只在自身事件循环上修改，无需加锁。
type ServiceRouter struct {
	endpoint string
	identity string

	soc     *Socket
	opts    *options
	logger  Logger
	limiter *rate.Limiter

	groups  map[string]*serviceGroup
	pending map[string]*pendingCall

	ctx     context.Context
	cancel  context.CancelFunc
	closing chan struct{}
	done    chan struct{}
}

func NewServiceRouter(endpoint string, opts ...Option) (*ServiceRouter, error) {
	defOpts := defaultOptions()
	for _, f := range opts {
		f(defOpts)
	}
	if defOpts.Identity == "" {
		defOpts.Identity = "router-" + NewRequestID()
	}

	soc, err := NewSocket(defOpts.Identity, zmq.ROUTER, Frontend, endpoint, defOpts.Logger)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if defOpts.RateLimit > 0 {
		limiter = rate.NewLimiter(defOpts.RateLimit, defOpts.RateBurst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ServiceRouter{
		endpoint: endpoint,
		identity: defOpts.Identity,
		soc:      soc,
		opts:     defOpts,
		logger:   defOpts.Logger,
		limiter:  limiter,
		groups:   make(map[string]*serviceGroup),
		pending:  make(map[string]*pendingCall),
		ctx:      ctx,
		cancel:   cancel,
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start 启动事件循环
func (r *ServiceRouter) Start() {
	go r.run()
	r.logger.Infof("zmesh: router %s listening on %s", r.identity, r.endpoint)
}

func (r *ServiceRouter) run() {
	defer close(r.done)
	tick := time.NewTicker(r.opts.HeartbeatInterval)
	defer tick.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.closing:
			// 广播断连后退出；worker 表只能在本循环上动
			raw, _ := NewDisconnectBlock(r.identity, "").Encode()
			for _, g := range r.groups {
				for id := range g.workers {
					r.soc.Send() <- [][]byte{[]byte(id), raw}
				}
			}
			return
		case <-tick.C:
			r.sweep()
		case frames := <-r.soc.Recv():
			if len(frames) < 2 {
				continue
			}
			from := string(frames[0])
			raw := frames[len(frames)-1]
			b, err := DecodeBlock(raw)
			if err != nil {
				r.logger.Warnf("zmesh: router decode fail (from %s): %v", from, err)
				continue
			}
			r.handle(from, raw, b)
		}
	}
}

func (r *ServiceRouter) handle(from string, raw []byte, b *Block) {
	switch b.Type {
	case BlockRegister:
		if b.Identity != "" && b.Identity != from {
			r.logger.Warnf("zmesh: register identity mismatch: %s != %s", b.Identity, from)
			return
		}
		r.addWorker(from, b.Group, b.Methods)
	case BlockHeartbeat:
		// group 非空的心跳来自 worker，空的来自客户端；两者都回包
		if b.Group != "" {
			r.touchWorker(from, b.Group)
		}
		r.echoHeartbeat(from)
	case BlockDisconnect:
		r.removeWorker(from, "disconnect")
	case BlockRequest:
		r.route(from, raw, b)
	default:
		// worker 的应答帧，按在途表转发回客户端
		r.relay(from, raw, b)
	}
}

// addWorker 注册或更新表项。首次心跳也会建表（无方法元信息）
func (r *ServiceRouter) addWorker(identity, group string, methods map[string]MethodInfo) {
	g, ok := r.groups[group]
	if !ok {
		g = &serviceGroup{workers: make(map[string]*workerEntry)}
		r.groups[group] = g
	}
	w, ok := g.workers[identity]
	if !ok {
		w = &workerEntry{identity: identity, group: group}
		g.workers[identity] = w
		r.logger.WithFields(logrus.Fields{"group": group, "identity": identity}).Info("worker registered")
	}
	if methods != nil {
		w.methods = methods
	}
	w.state = WorkerActive
	w.lastHeartbeat = time.Now()
}

func (r *ServiceRouter) touchWorker(identity, group string) {
	if g, ok := r.groups[group]; ok {
		if w, ok := g.workers[identity]; ok {
			w.lastHeartbeat = time.Now()
			if w.state == WorkerInactive {
				w.state = WorkerActive
			}
			return
		}
	}
	r.addWorker(identity, group, nil)
}

func (r *ServiceRouter) removeWorker(identity, reason string) {
	for group, g := range r.groups {
		if _, ok := g.workers[identity]; ok {
			delete(g.workers, identity)
			if len(g.workers) == 0 {
				delete(r.groups, group)
			}
			r.logger.WithFields(logrus.Fields{"group": group, "identity": identity, "reason": reason}).Info("worker removed")
		}
	}
	r.failInflight(identity)
}

// sweep 定期巡检：心跳超时的 worker 先置为 inactive（暂留一个周期供发现可见），
// 	宽限期过后彻底剔除
func (r *ServiceRouter) sweep() {
	nowT := time.Now()
	for group, g := range r.groups {
		for id, w := range g.workers {
			switch w.state {
			case WorkerActive:
				if nowT.Sub(w.lastHeartbeat) > r.opts.HeartbeatTimeout {
					w.state = WorkerInactive
					w.inactiveAt = nowT
					r.logger.WithFields(logrus.Fields{"group": group, "identity": id}).Warn("worker heartbeat expired")
					r.failInflight(id)
				}
			case WorkerInactive:
				if nowT.Sub(w.inactiveAt) > r.opts.HeartbeatInterval {
					delete(g.workers, id)
					r.logger.WithFields(logrus.Fields{"group": group, "identity": id}).Info("worker evicted")
				}
			}
		}
		if len(g.workers) == 0 {
			delete(r.groups, group)
		}
	}
}

// failInflight worker 失联时，在途调用以 ERROR 终止帧收场；是否重试由调用方决定
func (r *ServiceRouter) failInflight(workerID string) {
	for reqID, pc := range r.pending {
		if pc.worker != workerID {
			continue
		}
		delete(r.pending, reqID)
		errBlock := &Block{
			Type:        BlockReply,
			RequestID:   reqID,
			ServiceName: pc.serviceName,
			CreatedAt:   now(),
			State:       ReplyError,
			Error:       ErrWorkerLost.Error(),
		}
		r.sendTo(pc.client, errBlock)
	}
}

// route 请求路由："{group}.{method}"，按组轮询存活 worker
func (r *ServiceRouter) route(client string, raw []byte, req *Block) {
	if r.limiter != nil && !r.limiter.Allow() {
		r.sendTo(client, NewReplyErrorBlock(req, ErrRateLimited.Error()))
		return
	}

	service := req.ServiceName
	if service == "" {
		service = req.FuncName
	}
	// 内建发现方法由 router 自己应答
	switch service {
	case DiscoverServicesMethod:
		r.sendTo(client, NewReplyBlock(req, ReplySuccess, r.discoverServices()).Complete())
		return
	case DiscoverClustersMethod:
		r.sendTo(client, NewReplyBlock(req, ReplySuccess, r.discoverClusters()).Complete())
		return
	}

	idx := strings.LastIndex(service, ".")
	if idx <= 0 {
		r.sendTo(client, NewReplyErrorBlock(req, fmt.Sprintf("service not found: %s", service)))
		return
	}
	group := service[:idx]

	g, ok := r.groups[group]
	if !ok {
		r.sendTo(client, NewReplyErrorBlock(req, fmt.Sprintf("service not found: %s", group)))
		return
	}
	worker, ok := g.pick()
	if !ok {
		r.sendTo(client, NewReplyErrorBlock(req, fmt.Sprintf("service not found: %s (no active worker)", group)))
		return
	}

	r.pending[req.RequestID] = &pendingCall{client: client, worker: worker, serviceName: service}
	r.soc.Send() <- [][]byte{[]byte(worker), raw}
}

// relay worker -> client 原样转发；终止帧之后在途表项销毁
func (r *ServiceRouter) relay(worker string, raw []byte, b *Block) {
	pc, ok := r.pending[b.RequestID]
	if !ok {
		r.logger.Debugf("zmesh: router drop frame for unknown request %s", b.RequestID)
		return
	}
	if pc.worker != worker {
		r.logger.Warnf("zmesh: reply for %s from unexpected worker %s", b.RequestID, worker)
		return
	}
	r.soc.Send() <- [][]byte{[]byte(pc.client), raw}
	if b.Terminal() {
		delete(r.pending, b.RequestID)
	}
}

func (r *ServiceRouter) echoHeartbeat(to string) {
	raw, _ := NewHeartbeatBlock(r.identity, "").Encode()
	r.soc.Send() <- [][]byte{[]byte(to), raw}
}

func (r *ServiceRouter) sendTo(to string, b *Block) {
	raw, err := b.Encode()
	if err != nil {
		r.logger.Errorf("zmesh: router encode fail: %v", err)
		return
	}
	r.soc.Send() <- [][]byte{[]byte(to), raw}
}

// discoverServices 列出所有存活组的可调用方法
// 	{"{group}.{method}": {description, params}}
func (r *ServiceRouter) discoverServices() map[string]MethodInfo {
	services := make(map[string]MethodInfo)
	for group, g := range r.groups {
		for _, w := range g.workers {
			if w.state != WorkerActive {
				continue
			}
			for name, info := range w.methods {
				services[group+"."+name] = info
			}
		}
	}
	return services
}

// discoverClusters 列出服务组及其状态，active 当且仅当组内有存活 worker
func (r *ServiceRouter) discoverClusters() map[string]map[string]interface{} {
	clusters := make(map[string]map[string]interface{})
	for group, g := range r.groups {
		var active int
		for _, w := range g.workers {
			if w.state == WorkerActive {
				active++
			}
		}
		state := WorkerInactive
		if active > 0 {
			state = WorkerActive
		}
		clusters[group] = map[string]interface{}{
			"state":   state,
			"workers": active,
		}
	}
	return clusters
}

// Close 通知所有存活 worker 断连并停止事件循环
func (r *ServiceRouter) Close() {
	select {
	case <-r.closing:
		return
	default:
		close(r.closing)
	}
	<-r.done
	time.Sleep(100 * time.Millisecond)
	r.cancel()
	r.soc.Close()
}
