package zmesh

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/hunyxv/utils/spinlock"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// FuncMode 方法形态
type FuncMode int

const (
	// ReqRep 一问一答，应答一个值
	ReqRep FuncMode = iota
	// GenRep 生成器：handler 返回 channel，逐个产出中间值
	GenRep
	// StreamRep 推流：handler 主动向 Stream 写入任意类型数据帧
	StreamRep
)

// Handler 单值方法
type Handler func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error)

// GenHandler 生成器方法，channel 关闭即产出结束
type GenHandler func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (<-chan interface{}, error)

// StreamHandler 推流方法，返回 nil 时发送 END 终止帧
type StreamHandler func(ctx context.Context, args []interface{}, kwargs map[string]interface{}, st *Stream) error

type method struct {
	methodName string
	mode       FuncMode
	info       MethodInfo

	handler       Handler
	genHandler    GenHandler
	streamHandler StreamHandler
}

type MethodOption func(m *method)

// WithDescription 方法描述，服务发现时可见
func WithDescription(desc string) MethodOption {
	return func(m *method) {
		m.info.Description = desc
	}
}

// WithParams 参数说明（参数名 -> 描述），服务发现时可见
func WithParams(params map[string]string) MethodOption {
	return func(m *method) {
		m.info.Params = params
	}
}

// newMethod 按 handler 签名归类方法形态。
// 	无论哪种形态，对外表现都是「零或多个中间帧 + 一个终止帧」。
func newMethod(name string, h interface{}, opts ...MethodOption) (*method, error) {
	if name == "" {
		return nil, ErrEmptyMethodName
	}

	m := &method{methodName: name, info: MethodInfo{Params: map[string]string{}}}
	switch fn := h.(type) {
	case Handler:
		m.mode, m.handler = ReqRep, fn
	case func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error):
		m.mode, m.handler = ReqRep, fn
	case GenHandler:
		m.mode, m.genHandler = GenRep, fn
	case func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (<-chan interface{}, error):
		m.mode, m.genHandler = GenRep, fn
	case StreamHandler:
		m.mode, m.streamHandler = StreamRep, fn
	case func(ctx context.Context, args []interface{}, kwargs map[string]interface{}, st *Stream) error:
		m.mode, m.streamHandler = StreamRep, fn
	default:
		return nil, errors.WithMessagef(ErrInvalidHandler, "method %s", name)
	}
	for _, f := range opts {
		f(m)
	}
	return m, nil
}

// methodRegistry 方法注册表。Start 之后只读，分发时无需加锁
type methodRegistry struct {
	methods map[string]*method
}

func newMethodRegistry() *methodRegistry {
	return &methodRegistry{methods: make(map[string]*method)}
}

func (r *methodRegistry) register(m *method) error {
	if _, ok := r.methods[m.methodName]; ok {
		return errors.WithMessagef(ErrMethodExists, "method %s", m.methodName)
	}
	r.methods[m.methodName] = m
	return nil
}

func (r *methodRegistry) lookup(name string) (*method, bool) {
	m, ok := r.methods[name]
	return m, ok
}

// metadata 导出方法元信息（服务发现用）
func (r *methodRegistry) metadata() map[string]MethodInfo {
	meta := make(map[string]MethodInfo, len(r.methods))
	for name, m := range r.methods {
		meta[name] = m.info
	}
	return meta
}

type iReply interface {
	Reply(b *Block) error
}

type methodFunc interface {
	FuncMode() FuncMode
	Call(ctx context.Context, req *Block)
}

var mfPool sync.Pool = sync.Pool{New: func() interface{} {
	return &_methodFunc{}
}}

func newMethodFunc(m *method, r iReply, logger Logger) methodFunc {
	base := mfPool.Get().(*_methodFunc)
	base.init(m, r, logger)

	switch m.mode {
	case ReqRep:
		return &reqRepFunc{_methodFunc: base}
	case GenRep:
		return &genRepFunc{_methodFunc: base}
	case StreamRep:
		return &streamRepFunc{_methodFunc: base}
	}
	return nil
}

type _methodFunc struct {
	Method *method
	reply  iReply
	logger Logger
	span   trace.Span
}

func (f *_methodFunc) init(m *method, r iReply, logger Logger) {
	f.Method = m
	f.reply = r
	f.logger = logger
	f.span = nil
}

// startSpan 从请求头中提取链路上下文并开启 span
func (f *_methodFunc) startSpan(ctx context.Context, req *Block) context.Context {
	carrier := propagation.MapCarrier{}
	for k, v := range req.Header {
		if len(v) > 0 {
			carrier[k] = v[0]
		}
	}
	ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)
	ctx, f.span = otel.GetTracerProvider().Tracer("zmesh").Start(ctx, req.ServiceName)
	return ctx
}

func (f *_methodFunc) setStatus(code codes.Code, desc string) {
	if f.span != nil {
		f.span.SetStatus(code, desc)
	}
}

func (f *_methodFunc) spanEnd() {
	if f.span != nil {
		f.span.End()
	}
}

func (f *_methodFunc) sendError(req *Block, e error) {
	f.setStatus(codes.Error, e.Error())
	if err := f.reply.Reply(NewReplyErrorBlock(req, e.Error()).Complete()); err != nil {
		f.logger.Errorf("zmesh: reply error block fail: %v", err)
	}
}

func (f *_methodFunc) FuncMode() FuncMode { return f.Method.mode }

func (f *_methodFunc) release() {
	mfPool.Put(f)
}

// recoverable 执行用户方法，panic 转换为带堆栈的 error，绝不拖垮 dealer
func recoverable(fn func() error) (err error) {
	defer func() {
		if e := recover(); e != nil {
			err = errors.WithStack(fmt.Errorf("%+v", e))
		}
	}()
	return fn()
}

// reqRepFunc 一问一答
type reqRepFunc struct {
	*_methodFunc
}

func (f *reqRepFunc) Call(ctx context.Context, req *Block) {
	defer f.release()
	ctx = f.startSpan(ctx, req)
	defer f.spanEnd()

	var result interface{}
	err := recoverable(func() (e error) {
		result, e = f.Method.handler(ctx, req.Args, req.Kwargs)
		return
	})
	if err != nil {
		f.logger.Warnf("zmesh: method %s: %+v", f.Method.methodName, err)
		f.sendError(req, err)
		return
	}

	if err := f.reply.Reply(NewReplyBlock(req, ReplySuccess, result).Complete()); err != nil {
		f.logger.Errorf("zmesh: reply fail: %v", err)
	}
}

// genRepFunc 生成器：把 channel 产出逐帧发送，channel 关闭后补 END 终止帧
type genRepFunc struct {
	*_methodFunc
}

func (f *genRepFunc) Call(ctx context.Context, req *Block) {
	defer f.release()
	ctx = f.startSpan(ctx, req)
	defer f.spanEnd()

	st := newStream(req, f.reply)
	err := recoverable(func() error {
		ch, e := f.Method.genHandler(ctx, req.Args, req.Kwargs)
		if e != nil {
			return e
		}
		for v := range ch {
			if e := st.Send(v); e != nil {
				return e
			}
		}
		return nil
	})
	if err != nil {
		f.logger.Warnf("zmesh: method %s: %+v", f.Method.methodName, err)
		f.setStatus(codes.Error, err.Error())
		st.fail(err)
		return
	}
	st.end()
}

// streamRepFunc 推流：用户方法显式写 Stream
type streamRepFunc struct {
	*_methodFunc
}

func (f *streamRepFunc) Call(ctx context.Context, req *Block) {
	defer f.release()
	ctx = f.startSpan(ctx, req)
	defer f.spanEnd()

	st := newStream(req, f.reply)
	err := recoverable(func() error {
		return f.Method.streamHandler(ctx, req.Args, req.Kwargs, st)
	})
	if err != nil {
		f.logger.Warnf("zmesh: method %s: %+v", f.Method.methodName, err)
		f.setStatus(codes.Error, err.Error())
		st.fail(err)
		return
	}
	st.end()
}

// Stream 流式应答的写端。
// 	方法返回（或 fail）后整个流以恰好一个终止帧收尾，此后写入报错。
type Stream struct {
	req   *Block
	reply iReply
	seq   int64

	isClosed bool
	lock     sync.Locker
}

func newStream(req *Block, reply iReply) *Stream {
	return &Stream{
		req:   req,
		reply: reply,
		lock:  spinlock.NewSpinLock(),
	}
}

func (st *Stream) nextResponseID() string {
	return strconv.FormatInt(atomic.AddInt64(&st.seq, 1), 10)
}

// SendBlock 发送一个指定类型的数据帧
func (st *Stream) SendBlock(t BlockType, content interface{}) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	if st.isClosed {
		return errors.New("zmesh: stream is closed")
	}
	return st.reply.Reply(NewStreamingBlock(st.req, t, st.nextResponseID(), content))
}

// Send 发送一个 CONTENT 帧
func (st *Stream) Send(content interface{}) error {
	return st.SendBlock(BlockContent, content)
}

// TextChunk 发送文本增量帧
func (st *Stream) TextChunk(text string) error {
	return st.SendBlock(BlockTextChunk, text)
}

// TextFinal 发送文本终稿帧（非终止帧）
func (st *Stream) TextFinal(text string) error {
	return st.SendBlock(BlockTextFinal, text)
}

// Progress 发送进度帧
func (st *Stream) Progress(step, total int, message string) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	if st.isClosed {
		return errors.New("zmesh: stream is closed")
	}
	return st.reply.Reply(NewProgressBlock(st.req, st.nextResponseID(), step, total, message))
}

func (st *Stream) end() error {
	st.lock.Lock()
	defer st.lock.Unlock()
	if st.isClosed {
		return nil
	}
	st.isClosed = true
	return st.reply.Reply(NewEndBlock(st.req, st.nextResponseID()))
}

func (st *Stream) fail(e error) error {
	st.lock.Lock()
	defer st.lock.Unlock()
	if st.isClosed {
		return nil
	}
	st.isClosed = true
	return st.reply.Reply(NewErrorBlock(st.req, st.nextResponseID(), e.Error()))
}
