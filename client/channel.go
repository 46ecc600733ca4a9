package client

import (
	"sync"

	"github.com/hunyxv/zmesh"
)

// pendingCall 一次在途调用。响应帧通过 ch 交付；done 关闭表示调用被
// 	其他路径了结（超时、断连），此后到达的帧直接丢弃。
type pendingCall struct {
	requestID string
	ch        chan *zmesh.Block
	done      chan struct{}
	err       error
	once      sync.Once
}

func newPendingCall(requestID string) *pendingCall {
	return &pendingCall{
		requestID: requestID,
		ch:        make(chan *zmesh.Block, 16),
		done:      make(chan struct{}),
	}
}

// deliver 投递一帧；调用已了结时丢弃
func (p *pendingCall) deliver(b *zmesh.Block) {
	select {
	case p.ch <- b:
	case <-p.done:
	}
}

// finish 以错误了结调用（幂等）
func (p *pendingCall) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// StreamCall 流式调用的接收端。C() 依次给出各数据帧（不含终止帧）；
// 	C() 关闭后通过 Err() 取结果，nil 表示正常结束。
type StreamCall struct {
	out  chan *zmesh.Block
	err  error
	once sync.Once
}

func newStreamCall() *StreamCall {
	return &StreamCall{
		out: make(chan *zmesh.Block, 16),
	}
}

// C 流式数据帧
func (s *StreamCall) C() <-chan *zmesh.Block { return s.out }

// Err 流结束原因，须在 C() 关闭后读取
func (s *StreamCall) Err() error { return s.err }

func (s *StreamCall) close(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.out)
	})
}
