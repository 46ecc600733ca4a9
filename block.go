package zmesh

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// BlockType 消息块类型
type BlockType string

const (
	// 请求/应答
	BlockRequest BlockType = "REQUEST"
	BlockReply   BlockType = "REPLY"

	// 流式数据块
	BlockStart           BlockType = "START"
	BlockQuestion        BlockType = "QUESTION"
	BlockAnswer          BlockType = "ANSWER"
	BlockTool            BlockType = "TOOL"
	BlockTextChunk       BlockType = "TEXT_CHUNK"
	BlockTextFinal       BlockType = "TEXT_FINAL"
	BlockToolCallChunk   BlockType = "TOOL_CALL_CHUNK"
	BlockToolCallFinal   BlockType = "TOOL_CALL_FINAL"
	BlockToolCallMessage BlockType = "TOOL_CALL_MESSAGE"
	BlockUsage           BlockType = "USAGE"
	BlockProgress        BlockType = "PROGRESS"
	BlockImage           BlockType = "IMAGE"
	BlockVision          BlockType = "VISION"
	BlockError           BlockType = "ERROR"
	BlockEnd             BlockType = "END"
	BlockContent         BlockType = "CONTENT"

	// 控制消息（注册、心跳、断连），与数据走同一通道
	BlockRegister   BlockType = "REGISTER"
	BlockHeartbeat  BlockType = "HEARTBEAT"
	BlockDisconnect BlockType = "DISCONNECT"
)

// RequestStep 请求所处阶段
type RequestStep string

const (
	StepInit  RequestStep = "INIT"
	StepReady RequestStep = "READY"
)

// ReplyState 应答状态
type ReplyState string

const (
	ReplyAccepted   ReplyState = "ACCEPTED"
	ReplyPrepared   ReplyState = "PREPARED"
	ReplyProcessing ReplyState = "PROCESSING"
	ReplyWaiting    ReplyState = "WAITING"
	ReplyReady      ReplyState = "READY"
	ReplySuccess    ReplyState = "SUCCESS"
	ReplyError      ReplyState = "ERROR"
)

// Header 附加元信息（链路追踪等）
type Header map[string][]string

func (h Header) Set(key, value string) {
	h[key] = []string{value}
}

func (h Header) Add(key, value string) {
	h[key] = append(h[key], value)
}

func (h Header) Get(key string) string {
	if len(h[key]) == 0 {
		return ""
	}
	return h[key][0]
}

func (h Header) Has(key string) bool {
	_, ok := h[key]
	return ok
}

// MethodInfo 方法元信息，用于服务发现
type MethodInfo struct {
	Description string            `msgpack:"description" json:"description"`
	Params      map[string]string `msgpack:"params" json:"params"`
}

// Block 网络传输的基本单元。
// 	request_id 贯穿一次调用的整个生命周期；response_id 区分同一请求的多个应答帧。
type Block struct {
	Type        BlockType `msgpack:"block_type"`
	RequestID   string    `msgpack:"request_id"`
	ResponseID  string    `msgpack:"response_id,omitempty"`
	ServiceName string    `msgpack:"service_name,omitempty"`
	CreatedAt   float64   `msgpack:"created_at"`
	CompletedAt float64   `msgpack:"completed_at,omitempty"`
	Header      Header    `msgpack:"head,omitempty"`

	// 请求
	RequestStep RequestStep            `msgpack:"request_step,omitempty"`
	FuncName    string                 `msgpack:"func_name,omitempty"`
	Args        []interface{}          `msgpack:"args,omitempty"`
	Kwargs      map[string]interface{} `msgpack:"kwargs,omitempty"`

	// 应答
	State            ReplyState  `msgpack:"state,omitempty"`
	Result           interface{} `msgpack:"result,omitempty"`
	SubscribeAddress string      `msgpack:"subscribe_address,omitempty"`
	Error            string      `msgpack:"error,omitempty"`

	// 流式内容/进度
	Content    interface{} `msgpack:"content,omitempty"`
	Step       int         `msgpack:"step,omitempty"`
	TotalSteps int         `msgpack:"total_steps,omitempty"`
	Percentage float64     `msgpack:"percentage,omitempty"`
	Message    string      `msgpack:"message,omitempty"`

	// 控制
	Identity string                `msgpack:"identity,omitempty"`
	Group    string                `msgpack:"group,omitempty"`
	Methods  map[string]MethodInfo `msgpack:"methods,omitempty"`
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewRequestBlock 客户端发起调用
// 	service 形如 "{group}.{method}"
func NewRequestBlock(service string, args []interface{}, kwargs map[string]interface{}) *Block {
	return &Block{
		Type:        BlockRequest,
		RequestID:   NewRequestID(),
		ServiceName: service,
		CreatedAt:   now(),
		RequestStep: StepReady,
		FuncName:    service,
		Args:        args,
		Kwargs:      kwargs,
	}
}

// NewReplyBlock 一次性应答（state 为 SUCCESS/ERROR 时即为终止帧）
func NewReplyBlock(req *Block, state ReplyState, result interface{}) *Block {
	return &Block{
		Type:        BlockReply,
		RequestID:   req.RequestID,
		ServiceName: req.ServiceName,
		CreatedAt:   now(),
		State:       state,
		Result:      result,
	}
}

// NewReplyErrorBlock 异常应答（终止帧）
func NewReplyErrorBlock(req *Block, errmsg string) *Block {
	return &Block{
		Type:        BlockReply,
		RequestID:   req.RequestID,
		ServiceName: req.ServiceName,
		CreatedAt:   now(),
		State:       ReplyError,
		Error:       errmsg,
	}
}

// NewStreamingBlock 流式数据帧
func NewStreamingBlock(req *Block, t BlockType, responseID string, content interface{}) *Block {
	return &Block{
		Type:        t,
		RequestID:   req.RequestID,
		ResponseID:  responseID,
		ServiceName: req.ServiceName,
		CreatedAt:   now(),
		Content:     content,
	}
}

// NewProgressBlock 进度帧
func NewProgressBlock(req *Block, responseID string, step, total int, message string) *Block {
	b := NewStreamingBlock(req, BlockProgress, responseID, nil)
	b.Step = step
	b.TotalSteps = total
	b.Message = message
	if total > 0 {
		b.Percentage = float64(step) / float64(total) * 100
	}
	return b
}

// NewStartBlock 流开始帧
func NewStartBlock(req *Block, responseID string) *Block {
	return NewStreamingBlock(req, BlockStart, responseID, nil)
}

// NewEndBlock 流正常结束（终止帧）
func NewEndBlock(req *Block, responseID string) *Block {
	b := NewStreamingBlock(req, BlockEnd, responseID, nil)
	b.CompletedAt = b.CreatedAt
	return b
}

// NewErrorBlock 流异常结束（终止帧）
func NewErrorBlock(req *Block, responseID string, errmsg string) *Block {
	b := NewStreamingBlock(req, BlockError, responseID, nil)
	b.Error = errmsg
	b.CompletedAt = b.CreatedAt
	return b
}

// NewHeartbeatBlock 心跳帧。group 非空时 router 会据此建立/刷新 worker 表项
func NewHeartbeatBlock(identity, group string) *Block {
	return &Block{
		Type:      BlockHeartbeat,
		CreatedAt: now(),
		Identity:  identity,
		Group:     group,
	}
}

// NewRegisterBlock 服务注册帧，携带方法元信息
func NewRegisterBlock(identity, group string, methods map[string]MethodInfo) *Block {
	return &Block{
		Type:      BlockRegister,
		CreatedAt: now(),
		Identity:  identity,
		Group:     group,
		Methods:   methods,
	}
}

// NewDisconnectBlock 主动下线帧
func NewDisconnectBlock(identity, group string) *Block {
	return &Block{
		Type:      BlockDisconnect,
		CreatedAt: now(),
		Identity:  identity,
		Group:     group,
	}
}

// Terminal 是否为终止帧，其后不会再有属于该 request_id 的帧
func (b *Block) Terminal() bool {
	switch b.Type {
	case BlockReply:
		return b.State == ReplySuccess || b.State == ReplyError
	case BlockError, BlockEnd:
		return true
	}
	return false
}

// Failed 终止帧是否表示调用失败
func (b *Block) Failed() bool {
	return b.Type == BlockError || (b.Type == BlockReply && b.State == ReplyError)
}

// Complete 打上完成时间戳
func (b *Block) Complete() *Block {
	b.CompletedAt = now()
	return b
}

func (b *Block) Set(key, value string) {
	if b.Header == nil {
		b.Header = make(Header)
	}
	b.Header.Set(key, value)
}

func (b *Block) Get(key string) string {
	if b.Header == nil {
		return ""
	}
	return b.Header.Get(key)
}

// Encode 序列化为 msgpack
func (b *Block) Encode() ([]byte, error) {
	if b.RequestID == "" && b.Type == BlockRequest {
		return nil, ErrNoRequestID
	}
	return msgpack.Marshal(b)
}

// DecodeBlock 反序列化
func DecodeBlock(raw []byte) (*Block, error) {
	var b *Block
	if err := msgpack.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return b, nil
}
