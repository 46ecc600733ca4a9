package zmesh

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	"github.com/pborman/uuid"
	zmq "github.com/pebbe/zmq4"
)

var chanCap = func() int {
	if runtime.GOMAXPROCS(0) == 1 {
		return 0
	}
	return 1
}()

type socMode int

const (
	// Frontend 绑定本地端点，等待对端接入（router 侧）
	Frontend socMode = iota + 1
	// Backend 主动连接远端端点（dealer/client 侧）
	Backend
)

type command string

const (
	_CLOSE      = command("close")
	_CONNECT    = command("connect")
	_DISCONNECT = command("disconnect")
)

// Socket 对 zmq socket 的封装。
// 	zmq socket 非线程安全，所有读写都收敛到 mainLoop 一个 goroutine 上，
// 	外部通过 Send()/Recv() 通道交互，通过命令管道 connect/disconnect/close。
type Socket struct {
	id          string
	identity    string
	soctype     zmq.Type
	socket      *zmq.Socket
	endpoint    string
	endpoints   map[string]struct{}
	recvChan    chan [][]byte
	sendChan    chan [][]byte
	commandChan chan string
	errChan     chan error
	logger      Logger

	lock    sync.Mutex
	isClose bool
	mode    socMode
}

// NewSocket 创建 socket 并启动内部循环。
// 	Frontend 模式下 Bind endpoint；Backend 模式下通过 Connect() 建立连接。
func NewSocket(identity string, t zmq.Type, mode socMode, endpoint string, logger Logger) (*Socket, error) {
	soc, err := zmq.NewSocket(t)
	if err != nil {
		return nil, err
	}
	if err := soc.SetIdentity(identity); err != nil {
		soc.Close()
		return nil, err
	}
	if mode == Frontend {
		if err := soc.Bind(endpoint); err != nil {
			soc.Close()
			return nil, err
		}
	}
	if logger == nil {
		logger = DefaultLogger
	}

	s := &Socket{
		id:          uuid.NewRandom().String(),
		identity:    identity,
		soctype:     t,
		mode:        mode,
		socket:      soc,
		endpoint:    endpoint,
		endpoints:   make(map[string]struct{}),
		recvChan:    make(chan [][]byte, chanCap),
		sendChan:    make(chan [][]byte, chanCap),
		commandChan: make(chan string),
		errChan:     make(chan error, 1),
		logger:      logger,
	}
	go s.mainLoop()
	go s.sendLoop()
	go func() {
		for err := range s.errChan {
			s.logger.Warnf("zmesh: socket %s: %v", s.endpoint, err)
		}
	}()
	return s, nil
}

func (s *Socket) Identity() string { return s.identity }

func (s *Socket) mainLoop() {
	// 接收待发送消息的本地管道
	localPull, err := zmq.NewSocket(zmq.PULL)
	if err != nil {
		s.errChan <- err
		return
	}
	if err := localPull.Connect(fmt.Sprintf("inproc://local_pull_%s", s.id)); err != nil {
		s.errChan <- err
		return
	}
	defer localPull.Close()

	// pipe 用于接收指令
	pipe, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		s.errChan <- err
		return
	}
	if err := pipe.Connect(fmt.Sprintf("inproc://local_pipe_%s", s.id)); err != nil {
		s.errChan <- err
		return
	}
	defer pipe.Close()

	poller := zmq.NewPoller()
	poller.Add(s.socket, zmq.POLLIN)
	poller.Add(localPull, zmq.POLLIN)
	poller.Add(pipe, zmq.POLLIN)
	for {
		polls, err := poller.Poll(-1)
		if err != nil {
			s.errChan <- err
			continue
		}

		for _, p := range polls {
			switch soc := p.Socket; soc {
			case pipe:
				cmd, err := pipe.RecvMessage(0)
				if err != nil {
					s.errChan <- err
					return
				}
				switch command(cmd[0]) {
				case _CLOSE:
					if s.mode == Backend {
						for endpoint := range s.endpoints {
							s.socket.Disconnect(endpoint)
						}
					}
					pipe.SendMessage("ok")
					s.socket.Close()
					return
				case _DISCONNECT:
					if s.mode == Backend {
						if err := s.socket.Disconnect(cmd[1]); err != nil {
							s.errChan <- err
						}
					}
					pipe.SendMessage("ok")
				case _CONNECT:
					if s.mode == Backend {
						if err := s.socket.Connect(cmd[1]); err != nil {
							s.errChan <- err
						}
					}
					pipe.SendMessage("ok")
				}
			case localPull:
				msg, err := localPull.RecvMessageBytes(0)
				if err != nil {
					s.errChan <- err
					continue
				}
				if _, err = s.socket.SendMessage(msg); err != nil {
					s.errChan <- err
					continue
				}
			case s.socket:
				msg, err := s.socket.RecvMessageBytes(0)
				if err != nil {
					s.errChan <- err
					continue
				}
				s.recvChan <- msg
			}
		}
	}
}

func (s *Socket) sendLoop() {
	localPush, err := zmq.NewSocket(zmq.PUSH)
	if err != nil {
		s.errChan <- err
		return
	}
	if err := localPush.Bind(fmt.Sprintf("inproc://local_pull_%s", s.id)); err != nil {
		s.errChan <- err
		return
	}
	defer localPush.Close()

	pipe, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		s.errChan <- err
		return
	}
	if err := pipe.Bind(fmt.Sprintf("inproc://local_pipe_%s", s.id)); err != nil {
		s.errChan <- err
		return
	}
	defer pipe.Close()

	for {
		select {
		case str := <-s.commandChan:
			array := strings.Split(str, " ")
			switch command(array[0]) {
			case _CLOSE:
				if _, err := pipe.SendMessage(array[0]); err != nil {
					s.errChan <- err
				}
				return
			default:
				if _, err := pipe.SendMessage(array); err != nil {
					s.errChan <- err
				}
				if _, err := pipe.RecvMessage(0); err != nil {
					s.errChan <- err
				}
			}
		case msg := <-s.sendChan:
			if _, err := localPush.SendMessage(msg); err != nil {
				s.errChan <- err
			}
		}
	}
}

func (s *Socket) Recv() <-chan [][]byte {
	return s.recvChan
}

func (s *Socket) Send() chan<- [][]byte {
	return s.sendChan
}

// Connect 连接到端点 endpoint（仅 Backend）
func (s *Socket) Connect(endpoint string) {
	if s.mode != Backend {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	s.endpoints[endpoint] = struct{}{}
	s.commandChan <- fmt.Sprintf("%s %s", _CONNECT, endpoint)
}

// Disconnect 断开到端点 endpoint 的连接（仅 Backend）
func (s *Socket) Disconnect(endpoint string) {
	if s.mode != Backend {
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.endpoints[endpoint]; ok {
		delete(s.endpoints, endpoint)
		s.commandChan <- fmt.Sprintf("%s %s", _DISCONNECT, endpoint)
	}
}

// Close 关闭 socket
func (s *Socket) Close() {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.isClose {
		return
	}
	s.isClose = true
	s.commandChan <- string(_CLOSE)
}
