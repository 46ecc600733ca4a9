package zmesh

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"net"
	"time"

	"github.com/pborman/uuid"
)

var origin int64

func init() {
	start, err := time.ParseInLocation("2006-01-02 15:04:05", "2021-11-17 11:47:00", time.Local)
	if err != nil {
		panic(err)
	}
	origin = start.UnixNano() / int64(time.Millisecond)
}

// NewRequestID 生成 request id：毫秒时间戳前缀 + 随机 uuid 后缀
func NewRequestID() (id string) {
	ms := time.Now().UnixNano()/int64(time.Millisecond) - origin
	_uuid := uuid.NewRandom().Array()
	idPrefix := bytes.NewBuffer([]byte{})
	binary.Write(idPrefix, binary.BigEndian, ms)
	var _id [27]byte
	hex.Encode(_id[:], idPrefix.Bytes()[3:])
	_id[10] = '-'
	hex.Encode(_id[11:], _uuid[8:])
	return string(_id[:])
}

func getLocalIps() (ips []string, err error) {
	interfaceAddr, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}

	for _, address := range interfaceAddr {
		ipNet, isValidIpNet := address.(*net.IPNet)
		if isValidIpNet && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				ips = append(ips, ipNet.IP.String())
			}
		}
	}
	return
}
