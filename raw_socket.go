package rabbit

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	magic = 0x7f
)

const (
	rawSocketJSON    = 1
	rawSocketMsgpack = 2
)

// frame kinds in the low bits of the first header byte
const (
	rawSocketMessage = 0
	rawSocketPing    = 1
	rawSocketPong    = 2
)

type rawSocketTransport struct {
	conn      net.Conn
	sendMsgs  chan []byte
	messages  chan []byte
	maxLength int

	sendTimeout  time.Duration
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closing   chan struct{}
	inSending chan struct{}
	closeOnce sync.Once
}

func newRawSocketTransport(conn net.Conn, maxLength int) *rawSocketTransport {
	ep := &rawSocketTransport{
		conn:         conn,
		sendMsgs:     make(chan []byte, 16),
		messages:     make(chan []byte, 10),
		maxLength:    maxLength,
		sendTimeout:  sendWait,
		writeTimeout: writeWait,
		closing:      make(chan struct{}),
		inSending:    make(chan struct{}),
	}
	go ep.sending()
	return ep
}

func intToBytes(i int) [3]byte {
	return [3]byte{
		byte((i >> 16) & 0xff),
		byte((i >> 8) & 0xff),
		byte(i & 0xff),
	}
}

func bytesToInt(arr []byte) (val int) {
	shift := uint(8 * (len(arr) - 1))
	for _, b := range arr {
		val |= int(uint(b) << shift)
		shift -= 8
	}
	return
}

// lengths are specified as a 4-bit number and represent values between 2**9 and 2**24
func toLength(b byte) int {
	return 1 << (9 + int(b))
}

func (ep *rawSocketTransport) writeFrame(kind byte, b []byte) error {
	arr := intToBytes(len(b))
	ep.writeMu.Lock()
	defer ep.writeMu.Unlock()
	ep.conn.SetWriteDeadline(time.Now().Add(ep.writeTimeout))
	if _, err := ep.conn.Write([]byte{kind, arr[0], arr[1], arr[2]}); err != nil {
		return err
	}
	_, err := ep.conn.Write(b)
	return err
}

// Send queues frame for the sending goroutine. It waits at most sendTimeout
// for room in the queue and closes the transport when the peer stalls.
func (ep *rawSocketTransport) Send(frame []byte) error {
	if len(frame) > ep.maxLength {
		return fmt.Errorf("message too big: %d > %d", len(frame), ep.maxLength)
	}
	select {
	case <-ep.closing:
		return ErrTransportClosed
	default:
	}
	select {
	case ep.sendMsgs <- frame:
		return nil
	case <-time.After(ep.sendTimeout):
		ep.Close(CloseGoingAway, "send timeout")
		return ErrSendTimeout
	case <-ep.closing:
		return ErrTransportClosed
	}
}

func (ep *rawSocketTransport) isClosed() bool {
	select {
	case <-ep.closing:
		return true
	default:
		return false
	}
}

func (ep *rawSocketTransport) sending() {
	defer close(ep.inSending)
	for {
		select {
		case frame := <-ep.sendMsgs:
			if err := ep.write(frame); err != nil {
				return
			}
		case <-ep.closing:
			for {
				select {
				case frame := <-ep.sendMsgs:
					if err := ep.write(frame); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (ep *rawSocketTransport) write(frame []byte) error {
	if err := ep.writeFrame(rawSocketMessage, frame); err != nil {
		log().Debug().Err(err).Msg("error writing raw socket frame")
		ep.conn.Close()
		return err
	}
	return nil
}

func (ep *rawSocketTransport) Receive() <-chan []byte {
	return ep.messages
}

// raw sockets carry no close code; the connection is simply dropped
func (ep *rawSocketTransport) Close(code int, reason string) error {
	var err error
	ep.closeOnce.Do(func() {
		log().Debug().Int("code", code).Str("reason", reason).Msg("closing raw socket")
		close(ep.closing)
		// queued frames, such as a GOODBYE, go out first
		<-ep.inSending
		err = ep.conn.Close()
	})
	return err
}

func (ep *rawSocketTransport) handleMessages() {
	defer close(ep.messages)
	defer ep.Close(CloseNormal, "")
	for {
		var header [4]byte
		if _, err := io.ReadFull(ep.conn, header[:]); err != nil {
			return
		}

		length := bytesToInt(header[1:])
		if length > ep.maxLength {
			log().Warn().Int("length", length).Int("max", ep.maxLength).Msg("raw socket frame too long")
			return
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(ep.conn, buf); err != nil {
			return
		}
		switch header[0] & 0x7 {
		case rawSocketMessage:
			ep.messages <- buf
		case rawSocketPing:
			if err := ep.writeFrame(rawSocketPong, buf); err != nil {
				return
			}
		case rawSocketPong:
		}
	}
}

func (ep *rawSocketTransport) handshakeClient(serializer byte) error {
	const length = 0xf

	if _, err := ep.conn.Write([]byte{magic, length<<4 | serializer, 0, 0}); err != nil {
		return err
	}
	var buf [4]byte
	if _, err := io.ReadFull(ep.conn, buf[:]); err != nil {
		return err
	}
	if buf[0] != magic {
		return errors.New("unknown protocol: first byte received not the WAMP magic value")
	}
	if buf[1]&0xf == 0 {
		errCode := buf[1] >> 4
		switch errCode {
		case 0:
			return errors.New("serializer unsupported")
		case 1:
			return errors.New("maximum message length unsupported")
		case 2:
			return errors.New("use of reserved bits (unsupported feature)")
		case 3:
			return errors.New("maximum connection count reached")
		default:
			return fmt.Errorf("unknown error: %d", errCode)
		}
	}
	if buf[1]&0xf != serializer {
		return errors.New("serializer mismatch: server responded with different serializer than requested")
	}
	ep.maxLength = toLength(buf[1] >> 4)
	return nil
}

// DialRawSocket connects to a WAMP raw socket router over TCP.
func DialRawSocket(addr string, serialization Serialization) (Transport, Serializer, error) {
	var code byte
	switch serialization {
	case JSON:
		code = rawSocketJSON
	case MSGPACK:
		code = rawSocketMsgpack
	default:
		return nil, nil, fmt.Errorf("unsupported serialization: %v", serialization)
	}
	serializer, err := NewSerializer(serialization)
	if err != nil {
		return nil, nil, err
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	ep := newRawSocketTransport(conn, 0)
	if err := ep.handshakeClient(code); err != nil {
		ep.Close(CloseProtocolError, err.Error())
		return nil, nil, err
	}
	go ep.handleMessages()
	return ep, serializer, nil
}
