package rabbit

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second
	// Time a sender waits for room in the outgoing queue.
	sendWait = 5 * time.Second
)

type websocketTransport struct {
	conn        *websocket.Conn
	sendMsgs    chan []byte
	messages    chan []byte
	payloadType int
	closing     chan struct{}
	inSending   chan struct{}
	closeOnce   sync.Once
}

func newWebsocketTransport(conn *websocket.Conn, payloadType int) *websocketTransport {
	ep := &websocketTransport{
		conn:        conn,
		sendMsgs:    make(chan []byte, 16),
		messages:    make(chan []byte, 10),
		payloadType: payloadType,
		closing:     make(chan struct{}),
		inSending:   make(chan struct{}),
	}
	go ep.sending()
	go ep.run()
	return ep
}

// DialWebsocket connects to the websocket router at the specified url and
// returns the connection together with the serializer it negotiated.
func DialWebsocket(serialization Serialization, url string, tlscfg *tls.Config) (Transport, Serializer, error) {
	var protocol string
	var payloadType int
	switch serialization {
	case JSON:
		protocol, payloadType = jsonWebsocketProtocol, websocket.TextMessage
	case MSGPACK:
		protocol, payloadType = msgpackWebsocketProtocol, websocket.BinaryMessage
	default:
		return nil, nil, fmt.Errorf("unsupported serialization: %v", serialization)
	}
	serializer, err := NewSerializer(serialization)
	if err != nil {
		return nil, nil, err
	}
	dialer := websocket.Dialer{
		Subprotocols:    []string{protocol},
		TLSClientConfig: tlscfg,
	}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, nil, err
	}
	return newWebsocketTransport(conn, payloadType), serializer, nil
}

func (ep *websocketTransport) Send(frame []byte) error {
	select {
	case <-ep.closing:
		return ErrTransportClosed
	default:
	}
	select {
	case ep.sendMsgs <- frame:
		return nil
	case <-time.After(sendWait):
		ep.Close(CloseGoingAway, "send timeout")
		return ErrSendTimeout
	case <-ep.closing:
		return ErrTransportClosed
	}
}

func (ep *websocketTransport) Receive() <-chan []byte {
	return ep.messages
}

func (ep *websocketTransport) isClosed() bool {
	select {
	case <-ep.closing:
		return true
	default:
		return false
	}
}

func (ep *websocketTransport) Close(code int, reason string) error {
	var err error
	ep.closeOnce.Do(func() {
		close(ep.closing)
		// let queued frames, such as a GOODBYE, go out before the close frame
		<-ep.inSending

		closeMsg := websocket.FormatCloseMessage(code, reason)
		if werr := ep.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait)); werr != nil {
			log().Debug().Err(werr).Msg("error sending close message")
		}
		err = ep.conn.Close()
	})
	return err
}

func (ep *websocketTransport) run() {
	defer close(ep.messages)
	for {
		msgType, b, err := ep.conn.ReadMessage()
		if err != nil {
			if ep.isClosed() {
				log().Debug().Msg("peer connection closed")
			} else {
				log().Debug().Err(err).Msg("error reading from peer")
				// only expected errors seem to close the connection, so close on any unexpected errors
				ep.conn.Close()
			}
			return
		}
		if msgType != ep.payloadType {
			log().Warn().Int("frame", msgType).Int("expected", ep.payloadType).Msg("unexpected websocket frame type")
		}
		ep.messages <- b
	}
}

func (ep *websocketTransport) sending() {
	defer close(ep.inSending)
	for {
		select {
		case frame := <-ep.sendMsgs:
			if err := ep.write(frame); err != nil {
				return
			}
		case <-ep.closing:
			// sending remaining messages.
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

func (ep *websocketTransport) write(frame []byte) error {
	ep.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ep.conn.WriteMessage(ep.payloadType, frame); err != nil {
		log().Debug().Err(err).Msg("error writing message")
		ep.conn.Close()
		return err
	}
	return nil
}
