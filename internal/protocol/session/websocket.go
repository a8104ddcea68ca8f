package session

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/viewhost/internal/protocol/frame"
	"github.com/gorilla/websocket"
)

// WSChannel carries one frame per binary websocket message. Registration
// happens as text messages before the channel is constructed.
type WSChannel struct {
	conn   *websocket.Conn
	limits frame.Limits

	writeTimeout time.Duration
	writeMu      sync.Mutex
	nextID       atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

func NewWSChannel(conn *websocket.Conn, cfg Config) *WSChannel {
	limits := frame.DefaultLimits()
	conn.SetReadLimit(int64(uint64(frame.FixedHeaderLen) + limits.MaxAuthBytes + limits.MaxPayloadBytes))
	return &WSChannel{
		conn:         conn,
		limits:       limits,
		writeTimeout: cfg.WithDefaults().WriteTimeout,
		done:         make(chan struct{}),
	}
}

func (c *WSChannel) Send(f frame.Frame) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	f.Header.MessageID = c.nextID.Add(1)
	buf, err := frame.Marshal(f, c.limits)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	// a websocket write deadline cannot be recovered; a timeout ends the channel
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *WSChannel) Recv() (frame.Frame, error) {
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return frame.Frame{}, ErrChannelClosed
			default:
			}
			_ = c.Close()
			return frame.Frame{}, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			return frame.Unmarshal(message, c.limits)
		default:
			// control text after registration is ignored
		}
	}
}

func (c *WSChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WSChannel) Done() <-chan struct{} {
	return c.done
}

func (c *WSChannel) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// WriteRegistrationWS sends the registration as a text message.
func WriteRegistrationWS(conn *websocket.Conn, reg Registration) error {
	payload, err := MarshalRegistration(reg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// ReadRegistrationWS reads the first text message as a registration.
func ReadRegistrationWS(conn *websocket.Conn) (Registration, error) {
	raw, err := readControlMessageWS(conn)
	if err != nil {
		return Registration{}, err
	}
	return UnmarshalRegistration(raw)
}

func WriteRegistrationAckWS(conn *websocket.Conn, ack RegistrationAck) error {
	payload, err := MarshalRegistrationAck(ack)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func ReadRegistrationAckWS(conn *websocket.Conn) (RegistrationAck, error) {
	raw, err := readControlMessageWS(conn)
	if err != nil {
		return RegistrationAck{}, err
	}
	return UnmarshalRegistrationAck(raw)
}

func readControlMessageWS(conn *websocket.Conn) ([]byte, error) {
	messageType, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if messageType != websocket.TextMessage {
		return nil, fmt.Errorf("%w: control message must be text", ErrInvalidRegistration)
	}
	return raw, nil
}
