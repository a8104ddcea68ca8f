package session

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/viewhost/internal/protocol/frame"
)

var ErrChannelClosed = errors.New("session: channel closed")

// Channel is an ordered point-to-point frame transport for one guest
// connection. Send is safe for concurrent use; Recv must be driven by a single
// reader goroutine.
type Channel interface {
	Send(f frame.Frame) error
	Recv() (frame.Frame, error)
	Close() error
	Done() <-chan struct{}
	RemoteAddr() string
}

// StreamChannel frames messages over a net.Conn. It takes over the reader used
// for the registration handshake so buffered bytes are not lost.
type StreamChannel struct {
	conn   net.Conn
	reader *bufio.Reader
	limits frame.Limits

	writeTimeout time.Duration
	writeMu      sync.Mutex
	nextID       atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
}

func NewStreamChannel(conn net.Conn, reader *bufio.Reader, cfg Config) *StreamChannel {
	if reader == nil {
		reader = bufio.NewReader(conn)
	}
	return &StreamChannel{
		conn:         conn,
		reader:       reader,
		limits:       frame.DefaultLimits(),
		writeTimeout: cfg.WithDefaults().WriteTimeout,
		done:         make(chan struct{}),
	}
}

func (c *StreamChannel) Send(f frame.Frame) error {
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
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if _, err := c.conn.Write(buf); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *StreamChannel) Recv() (frame.Frame, error) {
	f, err := frame.ReadFrame(c.reader, c.limits)
	if err != nil {
		select {
		case <-c.done:
			return frame.Frame{}, ErrChannelClosed
		default:
		}
		_ = c.Close()
		return frame.Frame{}, err
	}
	return f, nil
}

func (c *StreamChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *StreamChannel) Done() <-chan struct{} {
	return c.done
}

func (c *StreamChannel) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Heartbeat writes ping frames until the channel closes. A failed write closes
// the channel, which is how half-open peers are detected.
func Heartbeat(ch Channel, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ch.Done():
			return
		case <-ticker.C:
			if err := ch.Send(PingFrame()); err != nil {
				return
			}
		}
	}
}
