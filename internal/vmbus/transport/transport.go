// Package transport provides a network-backed implementation of the
// synic.SynicClient/synic.MessageSource boundary, wrapped with a circuit
// breaker so a wedged hypervisor connection degrades instead of retrying
// forever against a dead pipe.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vmbusgo/client/internal/vmbus/synic"
)

// Config configures a network-backed synic connection.
type Config struct {
	Addr string

	// BreakerMaxRequests caps how many trial requests pass through while
	// the breaker is half-open.
	BreakerMaxRequests uint32
	// BreakerInterval is how often the breaker's failure counters reset
	// while closed.
	BreakerInterval time.Duration
	// BreakerTimeout is how long the breaker stays open before allowing a
	// half-open trial.
	BreakerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BreakerMaxRequests == 0 {
		c.BreakerMaxRequests = 1
	}
	if c.BreakerInterval == 0 {
		c.BreakerInterval = 30 * time.Second
	}
	if c.BreakerTimeout == 0 {
		c.BreakerTimeout = 10 * time.Second
	}
	return c
}

// Client is a synic.SynicClient backed by a single TCP connection to a
// VMBus message-port proxy, guarded by a circuit breaker.
type Client struct {
	conn    net.Conn
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// Dial opens the network connection and wraps it with a circuit breaker
// configured from cfg.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", cfg.Addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        "vmbus-synic",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("vmbus: transport breaker state change", "breaker", name, "from", from, "to", to)
		},
	}
	return &Client{
		conn:    conn,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}, nil
}

// PostMessage writes a length-prefixed frame (connection id, synic message
// kind, body) to the wire, through the circuit breaker.
func (c *Client) PostMessage(ctx context.Context, connectionID uint32, messageType uint32, body []byte) error {
	_, err := c.breaker.Execute(func() (any, error) {
		if deadline, ok := ctx.Deadline(); ok {
			c.conn.SetWriteDeadline(deadline)
		} else {
			c.conn.SetWriteDeadline(time.Time{})
		}
		frame := make([]byte, 12+len(body))
		binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
		binary.LittleEndian.PutUint32(frame[4:8], connectionID)
		binary.LittleEndian.PutUint32(frame[8:12], messageType)
		copy(frame[12:], body)
		_, werr := c.conn.Write(frame)
		return nil, werr
	})
	if err != nil {
		return fmt.Errorf("transport: post_message: %w", err)
	}
	return nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// MessageSource reads length-prefixed frames back off the same connection.
type MessageSource struct {
	conn   net.Conn
	pause  chan struct{}
	resume chan struct{}
	paused bool
}

// NewMessageSource wraps conn as a synic.MessageSource.
func NewMessageSource(conn net.Conn) *MessageSource {
	return &MessageSource{conn: conn, pause: make(chan struct{}, 1), resume: make(chan struct{}, 1)}
}

func (s *MessageSource) Recv(ctx context.Context) (synic.Message, error) {
	select {
	case <-s.pause:
		<-s.resume
	default:
	}
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(deadline)
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}
	var lenBuf [4]byte
	if _, err := fullRead(s.conn, lenBuf[:]); err != nil {
		return synic.Message{}, synic.ErrClosed
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := fullRead(s.conn, body); err != nil {
		return synic.Message{}, synic.ErrClosed
	}
	return synic.Message{Data: body}, nil
}

func (s *MessageSource) Pause() {
	select {
	case s.pause <- struct{}{}:
	default:
	}
}

func (s *MessageSource) Resume() {
	select {
	case s.resume <- struct{}{}:
	default:
	}
}

func fullRead(conn net.Conn, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := conn.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}
