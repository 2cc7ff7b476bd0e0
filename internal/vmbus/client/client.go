// Package client implements the guest-side VMBus connection and channel
// engine: version negotiation, channel offer/rescind bookkeeping, GPADL
// lifecycle, and save/restore across a live-migration-style servicing
// event. The engine owns all of its mutable state on a single goroutine
// (the event loop); every other goroutine in this package only ever
// forwards requests into it or reads messages off the transport.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vmbusgo/client/internal/vmbus/codec"
	"github.com/vmbusgo/client/internal/vmbus/protocol"
	"github.com/vmbusgo/client/internal/vmbus/synic"
)

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the default no-op logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithFatalHandler overrides what happens on a host-contract violation.
// Tests use this to observe the condition instead of crashing the process.
func WithFatalHandler(h FatalHandler) Option {
	return func(c *Client) { c.fatal = h }
}

// WithNotificationSink registers the sink that learns about offers,
// revokes, and hvsock connect results. Without one, offers are still
// tracked internally (needed for restore/inspect) but never announced.
func WithNotificationSink(sink NotificationSink) Option {
	return func(c *Client) { c.notify = sink }
}

// WithClientID fixes the Guid sent in InitiateContact2 at Copper and
// above. Without one, a random v4 Guid is not generated automatically —
// callers that care about stable identity across restarts must supply it.
func WithClientID(id protocol.Guid) Option {
	return func(c *Client) { c.clientID = id }
}

// Client is the guest-side VMBus connection and channel engine described by
// ClientFacade in the design notes. A single Client instance owns exactly
// one synic connection.
type Client struct {
	synic  synic.SynicClient
	source synic.MessageSource
	logger *slog.Logger
	fatal  FatalHandler
	notify NotificationSink

	// lifecycleReq carries Stop/Save/Restore/Resume and stays live even
	// while the pump is quiesced; facadeReq and channelReq are only
	// serviced while running.
	lifecycleReq chan lifecycleRequest
	facadeReq    chan facadeRequest
	channelReq   chan channelEnvelope
	inbound      chan inboundMessage

	loopDone  chan struct{}
	resumed   chan struct{}
	startOnce sync.Once

	// --- fields below are owned exclusively by run(), never touched from
	// any other goroutine ---

	connState       connectionState
	version         protocol.VersionInfo
	clientID        protocol.Guid
	targetMessageVP uint32
	monitorPages    protocol.MonitorPageGpas
	attempt         *connectAttempt

	channels map[protocol.ChannelID]*channelRecord
	gpadls   map[protocol.GpadlID]*gpadlRecord

	connectResp       chan connectResult
	requestOffersResp chan requestOffersResult
	pendingOffers     []*OfferInfo
	unloadResp        chan struct{}
	modifyResp        chan error

	// teardownGpadls tracks every gpadl teardown in flight, keyed by id. A
	// nil value means the teardown was initiated implicitly by a channel
	// rescind, so the eventual GpadlTorndown for that id must be
	// swallowed rather than completing a caller reply.
	teardownGpadls map[protocol.GpadlID]*protocol.ChannelID

	paused      bool
	stopping    bool
	quiesceResp chan struct{}
}

// inboundMessage carries one received item off the wire: either the raw
// bytes of one message or the error (short read, source closed) that ended
// the receive. readLoop fills in data or err only; msg is set by parsing,
// which happens on the event loop goroutine (see handleInbound), not in
// readLoop, because deciding whether a message kind is legal requires the
// negotiated protocol version, which only the event loop owns.
type inboundMessage struct {
	data []byte
	msg  protocol.Message
	err  error
}

type channelEnvelope struct {
	id  protocol.ChannelID
	req ChannelRequest
}

// New constructs a Client bound to the given synic transport and message
// source. The Client does nothing until Start is called.
func New(s synic.SynicClient, src synic.MessageSource, opts ...Option) *Client {
	c := &Client{
		synic:          s,
		source:         src,
		logger:         slog.Default(),
		fatal:          defaultFatalHandler,
		lifecycleReq:   make(chan lifecycleRequest),
		facadeReq:      make(chan facadeRequest),
		channelReq:     make(chan channelEnvelope, 16),
		inbound:        make(chan inboundMessage, 16),
		loopDone:       make(chan struct{}),
		resumed:        make(chan struct{}, 1),
		channels:       make(map[protocol.ChannelID]*channelRecord),
		gpadls:         make(map[protocol.GpadlID]*gpadlRecord),
		teardownGpadls: make(map[protocol.GpadlID]*protocol.ChannelID),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the event loop and the transport reader goroutine on its
// first call. Start is also the operation that resumes a pump quiesced by
// Stop: once the loop is already running, a later Start call is
// equivalent to Resume instead of spawning a second loop.
func (c *Client) Start(ctx context.Context) {
	first := false
	c.startOnce.Do(func() {
		first = true
		go c.readLoop(ctx)
		go c.run(ctx)
	})
	if !first {
		_ = c.Resume(ctx)
	}
}

// Stop quiesces the client: it pauses the message source, lets the event
// loop drain it to EOF, and returns once that drain is complete. The event
// loop itself keeps running, servicing only Stop/Save/Restore/Resume until
// Resume (or a later Start) un-quiesces it. A MessageSource
// closing while Stop has not been called is a fatal host-contract
// violation; closing it in response to Stop is the normal shutdown path.
func (c *Client) Stop(ctx context.Context) {
	resp := make(chan struct{})
	select {
	case c.lifecycleReq <- lifecycleRequest{stop: &stopRequest{resp: resp}}:
	case <-ctx.Done():
		return
	case <-c.loopDone:
		return
	}
	select {
	case <-resp:
	case <-ctx.Done():
	case <-c.loopDone:
	}
}

// Done returns a channel closed once the event loop has exited.
func (c *Client) Done() <-chan struct{} { return c.loopDone }

func (c *Client) readLoop(ctx context.Context) {
	for {
		msg, err := c.source.Recv(ctx)
		if err != nil {
			select {
			case c.inbound <- inboundMessage{err: err}:
			case <-ctx.Done():
				return
			}
			if err == synic.ErrClosed {
				// The source has drained to EOF, normally because Stop
				// paused it. Block here rather than hammering Recv on a
				// closed source; Resume re-arms the loop.
				select {
				case <-c.resumed:
					continue
				case <-ctx.Done():
					return
				}
			}
			continue
		}
		select {
		case c.inbound <- inboundMessage{data: msg.Data}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) postMessage(ctx context.Context, m protocol.Message) {
	body := codec.Serialize(m)
	if err := c.synic.PostMessage(ctx, protocol.VmbusMessageRedirectConnectionID, protocol.VmbusMessageKind, body); err != nil {
		c.logger.Warn("vmbus: post_message failed", "message_type", m.MessageType(), "error", err)
	}
}

func (c *Client) fatalf(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	c.logger.Error("vmbus: fatal host-contract violation", "reason", reason)
	c.fatal(reason)
}
