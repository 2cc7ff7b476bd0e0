package client

import (
	"context"
	"encoding/binary"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vmbusgo/client/internal/vmbus/codec"
	"github.com/vmbusgo/client/internal/vmbus/protocol"
	"github.com/vmbusgo/client/internal/vmbus/synic"
)

// fakeSource implements synic.MessageSource over a buffered channel of
// already-framed wire bytes, mirroring the original test harness's
// synchronous TestMessageSource. Pause honors the drain-to-EOF contract:
// messages already enqueued are still delivered, then Recv reports
// ErrClosed until Resume.
type fakeSource struct {
	mu     sync.Mutex
	ch     chan []byte
	paused bool
}

func newFakeSource() *fakeSource { return &fakeSource{ch: make(chan []byte, 64)} }

func (s *fakeSource) pushRaw(b []byte) { s.ch <- b }

func (s *fakeSource) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *fakeSource) Recv(ctx context.Context) (synic.Message, error) {
	for {
		select {
		case b := <-s.ch:
			return synic.Message{Data: b}, nil
		default:
		}
		if s.isPaused() {
			return synic.Message{}, synic.ErrClosed
		}
		select {
		case b := <-s.ch:
			return synic.Message{Data: b}, nil
		case <-ctx.Done():
			return synic.Message{}, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (s *fakeSource) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *fakeSource) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

type hvsockResult struct {
	serviceID, endpointID protocol.Guid
	status                int32
}

type fakeSink struct {
	mu      sync.Mutex
	offers  []*OfferInfo
	revokes []protocol.ChannelID
	hvsocks []hvsockResult
}

func (s *fakeSink) Offer(info *OfferInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, info)
}

func (s *fakeSink) Revoke(id protocol.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokes = append(s.revokes, id)
}

func (s *fakeSink) HvsockConnectResult(serviceID, endpointID protocol.Guid, status int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hvsocks = append(s.hvsocks, hvsockResult{serviceID: serviceID, endpointID: endpointID, status: status})
}

func (s *fakeSink) hvsockCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hvsocks)
}

func (s *fakeSink) offerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers)
}

func (s *fakeSink) revokeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.revokes)
}

func (s *fakeSink) firstOffer() *OfferInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.offers) == 0 {
		return nil
	}
	return s.offers[0]
}

// testSynic posts every outbound message straight to a caller-supplied
// server function and feeds any replies back into the fake source,
// synchronously, exactly as the original Rust TestServer drives its
// in-process client under test. Every post must use the fixed redirect
// connection id and message kind 1; the message type discriminator lives
// in the payload's own header.
type testSynic struct {
	t      *testing.T
	src    *fakeSource
	server func(mt protocol.MessageType, body []byte) []protocol.Message
}

func (ts *testSynic) PostMessage(ctx context.Context, connectionID uint32, kind uint32, body []byte) error {
	if connectionID != protocol.VmbusMessageRedirectConnectionID {
		ts.t.Errorf("post_message connection id = %d, want %d", connectionID, protocol.VmbusMessageRedirectConnectionID)
	}
	if kind != protocol.VmbusMessageKind {
		ts.t.Errorf("post_message kind = %d, want %d", kind, protocol.VmbusMessageKind)
	}
	if len(body) < 8 {
		ts.t.Errorf("post_message body shorter than the message header: %d bytes", len(body))
		return nil
	}
	mt := protocol.MessageType(binary.LittleEndian.Uint32(body[0:4]))
	for _, reply := range ts.server(mt, body[8:]) {
		ts.src.pushRaw(codec.Serialize(reply))
	}
	return nil
}

func setupClient(t *testing.T, server func(mt protocol.MessageType, body []byte) []protocol.Message) (*Client, *fakeSource, *fakeSink) {
	t.Helper()
	src := newFakeSource()
	ts := &testSynic{t: t, src: src, server: server}
	sink := &fakeSink{}
	c := New(ts, src, WithNotificationSink(sink), WithFatalHandler(func(reason string) {
		t.Fatalf("fatal: %s", reason)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	return c, src, sink
}

func copperVersionServer(featureFlags uint32) func(protocol.MessageType, []byte) []protocol.Message {
	return func(mt protocol.MessageType, body []byte) []protocol.Message {
		switch mt {
		case protocol.MessageTypeInitiateContact2, protocol.MessageTypeInitiateContact:
			return []protocol.Message{protocol.VersionResponse2{
				VersionResponse: protocol.VersionResponse{
					VersionSupported: 1,
					ConnectionState:  protocol.ConnectionStateSuccessful,
				},
				SupportedFeatures: featureFlags,
			}}
		case protocol.MessageTypeRequestOffers:
			return []protocol.Message{protocol.AllOffersDelivered{}}
		}
		return nil
	}
}

func TestConnectCopperSuccess(t *testing.T) {
	c, _, _ := setupClient(t, copperVersionServer(uint32(protocol.FeatureFlagsAll)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.Version != protocol.VersionCopper {
		t.Fatalf("expected Copper, got %v", info.Version)
	}
	if !info.FeatureFlags.Has(protocol.FeatureModifyConnection) {
		t.Fatalf("expected modify-connection feature negotiated")
	}
}

func TestConnectDowngradeToIron(t *testing.T) {
	calls := 0
	server := func(mt protocol.MessageType, body []byte) []protocol.Message {
		switch mt {
		case protocol.MessageTypeInitiateContact2:
			calls++
			return []protocol.Message{protocol.VersionResponse{VersionSupported: 0}}
		case protocol.MessageTypeInitiateContact:
			calls++
			return []protocol.Message{protocol.VersionResponse{
				VersionSupported: 1,
				ConnectionState:  protocol.ConnectionStateSuccessful,
			}}
		}
		return nil
	}
	c, _, _ := setupClient(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if info.Version != protocol.VersionIron {
		t.Fatalf("expected downgrade to Iron, got %v", info.Version)
	}
	if calls != 2 {
		t.Fatalf("expected 2 negotiation rounds, got %d", calls)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for condition")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOfferAndRescind(t *testing.T) {
	c, src, sink := setupClient(t, copperVersionServer(uint32(protocol.FeatureFlagsAll)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.RequestOffers(ctx); err != nil {
		t.Fatalf("RequestOffers: %v", err)
	}

	chID := protocol.ChannelID(7)
	src.pushRaw(codec.Serialize(protocol.OfferChannel{
		InterfaceID: uuid.New(),
		InstanceID:  uuid.New(),
		ChannelID:   chID,
	}))
	waitFor(t, time.Second, func() bool { return sink.offerCount() == 1 })

	src.pushRaw(codec.Serialize(protocol.RescindChannelOffer{ChannelID: chID}))
	waitFor(t, time.Second, func() bool { return sink.revokeCount() == 1 })
}

func TestRequestOffersReturnsCollectedOffers(t *testing.T) {
	var chID protocol.ChannelID = 9
	server := func(mt protocol.MessageType, body []byte) []protocol.Message {
		switch mt {
		case protocol.MessageTypeInitiateContact2, protocol.MessageTypeInitiateContact:
			return []protocol.Message{protocol.VersionResponse2{
				VersionResponse:   protocol.VersionResponse{VersionSupported: 1, ConnectionState: protocol.ConnectionStateSuccessful},
				SupportedFeatures: uint32(protocol.FeatureFlagsAll),
			}}
		case protocol.MessageTypeRequestOffers:
			return []protocol.Message{
				protocol.OfferChannel{InterfaceID: uuid.New(), InstanceID: uuid.New(), ChannelID: chID},
				protocol.AllOffersDelivered{},
			}
		}
		return nil
	}
	c, _, sink := setupClient(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	offers, err := c.RequestOffers(ctx)
	if err != nil {
		t.Fatalf("RequestOffers: %v", err)
	}
	if len(offers) != 1 || offers[0].Offer.ChannelID != chID {
		t.Fatalf("expected one offer for channel %v, got %+v", chID, offers)
	}
	// The offer delivered during the RequestOffers round must not also be
	// announced as a hot-add through the notification sink.
	if sink.offerCount() != 0 {
		t.Fatalf("expected offer not to be announced via notify, got %d", sink.offerCount())
	}

	// A second RequestOffers round must still succeed: AllOffersDelivered
	// reverts the connection to Connected, not a terminal state.
	if _, err := c.RequestOffers(ctx); err != nil {
		t.Fatalf("second RequestOffers: %v", err)
	}
}

func TestGpadlLifecycle(t *testing.T) {
	server := func(mt protocol.MessageType, body []byte) []protocol.Message {
		switch mt {
		case protocol.MessageTypeInitiateContact2, protocol.MessageTypeInitiateContact:
			return []protocol.Message{protocol.VersionResponse2{
				VersionResponse:   protocol.VersionResponse{VersionSupported: 1, ConnectionState: protocol.ConnectionStateSuccessful},
				SupportedFeatures: uint32(protocol.FeatureFlagsAll),
			}}
		case protocol.MessageTypeRequestOffers:
			return []protocol.Message{protocol.AllOffersDelivered{}}
		case protocol.MessageTypeGpadlHeader:
			return []protocol.Message{protocol.GpadlCreated{ChannelID: 7, GpadlID: 1, Status: protocol.StatusSuccess}}
		case protocol.MessageTypeGpadlTeardown:
			return []protocol.Message{protocol.GpadlTorndown{GpadlID: 1}}
		}
		return nil
	}
	c, src, sink := setupClient(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.RequestOffers(ctx); err != nil {
		t.Fatalf("RequestOffers: %v", err)
	}
	src.pushRaw(codec.Serialize(protocol.OfferChannel{ChannelID: 7, InterfaceID: uuid.New(), InstanceID: uuid.New()}))
	waitFor(t, time.Second, func() bool { return sink.offerCount() == 1 })

	offer := sink.firstOffer()
	if err := offer.CreateGpadl(ctx, 1, 2, []uint64{0x1000, 0x2000}); err != nil {
		t.Fatalf("CreateGpadl: %v", err)
	}
	if err := offer.TeardownGpadl(ctx, 1); err != nil {
		t.Fatalf("TeardownGpadl: %v", err)
	}
}

// TestRescindSwallowsImplicitGpadlTorndown covers the implicit-teardown
// bookkeeping path: a GPADL torn down implicitly by a channel rescind must
// have its eventual GpadlTorndown consumed silently, not logged as an
// unknown gpadl.
func TestRescindSwallowsImplicitGpadlTorndown(t *testing.T) {
	server := func(mt protocol.MessageType, body []byte) []protocol.Message {
		switch mt {
		case protocol.MessageTypeInitiateContact2, protocol.MessageTypeInitiateContact:
			return []protocol.Message{protocol.VersionResponse2{
				VersionResponse:   protocol.VersionResponse{VersionSupported: 1, ConnectionState: protocol.ConnectionStateSuccessful},
				SupportedFeatures: uint32(protocol.FeatureFlagsAll),
			}}
		case protocol.MessageTypeRequestOffers:
			return []protocol.Message{protocol.AllOffersDelivered{}}
		case protocol.MessageTypeGpadlHeader:
			return []protocol.Message{protocol.GpadlCreated{ChannelID: 7, GpadlID: 1, Status: protocol.StatusSuccess}}
		case protocol.MessageTypeGpadlTeardown:
			// Mirrors a real host: it always eventually answers a teardown,
			// even one issued implicitly as part of rescinding the owning
			// channel.
			return []protocol.Message{protocol.GpadlTorndown{GpadlID: 1}}
		case protocol.MessageTypeUnload:
			return []protocol.Message{protocol.UnloadComplete{}}
		}
		return nil
	}
	c, src, sink := setupClient(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.RequestOffers(ctx); err != nil {
		t.Fatalf("RequestOffers: %v", err)
	}
	src.pushRaw(codec.Serialize(protocol.OfferChannel{ChannelID: 7, InterfaceID: uuid.New(), InstanceID: uuid.New()}))
	waitFor(t, time.Second, func() bool { return sink.offerCount() == 1 })

	offer := sink.firstOffer()
	if err := offer.CreateGpadl(ctx, 1, 1, []uint64{0x1000}); err != nil {
		t.Fatalf("CreateGpadl: %v", err)
	}

	src.pushRaw(codec.Serialize(protocol.RescindChannelOffer{ChannelID: 7}))
	waitFor(t, time.Second, func() bool { return sink.revokeCount() == 1 })

	// The host's GpadlTorndown triggered by the implicit teardown above
	// must be swallowed without tripping the fatal handler or wedging the
	// event loop; Unload completing cleanly demonstrates both.
	if err := c.Unload(ctx); err != nil {
		t.Fatalf("Unload: %v", err)
	}
}

// TestReleaseWhileOpenSynthesizesClose covers device removal: dropping an
// OfferInfo handle while its channel is Opened must synthesize a
// CloseChannel to the host.
func TestReleaseWhileOpenSynthesizesClose(t *testing.T) {
	var closeSeen sync.WaitGroup
	closeSeen.Add(1)
	var closeOnce sync.Once
	server := func(mt protocol.MessageType, body []byte) []protocol.Message {
		switch mt {
		case protocol.MessageTypeInitiateContact2, protocol.MessageTypeInitiateContact:
			return []protocol.Message{protocol.VersionResponse2{
				VersionResponse:   protocol.VersionResponse{VersionSupported: 1, ConnectionState: protocol.ConnectionStateSuccessful},
				SupportedFeatures: uint32(protocol.FeatureFlagsAll),
			}}
		case protocol.MessageTypeRequestOffers:
			return []protocol.Message{protocol.AllOffersDelivered{}}
		case protocol.MessageTypeOpenChannel2:
			return []protocol.Message{protocol.OpenResult{ChannelID: 4, Status: protocol.StatusSuccess}}
		case protocol.MessageTypeCloseChannel:
			closeOnce.Do(closeSeen.Done)
		}
		return nil
	}
	c, src, sink := setupClient(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.RequestOffers(ctx); err != nil {
		t.Fatalf("RequestOffers: %v", err)
	}
	src.pushRaw(codec.Serialize(protocol.OfferChannel{ChannelID: 4, InterfaceID: uuid.New(), InstanceID: uuid.New()}))
	waitFor(t, time.Second, func() bool { return sink.offerCount() == 1 })

	offer := sink.firstOffer()
	if err := offer.Open(ctx, OpenParams{}); err != nil {
		t.Fatalf("Open: %v", err)
	}

	offer.Release()

	done := make(chan struct{})
	go func() { closeSeen.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for synthesized CloseChannel")
	}
}

func TestModifyConnectionRejectedWithoutFeature(t *testing.T) {
	c, _, _ := setupClient(t, copperVersionServer(0))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := c.ModifyConnection(ctx, protocol.MonitorPageGpas{ParentToChild: 1, ChildToParent: 2})
	if err == nil {
		t.Fatal("expected ModifyConnection to be rejected without the negotiated feature")
	}
}

// TestOpenFallsBackWithoutSignalFeatures covers the legacy open path: with
// neither guest-specified-signal nor interrupt-redirection negotiated, the
// client must send plain OpenChannel, and only with the event flag pinned
// to the channel id.
func TestOpenFallsBackWithoutSignalFeatures(t *testing.T) {
	var openType protocol.MessageType
	var mu sync.Mutex
	server := func(mt protocol.MessageType, body []byte) []protocol.Message {
		switch mt {
		case protocol.MessageTypeInitiateContact2, protocol.MessageTypeInitiateContact:
			return []protocol.Message{protocol.VersionResponse2{
				VersionResponse: protocol.VersionResponse{VersionSupported: 1, ConnectionState: protocol.ConnectionStateSuccessful},
			}}
		case protocol.MessageTypeRequestOffers:
			return []protocol.Message{protocol.AllOffersDelivered{}}
		case protocol.MessageTypeOpenChannel, protocol.MessageTypeOpenChannel2:
			mu.Lock()
			openType = mt
			mu.Unlock()
			return []protocol.Message{protocol.OpenResult{ChannelID: 3, Status: protocol.StatusSuccess}}
		}
		return nil
	}
	c, src, sink := setupClient(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.RequestOffers(ctx); err != nil {
		t.Fatalf("RequestOffers: %v", err)
	}
	src.pushRaw(codec.Serialize(protocol.OfferChannel{ChannelID: 3, InterfaceID: uuid.New(), InstanceID: uuid.New()}))
	waitFor(t, time.Second, func() bool { return sink.offerCount() == 1 })

	offer := sink.firstOffer()
	if err := offer.Open(ctx, OpenParams{EventFlag: 3}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if openType != protocol.MessageTypeOpenChannel {
		t.Fatalf("expected plain OpenChannel without signal features, got %v", openType)
	}
}

// TestOpenEventFlagMismatchIsFatal covers the host-contract violation:
// asking for a guest-specified event flag the host never agreed to honor.
func TestOpenEventFlagMismatchIsFatal(t *testing.T) {
	src := newFakeSource()
	ts := &testSynic{t: t, src: src}
	ts.server = func(mt protocol.MessageType, body []byte) []protocol.Message {
		switch mt {
		case protocol.MessageTypeInitiateContact2, protocol.MessageTypeInitiateContact:
			return []protocol.Message{protocol.VersionResponse2{
				VersionResponse: protocol.VersionResponse{VersionSupported: 1, ConnectionState: protocol.ConnectionStateSuccessful},
			}}
		case protocol.MessageTypeRequestOffers:
			return []protocol.Message{protocol.AllOffersDelivered{}}
		}
		return nil
	}
	sink := &fakeSink{}
	fatals := make(chan string, 1)
	c := New(ts, src, WithNotificationSink(sink), WithFatalHandler(func(reason string) {
		select {
		case fatals <- reason:
		default:
		}
	}))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)

	callCtx, callCancel := context.WithTimeout(ctx, 2*time.Second)
	defer callCancel()
	if _, err := c.Connect(callCtx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if _, err := c.RequestOffers(callCtx); err != nil {
		t.Fatalf("RequestOffers: %v", err)
	}
	src.pushRaw(codec.Serialize(protocol.OfferChannel{ChannelID: 6, InterfaceID: uuid.New(), InstanceID: uuid.New()}))
	waitFor(t, time.Second, func() bool { return sink.offerCount() == 1 })

	offer := sink.firstOffer()
	openCtx, openCancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer openCancel()
	// The open never completes; the fatal handler firing is the outcome
	// under test.
	_ = offer.Open(openCtx, OpenParams{EventFlag: 99})

	select {
	case <-fatals:
	case <-time.After(time.Second):
		t.Fatal("expected a fatal host-contract violation for the event flag mismatch")
	}
}

func TestHvsockConnectResultNotification(t *testing.T) {
	serviceID := uuid.New()
	endpointID := uuid.New()
	server := func(mt protocol.MessageType, body []byte) []protocol.Message {
		switch mt {
		case protocol.MessageTypeInitiateContact2, protocol.MessageTypeInitiateContact:
			return []protocol.Message{protocol.VersionResponse2{
				VersionResponse:   protocol.VersionResponse{VersionSupported: 1, ConnectionState: protocol.ConnectionStateSuccessful},
				SupportedFeatures: uint32(protocol.FeatureFlagsAll),
			}}
		case protocol.MessageTypeTlConnectRequest2:
			return []protocol.Message{protocol.TlConnectResult{ServiceID: serviceID, EndpointID: endpointID, Status: 0}}
		}
		return nil
	}
	c, _, sink := setupClient(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.ConnectHvsock(ctx, serviceID, endpointID, uuid.Nil); err != nil {
		t.Fatalf("ConnectHvsock: %v", err)
	}
	waitFor(t, time.Second, func() bool { return sink.hvsockCount() == 1 })
	sink.mu.Lock()
	got := sink.hvsocks[0]
	sink.mu.Unlock()
	if got.serviceID != serviceID || got.endpointID != endpointID || got.status != 0 {
		t.Fatalf("unexpected hvsock result: %+v", got)
	}
}

// TestDuplicateOfferNotReannounced pins the observed-behavior decision: a
// second OfferChannel for a known id resets that channel to offered but is
// not re-announced through the notification sink.
func TestDuplicateOfferNotReannounced(t *testing.T) {
	c, src, sink := setupClient(t, copperVersionServer(uint32(protocol.FeatureFlagsAll)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	offer := protocol.OfferChannel{ChannelID: 8, InterfaceID: uuid.New(), InstanceID: uuid.New()}
	src.pushRaw(codec.Serialize(offer))
	waitFor(t, time.Second, func() bool { return sink.offerCount() == 1 })

	src.pushRaw(codec.Serialize(offer))
	// The duplicate races nothing: push a rescind behind it and wait for
	// the revoke, which proves the duplicate was processed first.
	src.pushRaw(codec.Serialize(protocol.RescindChannelOffer{ChannelID: 8}))
	waitFor(t, time.Second, func() bool { return sink.revokeCount() == 1 })
	if sink.offerCount() != 1 {
		t.Fatalf("duplicate offer was re-announced: %d offers", sink.offerCount())
	}
}

// TestStopSaveRestoreRoundTrip drives the servicing flow end to end:
// quiesce, snapshot, rehydrate a fresh client, and check the second
// snapshot is identical to the first.
func TestStopSaveRestoreRoundTrip(t *testing.T) {
	server := func(mt protocol.MessageType, body []byte) []protocol.Message {
		switch mt {
		case protocol.MessageTypeInitiateContact2, protocol.MessageTypeInitiateContact:
			return []protocol.Message{protocol.VersionResponse2{
				VersionResponse:   protocol.VersionResponse{VersionSupported: 1, ConnectionState: protocol.ConnectionStateSuccessful},
				SupportedFeatures: uint32(protocol.FeatureFlagsAll),
			}}
		case protocol.MessageTypeRequestOffers:
			return []protocol.Message{
				protocol.OfferChannel{ChannelID: 2, InterfaceID: uuid.MustParse("f8615163-df3e-46c5-913f-f2d2f965ed0e"), InstanceID: uuid.New()},
				protocol.AllOffersDelivered{},
			}
		case protocol.MessageTypeOpenChannel2:
			return []protocol.Message{protocol.OpenResult{ChannelID: 2, Status: protocol.StatusSuccess}}
		case protocol.MessageTypeGpadlHeader:
			return []protocol.Message{protocol.GpadlCreated{ChannelID: 2, GpadlID: 5, Status: protocol.StatusSuccess}}
		}
		return nil
	}
	c, _, _ := setupClient(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Connect(ctx, ConnectParams{TargetMessageVP: 1, MonitorPages: &protocol.MonitorPageGpas{ParentToChild: 0x1000, ChildToParent: 0x2000}, TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	offers, err := c.RequestOffers(ctx)
	if err != nil || len(offers) != 1 {
		t.Fatalf("RequestOffers: %v (%d offers)", err, len(offers))
	}
	if err := offers[0].Open(ctx, OpenParams{EventFlag: 2}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := offers[0].CreateGpadl(ctx, 5, 1, []uint64{0x5000}); err != nil {
		t.Fatalf("CreateGpadl: %v", err)
	}

	c.Stop(ctx)
	saved, err := c.Save(ctx)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.TargetMessageVP != 1 || saved.MonitorPages.ParentToChild != 0x1000 {
		t.Fatalf("saved connection tuple incomplete: %+v", saved)
	}
	if len(saved.Channels) != 1 || !saved.Channels[0].Open {
		t.Fatalf("saved channels wrong: %+v", saved.Channels)
	}
	if len(saved.Gpadls) != 1 || saved.Gpadls[0].State != SavedGpadlCreated || saved.Gpadls[0].Count != 1 {
		t.Fatalf("saved gpadls wrong: %+v", saved.Gpadls)
	}

	restoredSink := &fakeSink{}
	src2 := newFakeSource()
	c2 := New(&testSynic{t: t, src: src2, server: server}, src2, WithNotificationSink(restoredSink), WithFatalHandler(func(reason string) {
		t.Errorf("fatal on restored client: %s", reason)
	}))
	ctx2, cancel2 := context.WithCancel(context.Background())
	t.Cleanup(cancel2)
	c2.Start(ctx2)
	if err := c2.Restore(ctx, saved); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	// Restore re-exposes each channel through the notification sink.
	waitFor(t, time.Second, func() bool { return restoredSink.offerCount() == 1 })

	again, err := c2.Save(ctx)
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if !reflect.DeepEqual(saved, again) {
		t.Fatalf("save/restore round trip diverged:\n first: %+v\nsecond: %+v", saved, again)
	}
}

func TestRestoreRejectsInvalidState(t *testing.T) {
	valid := SavedState{
		Version: protocol.VersionInfo{Version: protocol.VersionCopper, FeatureFlags: protocol.FeatureFlagsAll},
	}
	offer := func(id protocol.ChannelID) SavedChannel {
		return SavedChannel{Offer: protocol.OfferChannel{ChannelID: id}}
	}
	cases := []struct {
		name  string
		state SavedState
		kind  RestoreErrorKind
	}{
		{
			name:  "unsupported version",
			state: SavedState{Version: protocol.VersionInfo{Version: 0x12345}},
			kind:  RestoreErrorUnsupportedVersion,
		},
		{
			name: "unsupported feature flags",
			state: SavedState{Version: protocol.VersionInfo{
				Version: protocol.VersionCopper, FeatureFlags: protocol.FeatureFlags(0x8000),
			}},
			kind: RestoreErrorUnsupportedFeatureFlags,
		},
		{
			name: "duplicate channel id",
			state: SavedState{
				Version:  valid.Version,
				Channels: []SavedChannel{offer(1), offer(1)},
			},
			kind: RestoreErrorDuplicateChannelID,
		},
		{
			name: "duplicate gpadl id",
			state: SavedState{
				Version:  valid.Version,
				Channels: []SavedChannel{offer(1)},
				Gpadls: []SavedGpadl{
					{ChannelID: 1, GpadlID: 9, State: SavedGpadlCreated},
					{ChannelID: 1, GpadlID: 9, State: SavedGpadlCreated},
				},
			},
			kind: RestoreErrorDuplicateGpadlID,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, _, _ := setupClient(t, copperVersionServer(uint32(protocol.FeatureFlagsAll)))
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err := c.Restore(ctx, tc.state)
			var re *RestoreError
			if !errors.As(err, &re) {
				t.Fatalf("expected RestoreError, got %v", err)
			}
			if re.Kind != tc.kind {
				t.Fatalf("expected %v, got %v", tc.kind, re.Kind)
			}
		})
	}
}

func TestRestoreRequiresDisconnected(t *testing.T) {
	c, _, _ := setupClient(t, copperVersionServer(uint32(protocol.FeatureFlagsAll)))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	err := c.Restore(ctx, SavedState{Version: protocol.VersionInfo{Version: protocol.VersionCopper}})
	if !errors.Is(err, ErrNotDisconnected) {
		t.Fatalf("expected ErrNotDisconnected, got %v", err)
	}
}

// TestRestoreInFlightGpadlSubStates checks that a snapshot taken with a
// GPADL mid-creation or mid-teardown rehydrates into the same sub-state:
// the host's late GpadlCreated/GpadlTorndown completes the transition on
// the restored client instead of being dropped as unknown.
func TestRestoreInFlightGpadlSubStates(t *testing.T) {
	server := copperVersionServer(uint32(protocol.FeatureFlagsAll))
	c, src, _ := setupClient(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	saved := SavedState{
		Version: protocol.VersionInfo{Version: protocol.VersionCopper, FeatureFlags: protocol.FeatureFlagsAll},
		Channels: []SavedChannel{
			{Offer: protocol.OfferChannel{ChannelID: 1}},
		},
		Gpadls: []SavedGpadl{
			{ChannelID: 1, GpadlID: 3, Count: 1, Pfns: []uint64{0x3000}, State: SavedGpadlOffered},
			{ChannelID: 1, GpadlID: 4, Count: 1, Pfns: []uint64{0x4000}, State: SavedGpadlTearingDown},
		},
	}
	if err := c.Restore(ctx, saved); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	again, err := c.Save(ctx)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !reflect.DeepEqual(saved.Gpadls, again.Gpadls) {
		t.Fatalf("gpadl sub-states did not survive restore:\n got %+v\nwant %+v", again.Gpadls, saved.Gpadls)
	}

	// The host answers both in-flight operations; the mid-creation GPADL
	// becomes created, the mid-teardown one is removed.
	src.pushRaw(codec.Serialize(protocol.GpadlCreated{ChannelID: 1, GpadlID: 3, Status: protocol.StatusSuccess}))
	src.pushRaw(codec.Serialize(protocol.GpadlTorndown{GpadlID: 4}))
	waitFor(t, time.Second, func() bool {
		state, err := c.Save(context.Background())
		if err != nil {
			return false
		}
		return len(state.Gpadls) == 1 && state.Gpadls[0].GpadlID == 3 && state.Gpadls[0].State == SavedGpadlCreated
	})
}

// TestStoppedClientEmitsNoTraffic pins the quiescence gate: a facade
// request issued while the pump is stopped must not reach the wire until
// Resume.
func TestStoppedClientEmitsNoTraffic(t *testing.T) {
	var mu sync.Mutex
	tlSeen := 0
	base := copperVersionServer(uint32(protocol.FeatureFlagsAll))
	server := func(mt protocol.MessageType, body []byte) []protocol.Message {
		if mt == protocol.MessageTypeTlConnectRequest2 {
			mu.Lock()
			tlSeen++
			mu.Unlock()
		}
		return base(mt, body)
	}
	c, _, _ := setupClient(t, server)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Connect(ctx, ConnectParams{TargetInfo: protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, protocol.FeatureFlagsAll)}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.Stop(ctx)

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		if err := c.ConnectHvsock(ctx, uuid.New(), uuid.New(), uuid.Nil); err != nil {
			t.Errorf("ConnectHvsock: %v", err)
		}
	}()

	// The request must stay parked in the facade channel while stopped.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	seen := tlSeen
	mu.Unlock()
	if seen != 0 {
		t.Fatalf("stopped client sent %d TlConnectRequest2 messages", seen)
	}
	select {
	case <-sent:
		t.Fatal("facade request was serviced while stopped")
	default:
	}

	if err := c.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	select {
	case <-sent:
	case <-time.After(time.Second):
		t.Fatal("facade request not serviced after Resume")
	}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return tlSeen == 1
	})
}
