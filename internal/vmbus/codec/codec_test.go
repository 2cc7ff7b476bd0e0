package codec

import (
	"reflect"
	"testing"

	"github.com/google/uuid"

	"github.com/vmbusgo/client/internal/vmbus/protocol"
)

func TestRoundTrip(t *testing.T) {
	var userDefined [120]byte
	userDefined[0] = 0xab
	userDefined[119] = 0xcd

	msgs := []protocol.Message{
		protocol.InitiateContact{
			VersionRequested:            uint32(protocol.VersionIron),
			TargetMessageVP:             3,
			InterruptPageOrTargetInfo:   protocol.NewTargetInfo(protocol.DefaultSINT, protocol.DefaultVTL, 0).AsUint64(),
			ParentToChildMonitorPageGpa: 0x1000,
			ChildToParentMonitorPageGpa: 0x2000,
		},
		protocol.InitiateContact2{
			InitiateContact: protocol.InitiateContact{VersionRequested: uint32(protocol.VersionCopper)},
			ClientID:        uuid.New(),
		},
		protocol.VersionResponse2{
			VersionResponse:   protocol.VersionResponse{VersionSupported: 1, ConnectionState: protocol.ConnectionStateSuccessful},
			SupportedFeatures: uint32(protocol.FeatureFlagsAll),
		},
		protocol.OfferChannel{
			InterfaceID:     uuid.New(),
			InstanceID:      uuid.New(),
			ChannelID:       5,
			ConnectionID:    17,
			MonitorID:       2,
			IsDedicated:     true,
			SubchannelIndex: 1,
			MmioMegabytes:   16,
			UserDefined:     userDefined,
		},
		protocol.OpenChannel2{
			OpenChannel: protocol.OpenChannel{
				ChannelID:         5,
				OpenID:            1,
				RingBufferGpadlID: 9,
				TargetVP:          4,
				UserData:          userDefined,
			},
			ConnectionID: 17,
			EventFlag:    5,
			Flags:        3,
		},
		protocol.GpadlHeader{ChannelID: 5, GpadlID: 1, Len: 24, Count: 1, Values: []uint64{1, 2, 3}},
		protocol.GpadlBody{GpadlID: 1, Values: []uint64{4, 5}},
		protocol.GpadlCreated{ChannelID: 5, GpadlID: 1, Status: protocol.StatusSuccess},
		protocol.GpadlTeardown{ChannelID: 5, GpadlID: 1},
		protocol.GpadlTorndown{GpadlID: 1},
		protocol.RescindChannelOffer{ChannelID: 5},
		protocol.RelIdReleased{ChannelID: 5},
		protocol.OpenResult{ChannelID: 5, OpenID: 1, Status: protocol.StatusSuccess},
		protocol.ModifyConnection{ParentToChildMonitorPageGpa: 0x3000, ChildToParentMonitorPageGpa: 0x4000},
		protocol.ModifyConnectionResponse{ConnectionState: protocol.ConnectionStateFailedUnknownFailure},
		protocol.ModifyChannel{ChannelID: 5, TargetVP: 2},
		protocol.ModifyChannelResponse{ChannelID: 5, Status: -1},
		protocol.TlConnectRequest2{ServiceID: uuid.New(), EndpointID: uuid.New(), SiloID: uuid.New()},
		protocol.TlConnectResult{ServiceID: uuid.New(), EndpointID: uuid.New(), Status: -22},
		protocol.Unload{},
		protocol.UnloadComplete{},
		protocol.RequestOffers{},
		protocol.AllOffersDelivered{},
	}
	for _, want := range msgs {
		data := Serialize(want)
		got, err := Parse(data, protocol.VersionCopper)
		if err != nil {
			t.Fatalf("Parse(%v): %v", want.MessageType(), err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("%v round trip mismatch:\n got %+v\nwant %+v", want.MessageType(), got, want)
		}
	}
}

func TestParseRejectsNewerKindsUnderOlderVersion(t *testing.T) {
	msgs := []protocol.Message{
		protocol.VersionResponse2{},
		protocol.OpenChannel2{},
		protocol.ModifyConnection{},
		protocol.TlConnectRequest2{},
	}
	for _, m := range msgs {
		data := Serialize(m)
		if _, err := Parse(data, protocol.VersionIron); err == nil {
			t.Fatalf("expected %v to fail parse at Iron", m.MessageType())
		}
	}
	// ModifyChannel entered the protocol at Iron, so Iron accepts it but a
	// not-yet-negotiated connection (version zero) does not.
	data := Serialize(protocol.ModifyChannelResponse{ChannelID: 1})
	if _, err := Parse(data, protocol.VersionIron); err != nil {
		t.Fatalf("ModifyChannelResponse at Iron: %v", err)
	}
	if _, err := Parse(data, 0); err == nil {
		t.Fatal("expected ModifyChannelResponse to fail parse pre-negotiation")
	}
}

func TestParseShortInputs(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}, protocol.VersionCopper); err == nil {
		t.Fatal("expected short header to fail")
	}
	// A valid header but truncated body.
	data := Serialize(protocol.OpenResult{ChannelID: 1, Status: 0})
	if _, err := Parse(data[:len(data)-4], protocol.VersionCopper); err == nil {
		t.Fatal("expected truncated body to fail")
	}
}

func TestParseUnknownTypeFails(t *testing.T) {
	data := make([]byte, 8)
	data[0] = 0xff
	if _, err := Parse(data, protocol.VersionCopper); err == nil {
		t.Fatal("expected unknown message type to fail parse")
	}
}
