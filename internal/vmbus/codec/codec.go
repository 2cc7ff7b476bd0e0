// Package codec frames and parses VMBus protocol messages: a fixed 8-byte
// header (message type + reserved padding) followed by a fixed-layout body
// and, for a handful of message kinds, trailing caller-defined bytes (the
// OfferChannel/OpenChannel "user_defined" payload already sized into the
// struct; GPADL PFN arrays are carried as body fields, not trailing bytes).
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/vmbusgo/client/internal/vmbus/protocol"
)

const headerSize = 8

// errShortMessage is returned by Parse when data is too small to contain
// even the 8-byte header.
var errShortMessage = fmt.Errorf("message shorter than header")

// minVersion records the protocol revision each later-generation message
// kind was introduced at. A message of one of these kinds arriving under
// an older (or not yet negotiated) version is not a recognized wire shape
// for that version and must fail parse deterministically rather than being
// decoded against a layout the peer never agreed to speak. Kinds absent
// from the map predate every supported version.
var minVersion = map[protocol.MessageType]protocol.Version{
	protocol.MessageTypeModifyChannel:                protocol.VersionIron,
	protocol.MessageTypeModifyChannelResponse:        protocol.VersionIron,
	protocol.MessageTypeInitiateContact2:             protocol.VersionCopper,
	protocol.MessageTypeVersionResponse2:             protocol.VersionCopper,
	protocol.MessageTypeOpenChannel2:                 protocol.VersionCopper,
	protocol.MessageTypeModifyConnection:             protocol.VersionCopper,
	protocol.MessageTypeModifyConnectionResponse:     protocol.VersionCopper,
	protocol.MessageTypeTlConnectRequest2:            protocol.VersionCopper,
	protocol.MessageTypeOpenReservedChannel:          protocol.VersionCopper,
	protocol.MessageTypeCloseReservedChannel:         protocol.VersionCopper,
	protocol.MessageTypeCloseReservedChannelResponse: protocol.VersionCopper,
}

// Parse decodes the message type and body from data given the protocol
// version currently in effect for the connection (the negotiated version
// once Connect has completed, or the version being attempted while
// negotiation is still in progress). A message kind not valid under that
// version fails deterministically instead of being decoded against a wire
// layout the peer never agreed to.
func Parse(data []byte, version protocol.Version) (protocol.Message, error) {
	if len(data) < headerSize {
		return nil, errShortMessage
	}
	mt := protocol.MessageType(binary.LittleEndian.Uint32(data[0:4]))
	if min, ok := minVersion[mt]; ok && version < min {
		return nil, fmt.Errorf("codec: message type %v not valid before %v (have %v)", mt, min, version)
	}
	body := data[headerSize:]

	switch mt {
	case protocol.MessageTypeInitiateContact:
		return parseInitiateContact(body)
	case protocol.MessageTypeInitiateContact2:
		return parseInitiateContact2(body)
	case protocol.MessageTypeVersionResponse:
		return parseVersionResponse(body)
	case protocol.MessageTypeVersionResponse2:
		return parseVersionResponse2(body)
	case protocol.MessageTypeOfferChannel:
		return parseOfferChannel(body)
	case protocol.MessageTypeRescindChannelOffer:
		return parseRescindChannelOffer(body)
	case protocol.MessageTypeRequestOffers:
		return protocol.RequestOffers{}, nil
	case protocol.MessageTypeAllOffersDelivered:
		return protocol.AllOffersDelivered{}, nil
	case protocol.MessageTypeOpenChannel:
		return parseOpenChannel(body)
	case protocol.MessageTypeOpenChannel2:
		return parseOpenChannel2(body)
	case protocol.MessageTypeOpenResult:
		return parseOpenResult(body)
	case protocol.MessageTypeCloseChannel:
		return parseCloseChannel(body)
	case protocol.MessageTypeGpadlHeader:
		return parseGpadlHeader(body)
	case protocol.MessageTypeGpadlBody:
		return parseGpadlBody(body)
	case protocol.MessageTypeGpadlCreated:
		return parseGpadlCreated(body)
	case protocol.MessageTypeGpadlTeardown:
		return parseGpadlTeardown(body)
	case protocol.MessageTypeGpadlTorndown:
		return parseGpadlTorndown(body)
	case protocol.MessageTypeRelIdReleased:
		return parseRelIdReleased(body)
	case protocol.MessageTypeUnload:
		return protocol.Unload{}, nil
	case protocol.MessageTypeUnloadComplete:
		return protocol.UnloadComplete{}, nil
	case protocol.MessageTypeModifyConnection:
		return parseModifyConnection(body)
	case protocol.MessageTypeModifyConnectionResponse:
		return parseModifyConnectionResponse(body)
	case protocol.MessageTypeModifyChannel:
		return parseModifyChannel(body)
	case protocol.MessageTypeModifyChannelResponse:
		return parseModifyChannelResponse(body)
	case protocol.MessageTypeTlConnectRequest:
		return parseTlConnectRequest(body)
	case protocol.MessageTypeTlConnectRequest2:
		return parseTlConnectRequest2(body)
	case protocol.MessageTypeTlConnectResult:
		return parseTlConnectResult(body)
	case protocol.MessageTypeCloseReservedChannelResponse:
		return parseCloseReservedChannelResponse(body)
	case protocol.MessageTypeOpenReservedChannel, protocol.MessageTypeCloseReservedChannel:
		if err := need(body, 4); err != nil {
			return nil, err
		}
		id := protocol.ChannelID(binary.LittleEndian.Uint32(body[0:4]))
		if mt == protocol.MessageTypeOpenReservedChannel {
			return protocol.OpenReservedChannel{ChannelID: id}, nil
		}
		return protocol.CloseReservedChannel{ChannelID: id}, nil
	default:
		return nil, fmt.Errorf("codec: unrecognized message type %d", uint32(mt))
	}
}

// Serialize frames msg into header+body wire bytes. Unknown message types
// are a programming error, not a runtime condition, hence the panic.
func Serialize(msg protocol.Message) []byte {
	body := encodeBody(msg)
	out := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], uint32(msg.MessageType()))
	// bytes [4:8] are reserved padding, left zero.
	copy(out[headerSize:], body)
	return out
}

func encodeBody(msg protocol.Message) []byte {
	switch m := msg.(type) {
	case protocol.InitiateContact:
		return encodeInitiateContact(m)
	case protocol.InitiateContact2:
		return encodeInitiateContact2(m)
	case protocol.VersionResponse:
		return encodeVersionResponse(m)
	case protocol.VersionResponse2:
		return encodeVersionResponse2(m)
	case protocol.OfferChannel:
		return encodeOfferChannel(m)
	case protocol.RescindChannelOffer:
		return encodeRescindChannelOffer(m)
	case protocol.RequestOffers:
		return nil
	case protocol.AllOffersDelivered:
		return nil
	case protocol.OpenChannel:
		return encodeOpenChannel(m)
	case protocol.OpenChannel2:
		return encodeOpenChannel2(m)
	case protocol.OpenResult:
		return encodeOpenResult(m)
	case protocol.CloseChannel:
		return encodeCloseChannel(m)
	case protocol.GpadlHeader:
		return encodeGpadlHeader(m)
	case protocol.GpadlBody:
		return encodeGpadlBody(m)
	case protocol.GpadlCreated:
		return encodeGpadlCreated(m)
	case protocol.GpadlTeardown:
		return encodeGpadlTeardown(m)
	case protocol.GpadlTorndown:
		return encodeGpadlTorndown(m)
	case protocol.RelIdReleased:
		return encodeRelIdReleased(m)
	case protocol.Unload:
		return nil
	case protocol.UnloadComplete:
		return nil
	case protocol.ModifyConnection:
		return encodeModifyConnection(m)
	case protocol.ModifyConnectionResponse:
		return encodeModifyConnectionResponse(m)
	case protocol.ModifyChannel:
		return encodeModifyChannel(m)
	case protocol.ModifyChannelResponse:
		return encodeModifyChannelResponse(m)
	case protocol.TlConnectRequest:
		return encodeTlConnectRequest(m)
	case protocol.TlConnectRequest2:
		return encodeTlConnectRequest2(m)
	case protocol.TlConnectResult:
		return encodeTlConnectResult(m)
	case protocol.CloseReservedChannelResponse:
		return encodeCloseReservedChannelResponse(m)
	default:
		panic(fmt.Sprintf("codec: no encoder for %T", msg))
	}
}

func need(body []byte, n int) error {
	if len(body) < n {
		return fmt.Errorf("codec: body too short: need %d, have %d", n, len(body))
	}
	return nil
}

func parseInitiateContact(b []byte) (protocol.InitiateContact, error) {
	if err := need(b, 32); err != nil {
		return protocol.InitiateContact{}, err
	}
	return protocol.InitiateContact{
		VersionRequested:          binary.LittleEndian.Uint32(b[0:4]),
		TargetMessageVP:           binary.LittleEndian.Uint32(b[4:8]),
		InterruptPageOrTargetInfo: binary.LittleEndian.Uint64(b[8:16]),
		ParentToChildMonitorPageGpa: binary.LittleEndian.Uint64(b[16:24]),
		ChildToParentMonitorPageGpa: binary.LittleEndian.Uint64(b[24:32]),
	}, nil
}

func encodeInitiateContact(m protocol.InitiateContact) []byte {
	out := make([]byte, 32)
	binary.LittleEndian.PutUint32(out[0:4], m.VersionRequested)
	binary.LittleEndian.PutUint32(out[4:8], m.TargetMessageVP)
	binary.LittleEndian.PutUint64(out[8:16], m.InterruptPageOrTargetInfo)
	binary.LittleEndian.PutUint64(out[16:24], m.ParentToChildMonitorPageGpa)
	binary.LittleEndian.PutUint64(out[24:32], m.ChildToParentMonitorPageGpa)
	return out
}

func parseInitiateContact2(b []byte) (protocol.InitiateContact2, error) {
	if err := need(b, 32+16); err != nil {
		return protocol.InitiateContact2{}, err
	}
	base, err := parseInitiateContact(b[:32])
	if err != nil {
		return protocol.InitiateContact2{}, err
	}
	id, err := guidFromBytes(b[32:48])
	if err != nil {
		return protocol.InitiateContact2{}, err
	}
	return protocol.InitiateContact2{InitiateContact: base, ClientID: id}, nil
}

func encodeInitiateContact2(m protocol.InitiateContact2) []byte {
	out := make([]byte, 0, 48)
	out = append(out, encodeInitiateContact(m.InitiateContact)...)
	out = append(out, guidBytes(m.ClientID)...)
	return out
}

func parseVersionResponse(b []byte) (protocol.VersionResponse, error) {
	if err := need(b, 8); err != nil {
		return protocol.VersionResponse{}, err
	}
	return protocol.VersionResponse{
		VersionSupported:              b[0],
		ConnectionState:                protocol.ConnectionState(b[1]),
		SelectedVersionOrConnectionID: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

func encodeVersionResponse(m protocol.VersionResponse) []byte {
	out := make([]byte, 8)
	out[0] = m.VersionSupported
	out[1] = byte(m.ConnectionState)
	binary.LittleEndian.PutUint32(out[4:8], m.SelectedVersionOrConnectionID)
	return out
}

func parseVersionResponse2(b []byte) (protocol.VersionResponse2, error) {
	if err := need(b, 12); err != nil {
		return protocol.VersionResponse2{}, err
	}
	base, err := parseVersionResponse(b[:8])
	if err != nil {
		return protocol.VersionResponse2{}, err
	}
	return protocol.VersionResponse2{
		VersionResponse:  base,
		SupportedFeatures: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

func encodeVersionResponse2(m protocol.VersionResponse2) []byte {
	out := make([]byte, 0, 12)
	out = append(out, encodeVersionResponse(m.VersionResponse)...)
	var f [4]byte
	binary.LittleEndian.PutUint32(f[:], m.SupportedFeatures)
	return append(out, f[:]...)
}

const offerChannelSize = 16 + 16 + 4 + 4 + 1 + 1 + 1 + 2 + 2 + 2 + 120

func parseOfferChannel(b []byte) (protocol.OfferChannel, error) {
	if err := need(b, offerChannelSize); err != nil {
		return protocol.OfferChannel{}, err
	}
	ifaceID, err := guidFromBytes(b[0:16])
	if err != nil {
		return protocol.OfferChannel{}, err
	}
	instID, err := guidFromBytes(b[16:32])
	if err != nil {
		return protocol.OfferChannel{}, err
	}
	off := protocol.OfferChannel{
		InterfaceID:      ifaceID,
		InstanceID:       instID,
		ChannelID:        protocol.ChannelID(binary.LittleEndian.Uint32(b[32:36])),
		ConnectionID:     binary.LittleEndian.Uint32(b[36:40]),
		MonitorID:        b[40],
		MonitorAllocated: b[41] != 0,
		IsDedicated:      b[42] != 0,
		SubchannelIndex:  binary.LittleEndian.Uint16(b[43:45]),
		MmioMegabytes:    binary.LittleEndian.Uint16(b[45:47]),
		Flags:            protocol.OfferFlags(binary.LittleEndian.Uint16(b[47:49])),
	}
	copy(off.UserDefined[:], b[49:49+120])
	return off, nil
}

func encodeOfferChannel(m protocol.OfferChannel) []byte {
	out := make([]byte, offerChannelSize)
	copy(out[0:16], guidBytes(m.InterfaceID))
	copy(out[16:32], guidBytes(m.InstanceID))
	binary.LittleEndian.PutUint32(out[32:36], uint32(m.ChannelID))
	binary.LittleEndian.PutUint32(out[36:40], m.ConnectionID)
	out[40] = m.MonitorID
	out[41] = boolByte(m.MonitorAllocated)
	out[42] = boolByte(m.IsDedicated)
	binary.LittleEndian.PutUint16(out[43:45], m.SubchannelIndex)
	binary.LittleEndian.PutUint16(out[45:47], m.MmioMegabytes)
	binary.LittleEndian.PutUint16(out[47:49], uint16(m.Flags))
	copy(out[49:49+120], m.UserDefined[:])
	return out
}

func parseRescindChannelOffer(b []byte) (protocol.RescindChannelOffer, error) {
	if err := need(b, 4); err != nil {
		return protocol.RescindChannelOffer{}, err
	}
	return protocol.RescindChannelOffer{ChannelID: protocol.ChannelID(binary.LittleEndian.Uint32(b[0:4]))}, nil
}

func encodeRescindChannelOffer(m protocol.RescindChannelOffer) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(m.ChannelID))
	return out
}

const openChannelSize = 4 + 4 + 4 + 4 + 4 + 120

func parseOpenChannel(b []byte) (protocol.OpenChannel, error) {
	if err := need(b, openChannelSize); err != nil {
		return protocol.OpenChannel{}, err
	}
	oc := protocol.OpenChannel{
		ChannelID:                      protocol.ChannelID(binary.LittleEndian.Uint32(b[0:4])),
		OpenID:                         binary.LittleEndian.Uint32(b[4:8]),
		RingBufferGpadlID:              protocol.GpadlID(binary.LittleEndian.Uint32(b[8:12])),
		TargetVP:                       binary.LittleEndian.Uint32(b[12:16]),
		DownstreamRingBufferPageOffset: binary.LittleEndian.Uint32(b[16:20]),
	}
	copy(oc.UserData[:], b[20:20+120])
	return oc, nil
}

func encodeOpenChannel(m protocol.OpenChannel) []byte {
	out := make([]byte, openChannelSize)
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.ChannelID))
	binary.LittleEndian.PutUint32(out[4:8], m.OpenID)
	binary.LittleEndian.PutUint32(out[8:12], uint32(m.RingBufferGpadlID))
	binary.LittleEndian.PutUint32(out[12:16], m.TargetVP)
	binary.LittleEndian.PutUint32(out[16:20], m.DownstreamRingBufferPageOffset)
	copy(out[20:20+120], m.UserData[:])
	return out
}

func parseOpenChannel2(b []byte) (protocol.OpenChannel2, error) {
	if err := need(b, openChannelSize+8); err != nil {
		return protocol.OpenChannel2{}, err
	}
	base, err := parseOpenChannel(b[:openChannelSize])
	if err != nil {
		return protocol.OpenChannel2{}, err
	}
	rest := b[openChannelSize:]
	return protocol.OpenChannel2{
		OpenChannel:  base,
		ConnectionID: binary.LittleEndian.Uint32(rest[0:4]),
		EventFlag:    binary.LittleEndian.Uint16(rest[4:6]),
		Flags:        protocol.OpenChannelFlags(binary.LittleEndian.Uint16(rest[6:8])),
	}, nil
}

func encodeOpenChannel2(m protocol.OpenChannel2) []byte {
	out := append([]byte{}, encodeOpenChannel(m.OpenChannel)...)
	tail := make([]byte, 8)
	binary.LittleEndian.PutUint32(tail[0:4], m.ConnectionID)
	binary.LittleEndian.PutUint16(tail[4:6], m.EventFlag)
	binary.LittleEndian.PutUint16(tail[6:8], uint16(m.Flags))
	return append(out, tail...)
}

func parseOpenResult(b []byte) (protocol.OpenResult, error) {
	if err := need(b, 12); err != nil {
		return protocol.OpenResult{}, err
	}
	return protocol.OpenResult{
		ChannelID: protocol.ChannelID(binary.LittleEndian.Uint32(b[0:4])),
		OpenID:    binary.LittleEndian.Uint32(b[4:8]),
		Status:    binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

func encodeOpenResult(m protocol.OpenResult) []byte {
	out := make([]byte, 12)
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.ChannelID))
	binary.LittleEndian.PutUint32(out[4:8], m.OpenID)
	binary.LittleEndian.PutUint32(out[8:12], m.Status)
	return out
}

func parseCloseChannel(b []byte) (protocol.CloseChannel, error) {
	if err := need(b, 4); err != nil {
		return protocol.CloseChannel{}, err
	}
	return protocol.CloseChannel{ChannelID: protocol.ChannelID(binary.LittleEndian.Uint32(b[0:4]))}, nil
}

func encodeCloseChannel(m protocol.CloseChannel) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(m.ChannelID))
	return out
}

const gpadlHeaderFixedSize = 4 + 4 + 2 + 2

func parseGpadlHeader(b []byte) (protocol.GpadlHeader, error) {
	if err := need(b, gpadlHeaderFixedSize); err != nil {
		return protocol.GpadlHeader{}, err
	}
	// Count is the caller's PFN-range count, not the number of values in
	// this chunk; the chunk's value array is whatever fills the rest of
	// the body.
	rest := b[gpadlHeaderFixedSize:]
	if len(rest)%8 != 0 {
		return protocol.GpadlHeader{}, fmt.Errorf("codec: GpadlHeader values not 8-byte aligned")
	}
	gh := protocol.GpadlHeader{
		ChannelID: protocol.ChannelID(binary.LittleEndian.Uint32(b[0:4])),
		GpadlID:   protocol.GpadlID(binary.LittleEndian.Uint32(b[4:8])),
		Len:       binary.LittleEndian.Uint16(b[8:10]),
		Count:     binary.LittleEndian.Uint16(b[10:12]),
		Values:    make([]uint64, len(rest)/8),
	}
	for i := range gh.Values {
		gh.Values[i] = binary.LittleEndian.Uint64(rest[i*8 : i*8+8])
	}
	return gh, nil
}

func encodeGpadlHeader(m protocol.GpadlHeader) []byte {
	out := make([]byte, gpadlHeaderFixedSize+len(m.Values)*8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.ChannelID))
	binary.LittleEndian.PutUint32(out[4:8], uint32(m.GpadlID))
	binary.LittleEndian.PutUint16(out[8:10], m.Len)
	binary.LittleEndian.PutUint16(out[10:12], m.Count)
	for i, v := range m.Values {
		binary.LittleEndian.PutUint64(out[gpadlHeaderFixedSize+i*8:gpadlHeaderFixedSize+i*8+8], v)
	}
	return out
}

func parseGpadlBody(b []byte) (protocol.GpadlBody, error) {
	if err := need(b, 4); err != nil {
		return protocol.GpadlBody{}, err
	}
	rest := b[4:]
	if len(rest)%8 != 0 {
		return protocol.GpadlBody{}, fmt.Errorf("codec: GpadlBody values not 8-byte aligned")
	}
	gb := protocol.GpadlBody{
		GpadlID: protocol.GpadlID(binary.LittleEndian.Uint32(b[0:4])),
		Values:  make([]uint64, len(rest)/8),
	}
	for i := range gb.Values {
		gb.Values[i] = binary.LittleEndian.Uint64(rest[i*8 : i*8+8])
	}
	return gb, nil
}

func encodeGpadlBody(m protocol.GpadlBody) []byte {
	out := make([]byte, 4+len(m.Values)*8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.GpadlID))
	for i, v := range m.Values {
		binary.LittleEndian.PutUint64(out[4+i*8:4+i*8+8], v)
	}
	return out
}

func parseGpadlCreated(b []byte) (protocol.GpadlCreated, error) {
	if err := need(b, 12); err != nil {
		return protocol.GpadlCreated{}, err
	}
	return protocol.GpadlCreated{
		ChannelID: protocol.ChannelID(binary.LittleEndian.Uint32(b[0:4])),
		GpadlID:   protocol.GpadlID(binary.LittleEndian.Uint32(b[4:8])),
		Status:    binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

func encodeGpadlCreated(m protocol.GpadlCreated) []byte {
	out := make([]byte, 12)
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.ChannelID))
	binary.LittleEndian.PutUint32(out[4:8], uint32(m.GpadlID))
	binary.LittleEndian.PutUint32(out[8:12], m.Status)
	return out
}

func parseGpadlTeardown(b []byte) (protocol.GpadlTeardown, error) {
	if err := need(b, 8); err != nil {
		return protocol.GpadlTeardown{}, err
	}
	return protocol.GpadlTeardown{
		ChannelID: protocol.ChannelID(binary.LittleEndian.Uint32(b[0:4])),
		GpadlID:   protocol.GpadlID(binary.LittleEndian.Uint32(b[4:8])),
	}, nil
}

func encodeGpadlTeardown(m protocol.GpadlTeardown) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.ChannelID))
	binary.LittleEndian.PutUint32(out[4:8], uint32(m.GpadlID))
	return out
}

func parseGpadlTorndown(b []byte) (protocol.GpadlTorndown, error) {
	if err := need(b, 4); err != nil {
		return protocol.GpadlTorndown{}, err
	}
	return protocol.GpadlTorndown{GpadlID: protocol.GpadlID(binary.LittleEndian.Uint32(b[0:4]))}, nil
}

func encodeGpadlTorndown(m protocol.GpadlTorndown) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(m.GpadlID))
	return out
}

func parseRelIdReleased(b []byte) (protocol.RelIdReleased, error) {
	if err := need(b, 4); err != nil {
		return protocol.RelIdReleased{}, err
	}
	return protocol.RelIdReleased{ChannelID: protocol.ChannelID(binary.LittleEndian.Uint32(b[0:4]))}, nil
}

func encodeRelIdReleased(m protocol.RelIdReleased) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(m.ChannelID))
	return out
}

func parseModifyConnection(b []byte) (protocol.ModifyConnection, error) {
	if err := need(b, 16); err != nil {
		return protocol.ModifyConnection{}, err
	}
	return protocol.ModifyConnection{
		ParentToChildMonitorPageGpa: binary.LittleEndian.Uint64(b[0:8]),
		ChildToParentMonitorPageGpa: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

func encodeModifyConnection(m protocol.ModifyConnection) []byte {
	out := make([]byte, 16)
	binary.LittleEndian.PutUint64(out[0:8], m.ParentToChildMonitorPageGpa)
	binary.LittleEndian.PutUint64(out[8:16], m.ChildToParentMonitorPageGpa)
	return out
}

func parseModifyConnectionResponse(b []byte) (protocol.ModifyConnectionResponse, error) {
	if err := need(b, 4); err != nil {
		return protocol.ModifyConnectionResponse{}, err
	}
	return protocol.ModifyConnectionResponse{ConnectionState: protocol.ConnectionState(binary.LittleEndian.Uint32(b[0:4]))}, nil
}

func encodeModifyConnectionResponse(m protocol.ModifyConnectionResponse) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(m.ConnectionState))
	return out
}

func parseModifyChannel(b []byte) (protocol.ModifyChannel, error) {
	if err := need(b, 8); err != nil {
		return protocol.ModifyChannel{}, err
	}
	return protocol.ModifyChannel{
		ChannelID: protocol.ChannelID(binary.LittleEndian.Uint32(b[0:4])),
		TargetVP:  binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

func encodeModifyChannel(m protocol.ModifyChannel) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.ChannelID))
	binary.LittleEndian.PutUint32(out[4:8], m.TargetVP)
	return out
}

func parseModifyChannelResponse(b []byte) (protocol.ModifyChannelResponse, error) {
	if err := need(b, 8); err != nil {
		return protocol.ModifyChannelResponse{}, err
	}
	return protocol.ModifyChannelResponse{
		ChannelID: protocol.ChannelID(binary.LittleEndian.Uint32(b[0:4])),
		Status:    int32(binary.LittleEndian.Uint32(b[4:8])),
	}, nil
}

func encodeModifyChannelResponse(m protocol.ModifyChannelResponse) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(m.ChannelID))
	binary.LittleEndian.PutUint32(out[4:8], uint32(m.Status))
	return out
}

func parseTlConnectRequest(b []byte) (protocol.TlConnectRequest, error) {
	if err := need(b, 32); err != nil {
		return protocol.TlConnectRequest{}, err
	}
	svc, err := guidFromBytes(b[0:16])
	if err != nil {
		return protocol.TlConnectRequest{}, err
	}
	ep, err := guidFromBytes(b[16:32])
	if err != nil {
		return protocol.TlConnectRequest{}, err
	}
	return protocol.TlConnectRequest{ServiceID: svc, EndpointID: ep}, nil
}

func encodeTlConnectRequest(m protocol.TlConnectRequest) []byte {
	out := make([]byte, 32)
	copy(out[0:16], guidBytes(m.ServiceID))
	copy(out[16:32], guidBytes(m.EndpointID))
	return out
}

func parseTlConnectRequest2(b []byte) (protocol.TlConnectRequest2, error) {
	if err := need(b, 48); err != nil {
		return protocol.TlConnectRequest2{}, err
	}
	svc, err := guidFromBytes(b[0:16])
	if err != nil {
		return protocol.TlConnectRequest2{}, err
	}
	ep, err := guidFromBytes(b[16:32])
	if err != nil {
		return protocol.TlConnectRequest2{}, err
	}
	silo, err := guidFromBytes(b[32:48])
	if err != nil {
		return protocol.TlConnectRequest2{}, err
	}
	return protocol.TlConnectRequest2{ServiceID: svc, EndpointID: ep, SiloID: silo}, nil
}

func encodeTlConnectRequest2(m protocol.TlConnectRequest2) []byte {
	out := make([]byte, 48)
	copy(out[0:16], guidBytes(m.ServiceID))
	copy(out[16:32], guidBytes(m.EndpointID))
	copy(out[32:48], guidBytes(m.SiloID))
	return out
}

func parseTlConnectResult(b []byte) (protocol.TlConnectResult, error) {
	if err := need(b, 36); err != nil {
		return protocol.TlConnectResult{}, err
	}
	svc, err := guidFromBytes(b[0:16])
	if err != nil {
		return protocol.TlConnectResult{}, err
	}
	ep, err := guidFromBytes(b[16:32])
	if err != nil {
		return protocol.TlConnectResult{}, err
	}
	return protocol.TlConnectResult{
		ServiceID:  svc,
		EndpointID: ep,
		Status:     int32(binary.LittleEndian.Uint32(b[32:36])),
	}, nil
}

func encodeTlConnectResult(m protocol.TlConnectResult) []byte {
	out := make([]byte, 36)
	copy(out[0:16], guidBytes(m.ServiceID))
	copy(out[16:32], guidBytes(m.EndpointID))
	binary.LittleEndian.PutUint32(out[32:36], uint32(m.Status))
	return out
}

func parseCloseReservedChannelResponse(b []byte) (protocol.CloseReservedChannelResponse, error) {
	if err := need(b, 4); err != nil {
		return protocol.CloseReservedChannelResponse{}, err
	}
	return protocol.CloseReservedChannelResponse{ChannelID: protocol.ChannelID(binary.LittleEndian.Uint32(b[0:4]))}, nil
}

func encodeCloseReservedChannelResponse(m protocol.CloseReservedChannelResponse) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, uint32(m.ChannelID))
	return out
}

func guidFromBytes(b []byte) (protocol.Guid, error) {
	var g protocol.Guid
	if len(b) < 16 {
		return g, fmt.Errorf("codec: short guid")
	}
	copy(g[:], b[:16])
	return g, nil
}

func guidBytes(g protocol.Guid) []byte {
	out := make([]byte, 16)
	copy(out, g[:])
	return out
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
