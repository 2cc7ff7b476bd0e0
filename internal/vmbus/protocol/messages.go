package protocol

// MessageType tags the framed body that follows the 8-byte message header
// (4-byte type + 4 bytes reserved).
type MessageType uint32

const (
	MessageTypeInvalid MessageType = iota
	MessageTypeInitiateContact
	MessageTypeInitiateContact2
	MessageTypeVersionResponse
	MessageTypeVersionResponse2
	MessageTypeOfferChannel
	MessageTypeRescindChannelOffer
	MessageTypeRequestOffers
	MessageTypeAllOffersDelivered
	MessageTypeOpenChannel
	MessageTypeOpenChannel2
	MessageTypeOpenResult
	MessageTypeCloseChannel
	MessageTypeGpadlHeader
	MessageTypeGpadlBody
	MessageTypeGpadlCreated
	MessageTypeGpadlTeardown
	MessageTypeGpadlTorndown
	MessageTypeRelIdReleased
	MessageTypeUnload
	MessageTypeUnloadComplete
	MessageTypeModifyConnection
	MessageTypeModifyConnectionResponse
	MessageTypeModifyChannel
	MessageTypeModifyChannelResponse
	MessageTypeTlConnectRequest
	MessageTypeTlConnectRequest2
	MessageTypeTlConnectResult
	MessageTypeOpenReservedChannel
	MessageTypeCloseReservedChannel
	MessageTypeCloseReservedChannelResponse
)

func (t MessageType) String() string {
	switch t {
	case MessageTypeInitiateContact:
		return "InitiateContact"
	case MessageTypeInitiateContact2:
		return "InitiateContact2"
	case MessageTypeVersionResponse:
		return "VersionResponse"
	case MessageTypeVersionResponse2:
		return "VersionResponse2"
	case MessageTypeOfferChannel:
		return "OfferChannel"
	case MessageTypeRescindChannelOffer:
		return "RescindChannelOffer"
	case MessageTypeRequestOffers:
		return "RequestOffers"
	case MessageTypeAllOffersDelivered:
		return "AllOffersDelivered"
	case MessageTypeOpenChannel:
		return "OpenChannel"
	case MessageTypeOpenChannel2:
		return "OpenChannel2"
	case MessageTypeOpenResult:
		return "OpenResult"
	case MessageTypeCloseChannel:
		return "CloseChannel"
	case MessageTypeGpadlHeader:
		return "GpadlHeader"
	case MessageTypeGpadlBody:
		return "GpadlBody"
	case MessageTypeGpadlCreated:
		return "GpadlCreated"
	case MessageTypeGpadlTeardown:
		return "GpadlTeardown"
	case MessageTypeGpadlTorndown:
		return "GpadlTorndown"
	case MessageTypeRelIdReleased:
		return "RelIdReleased"
	case MessageTypeUnload:
		return "Unload"
	case MessageTypeUnloadComplete:
		return "UnloadComplete"
	case MessageTypeModifyConnection:
		return "ModifyConnection"
	case MessageTypeModifyConnectionResponse:
		return "ModifyConnectionResponse"
	case MessageTypeModifyChannel:
		return "ModifyChannel"
	case MessageTypeModifyChannelResponse:
		return "ModifyChannelResponse"
	case MessageTypeTlConnectRequest:
		return "TlConnectRequest"
	case MessageTypeTlConnectRequest2:
		return "TlConnectRequest2"
	case MessageTypeTlConnectResult:
		return "TlConnectResult"
	case MessageTypeOpenReservedChannel:
		return "OpenReservedChannel"
	case MessageTypeCloseReservedChannel:
		return "CloseReservedChannel"
	case MessageTypeCloseReservedChannelResponse:
		return "CloseReservedChannelResponse"
	default:
		return "Invalid"
	}
}

// ClientOnlyMessageTypes lists message kinds only this client ever sends;
// receiving one inbound from the host is a host-contract violation.
var ClientOnlyMessageTypes = map[MessageType]bool{
	MessageTypeRequestOffers:       true,
	MessageTypeOpenChannel:         true,
	MessageTypeOpenChannel2:        true,
	MessageTypeCloseChannel:        true,
	MessageTypeGpadlHeader:         true,
	MessageTypeGpadlBody:           true,
	MessageTypeGpadlTeardown:       true,
	MessageTypeRelIdReleased:       true,
	MessageTypeInitiateContact:     true,
	MessageTypeInitiateContact2:    true,
	MessageTypeUnload:              true,
	MessageTypeOpenReservedChannel: true,
	MessageTypeCloseReservedChannel: true,
	MessageTypeTlConnectRequest:    true,
	MessageTypeTlConnectRequest2:   true,
	MessageTypeModifyChannel:       true,
	MessageTypeModifyConnection:    true,
}

// Message is any parsed or to-be-serialized VMBus message body.
type Message interface {
	MessageType() MessageType
}

type InitiateContact struct {
	VersionRequested               uint32
	TargetMessageVP                uint32
	InterruptPageOrTargetInfo      uint64
	ParentToChildMonitorPageGpa    uint64
	ChildToParentMonitorPageGpa    uint64
}

func (InitiateContact) MessageType() MessageType { return MessageTypeInitiateContact }

type InitiateContact2 struct {
	InitiateContact
	ClientID Guid
}

func (InitiateContact2) MessageType() MessageType { return MessageTypeInitiateContact2 }

type VersionResponse struct {
	VersionSupported                 uint8
	ConnectionState                  ConnectionState
	SelectedVersionOrConnectionID    uint32
}

func (VersionResponse) MessageType() MessageType { return MessageTypeVersionResponse }

type VersionResponse2 struct {
	VersionResponse
	SupportedFeatures uint32
}

func (VersionResponse2) MessageType() MessageType { return MessageTypeVersionResponse2 }

// OfferFlags mirrors the subset of host-reported offer flags the client
// cares about passing through unexamined.
type OfferFlags uint16

type OfferChannel struct {
	InterfaceID       Guid
	InstanceID        Guid
	ChannelID         ChannelID
	ConnectionID      uint32
	MonitorID         uint8
	MonitorAllocated  bool
	IsDedicated       bool
	SubchannelIndex   uint16
	MmioMegabytes     uint16
	Flags             OfferFlags
	UserDefined       [120]byte
}

func (OfferChannel) MessageType() MessageType { return MessageTypeOfferChannel }

type RescindChannelOffer struct {
	ChannelID ChannelID
}

func (RescindChannelOffer) MessageType() MessageType { return MessageTypeRescindChannelOffer }

type RequestOffers struct{}

func (RequestOffers) MessageType() MessageType { return MessageTypeRequestOffers }

type AllOffersDelivered struct{}

func (AllOffersDelivered) MessageType() MessageType { return MessageTypeAllOffersDelivered }

type OpenChannel struct {
	ChannelID                     ChannelID
	OpenID                        uint32
	RingBufferGpadlID             GpadlID
	TargetVP                      uint32
	DownstreamRingBufferPageOffset uint32
	UserData                      [120]byte
}

func (OpenChannel) MessageType() MessageType { return MessageTypeOpenChannel }

// OpenChannelFlags is the guest-supplied flag set carried in OpenChannel2.
type OpenChannelFlags uint16

type OpenChannel2 struct {
	OpenChannel
	ConnectionID uint32
	EventFlag    uint16
	Flags        OpenChannelFlags
}

func (OpenChannel2) MessageType() MessageType { return MessageTypeOpenChannel2 }

type OpenResult struct {
	ChannelID ChannelID
	OpenID    uint32
	Status    uint32
}

func (OpenResult) MessageType() MessageType { return MessageTypeOpenResult }

type CloseChannel struct {
	ChannelID ChannelID
}

func (CloseChannel) MessageType() MessageType { return MessageTypeCloseChannel }

type GpadlHeader struct {
	ChannelID ChannelID
	GpadlID   GpadlID
	Len       uint16
	Count     uint16
	// Values carries up to MaxHeaderValues PFN-range entries; overflow is
	// sent via GpadlBody messages.
	Values []uint64
}

func (GpadlHeader) MessageType() MessageType { return MessageTypeGpadlHeader }

type GpadlBody struct {
	GpadlID GpadlID
	Values  []uint64
}

func (GpadlBody) MessageType() MessageType { return MessageTypeGpadlBody }

type GpadlCreated struct {
	ChannelID ChannelID
	GpadlID   GpadlID
	Status    uint32
}

func (GpadlCreated) MessageType() MessageType { return MessageTypeGpadlCreated }

type GpadlTeardown struct {
	ChannelID ChannelID
	GpadlID   GpadlID
}

func (GpadlTeardown) MessageType() MessageType { return MessageTypeGpadlTeardown }

type GpadlTorndown struct {
	GpadlID GpadlID
}

func (GpadlTorndown) MessageType() MessageType { return MessageTypeGpadlTorndown }

type RelIdReleased struct {
	ChannelID ChannelID
}

func (RelIdReleased) MessageType() MessageType { return MessageTypeRelIdReleased }

type Unload struct{}

func (Unload) MessageType() MessageType { return MessageTypeUnload }

type UnloadComplete struct{}

func (UnloadComplete) MessageType() MessageType { return MessageTypeUnloadComplete }

type ModifyConnection struct {
	ParentToChildMonitorPageGpa uint64
	ChildToParentMonitorPageGpa uint64
}

func (ModifyConnection) MessageType() MessageType { return MessageTypeModifyConnection }

type ModifyConnectionResponse struct {
	ConnectionState ConnectionState
}

func (ModifyConnectionResponse) MessageType() MessageType {
	return MessageTypeModifyConnectionResponse
}

type ModifyChannel struct {
	ChannelID ChannelID
	TargetVP  uint32
}

func (ModifyChannel) MessageType() MessageType { return MessageTypeModifyChannel }

type ModifyChannelResponse struct {
	ChannelID ChannelID
	Status    int32
}

func (ModifyChannelResponse) MessageType() MessageType { return MessageTypeModifyChannelResponse }

// TlConnectRequest2 forwards a guest hvsocket connection attempt, including
// the silo id the newer message format adds.
type TlConnectRequest2 struct {
	ServiceID  Guid
	EndpointID Guid
	SiloID     Guid
}

func (TlConnectRequest2) MessageType() MessageType { return MessageTypeTlConnectRequest2 }

type TlConnectResult struct {
	ServiceID  Guid
	EndpointID Guid
	Status     int32
}

func (TlConnectResult) MessageType() MessageType { return MessageTypeTlConnectResult }

// CloseReservedChannelResponse is recognized but not implemented; receipt
// is a fatal not-implemented condition.
type CloseReservedChannelResponse struct {
	ChannelID ChannelID
}

func (CloseReservedChannelResponse) MessageType() MessageType {
	return MessageTypeCloseReservedChannelResponse
}

// OpenReservedChannel / CloseReservedChannel are never constructed by this
// client; they are named here so codec.Parse can recognize them and the
// ClientOnlyMessageTypes check rejects them inbound. codec.Serialize has no
// encoder for them.
type OpenReservedChannel struct{ ChannelID ChannelID }

func (OpenReservedChannel) MessageType() MessageType { return MessageTypeOpenReservedChannel }

type CloseReservedChannel struct{ ChannelID ChannelID }

func (CloseReservedChannel) MessageType() MessageType { return MessageTypeCloseReservedChannel }

type TlConnectRequest struct {
	ServiceID  Guid
	EndpointID Guid
}

func (TlConnectRequest) MessageType() MessageType { return MessageTypeTlConnectRequest }
