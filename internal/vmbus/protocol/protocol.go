// Package protocol defines the VMBus wire message family: the enumerations,
// ids, and per-message field layouts the client and host exchange. Field
// widths follow the Hyper-V VMBus specification in spirit; exact bit
// positions are an implementation choice of this package, since nothing
// outside the client/host pair negotiated here needs to agree on them.
package protocol

import "github.com/google/uuid"

// Version identifies a negotiated protocol revision.
type Version uint32

const (
	VersionIron   Version = 0x00040004
	VersionCopper Version = 0x00050000
)

func (v Version) String() string {
	switch v {
	case VersionIron:
		return "Iron"
	case VersionCopper:
		return "Copper"
	default:
		return "Unknown"
	}
}

// SupportedVersions is ordered oldest-first; negotiation starts at the last
// entry and walks backward on rejection.
var SupportedVersions = []Version{VersionIron, VersionCopper}

// NewestSupportedVersion returns the version negotiation should start from.
func NewestSupportedVersion() Version {
	return SupportedVersions[len(SupportedVersions)-1]
}

// NextOlderVersion returns the next older supported version than v, and
// false if v is already the oldest supported version.
func NextOlderVersion(v Version) (Version, bool) {
	for i, sv := range SupportedVersions {
		if sv == v {
			if i == 0 {
				return 0, false
			}
			return SupportedVersions[i-1], true
		}
	}
	return 0, false
}

// FeatureFlags is a bitmask of optional protocol behaviors negotiated at
// Copper and above.
type FeatureFlags uint32

const (
	FeatureGuestSpecifiedSignalParameters FeatureFlags = 1 << iota
	FeatureChannelInterruptRedirection
	FeatureModifyConnection
)

// FeatureFlagsAll is the complete set of features this client build
// understands.
const FeatureFlagsAll = FeatureGuestSpecifiedSignalParameters |
	FeatureChannelInterruptRedirection |
	FeatureModifyConnection

// Has reports whether every bit in mask is set.
func (f FeatureFlags) Has(mask FeatureFlags) bool { return f&mask == mask }

// Intersect returns the bits common to f and mask.
func (f FeatureFlags) Intersect(mask FeatureFlags) FeatureFlags { return f & mask }

// VersionInfo is the negotiated (version, feature flags) pair.
type VersionInfo struct {
	Version      Version
	FeatureFlags FeatureFlags
}

// ConnectionState mirrors the host's reported connection outcome.
type ConnectionState uint32

const (
	ConnectionStateSuccessful           ConnectionState = 0
	ConnectionStateFailedLowResources   ConnectionState = 1
	ConnectionStateFailedUnknownFailure ConnectionState = 2
)

// ChannelID identifies a channel, assigned by the host at offer time.
type ChannelID uint32

// GpadlID identifies a GPADL, assigned by the guest at request time.
type GpadlID uint32

// TargetInfo packs the synthetic interrupt number, VTL, and feature flags
// the guest wants used for this connection into a single 64-bit value, as
// carried in InitiateContact.InterruptPageOrTargetInfo.
type TargetInfo struct {
	SINT         uint8
	VTL          uint8
	FeatureFlags FeatureFlags
}

// DefaultSINT and DefaultVTL are the only values this client ever requests.
const (
	DefaultSINT uint8 = 2
	DefaultVTL  uint8 = 0
)

func NewTargetInfo(sint, vtl uint8, flags FeatureFlags) TargetInfo {
	return TargetInfo{SINT: sint, VTL: vtl, FeatureFlags: flags}
}

// AsUint64 packs the target info into the wire's single 64-bit field.
func (t TargetInfo) AsUint64() uint64 {
	return uint64(t.SINT) | uint64(t.VTL)<<8 | uint64(t.FeatureFlags)<<16
}

func TargetInfoFromUint64(v uint64) TargetInfo {
	return TargetInfo{
		SINT:         uint8(v),
		VTL:          uint8(v >> 8),
		FeatureFlags: FeatureFlags(v >> 16),
	}
}

// MonitorPageGpas names the pair of monitor pages used for interrupt-free
// signaling between guest and host.
type MonitorPageGpas struct {
	ParentToChild uint64
	ChildToParent uint64
}

// StatusSuccess is the NTSTATUS-style success code used in GpadlCreated and
// OpenResult.
const StatusSuccess uint32 = 0

// VmbusMessageRedirectConnectionID is the fixed synic connection id every
// outbound VMBus message is posted to.
const VmbusMessageRedirectConnectionID uint32 = 1

// VmbusMessageKind is the fixed synic message kind every outbound VMBus
// message is posted as. The per-message discriminator travels in the
// payload's own header, never in the synic kind field.
const VmbusMessageKind uint32 = 1

// MaxMessageSize bounds a single framed message, mirroring the synic's
// maximum post_message payload.
const MaxMessageSize = 4096

// MaxHeaderValues / MaxBodyValues bound how many 8-byte GPADL PFN entries
// fit in a single GpadlHeader vs. a single GpadlBody chunk, leaving room in
// the MaxMessageSize budget for the rest of each message's fixed fields.
const (
	MaxHeaderValues = 28
	MaxBodyValues   = 31
)

// Guid is the wire representation of a 128-bit interface/instance/client
// identifier.
type Guid = uuid.UUID
