// Package protocol defines the RainWorldConnect wire protocol.
//
// Every package travels as a frame:
//
//	Tag  [4 bytes] - package kind (little-endian int32)
//	Body [n bytes] - package fields in declaration order
//
// Integers are little-endian. Strings and arrays carry a 4-byte signed length
// prefix; -1 marks an absent value for nullable fields.
package protocol

// Tag identifies a package kind on the wire. Values follow registration order
// and must match on both ends of a connection.
type Tag int32

// Package tags
const (
	TagDeviceIdentity          Tag = 0 // Stable peer identity
	TagBindPort                Tag = 1 // UDP port the peer relays through
	TagForward                 Tag = 2 // Relayed UDP datagram
	TagAllUserInfo             Tag = 3 // Full roster broadcast
	TagServiceIdentity         Tag = 4 // Room identity and public key
	TagAuthenticationChallenge Tag = 5 // Encrypted proof or registration request
	TagConfirmRegistration     Tag = 6 // Newly minted identity and secret
	TagSwitchServiceIdentity   Tag = 7 // Ask the host for another room identity

	tagCount = 8
)

// Protocol limits
const (
	TagSize = 4

	// MaxFieldLength bounds any string, byte array or array element count.
	MaxFieldLength = 16 * 1024 * 1024

	// MaxDatagramSize is the largest UDP payload carried by a Forward package.
	MaxDatagramSize = 65507
)

// String returns a human-readable name for the tag.
func (t Tag) String() string {
	switch t {
	case TagDeviceIdentity:
		return "DEVICE_IDENTITY"
	case TagBindPort:
		return "BIND_PORT"
	case TagForward:
		return "FORWARD"
	case TagAllUserInfo:
		return "ALL_USER_INFO"
	case TagServiceIdentity:
		return "SERVICE_IDENTITY"
	case TagAuthenticationChallenge:
		return "AUTHENTICATION_CHALLENGE"
	case TagConfirmRegistration:
		return "CONFIRM_REGISTRATION"
	case TagSwitchServiceIdentity:
		return "SWITCH_SERVICE_IDENTITY"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t names a registered package kind.
func (t Tag) Valid() bool {
	return t >= 0 && t < tagCount
}

// New returns an empty package for the given tag.
func New(t Tag) (Package, error) {
	switch t {
	case TagDeviceIdentity:
		return &DeviceIdentity{}, nil
	case TagBindPort:
		return &BindPort{}, nil
	case TagForward:
		return &Forward{}, nil
	case TagAllUserInfo:
		return &AllUserInfo{}, nil
	case TagServiceIdentity:
		return &ServiceIdentity{}, nil
	case TagAuthenticationChallenge:
		return &AuthenticationChallenge{}, nil
	case TagConfirmRegistration:
		return &ConfirmRegistration{}, nil
	case TagSwitchServiceIdentity:
		return &SwitchServiceIdentity{}, nil
	default:
		return nil, &UnknownTagError{Tag: t}
	}
}
