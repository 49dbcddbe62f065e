package protocol

import "fmt"

// Package is one of the message kinds in this file. The set is closed: only
// types in this package implement it.
type Package interface {
	record
	Tag() Tag
}

// DeviceIdentity introduces a peer's stable identity.
type DeviceIdentity struct {
	DeviceID string
}

func (p *DeviceIdentity) Tag() Tag { return TagDeviceIdentity }

func (p *DeviceIdentity) size() int { return stringSize(p.DeviceID) }

func (p *DeviceIdentity) encode(w *writer) {
	w.string(p.DeviceID)
}

func (p *DeviceIdentity) decode(r *Reader, st *ParseState) bool {
	for {
		switch st.Step {
		case 0:
			if !r.readString(st, "deviceId", &p.DeviceID) {
				return false
			}
		default:
			return st.finish()
		}
	}
}

// BindPort announces the UDP port a peer relays through.
type BindPort struct {
	Port int32
}

func (p *BindPort) Tag() Tag { return TagBindPort }

func (p *BindPort) size() int { return 4 }

func (p *BindPort) encode(w *writer) {
	w.int32(p.Port)
}

func (p *BindPort) decode(r *Reader, st *ParseState) bool {
	for {
		switch st.Step {
		case 0:
			if !r.readInt32(st, &p.Port) {
				return false
			}
		default:
			return st.finish()
		}
	}
}

// Forward carries one UDP datagram. Port is the source port when sent by the
// originating peer and the destination port after the host relays it.
// A nil Payload is encoded as absent.
type Forward struct {
	Port    int32
	Payload []byte
}

func (p *Forward) Tag() Tag { return TagForward }

func (p *Forward) size() int { return 4 + bytesSize(p.Payload) }

func (p *Forward) encode(w *writer) {
	w.int32(p.Port)
	w.bytes(p.Payload, true)
}

func (p *Forward) decode(r *Reader, st *ParseState) bool {
	for {
		switch st.Step {
		case 0:
			if !r.readInt32(st, &p.Port) {
				return false
			}
		case 1:
			if !r.readBytes(st, "payload", true, MaxDatagramSize, &p.Payload) {
				return false
			}
		default:
			return st.finish()
		}
	}
}

// UserRecord is one roster entry inside AllUserInfo.
type UserRecord struct {
	DeviceID string
	Port     int32
}

func (u *UserRecord) size() int { return stringSize(u.DeviceID) + 4 }

func (u *UserRecord) encode(w *writer) {
	w.string(u.DeviceID)
	w.int32(u.Port)
}

func (u *UserRecord) decode(r *Reader, st *ParseState) bool {
	for {
		switch st.Step {
		case 0:
			if !r.readString(st, "deviceId", &u.DeviceID) {
				return false
			}
		case 1:
			if !r.readInt32(st, &u.Port) {
				return false
			}
		default:
			return st.finish()
		}
	}
}

// AllUserInfo is the full roster broadcast by the host.
type AllUserInfo struct {
	Users []UserRecord
}

func (p *AllUserInfo) Tag() Tag { return TagAllUserInfo }

func (p *AllUserInfo) size() int {
	n := 4
	for i := range p.Users {
		n += p.Users[i].size()
	}
	return n
}

func (p *AllUserInfo) encode(w *writer) {
	w.int32(int32(len(p.Users)))
	for i := range p.Users {
		p.Users[i].encode(w)
	}
}

func (p *AllUserInfo) decode(r *Reader, st *ParseState) bool {
	for {
		switch st.Step {
		case 0:
			if !readRecords(r, st, "users", &p.Users) {
				return false
			}
		default:
			return st.finish()
		}
	}
}

// ServiceIdentity announces a room identity and the public key clients use to
// encrypt their authentication proof.
type ServiceIdentity struct {
	Index     int32
	ServiceID string
	PublicKey string
}

func (p *ServiceIdentity) Tag() Tag { return TagServiceIdentity }

func (p *ServiceIdentity) size() int {
	return 4 + stringSize(p.ServiceID) + stringSize(p.PublicKey)
}

func (p *ServiceIdentity) encode(w *writer) {
	w.int32(p.Index)
	w.string(p.ServiceID)
	w.string(p.PublicKey)
}

func (p *ServiceIdentity) decode(r *Reader, st *ParseState) bool {
	for {
		switch st.Step {
		case 0:
			if !r.readInt32(st, &p.Index) {
				return false
			}
		case 1:
			if !r.readString(st, "serviceId", &p.ServiceID) {
				return false
			}
		case 2:
			if !r.readString(st, "publicKey", &p.PublicKey) {
				return false
			}
		default:
			return st.finish()
		}
	}
}

// AuthenticationChallenge carries a client's encrypted secret for the room
// identity at Index. Empty DeviceID and AuthenticationID request a fresh
// registration.
type AuthenticationChallenge struct {
	Index            int32
	DeviceID         string
	AuthenticationID string
}

func (p *AuthenticationChallenge) Tag() Tag { return TagAuthenticationChallenge }

// IsRegistration reports whether the challenge asks for a new identity.
func (p *AuthenticationChallenge) IsRegistration() bool {
	return p.DeviceID == "" || p.AuthenticationID == ""
}

func (p *AuthenticationChallenge) size() int {
	return 4 + stringSize(p.DeviceID) + stringSize(p.AuthenticationID)
}

func (p *AuthenticationChallenge) encode(w *writer) {
	w.int32(p.Index)
	w.string(p.DeviceID)
	w.string(p.AuthenticationID)
}

func (p *AuthenticationChallenge) decode(r *Reader, st *ParseState) bool {
	for {
		switch st.Step {
		case 0:
			if !r.readInt32(st, &p.Index) {
				return false
			}
		case 1:
			if !r.readString(st, "deviceId", &p.DeviceID) {
				return false
			}
		case 2:
			if !r.readString(st, "authenticationId", &p.AuthenticationID) {
				return false
			}
		default:
			return st.finish()
		}
	}
}

// ConfirmRegistration assigns a new device identity and its plaintext secret.
type ConfirmRegistration struct {
	DeviceID         string
	AuthenticationID string
}

func (p *ConfirmRegistration) Tag() Tag { return TagConfirmRegistration }

func (p *ConfirmRegistration) size() int {
	return stringSize(p.DeviceID) + stringSize(p.AuthenticationID)
}

func (p *ConfirmRegistration) encode(w *writer) {
	w.string(p.DeviceID)
	w.string(p.AuthenticationID)
}

func (p *ConfirmRegistration) decode(r *Reader, st *ParseState) bool {
	for {
		switch st.Step {
		case 0:
			if !r.readString(st, "deviceId", &p.DeviceID) {
				return false
			}
		case 1:
			if !r.readString(st, "authenticationId", &p.AuthenticationID) {
				return false
			}
		default:
			return st.finish()
		}
	}
}

// SwitchServiceIdentity asks the host to announce the room identity at Index.
type SwitchServiceIdentity struct {
	Index int32
}

func (p *SwitchServiceIdentity) Tag() Tag { return TagSwitchServiceIdentity }

func (p *SwitchServiceIdentity) size() int { return 4 }

func (p *SwitchServiceIdentity) encode(w *writer) {
	w.int32(p.Index)
}

func (p *SwitchServiceIdentity) decode(r *Reader, st *ParseState) bool {
	for {
		switch st.Step {
		case 0:
			if !r.readInt32(st, &p.Index) {
				return false
			}
		default:
			return st.finish()
		}
	}
}

// Describe returns a short debug representation of p.
func Describe(p Package) string {
	switch v := p.(type) {
	case *DeviceIdentity:
		return fmt.Sprintf("DeviceIdentity{DeviceID=%q}", v.DeviceID)
	case *BindPort:
		return fmt.Sprintf("BindPort{Port=%d}", v.Port)
	case *Forward:
		return fmt.Sprintf("Forward{Port=%d, PayloadLen=%d}", v.Port, len(v.Payload))
	case *AllUserInfo:
		return fmt.Sprintf("AllUserInfo{Users=%d}", len(v.Users))
	case *ServiceIdentity:
		return fmt.Sprintf("ServiceIdentity{Index=%d, ServiceID=%q}", v.Index, v.ServiceID)
	case *AuthenticationChallenge:
		return fmt.Sprintf("AuthenticationChallenge{Index=%d, DeviceID=%q}", v.Index, v.DeviceID)
	case *ConfirmRegistration:
		return fmt.Sprintf("ConfirmRegistration{DeviceID=%q}", v.DeviceID)
	case *SwitchServiceIdentity:
		return fmt.Sprintf("SwitchServiceIdentity{Index=%d}", v.Index)
	default:
		return p.Tag().String()
	}
}
