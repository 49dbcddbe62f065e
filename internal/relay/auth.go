package relay

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/1143910315/RainWorldConnect/internal/crypto"
	"github.com/1143910315/RainWorldConnect/internal/identity"
	"github.com/1143910315/RainWorldConnect/internal/logging"
	"github.com/1143910315/RainWorldConnect/internal/store"
)

// Store keys.
const (
	keyRoomIdentities = "room_identities"
	keyMaxDeviceID    = "max_generated_device_id"

	prefixRoomKey      = "room_key_"
	prefixDeviceSecret = "device_secret_"
	prefixRoomSecret   = "room_secret_"
	prefixRoomDevice   = "room_device_"
	prefixRemark       = "remark_"
)

// ErrRoomIdentityLimit is returned when a rotation would grow the room
// identity list past its cap.
var ErrRoomIdentityLimit = errors.New("room identity limit reached")

// RoomIdentity is one entry of the host's room identity list.
type RoomIdentity struct {
	Index     int32
	ID        string
	PublicKey string
}

// roomAuthority owns the host's room identities, their keypairs and the
// device secrets issued at registration.
type roomAuthority struct {
	store  store.Store
	limit  int
	logger *slog.Logger

	mu    sync.Mutex
	rooms []string
	keys  map[string]crypto.Keypair
}

func newRoomAuthority(st store.Store, limit int, logger *slog.Logger) (*roomAuthority, error) {
	a := &roomAuthority{
		store:  st,
		limit:  limit,
		logger: logger,
		keys:   make(map[string]crypto.Keypair),
	}
	if raw, ok := st.Get(keyRoomIdentities); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &a.rooms); err != nil {
			return nil, fmt.Errorf("load room identities: %w", err)
		}
	}
	return a, nil
}

// Count returns the length of the room identity list.
func (a *roomAuthority) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rooms)
}

// Identity returns the room identity at index, creating its keypair if
// needed. An index at or past the end appends one new identity and returns
// that instead; negative indexes are treated as 0.
func (a *roomAuthority) Identity(index int32) (RoomIdentity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < 0 {
		index = 0
	}
	if int(index) >= len(a.rooms) {
		if len(a.rooms) >= a.limit {
			return RoomIdentity{}, fmt.Errorf("%w (%d)", ErrRoomIdentityLimit, a.limit)
		}
		if err := a.appendLocked(uuid.NewString()); err != nil {
			return RoomIdentity{}, err
		}
		index = int32(len(a.rooms) - 1)
	}

	id := a.rooms[index]
	kp, _, err := a.keypairLocked(id, true)
	if err != nil {
		return RoomIdentity{}, err
	}
	return RoomIdentity{Index: index, ID: id, PublicKey: kp.PublicString()}, nil
}

func (a *roomAuthority) appendLocked(id string) error {
	rooms := append(a.rooms, id)
	raw, err := json.Marshal(rooms)
	if err != nil {
		return fmt.Errorf("encode room identities: %w", err)
	}
	if err := a.store.Set(keyRoomIdentities, string(raw)); err != nil {
		return fmt.Errorf("persist room identities: %w", err)
	}
	a.rooms = rooms
	a.logger.Info("room identity created",
		logging.KeyRoomID, id,
		logging.KeyIndex, len(rooms)-1)
	return nil
}

// keypairLocked loads the keypair of a room, creating and persisting one when
// create is set.
func (a *roomAuthority) keypairLocked(roomID string, create bool) (crypto.Keypair, bool, error) {
	if kp, ok := a.keys[roomID]; ok {
		return kp, true, nil
	}
	if raw, ok := a.store.Get(prefixRoomKey + roomID); ok {
		priv, err := crypto.DecodeKey(raw)
		if err != nil {
			return crypto.Keypair{}, false, fmt.Errorf("room %s key: %w", roomID, err)
		}
		kp := crypto.KeypairFromPrivate(priv)
		a.keys[roomID] = kp
		return kp, true, nil
	}
	if !create {
		return crypto.Keypair{}, false, nil
	}

	kp, err := crypto.GenerateKeypair()
	if err != nil {
		return crypto.Keypair{}, false, fmt.Errorf("generate room key: %w", err)
	}
	if err := a.store.Set(prefixRoomKey+roomID, kp.PrivateString()); err != nil {
		return crypto.Keypair{}, false, fmt.Errorf("persist room key: %w", err)
	}
	a.keys[roomID] = kp
	return kp, true, nil
}

// Register mints the next device id and a fresh secret and persists both.
func (a *roomAuthority) Register() (deviceID, secret string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prev, ok := a.store.Get(keyMaxDeviceID)
	if !ok || prev == "" {
		prev = identity.HostDeviceID
	}
	deviceID = identity.Next(prev)
	secret = uuid.NewString()

	if err := a.store.Set(prefixDeviceSecret+deviceID, secret); err != nil {
		return "", "", fmt.Errorf("persist device secret: %w", err)
	}
	if err := a.store.Set(keyMaxDeviceID, deviceID); err != nil {
		return "", "", fmt.Errorf("persist device id: %w", err)
	}
	return deviceID, secret, nil
}

// Verify reports whether sealed is the secret issued to deviceID, sealed to
// the room identity at index. A missing key, a missing secret, an index out
// of range and a failed decryption all report false.
func (a *roomAuthority) Verify(index int32, deviceID, sealed string) bool {
	a.mu.Lock()
	if index < 0 || int(index) >= len(a.rooms) {
		a.mu.Unlock()
		return false
	}
	kp, ok, err := a.keypairLocked(a.rooms[index], false)
	a.mu.Unlock()
	if err != nil || !ok {
		return false
	}

	want, ok := a.store.Get(prefixDeviceSecret + deviceID)
	if !ok {
		return false
	}

	box := crypto.NewSealedBoxFromKeypair(kp)
	got, err := box.OpenString(sealed)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// sealSecret encrypts a stored client secret to an announced room key.
func sealSecret(publicKey, secret string) (string, error) {
	pub, err := crypto.DecodeKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("room public key: %w", err)
	}
	return crypto.NewSealedBox(pub).SealString(secret)
}
