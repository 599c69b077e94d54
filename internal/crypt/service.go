package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/titanplay/backend/internal/apperr"
)

// Options tunes the encryption lifecycle.
type Options struct {
	// PreviousKeyGrace keeps the demoted key usable for decryption after a
	// rotation or duplicate handshake.
	PreviousKeyGrace time.Duration
	// RotationInterval ages a key into needing rotation.
	RotationInterval time.Duration
	// MaxMessagesPerKey counts a key into needing rotation.
	MaxMessagesPerKey int64
	// ReplayWindow bounds how old an admitted sequence may be.
	ReplayWindow time.Duration
	// ReplayCapacity bounds the replay set size per key.
	ReplayCapacity int
	// MaxForwardSkew tolerates client clocks running ahead of the server.
	MaxForwardSkew time.Duration
	// MaxBackwardSkew tolerates envelope age (client behind, or slow path).
	MaxBackwardSkew time.Duration
}

// DefaultOptions matches the production deployment.
func DefaultOptions() Options {
	return Options{
		PreviousKeyGrace:  30 * time.Second,
		RotationInterval:  time.Hour,
		MaxMessagesPerKey: 10000,
		ReplayWindow:      60 * time.Second,
		ReplayCapacity:    1024,
		MaxForwardSkew:    5 * time.Second,
		MaxBackwardSkew:   60 * time.Second,
	}
}

// KeyExchangeRequest carries the client's SPKI-encoded public keys.
type KeyExchangeRequest struct {
	ClientPublicKey        []byte `json:"clientPublicKey"`
	ClientSigningPublicKey []byte `json:"clientSigningPublicKey"`
}

// KeyExchangeResponse carries the server's side of the exchange.
type KeyExchangeResponse struct {
	KeyID                  string `json:"keyId"`
	ServerPublicKey        []byte `json:"serverPublicKey"`
	ServerSigningPublicKey []byte `json:"serverSigningPublicKey"`
	HKDFSalt               []byte `json:"hkdfSalt"`
}

// RotationRequest is pushed to the client when the server rotates a key.
type RotationRequest struct {
	KeyID           string `json:"keyId"`
	ServerPublicKey []byte `json:"serverPublicKey"`
	HKDFSalt        []byte `json:"hkdfSalt"`
}

// RotationAck is the client's answer completing a rotation.
type RotationAck struct {
	KeyID                  string `json:"keyId"`
	ClientPublicKey        []byte `json:"clientPublicKey"`
	ClientSigningPublicKey []byte `json:"clientSigningPublicKey"`
}

// Stats is the admin view of one user's encryption state.
type Stats struct {
	UserID            string    `json:"userId"`
	KeyID             string    `json:"keyId"`
	MessageCount      int64     `json:"messageCount"`
	CreatedAt         time.Time `json:"createdAt"`
	NeedsRotation     bool      `json:"needsRotation"`
	HasPrevious       bool      `json:"hasPrevious"`
	PreviousExpiresAt time.Time `json:"previousExpiresAt,omitempty"`
}

// ConfigView is the runtime switch state exposed to clients and admins.
type ConfigView struct {
	Enabled  bool `json:"enabled"`
	Required bool `json:"required"`
}

// keySlot holds one derived key and the key material bound to it. The replay
// window travels with the key: a fresh exchange or a rotation starts a fresh
// sequence space, so a client restarting at sequence 1 under a new key id is
// not a replay.
type keySlot struct {
	KeyID        string
	aead         cipher.AEAD
	serverECDH   *ecdh.PrivateKey
	signKey      *ecdsa.PrivateKey
	clientVerify *ecdsa.PublicKey
	salt         []byte // retained on tentative slots until the ack arrives
	replay       *replayWindow
	MessageCount atomic.Int64
	CreatedAt    time.Time
	ExpiresAt    time.Time // grace deadline; zero on current
}

func (s *keySlot) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// userState is the per-user encryption state machine. One mutex guards the
// slots and their replay windows; counters are atomic.
type userState struct {
	mu        sync.Mutex
	current   *keySlot
	previous  *keySlot
	tentative *keySlot
	sendSeq   atomic.Int64
}

// Service owns encryption state for every user terminated on this node.
type Service struct {
	mu      sync.RWMutex
	users   map[string]*userState
	opts    Options
	metrics *Metrics
	now     func() time.Time

	enabled  atomic.Bool
	required atomic.Bool
}

// NewService creates an encryption service. Enabled defaults to true,
// required to false.
func NewService(opts Options, metrics *Metrics) *Service {
	def := DefaultOptions()
	if opts.PreviousKeyGrace <= 0 {
		opts.PreviousKeyGrace = def.PreviousKeyGrace
	}
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = def.RotationInterval
	}
	if opts.MaxMessagesPerKey <= 0 {
		opts.MaxMessagesPerKey = def.MaxMessagesPerKey
	}
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = def.ReplayWindow
	}
	if opts.ReplayCapacity <= 0 {
		opts.ReplayCapacity = def.ReplayCapacity
	}
	if opts.MaxForwardSkew <= 0 {
		opts.MaxForwardSkew = def.MaxForwardSkew
	}
	if opts.MaxBackwardSkew <= 0 {
		opts.MaxBackwardSkew = def.MaxBackwardSkew
	}
	s := &Service{
		users:   make(map[string]*userState),
		opts:    opts,
		metrics: metrics,
		now:     time.Now,
	}
	s.enabled.Store(true)
	return s
}

// SetNow overrides the clock for tests.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// Enabled reports the runtime enable switch.
func (s *Service) Enabled() bool { return s.enabled.Load() }

// Required reports whether plaintext calls on keyed connections are refused.
func (s *Service) Required() bool { return s.required.Load() }

// SetEnabled flips the enable switch.
func (s *Service) SetEnabled(v bool) { s.enabled.Store(v) }

// SetRequired flips the required switch.
func (s *Service) SetRequired(v bool) { s.required.Store(v) }

// Config returns the runtime switch state.
func (s *Service) Config() ConfigView {
	return ConfigView{Enabled: s.Enabled(), Required: s.Required()}
}

func (s *Service) state(userID string, create bool) *userState {
	s.mu.RLock()
	st := s.users[userID]
	s.mu.RUnlock()
	if st != nil || !create {
		return st
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st = s.users[userID]; st == nil {
		st = &userState{}
		s.users[userID] = st
	}
	return st
}

func (s *Service) newReplay() *replayWindow {
	return newReplayWindow(s.opts.ReplayWindow, s.opts.ReplayCapacity)
}

// HasState reports whether the user holds a live current key.
func (s *Service) HasState(userID string) bool {
	st := s.state(userID, false)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current != nil
}

// KeyExchange performs the server side of an ECDH exchange and installs the
// derived key as the user's current slot. An existing current slot is
// demoted to previous with a short grace so duplicate handshakes (component
// remounts, parallel hubs) do not break in-flight messages.
func (s *Service) KeyExchange(userID string, req *KeyExchangeRequest) (*KeyExchangeResponse, error) {
	if !s.Enabled() {
		return nil, apperr.New(apperr.KindValidationFailed, "encryption is disabled")
	}

	clientPub, err := parseECDHPublicKey(req.ClientPublicKey)
	if err != nil {
		return nil, apperr.SecurityViolation(err)
	}
	clientVerify, err := parseSigningPublicKey(req.ClientSigningPublicKey)
	if err != nil {
		return nil, apperr.SecurityViolation(err)
	}

	serverECDH, err := generateECDHKey()
	if err != nil {
		return nil, err
	}
	signKey, err := generateSigningKey()
	if err != nil {
		return nil, err
	}
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}

	aead, err := buildAEAD(serverECDH, clientPub, salt)
	if err != nil {
		return nil, err
	}

	slot := &keySlot{
		KeyID:        uuid.NewString(),
		aead:         aead,
		serverECDH:   serverECDH,
		signKey:      signKey,
		clientVerify: clientVerify,
		replay:       s.newReplay(),
		CreatedAt:    s.now(),
	}

	st := s.state(userID, true)
	st.mu.Lock()
	if st.current != nil {
		st.current.ExpiresAt = s.now().Add(s.opts.PreviousKeyGrace)
		st.previous = st.current
	}
	st.current = slot
	st.mu.Unlock()

	serverPub, err := marshalPublicKey(serverECDH.PublicKey())
	if err != nil {
		return nil, err
	}
	serverSignPub, err := marshalPublicKey(&signKey.PublicKey)
	if err != nil {
		return nil, err
	}

	s.metrics.incExchanges()
	slog.Info("key exchange completed", "user_id", userID, "key_id", slot.KeyID)

	return &KeyExchangeResponse{
		KeyID:                  slot.KeyID,
		ServerPublicKey:        serverPub,
		ServerSigningPublicKey: serverSignPub,
		HKDFSalt:               salt,
	}, nil
}

func buildAEAD(serverKey *ecdh.PrivateKey, clientPub *ecdh.PublicKey, salt []byte) (cipher.AEAD, error) {
	key, err := deriveAEADKey(serverKey, clientPub, salt)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init AES: %w", err)
	}
	return cipher.NewGCM(block)
}

// slotFor resolves the sealing slot: the hint when it matches current or an
// unexpired previous, else current. Caller holds st.mu.
func (st *userState) slotFor(keyIDHint string, now time.Time) *keySlot {
	if keyIDHint != "" {
		if st.current != nil && st.current.KeyID == keyIDHint {
			return st.current
		}
		if st.previous != nil && st.previous.KeyID == keyIDHint && !st.previous.expired(now) {
			return st.previous
		}
	}
	return st.current
}

// EncryptAndSign seals payload for the user. keyIDHint pins the slot that
// handled the inbound envelope so a response crosses a rotation cleanly;
// pass "" for the current key.
func (s *Service) EncryptAndSign(userID string, payload []byte, keyIDHint string) (*Envelope, error) {
	st := s.state(userID, false)
	if st == nil {
		return nil, apperr.SecurityViolation(errors.New("no encryption state for user"))
	}

	now := s.now()
	st.mu.Lock()
	slot := st.slotFor(keyIDHint, now)
	if slot == nil {
		st.mu.Unlock()
		return nil, apperr.SecurityViolation(errors.New("no current key"))
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		st.mu.Unlock()
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	sealed := slot.aead.Seal(nil, nonce, payload, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	env := &Envelope{
		KeyID:          slot.KeyID,
		Nonce:          nonce,
		Ciphertext:     ciphertext,
		Tag:            tag,
		Timestamp:      now.UnixMilli(),
		SequenceNumber: st.sendSeq.Add(1),
	}

	signature, err := sign(slot.signKey, env.transcript())
	if err != nil {
		st.mu.Unlock()
		return nil, err
	}
	env.Signature = signature
	slot.MessageCount.Add(1)
	st.mu.Unlock()

	s.metrics.incSealed()
	return env, nil
}

// DecryptAndVerify opens an inbound envelope. Checks run strictly in order:
// slot lookup, timestamp skew, replay, signature, AEAD. Nothing advances on
// failure; the sequence is recorded only after the payload authenticates.
func (s *Service) DecryptAndVerify(userID string, env *Envelope) ([]byte, error) {
	if err := env.validateShape(); err != nil {
		s.metrics.incDecryptFailure("shape")
		return nil, apperr.SecurityViolation(err)
	}

	st := s.state(userID, false)
	if st == nil {
		s.metrics.incDecryptFailure("no_state")
		return nil, apperr.SecurityViolation(errors.New("no encryption state for user"))
	}

	now := s.now()
	st.mu.Lock()
	defer st.mu.Unlock()

	var slot *keySlot
	switch {
	case st.current != nil && st.current.KeyID == env.KeyID:
		slot = st.current
	case st.previous != nil && st.previous.KeyID == env.KeyID && !st.previous.expired(now):
		slot = st.previous
	default:
		s.metrics.incDecryptFailure("key_id")
		s.logViolation(userID, env.KeyID, "invalid key id")
		return nil, apperr.SecurityViolation(errors.New("invalid key ID"))
	}

	ts := time.UnixMilli(env.Timestamp)
	if ts.After(now.Add(s.opts.MaxForwardSkew)) || ts.Before(now.Add(-s.opts.MaxBackwardSkew)) {
		s.metrics.incDecryptFailure("skew")
		s.logViolation(userID, env.KeyID, "timestamp outside tolerance")
		return nil, apperr.SecurityViolation(errors.New("timestamp outside tolerance"))
	}

	if err := slot.replay.check(env.SequenceNumber, now); err != nil {
		s.metrics.incDecryptFailure("replay")
		s.logViolation(userID, env.KeyID, "replayed sequence")
		return nil, apperr.SecurityViolation(err)
	}

	if !verify(slot.clientVerify, env.transcript(), env.Signature) {
		s.metrics.incDecryptFailure("signature")
		s.logViolation(userID, env.KeyID, "signature mismatch")
		return nil, apperr.SecurityViolation(errors.New("signature mismatch"))
	}

	sealed := make([]byte, 0, len(env.Ciphertext)+len(env.Tag))
	sealed = append(sealed, env.Ciphertext...)
	sealed = append(sealed, env.Tag...)
	plaintext, err := slot.aead.Open(nil, env.Nonce, sealed, nil)
	if err != nil {
		s.metrics.incDecryptFailure("aead")
		s.logViolation(userID, env.KeyID, "AEAD open failed")
		return nil, apperr.SecurityViolation(err)
	}

	slot.replay.record(env.SequenceNumber, now)
	s.metrics.incOpened()
	return plaintext, nil
}

func (s *Service) logViolation(userID, keyID, reason string) {
	slog.Warn("security violation", "user_id", userID, "key_id", keyID, "reason", reason)
}

// NeedsRotation reports whether the user's current key has aged or counted
// itself into rotation.
func (s *Service) NeedsRotation(userID string) bool {
	st := s.state(userID, false)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.slotNeedsRotation(st.current)
}

func (s *Service) slotNeedsRotation(slot *keySlot) bool {
	if slot == nil {
		return false
	}
	if slot.MessageCount.Load() >= s.opts.MaxMessagesPerKey {
		return true
	}
	return s.now().Sub(slot.CreatedAt) >= s.opts.RotationInterval
}

// InitiateRotation prepares a tentative key and returns the rotation request
// to push to the client. The current key keeps serving until the ack.
func (s *Service) InitiateRotation(userID string) (*RotationRequest, error) {
	st := s.state(userID, false)
	if st == nil {
		return nil, apperr.NotFound("no encryption state for user")
	}

	serverECDH, err := generateECDHKey()
	if err != nil {
		return nil, err
	}
	salt, err := newSalt()
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	if st.current == nil {
		st.mu.Unlock()
		return nil, apperr.NotFound("no encryption state for user")
	}
	slot := &keySlot{
		KeyID:      uuid.NewString(),
		serverECDH: serverECDH,
		// The signing key survives rotation: only the agreement key turns
		// over, so the client keeps verifying with the key it already holds.
		signKey:   st.current.signKey,
		salt:      salt,
		replay:    s.newReplay(),
		CreatedAt: s.now(),
		// The ack must land within the grace window or the rotation is
		// abandoned and the slot cleaned up.
		ExpiresAt: s.now().Add(s.opts.PreviousKeyGrace),
	}
	st.tentative = slot
	st.mu.Unlock()

	serverPub, err := marshalPublicKey(serverECDH.PublicKey())
	if err != nil {
		return nil, err
	}

	s.metrics.incRotationInitiated()
	slog.Info("key rotation initiated", "user_id", userID, "key_id", slot.KeyID)

	return &RotationRequest{
		KeyID:           slot.KeyID,
		ServerPublicKey: serverPub,
		HKDFSalt:        salt,
	}, nil
}

// CompleteRotation derives the tentative key from the client's ack and
// promotes it: tentative becomes current, the old current becomes previous
// with a bounded grace for in-flight envelopes.
func (s *Service) CompleteRotation(userID string, ack *RotationAck) error {
	st := s.state(userID, false)
	if st == nil {
		return apperr.NotFound("no encryption state for user")
	}

	clientPub, err := parseECDHPublicKey(ack.ClientPublicKey)
	if err != nil {
		return apperr.SecurityViolation(err)
	}
	clientVerify, err := parseSigningPublicKey(ack.ClientSigningPublicKey)
	if err != nil {
		return apperr.SecurityViolation(err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	slot := st.tentative
	if slot == nil || slot.KeyID != ack.KeyID || slot.expired(s.now()) {
		return apperr.SecurityViolation(errors.New("unknown rotation key id"))
	}

	aead, err := buildAEAD(slot.serverECDH, clientPub, slot.salt)
	if err != nil {
		return err
	}
	slot.aead = aead
	slot.clientVerify = clientVerify
	slot.salt = nil
	slot.ExpiresAt = time.Time{}

	if st.current != nil {
		st.current.ExpiresAt = s.now().Add(s.opts.PreviousKeyGrace)
		st.previous = st.current
	}
	st.current = slot
	st.tentative = nil

	s.metrics.incRotationCompleted()
	slog.Info("key rotation completed", "user_id", userID, "key_id", slot.KeyID)
	return nil
}

// CleanupExpired purges previous-key slots whose grace has lapsed and
// tentative slots whose rotation was never acked. Returns the number of
// slots removed.
func (s *Service) CleanupExpired() int {
	now := s.now()
	s.mu.RLock()
	states := make([]*userState, 0, len(s.users))
	for _, st := range s.users {
		states = append(states, st)
	}
	s.mu.RUnlock()

	removed := 0
	for _, st := range states {
		st.mu.Lock()
		if st.previous != nil && st.previous.expired(now) {
			st.previous = nil
			removed++
		}
		if st.tentative != nil && st.tentative.expired(now) {
			st.tentative = nil
			removed++
		}
		st.mu.Unlock()
	}
	s.metrics.incCleanups(removed)
	return removed
}

// RemoveState drops all encryption state for the user. The next message
// requires a fresh key exchange.
func (s *Service) RemoveState(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return false
	}
	delete(s.users, userID)
	return true
}

// Stats returns the admin view of one user's state.
func (s *Service) Stats(userID string) (*Stats, error) {
	st := s.state(userID, false)
	if st == nil {
		return nil, apperr.NotFound("no encryption state for user")
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.current == nil {
		return nil, apperr.NotFound("no encryption state for user")
	}
	out := &Stats{
		UserID:        userID,
		KeyID:         st.current.KeyID,
		MessageCount:  st.current.MessageCount.Load(),
		CreatedAt:     st.current.CreatedAt,
		NeedsRotation: s.slotNeedsRotation(st.current),
		HasPrevious:   st.previous != nil,
	}
	if st.previous != nil {
		out.PreviousExpiresAt = st.previous.ExpiresAt
	}
	return out, nil
}

// NeedingRotation lists users whose current key needs rotation.
func (s *Service) NeedingRotation() []string {
	s.mu.RLock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var out []string
	for _, id := range ids {
		if s.NeedsRotation(id) {
			out = append(out, id)
		}
	}
	return out
}

// Users lists every user with encryption state on this node.
func (s *Service) Users() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	return ids
}
