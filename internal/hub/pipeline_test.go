package hub

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"

	"github.com/titanplay/backend/internal/crypt"
	"github.com/titanplay/backend/internal/kv"
	"github.com/titanplay/backend/internal/ratelimit"
)

func newTestPipeline(t *testing.T, reg *Registry, crypto *crypt.Service) (*Pipeline, *Hub) {
	t.Helper()
	limiter, err := ratelimit.NewEngine(kv.NewMemoryStore(), ratelimit.DefaultConfig(), nil)
	require.NoError(t, err)
	if crypto == nil {
		crypto = crypt.NewService(crypt.Options{}, nil)
	}
	p := NewPipeline(nil, limiter, crypto, reg, nil, time.Second)
	h := &Hub{
		name:     "test",
		path:     "/testHub",
		pipeline: p,
		conns:    make(map[string]*Conn),
		byUser:   make(map[string]map[string]*Conn),
	}
	return p, h
}

func testConn(h *Hub, userID string, roles ...string) *Conn {
	return &Conn{
		ID:       "c1",
		Identity: Identity{UserID: userID, Roles: roles},
		hub:      h,
		remoteIP: "10.0.0.1",
	}
}

func TestPipeline_DispatchesPlaintext(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Ping", func(_ context.Context, _ *Call) (any, error) {
		return "pong", nil
	})
	p, h := newTestPipeline(t, reg, nil)

	resp := p.Handle(context.Background(), testConn(h, "u1"), &requestFrame{ID: "1", Method: "Ping"})
	require.Nil(t, resp.Error)
	assert.Equal(t, "1", resp.ID)
	assert.False(t, resp.Encrypted)
	assert.JSONEq(t, `"pong"`, string(resp.Result))
	assert.Equal(t, "Default", resp.Headers["X-Rate-Limit-Policy"])
}

func TestPipeline_UnknownMethod(t *testing.T) {
	p, h := newTestPipeline(t, NewRegistry(), nil)

	resp := p.Handle(context.Background(), testConn(h, "u1"), &requestFrame{ID: "1", Method: "Nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Nil(t, resp.Result)
}

func TestPipeline_RoleEnforcement(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithRole("AdminOnly", "admin", func(_ context.Context, _ *Call) (any, error) {
		return "secret", nil
	})
	p, h := newTestPipeline(t, reg, nil)

	resp := p.Handle(context.Background(), testConn(h, "u1", "player"), &requestFrame{ID: "1", Method: "AdminOnly"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "FORBIDDEN", resp.Error.Code)

	resp = p.Handle(context.Background(), testConn(h, "u2", "player", "admin"), &requestFrame{ID: "2", Method: "AdminOnly"})
	assert.Nil(t, resp.Error)
}

func TestPipeline_RateLimitDenial(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Spam", func(_ context.Context, _ *Call) (any, error) { return nil, nil })
	p, h := newTestPipeline(t, reg, nil)
	require.NoError(t, p.limiter.Update(func(cfg *ratelimit.Config) error {
		cfg.Policies["Tight"] = ratelimit.Policy{Name: "Tight", Rules: []ratelimit.Rule{
			{MaxHits: 2, PeriodSeconds: 60, TimeoutSeconds: 30},
		}}
		cfg.Endpoints["/testHub/*"] = "Tight"
		return nil
	}))

	c := testConn(h, "u1")
	for i := 0; i < 2; i++ {
		resp := p.Handle(context.Background(), c, &requestFrame{ID: "x", Method: "Spam"})
		require.Nil(t, resp.Error)
	}

	resp := p.Handle(context.Background(), c, &requestFrame{ID: "x", Method: "Spam"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "RATE_LIMITED", resp.Error.Code)
	assert.Equal(t, 30, resp.Error.RetryAfterSeconds)
	assert.Equal(t, "30", resp.Headers["Retry-After"])
}

func TestPipeline_HandlerErrorsAreOpaque(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Boom", func(_ context.Context, _ *Call) (any, error) {
		return nil, errors.New("postgres password is hunter2")
	})
	reg.Register("Panic", func(_ context.Context, _ *Call) (any, error) {
		panic("internal pointer 0xdeadbeef")
	})
	p, h := newTestPipeline(t, reg, nil)

	resp := p.Handle(context.Background(), testConn(h, "u1"), &requestFrame{ID: "1", Method: "Boom"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "internal error", resp.Error.Message)

	resp = p.Handle(context.Background(), testConn(h, "u1"), &requestFrame{ID: "2", Method: "Panic"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "internal error", resp.Error.Message)
	assert.NotContains(t, resp.Error.Message, "deadbeef")
}

func TestPipeline_CallTimeout(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Slow", func(ctx context.Context, _ *Call) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p, h := newTestPipeline(t, reg, nil)
	p.callTimeout = 10 * time.Millisecond

	resp := p.Handle(context.Background(), testConn(h, "u1"), &requestFrame{ID: "1", Method: "Slow"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CANCELLED", resp.Error.Code)
}

// pipelineClient drives the client half of the encryption protocol against a
// pipeline-owned crypt.Service.
type pipelineClient struct {
	t       *testing.T
	ecdhKey *ecdh.PrivateKey
	signKey *ecdsa.PrivateKey
	keyID   string
	aead    cipher.AEAD
	seq     int64
}

func newPipelineClient(t *testing.T, svc *crypt.Service, userID string) *pipelineClient {
	t.Helper()
	ecdhKey, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	signKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	pub, err := x509.MarshalPKIXPublicKey(ecdhKey.PublicKey())
	require.NoError(t, err)
	signPub, err := x509.MarshalPKIXPublicKey(&signKey.PublicKey)
	require.NoError(t, err)

	resp, err := svc.KeyExchange(userID, &crypt.KeyExchangeRequest{
		ClientPublicKey:        pub,
		ClientSigningPublicKey: signPub,
	})
	require.NoError(t, err)

	parsed, err := x509.ParsePKIXPublicKey(resp.ServerPublicKey)
	require.NoError(t, err)
	srvECDH, err := parsed.(*ecdsa.PublicKey).ECDH()
	require.NoError(t, err)
	secret, err := ecdhKey.ECDH(srvECDH)
	require.NoError(t, err)

	key := make([]byte, 32)
	_, err = io.ReadFull(hkdf.New(sha256.New, secret, resp.HKDFSalt, []byte("titan-encryption-key")), key)
	require.NoError(t, err)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)

	return &pipelineClient{t: t, ecdhKey: ecdhKey, signKey: signKey, keyID: resp.KeyID, aead: aead}
}

func (c *pipelineClient) sealCall(method string, args ...json.RawMessage) json.RawMessage {
	inner, err := json.Marshal(gatewayCall{Method: method, Args: args})
	require.NoError(c.t, err)

	nonce := make([]byte, 12)
	_, err = rand.Read(nonce)
	require.NoError(c.t, err)
	sealed := c.aead.Seal(nil, nonce, inner, nil)

	c.seq++
	env := crypt.Envelope{
		KeyID:          c.keyID,
		Nonce:          nonce,
		Ciphertext:     sealed[:len(sealed)-16],
		Tag:            sealed[len(sealed)-16:],
		Timestamp:      time.Now().UnixMilli(),
		SequenceNumber: c.seq,
	}
	env.Signature = c.signTranscript(&env)

	raw, err := json.Marshal(env)
	require.NoError(c.t, err)
	return raw
}

// signTranscript reproduces the signed byte layout: length-prefixed keyId,
// nonce, ciphertext, tag, then timestamp and sequence, all little-endian.
func (c *pipelineClient) signTranscript(env *crypt.Envelope) []byte {
	var buf []byte
	appendSized := func(field []byte) {
		n := uint32(len(field))
		buf = append(buf, byte(n), byte(n>>8), byte(n>>16), byte(n>>24))
		buf = append(buf, field...)
	}
	appendInt64 := func(v int64) {
		for i := 0; i < 8; i++ {
			buf = append(buf, byte(v>>(8*i)))
		}
	}
	appendSized([]byte(env.KeyID))
	appendSized(env.Nonce)
	appendSized(env.Ciphertext)
	appendSized(env.Tag)
	appendInt64(env.Timestamp)
	appendInt64(env.SequenceNumber)

	digest := sha256.Sum256(buf)
	sig, err := ecdsa.SignASN1(rand.Reader, c.signKey, digest[:])
	require.NoError(c.t, err)
	return sig
}

func (c *pipelineClient) openResult(t *testing.T, resp *responseFrame) any {
	require.True(t, resp.Encrypted)
	var env crypt.Envelope
	require.NoError(t, json.Unmarshal(resp.Result, &env))
	sealed := append(append([]byte{}, env.Ciphertext...), env.Tag...)
	plaintext, err := c.aead.Open(nil, env.Nonce, sealed, nil)
	require.NoError(t, err)
	decoded, err := DecodeResult(plaintext)
	require.NoError(t, err)
	return decoded
}

func TestPipeline_EncryptedGatewayCall(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Echo", func(_ context.Context, call *Call) (any, error) {
		var msg string
		require.Len(t, call.Args, 1)
		require.NoError(t, json.Unmarshal(call.Args[0], &msg))
		return map[string]any{"echo": msg, "user": call.UserID}, nil
	})
	crypto := crypt.NewService(crypt.Options{}, nil)
	p, h := newTestPipeline(t, reg, crypto)

	client := newPipelineClient(t, crypto, "u1")
	arg, _ := json.Marshal("hello")
	envelope := client.sealCall("Echo", arg)

	resp := p.Handle(context.Background(), testConn(h, "u1"), &requestFrame{
		ID:     "1",
		Method: EncryptedGatewayMethod,
		Args:   []json.RawMessage{envelope},
	})
	require.Nil(t, resp.Error)

	result := client.openResult(t, resp)
	assert.Equal(t, map[string]any{"echo": "hello", "user": "u1"}, result)
}

func TestPipeline_GatewayRequiresKeyState(t *testing.T) {
	crypto := crypt.NewService(crypt.Options{}, nil)
	p, h := newTestPipeline(t, NewRegistry(), crypto)

	resp := p.Handle(context.Background(), testConn(h, "u1"), &requestFrame{
		ID:     "1",
		Method: EncryptedGatewayMethod,
		Args:   []json.RawMessage{json.RawMessage(`{}`)},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SECURITY_VIOLATION", resp.Error.Code)
}

func TestPipeline_RequiredModeBlocksPlaintext(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Ping", func(_ context.Context, _ *Call) (any, error) { return "pong", nil })
	reg.Register("KeyExchange", func(_ context.Context, _ *Call) (any, error) { return "ok", nil })
	crypto := crypt.NewService(crypt.Options{}, nil)
	crypto.SetRequired(true)
	p, h := newTestPipeline(t, reg, crypto)

	// No key state yet: plaintext is still fine.
	resp := p.Handle(context.Background(), testConn(h, "u1"), &requestFrame{ID: "1", Method: "Ping"})
	assert.Nil(t, resp.Error)

	// With key state, plaintext calls are refused...
	newPipelineClient(t, crypto, "u1")
	resp = p.Handle(context.Background(), testConn(h, "u1"), &requestFrame{ID: "2", Method: "Ping"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, "ENCRYPTION_REQUIRED", resp.Error.Code)

	// ...except the exempt key-lifecycle methods.
	resp = p.Handle(context.Background(), testConn(h, "u1"), &requestFrame{ID: "3", Method: "KeyExchange"})
	assert.Nil(t, resp.Error)
}
