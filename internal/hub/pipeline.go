package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/titanplay/backend/internal/apperr"
	"github.com/titanplay/backend/internal/crypt"
	"github.com/titanplay/backend/internal/ratelimit"
)

// EncryptedGatewayMethod is the reserved method that carries any other hub
// method inside a sealed envelope, so every method can travel encrypted
// without per-method wiring.
const EncryptedGatewayMethod = "__encrypted__"

// Reserved encryption-hub methods that must stay callable in plaintext:
// they establish or renew the keys that required-mode asks for.
var requiredModeExempt = map[string]bool{
	"KeyExchange":         true,
	"GetConfig":           true,
	"CompleteKeyRotation": true,
}

// Pipeline is the fixed per-call chain: authorize, rate-limit, decrypt,
// dispatch, seal. One instance is shared by every hub on the node.
type Pipeline struct {
	authenticator *Authenticator
	limiter       *ratelimit.Engine
	crypto        *crypt.Service
	dispatcher    Dispatcher
	metrics       *Metrics
	callTimeout   time.Duration
}

// NewPipeline wires the call chain.
func NewPipeline(auth *Authenticator, limiter *ratelimit.Engine, crypto *crypt.Service, dispatcher Dispatcher, metrics *Metrics, callTimeout time.Duration) *Pipeline {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &Pipeline{
		authenticator: auth,
		limiter:       limiter,
		crypto:        crypto,
		dispatcher:    dispatcher,
		metrics:       metrics,
		callTimeout:   callTimeout,
	}
}

// Handle runs one call through the chain and builds the response frame.
// The connection always survives: every failure becomes an error frame.
func (p *Pipeline) Handle(ctx context.Context, c *Conn, req *requestFrame) *responseFrame {
	resp := &responseFrame{ID: req.ID}

	method := req.Method
	args := req.Args

	// Authorization for plaintext calls. The gateway method resolves its
	// real target only after decryption, so its check runs below.
	if method != EncryptedGatewayMethod {
		if err := p.authorize(c, method); err != nil {
			return failure(resp, err)
		}
	}

	admit, err := p.limiter.Admit(ctx, ratelimit.AdmitRequest{
		Path:   c.hub.path + "/" + method,
		IP:     c.remoteIP,
		UserID: c.Identity.UserID,
	})
	if err != nil {
		slog.Warn("hub admission failed, allowing call", "hub", c.hub.name, "error", err)
	} else {
		resp.Headers = flattenHeaders(admit)
		if !admit.Allowed {
			p.metrics.callFinished(c.hub.name, "rate_limited")
			return failure(resp, apperr.RateLimited(admit.RetryAfter))
		}
	}

	inboundKeyID := ""
	switch {
	case method == EncryptedGatewayMethod:
		inner, keyID, err := p.openGatewayCall(c, args)
		if err != nil {
			p.metrics.callFinished(c.hub.name, "security")
			return failure(resp, err)
		}
		method, args, inboundKeyID = inner.Method, inner.Args, keyID
		if err := p.authorize(c, method); err != nil {
			return failure(resp, err)
		}
	case p.crypto.Required() && p.crypto.HasState(c.Identity.UserID) && !requiredModeExempt[method]:
		p.metrics.callFinished(c.hub.name, "encryption_required")
		return failure(resp, apperr.EncryptionRequired())
	}

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	result, err := p.dispatcher.Dispatch(callCtx, &Call{
		Method: method,
		Args:   args,
		UserID: c.Identity.UserID,
		Roles:  c.Identity.Roles,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = apperr.Cancelled(err)
		}
		p.metrics.callFinished(c.hub.name, "error")
		return failure(resp, err)
	}

	if err := p.sealResult(c, resp, result, inboundKeyID); err != nil {
		p.metrics.callFinished(c.hub.name, "error")
		return failure(resp, err)
	}

	p.metrics.callFinished(c.hub.name, "ok")
	return resp
}

func (p *Pipeline) authorize(c *Conn, method string) error {
	role, ok := p.dispatcher.RequiredRole(method)
	if !ok {
		return apperr.NotFound("unknown method")
	}
	if role != "" && !c.Identity.HasRole(role) {
		return apperr.Forbidden("missing required role")
	}
	return nil
}

// openGatewayCall unwraps the single SecureEnvelope argument of the
// encrypted gateway method into the real method and argument vector.
func (p *Pipeline) openGatewayCall(c *Conn, args []json.RawMessage) (*gatewayCall, string, error) {
	if !p.crypto.Enabled() || !p.crypto.HasState(c.Identity.UserID) {
		return nil, "", apperr.SecurityViolation(errors.New("no key exchange on this connection"))
	}
	if len(args) != 1 {
		return nil, "", apperr.Validation("encrypted gateway takes exactly one envelope")
	}

	var env crypt.Envelope
	if err := json.Unmarshal(args[0], &env); err != nil {
		return nil, "", apperr.SecurityViolation(err)
	}

	plaintext, err := p.crypto.DecryptAndVerify(c.Identity.UserID, &env)
	if err != nil {
		return nil, "", err
	}

	var inner gatewayCall
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, "", apperr.SecurityViolation(err)
	}
	if inner.Method == "" || inner.Method == EncryptedGatewayMethod {
		return nil, "", apperr.Validation("invalid gateway payload")
	}
	return &inner, env.KeyID, nil
}

// sealResult serializes the handler result. Keyed connections get the
// result as a sealed envelope over the compact binary encoding, pinned to
// the inbound key so responses cross rotations cleanly.
func (p *Pipeline) sealResult(c *Conn, resp *responseFrame, result any, inboundKeyID string) error {
	if p.crypto.Enabled() && p.crypto.HasState(c.Identity.UserID) {
		encoded, err := EncodeResult(result)
		if err != nil {
			return err
		}
		env, err := p.crypto.EncryptAndSign(c.Identity.UserID, encoded, inboundKeyID)
		if err != nil {
			return err
		}
		sealed, err := json.Marshal(env)
		if err != nil {
			return err
		}
		resp.Result = sealed
		resp.Encrypted = true
		return nil
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	resp.Result = raw
	return nil
}

// failure attaches an opaque error body. Unclassified errors never leak
// their message to the client.
func failure(resp *responseFrame, err error) *responseFrame {
	kind := apperr.KindOf(err)
	body := &errorBody{Code: kind.String()}
	switch kind {
	case apperr.KindUnknown:
		body.Message = "internal error"
	case apperr.KindRateLimited:
		body.Message = err.Error()
		body.RetryAfterSeconds = apperr.RetryAfter(err)
	default:
		body.Message = err.Error()
	}
	resp.Error = body
	resp.Result = nil
	resp.Encrypted = false
	return resp
}

func flattenHeaders(res *ratelimit.Result) map[string]string {
	h := res.Headers()
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for key := range h {
		out[key] = h.Get(key)
	}
	return out
}
