package hub

import (
	"context"
	"encoding/json"

	"github.com/titanplay/backend/internal/apperr"
	"github.com/titanplay/backend/internal/crypt"
)

// RegisterEncryptionMethods installs the reserved encryption-hub methods on
// a registry: KeyExchange, GetConfig, and CompleteKeyRotation. The server
// push KeyRotation is driven by Rotator.
func RegisterEncryptionMethods(reg *Registry, svc *crypt.Service) {
	reg.Register("KeyExchange", func(_ context.Context, call *Call) (any, error) {
		var req crypt.KeyExchangeRequest
		if err := singleArg(call, &req); err != nil {
			return nil, err
		}
		return svc.KeyExchange(call.UserID, &req)
	})

	reg.Register("GetConfig", func(_ context.Context, _ *Call) (any, error) {
		return svc.Config(), nil
	})

	reg.Register("CompleteKeyRotation", func(_ context.Context, call *Call) (any, error) {
		var ack crypt.RotationAck
		if err := singleArg(call, &ack); err != nil {
			return nil, err
		}
		if err := svc.CompleteRotation(call.UserID, &ack); err != nil {
			return nil, err
		}
		return map[string]any{"completed": true}, nil
	})
}

func singleArg(call *Call, out any) error {
	if len(call.Args) != 1 {
		return apperr.Validation("expected exactly one argument")
	}
	if err := json.Unmarshal(call.Args[0], out); err != nil {
		return apperr.Validation("malformed argument")
	}
	return nil
}

// Rotator pushes KeyRotation requests to a user's connections on every hub,
// so a rotation triggered anywhere reaches all of that user's sockets.
type Rotator struct {
	svc  *crypt.Service
	hubs []*Hub
}

// NewRotator wires the rotation push across hubs.
func NewRotator(svc *crypt.Service, hubs ...*Hub) *Rotator {
	return &Rotator{svc: svc, hubs: hubs}
}

// Rotate initiates a rotation for one user and pushes the request to every
// connection the user holds.
func (r *Rotator) Rotate(ctx context.Context, userID string) (*crypt.RotationRequest, error) {
	req, err := r.svc.InitiateRotation(userID)
	if err != nil {
		return nil, err
	}
	for _, h := range r.hubs {
		h.PushToUser(ctx, userID, "KeyRotation", req)
	}
	return req, nil
}

// RotateAll initiates rotation for every user with state on this node.
// Returns the user ids rotated.
func (r *Rotator) RotateAll(ctx context.Context) []string {
	var rotated []string
	for _, userID := range r.svc.Users() {
		if _, err := r.Rotate(ctx, userID); err == nil {
			rotated = append(rotated, userID)
		}
	}
	return rotated
}
