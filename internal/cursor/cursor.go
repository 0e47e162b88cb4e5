// Package cursor encodes and decodes opaque pagination tokens.
//
// Tokens are base64url-encoded JSON. The current (v1) payload binds the token
// to the tenant and sort order it was minted for, so a cursor can never be
// replayed against another tenant's listing or silently reinterpreted under a
// different order. Legacy (v0) tokens carry only the position and remain
// decodable. Decoding fails closed on any malformation.
package cursor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Order tags the sort order a cursor was minted for.
type Order string

// OrderCreatedDesc is the only supported listing order:
// created_at descending, id descending.
const OrderCreatedDesc Order = "created_desc"

// minIDLength rejects tokens whose id field is implausibly short.
// Entity ids are UUID strings (36 chars); 8 is a generous lower bound.
const minIDLength = 8

// ErrInvalid is the base error for every decode failure.
var ErrInvalid = errors.New("cursor: invalid token")

// Payload is the decoded cursor position.
type Payload struct {
	Version   int
	Order     Order
	OrgID     uuid.UUID // uuid.Nil for v0 tokens
	CreatedAt time.Time
	ID        string
}

// wire formats. v0 predates tenant and order binding.
type wireV0 struct {
	CreatedAt string `json:"createdAt"`
	ID        string `json:"id"`
}

type wireV1 struct {
	V         int    `json:"v"`
	Order     string `json:"order"`
	OrgID     string `json:"orgId"`
	CreatedAt string `json:"createdAt"`
	ID        string `json:"id"`
}

// Encode produces a v1 token for p.
func Encode(p Payload) (string, error) {
	if p.ID == "" {
		return "", fmt.Errorf("cursor: encode: empty id")
	}
	if p.Order == "" {
		p.Order = OrderCreatedDesc
	}
	raw, err := json.Marshal(wireV1{
		V:         1,
		Order:     string(p.Order),
		OrgID:     p.OrgID.String(),
		CreatedAt: p.CreatedAt.UTC().Format(time.RFC3339Nano),
		ID:        p.ID,
	})
	if err != nil {
		return "", fmt.Errorf("cursor: encode: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses and validates a token.
//
// expectedOrg and expectedOrder are enforced against v1 tokens; a mismatch is
// a hard failure, never a silent reinterpretation. v0 tokens carry neither
// binding, so only the position fields are validated.
func Decode(token string, expectedOrg uuid.UUID, expectedOrder Order) (Payload, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: bad encoding", ErrInvalid)
	}

	// Probe the version tag before strict decoding.
	var probe struct {
		V *int `json:"v"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Payload{}, fmt.Errorf("%w: bad json", ErrInvalid)
	}

	if probe.V == nil {
		return decodeV0(raw)
	}
	if *probe.V != 1 {
		return Payload{}, fmt.Errorf("%w: unsupported version %d", ErrInvalid, *probe.V)
	}
	return decodeV1(raw, expectedOrg, expectedOrder)
}

func decodeV0(raw []byte) (Payload, error) {
	var w wireV0
	if err := strictUnmarshal(raw, &w); err != nil {
		return Payload{}, err
	}
	createdAt, id, err := validatePosition(w.CreatedAt, w.ID)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Version: 0, Order: OrderCreatedDesc, CreatedAt: createdAt, ID: id}, nil
}

func decodeV1(raw []byte, expectedOrg uuid.UUID, expectedOrder Order) (Payload, error) {
	var w wireV1
	if err := strictUnmarshal(raw, &w); err != nil {
		return Payload{}, err
	}

	orgID, err := uuid.Parse(w.OrgID)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: bad org id", ErrInvalid)
	}
	if expectedOrg != uuid.Nil && orgID != expectedOrg {
		return Payload{}, fmt.Errorf("%w: token minted for another tenant", ErrInvalid)
	}
	if expectedOrder != "" && Order(w.Order) != expectedOrder {
		return Payload{}, fmt.Errorf("%w: order mismatch", ErrInvalid)
	}

	createdAt, id, err := validatePosition(w.CreatedAt, w.ID)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Version: 1, Order: Order(w.Order), OrgID: orgID, CreatedAt: createdAt, ID: id}, nil
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: unexpected shape", ErrInvalid)
	}
	// Trailing garbage after the JSON object is also a malformed token.
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrInvalid)
	}
	return nil
}

func validatePosition(createdAt, id string) (time.Time, string, error) {
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: bad timestamp", ErrInvalid)
	}
	if len(id) < minIDLength {
		return time.Time{}, "", fmt.Errorf("%w: id too short", ErrInvalid)
	}
	return ts, id, nil
}
