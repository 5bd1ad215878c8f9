package gossip

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// signingDomain separates gossip signatures from any other use of the
// same keypair.
const signingDomain = "MESH_GOSSIP_V1"

// maxEnvelopeSize bounds decoded envelopes; control messages are small.
const maxEnvelopeSize = 64 << 10 // 64 KB

// Codec handles canonical envelope serialization.
type Codec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
	maxSize int
}

// NewCodec builds a codec with strict encode/decode modes.
func NewCodec() (*Codec, error) {
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err := encOpts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("create CBOR encoder: %w", err)
	}

	decMode, err := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthForbidden,
		IntDec:           cbor.IntDecConvertNone,
		MaxArrayElements: 10000,
		MaxMapPairs:      1000,
		MaxNestedLevels:  16,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("create CBOR decoder: %w", err)
	}

	return &Codec{encMode: encMode, decMode: decMode, maxSize: maxEnvelopeSize}, nil
}

// Encode serializes an envelope, enforcing the size bound.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	raw, err := c.encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(raw) > c.maxSize {
		return nil, fmt.Errorf("envelope %d bytes exceeds limit %d", len(raw), c.maxSize)
	}
	return raw, nil
}

// Decode parses a wire envelope under strict decode options.
func (c *Codec) Decode(raw []byte) (*Envelope, error) {
	if len(raw) > c.maxSize {
		return nil, fmt.Errorf("envelope %d bytes exceeds limit %d", len(raw), c.maxSize)
	}
	var env Envelope
	if err := c.decMode.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// MarshalPayload serializes an inner control message with the same
// canonical options as the envelope.
func (c *Codec) MarshalPayload(v interface{}) ([]byte, error) {
	raw, err := c.encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return raw, nil
}

// UnmarshalPayload parses an inner control message under the strict
// decode options.
func (c *Codec) UnmarshalPayload(raw []byte, v interface{}) error {
	if err := c.decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// SignBytes produces the domain-separated canonical preimage covered
// by the envelope signature.
func (c *Codec) SignBytes(env *Envelope) ([]byte, error) {
	unsigned := *env
	unsigned.Signature = nil
	raw, err := c.encMode.Marshal(&unsigned)
	if err != nil {
		return nil, fmt.Errorf("encode sign bytes: %w", err)
	}
	out := make([]byte, 0, len(signingDomain)+1+len(raw))
	out = append(out, signingDomain...)
	out = append(out, 0x00)
	out = append(out, raw...)
	return out, nil
}
