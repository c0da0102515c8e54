// Package dist moves compiled modules between hosts. A module travels as a
// CBOR envelope carrying the serialized bytecode and its content digest, so
// the receiver can verify the payload before handing it to an interpreter.
package dist

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/yxlang/yx/vm"
)

// Envelope wire errors.
var (
	ErrDigestMismatch = errors.New("dist: payload digest mismatch")
	ErrBadEnvelope    = errors.New("dist: malformed envelope")
)

// ModuleEnvelope wraps one serialized module for transport.
type ModuleEnvelope struct {
	Name      string    `cbor:"1,keyasint"`
	Version   uint32    `cbor:"2,keyasint"`
	CreatedAt time.Time `cbor:"3,keyasint"`
	Digest    []byte    `cbor:"4,keyasint"`
	Payload   []byte    `cbor:"5,keyasint"`
}

// encMode is the deterministic encoder: canonical map ordering so the same
// envelope always produces the same bytes.
var encMode cbor.EncMode

// decMode rejects unknown duplicate keys and oversized inputs up front.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthForbidden,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(err)
	}
}

// Seal serializes the module into a verified transport envelope.
func Seal(name string, m *vm.Module) *ModuleEnvelope {
	payload := m.Encode()
	sum := sha256.Sum256(payload)
	return &ModuleEnvelope{
		Name:      name,
		Version:   m.Version,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
		Digest:    sum[:],
		Payload:   payload,
	}
}

// Encode renders the envelope as canonical CBOR.
func (e *ModuleEnvelope) Encode() ([]byte, error) {
	data, err := encMode.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("dist: encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an envelope without verifying the payload. Call Open to
// verify and deserialize the module.
func Decode(data []byte) (*ModuleEnvelope, error) {
	var e ModuleEnvelope
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return &e, nil
}

// Verify checks the payload against the embedded digest.
func (e *ModuleEnvelope) Verify() error {
	sum := sha256.Sum256(e.Payload)
	if !bytes.Equal(e.Digest, sum[:]) {
		return ErrDigestMismatch
	}
	return nil
}

// Open verifies the envelope and deserializes the module it carries.
func (e *ModuleEnvelope) Open() (*vm.Module, error) {
	if err := e.Verify(); err != nil {
		return nil, err
	}
	return vm.ReadModule(e.Payload)
}
