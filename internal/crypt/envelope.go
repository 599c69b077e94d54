package crypt

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	nonceSize = 12
	tagSize   = 16
)

// Envelope is the sealed wire message. Byte fields travel base64-encoded in
// JSON frames; the field order below is the transcript order.
type Envelope struct {
	KeyID          string `json:"keyId"`
	Nonce          []byte `json:"nonce"`
	Ciphertext     []byte `json:"ciphertext"`
	Tag            []byte `json:"tag"`
	Signature      []byte `json:"signature"`
	Timestamp      int64  `json:"timestamp"`      // ms since epoch
	SequenceNumber int64  `json:"sequenceNumber"` // monotonic per sender
}

// validateShape rejects structurally broken envelopes before any crypto runs.
func (e *Envelope) validateShape() error {
	if e.KeyID == "" {
		return errors.New("empty key id")
	}
	if len(e.Nonce) != nonceSize {
		return errors.New("bad nonce length")
	}
	if len(e.Tag) != tagSize {
		return errors.New("bad tag length")
	}
	if len(e.Signature) == 0 {
		return errors.New("missing signature")
	}
	return nil
}

// transcript builds the byte string the ECDSA signature covers: key id,
// nonce, ciphertext, and tag each with a little-endian uint32 length prefix,
// then timestamp and sequence as little-endian int64.
func (e *Envelope) transcript() []byte {
	var buf bytes.Buffer
	writeLengthPrefixed(&buf, []byte(e.KeyID))
	writeLengthPrefixed(&buf, e.Nonce)
	writeLengthPrefixed(&buf, e.Ciphertext)
	writeLengthPrefixed(&buf, e.Tag)
	binary.Write(&buf, binary.LittleEndian, e.Timestamp)
	binary.Write(&buf, binary.LittleEndian, e.SequenceNumber)
	return buf.Bytes()
}

func writeLengthPrefixed(buf *bytes.Buffer, field []byte) {
	binary.Write(buf, binary.LittleEndian, uint32(len(field)))
	buf.Write(field)
}
