package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize caps a single encoded frame to guard against a corrupt or
// hostile length prefix driving an unbounded allocation.
const MaxFrameSize = 1 << 20

// ErrDecode is returned (wrapped) when a frame cannot be decoded: malformed
// encoding or an unknown kind. Endpoints log and drop such frames rather
// than propagating the error to the application, per spec.md §7.
var ErrDecode = errors.New("wire: decode error")

// Encode serializes m as a self-delimiting frame: a 4-byte big-endian
// length prefix followed by the CBOR encoding of m. One frame per
// substrate write.
func Encode(w io.Writer, m Message) error {
	body, err := cbor.Marshal(m)
	if err != nil {
		return fmt.Errorf("wire: encode: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// Decode reads exactly one frame from r: a 4-byte length prefix followed
// by its CBOR body. It yields ErrDecode (wrapped) on a malformed frame or
// unrecognized kind, matching spec.md §4.3 ("the endpoint logs and drops
// such frames").
func Decode(r io.Reader) (Message, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n == 0 || n > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: frame length %d out of bounds", ErrDecode, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	var m Message
	if err := cbor.Unmarshal(body, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if !validKind(m.Kind) {
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrDecode, m.Kind)
	}
	if m.Metadata == nil {
		m.Metadata = map[string]any{}
	}
	return m, nil
}

func validKind(k Kind) bool {
	switch k {
	case KindHandshakeReq, KindHandshakeResp, KindData, KindAck, KindNack, KindWindowUpdate, KindError, KindFinish:
		return true
	default:
		return false
	}
}
