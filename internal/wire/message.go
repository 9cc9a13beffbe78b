// Package wire implements the protocol message model (C3): a tagged
// union of message kinds with a stable, self-delimiting serialized form.
package wire

// Kind identifies a protocol message's type.
type Kind string

const (
	KindHandshakeReq  Kind = "HANDSHAKE_REQ"
	KindHandshakeResp Kind = "HANDSHAKE_RESP"
	KindData          Kind = "DATA"
	KindAck           Kind = "ACK"
	KindNack          Kind = "NACK"
	KindWindowUpdate  Kind = "WINDOW_UPDATE"
	KindError         Kind = "ERROR"
	KindFinish        Kind = "FINISH"
)

// OperationMode selects the sliding-window retransmission policy.
type OperationMode string

const (
	ModeGoBackN         OperationMode = "GO_BACK_N"
	ModeSelectiveRepeat OperationMode = "SELECTIVE_REPEAT"
)

// Error codes carried in NACK/ERROR metadata.
const (
	ErrChecksum = "CHECKSUM_ERROR"
)

// Message is the protocol's tagged record, carrying all seven wire
// fields from spec.md §3. Metadata is kind-specific; see the constructors
// below (HandshakeRequest, Data, Nack, ...) for the shapes each kind uses.
type Message struct {
	Kind       Kind           `cbor:"type"`
	Sequence   int            `cbor:"sequence"`
	Payload    string         `cbor:"payload"`
	Checksum   uint32         `cbor:"checksum"`
	WindowSize int            `cbor:"window_size"`
	Metadata   map[string]any `cbor:"metadata"`
	Timestamp  *float64       `cbor:"timestamp"`
}

func newMessage(kind Kind) Message {
	return Message{Kind: kind, WindowSize: 5, Metadata: map[string]any{}}
}

// HandshakeRequest builds a HANDSHAKE_REQ message.
func HandshakeRequest(maxMessageSize int, mode OperationMode, encryptionEnabled bool, encryptionKey string) Message {
	m := newMessage(KindHandshakeReq)
	m.Metadata["max_message_size"] = maxMessageSize
	m.Metadata["operation_mode"] = string(mode)
	m.Metadata["encryption_enabled"] = encryptionEnabled
	if encryptionKey != "" {
		m.Metadata["encryption_key"] = encryptionKey
	}
	return m
}

// HandshakeAccepted builds an accepting HANDSHAKE_RESP message.
func HandshakeAccepted(windowSize int, mode OperationMode) Message {
	m := newMessage(KindHandshakeResp)
	m.WindowSize = windowSize
	m.Metadata["accepted"] = true
	m.Metadata["operation_mode"] = string(mode)
	return m
}

// HandshakeRejected builds a rejecting HANDSHAKE_RESP message.
func HandshakeRejected(errorMessage string) Message {
	m := newMessage(KindHandshakeResp)
	m.Metadata["accepted"] = false
	m.Metadata["error_message"] = errorMessage
	return m
}

// Data builds a DATA message.
func Data(seq int, payload string, sum uint32, isFinal bool) Message {
	m := newMessage(KindData)
	m.Sequence = seq
	m.Payload = payload
	m.Checksum = sum
	m.Metadata["is_final"] = isFinal
	return m
}

// Ack builds an ACK message.
func Ack(seq int, windowSize int) Message {
	m := newMessage(KindAck)
	m.Sequence = seq
	m.WindowSize = windowSize
	return m
}

// Nack builds a NACK message.
func Nack(seq int, errorCode string) Message {
	m := newMessage(KindNack)
	m.Sequence = seq
	m.Metadata["error_code"] = errorCode
	return m
}

// WindowUpdate builds a WINDOW_UPDATE message.
func WindowUpdate(newWindowSize int) Message {
	m := newMessage(KindWindowUpdate)
	m.WindowSize = newWindowSize
	return m
}

// ErrorMsg builds an ERROR message.
func ErrorMsg(code, message string) Message {
	m := newMessage(KindError)
	m.Metadata["error_code"] = code
	m.Metadata["error_message"] = message
	return m
}

// Finish builds a FINISH message.
func Finish() Message {
	return newMessage(KindFinish)
}

// IsFinal reports a DATA message's is_final flag.
func (m Message) IsFinal() bool {
	v, _ := m.Metadata["is_final"].(bool)
	return v
}

// Accepted reports a HANDSHAKE_RESP message's accepted flag.
func (m Message) Accepted() bool {
	v, _ := m.Metadata["accepted"].(bool)
	return v
}

// ErrorMessage reports a HANDSHAKE_RESP message's error_message field.
func (m Message) ErrorMessage() string {
	v, _ := m.Metadata["error_message"].(string)
	return v
}

// StringMeta reads a string metadata field, returning "" if absent or of
// the wrong type.
func (m Message) StringMeta(key string) string {
	v, _ := m.Metadata[key].(string)
	return v
}

// BoolMeta reads a bool metadata field.
func (m Message) BoolMeta(key string) bool {
	v, _ := m.Metadata[key].(bool)
	return v
}

// IntMeta reads an integer metadata field, tolerating the int64/uint64
// shapes CBOR decodes numbers into.
func (m Message) IntMeta(key string) int {
	switch v := m.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	default:
		return 0
	}
}
