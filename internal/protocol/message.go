package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidPayload is matched by every *InvalidPayloadError
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrUnknownMessageType is returned for unrecognized message type tags
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrFieldTooLarge is returned by Validate for a topic or id over MaxFieldSize
	ErrFieldTooLarge = errors.New("field exceeds maximum size")
)

// InvalidPayloadError reports a payload that failed its type-specific decode.
type InvalidPayloadError struct {
	Type   MessageType
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid %s payload", e.Type)
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Type, e.Reason)
}

// Is makes errors.Is(err, ErrInvalidPayload) true for any InvalidPayloadError.
func (e *InvalidPayloadError) Is(target error) bool {
	return target == ErrInvalidPayload
}

func invalidPayload(t MessageType, reason string) error {
	return &InvalidPayloadError{Type: t, Reason: reason}
}

// Message is the wire envelope: a type tag plus an optional typed payload.
type Message struct {
	Type    MessageType
	Payload []byte
}

// String returns a debug representation of the message.
func (m *Message) String() string {
	return fmt.Sprintf("Message{Type=%s, PayloadLen=%d}", m.Type, len(m.Payload))
}

// EncodeMessage serializes a message envelope into a frame body.
func EncodeMessage(t MessageType, payload []byte) []byte {
	buf := make([]byte, TypeSize+len(payload))
	buf[0] = uint8(t)
	copy(buf[TypeSize:], payload)
	return buf
}

// DecodeMessage deserializes a frame body into a message envelope.
// The payload of known types is validated so that a successful decode guarantees
// the matching DecodeX call succeeds.
func DecodeMessage(body []byte) (*Message, error) {
	if len(body) < TypeSize {
		return nil, fmt.Errorf("%w: empty frame", ErrInvalidFrame)
	}

	m := &Message{
		Type:    MessageType(body[0]),
		Payload: body[TypeSize:],
	}

	if !IsKnown(m.Type) {
		return m, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, body[0])
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Message) validate() error {
	var err error
	switch m.Type {
	case TypeConnect:
		_, err = DecodeConnect(m.Payload)
	case TypeListen:
		_, err = DecodeListen(m.Payload)
	case TypeUnlisten:
		_, err = DecodeUnlisten(m.Payload)
	case TypeListening:
		_, err = DecodeListening(m.Payload)
	default:
		if len(m.Payload) != 0 {
			err = invalidPayload(m.Type, "unexpected payload")
		}
	}
	return err
}

// ============================================================================
// Payload structures
// ============================================================================

// Connect is the payload for CONNECT messages.
type Connect struct {
	Topic []byte
}

// Encode serializes Connect to bytes.
func (c *Connect) Encode() []byte {
	return appendField(make([]byte, 0, 2+len(c.Topic)), c.Topic)
}

// Validate checks the field lengths.
func (c *Connect) Validate() error {
	return checkField(TypeConnect, "topic", c.Topic)
}

// DecodeConnect deserializes Connect from bytes.
func DecodeConnect(buf []byte) (*Connect, error) {
	d := fieldDecoder{t: TypeConnect, buf: buf}
	c := &Connect{Topic: d.field("topic")}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return c, nil
}

// Listen is the payload for LISTEN messages.
type Listen struct {
	Topic []byte
	ID    []byte
}

// Encode serializes Listen to bytes.
func (l *Listen) Encode() []byte {
	buf := make([]byte, 0, 4+len(l.Topic)+len(l.ID))
	buf = appendField(buf, l.Topic)
	return appendField(buf, l.ID)
}

// Validate checks the field lengths.
func (l *Listen) Validate() error {
	if err := checkField(TypeListen, "topic", l.Topic); err != nil {
		return err
	}
	return checkField(TypeListen, "id", l.ID)
}

// DecodeListen deserializes Listen from bytes.
func DecodeListen(buf []byte) (*Listen, error) {
	d := fieldDecoder{t: TypeListen, buf: buf}
	l := &Listen{
		Topic: d.field("topic"),
		ID:    d.field("id"),
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return l, nil
}

// Unlisten is the payload for UNLISTEN messages.
type Unlisten struct {
	ID []byte
}

// Encode serializes Unlisten to bytes.
func (u *Unlisten) Encode() []byte {
	return appendField(make([]byte, 0, 2+len(u.ID)), u.ID)
}

// Validate checks the field lengths.
func (u *Unlisten) Validate() error {
	return checkField(TypeUnlisten, "id", u.ID)
}

// DecodeUnlisten deserializes Unlisten from bytes.
func DecodeUnlisten(buf []byte) (*Unlisten, error) {
	d := fieldDecoder{t: TypeUnlisten, buf: buf}
	u := &Unlisten{ID: d.field("id")}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return u, nil
}

// Listening is the payload for LISTENING messages.
type Listening struct {
	Port uint16
}

// Encode serializes Listening to bytes.
func (l *Listening) Encode() []byte {
	return binary.BigEndian.AppendUint16(make([]byte, 0, 2), l.Port)
}

// DecodeListening deserializes Listening from bytes.
func DecodeListening(buf []byte) (*Listening, error) {
	if len(buf) != 2 {
		return nil, invalidPayload(TypeListening, fmt.Sprintf("port field is %d bytes, want 2", len(buf)))
	}
	return &Listening{Port: binary.BigEndian.Uint16(buf)}, nil
}

func checkField(t MessageType, name string, field []byte) error {
	if len(field) > MaxFieldSize {
		return fmt.Errorf("%s %s is %d bytes: %w", t, name, len(field), ErrFieldTooLarge)
	}
	return nil
}

// appendField appends a uint16 length-prefixed byte field. Payloads are validated
// before encoding; an oversized field is cut to MaxFieldSize rather than corrupt the length.
func appendField(dst, field []byte) []byte {
	if len(field) > MaxFieldSize {
		field = field[:MaxFieldSize]
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(field)))
	return append(dst, field...)
}

// fieldDecoder reads consecutive length-prefixed fields and remembers the first failure.
type fieldDecoder struct {
	t      MessageType
	buf    []byte
	offset int
	err    error
}

func (d *fieldDecoder) field(name string) []byte {
	if d.err != nil {
		return nil
	}
	if d.offset+2 > len(d.buf) {
		d.err = invalidPayload(d.t, name+" length truncated")
		return nil
	}
	n := int(binary.BigEndian.Uint16(d.buf[d.offset:]))
	d.offset += 2
	if d.offset+n > len(d.buf) {
		d.err = invalidPayload(d.t, name+" truncated")
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[d.offset:d.offset+n])
	d.offset += n
	return out
}

func (d *fieldDecoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.offset != len(d.buf) {
		return invalidPayload(d.t, fmt.Sprintf("%d trailing bytes", len(d.buf)-d.offset))
	}
	return nil
}
