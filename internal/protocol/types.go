// Package protocol defines the wire protocol spoken between tunnel clients and the relay.
package protocol

// MessageType identifies a control message.
type MessageType uint8

// Message type constants
const (
	TypePing      MessageType = 0x01 // Liveness probe
	TypePong      MessageType = 0x02 // Liveness response
	TypeConnect   MessageType = 0x03 // Requester names the topic it wants to reach
	TypeListen    MessageType = 0x04 // Client announces a topic under its client ID
	TypeUnlisten  MessageType = 0x05 // Client withdraws every topic under its client ID
	TypeListening MessageType = 0x06 // Relay reports the forwarding port
	TypeStream    MessageType = 0x07 // Connection upgrades to a raw byte pipe after this frame
)

// Protocol constants
const (
	// LengthPrefixSize is the size of the big-endian frame length prefix.
	LengthPrefixSize = 4

	// MaxFrameSize is the maximum frame body size (64 KB).
	MaxFrameSize = 64 * 1024

	// TypeSize is the size of the message type tag at the start of every frame body.
	TypeSize = 1

	// MaxFieldSize is the maximum length of a topic or client ID field.
	MaxFieldSize = 0xFFFF
)

// String returns the wire name of the message type.
func (t MessageType) String() string {
	return MessageTypeName(t)
}

// MessageTypeName returns a human-readable name for a message type.
func MessageTypeName(t MessageType) string {
	switch t {
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeConnect:
		return "CONNECT"
	case TypeListen:
		return "LISTEN"
	case TypeUnlisten:
		return "UNLISTEN"
	case TypeListening:
		return "LISTENING"
	case TypeStream:
		return "STREAM"
	default:
		return "UNKNOWN"
	}
}

// IsKnown reports whether t is a message type this protocol version understands.
func IsKnown(t MessageType) bool {
	return t >= TypePing && t <= TypeStream
}

// HasPayload reports whether messages of type t carry a typed payload.
func HasPayload(t MessageType) bool {
	switch t {
	case TypeConnect, TypeListen, TypeUnlisten, TypeListening:
		return true
	default:
		return false
	}
}
