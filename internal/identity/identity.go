// Package identity generates and renders the opaque client IDs and topics used on the control protocol.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Size is the length in bytes of generated client IDs and topics.
const Size = 32

var (
	// ErrInvalidHexString is returned when a hex-encoded identifier is malformed
	ErrInvalidHexString = errors.New("invalid hex identifier")

	// ErrEmpty is returned when an identifier has no bytes
	ErrEmpty = errors.New("empty identifier")

	// ErrTooLong is returned when an identifier cannot fit a length-prefixed protocol field
	ErrTooLong = errors.New("identifier exceeds 65535 bytes")
)

// NewClientID generates a random 32-byte client ID.
func NewClientID() ([]byte, error) {
	id, err := random()
	if err != nil {
		return nil, fmt.Errorf("failed to generate client ID: %w", err)
	}
	return id, nil
}

// NewTopic generates a random 32-byte topic.
func NewTopic() ([]byte, error) {
	topic, err := random()
	if err != nil {
		return nil, fmt.Errorf("failed to generate topic: %w", err)
	}
	return topic, nil
}

func random() ([]byte, error) {
	b := make([]byte, Size)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Key returns the map key for an identifier: its lowercase hex encoding.
func Key(b []byte) string {
	return hex.EncodeToString(b)
}

// Short returns the first four bytes of an identifier in hex.
func Short(b []byte) string {
	if len(b) > 4 {
		b = b[:4]
	}
	return hex.EncodeToString(b)
}

// Parse decodes a hex identifier. An optional 0x prefix and surrounding whitespace are accepted.
func Parse(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "0x")
	s = strings.TrimPrefix(s, "0X")

	if s == "" {
		return nil, ErrEmpty
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHexString, err)
	}
	if len(b) > 0xFFFF {
		return nil, ErrTooLong
	}
	return b, nil
}

// ParseTopic accepts either a hex identifier prefixed with "hex:" or a plain string.
// Plain strings are NFC-normalized so visually identical names typed on different
// platforms select the same topic.
func ParseTopic(s string) ([]byte, error) {
	if rest, ok := strings.CutPrefix(s, "hex:"); ok {
		return Parse(rest)
	}
	if s == "" {
		return nil, ErrEmpty
	}
	s = norm.NFC.String(s)
	if len(s) > 0xFFFF {
		return nil, ErrTooLong
	}
	return []byte(s), nil
}

// Store writes a hex-encoded identifier to path atomically.
func Store(path string, b []byte) error {
	if len(b) == 0 {
		return errors.New("cannot store empty identifier")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, []byte(hex.EncodeToString(b)+"\n"), 0600); err != nil {
		return fmt.Errorf("failed to write identifier: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to persist identifier: %w", err)
	}

	return nil
}

// Load reads a hex-encoded identifier from path.
func Load(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(string(data))
}

// LoadOrCreateTopic loads a topic from path, or generates and stores a new one.
// The boolean reports whether a new topic was created.
func LoadOrCreateTopic(path string) ([]byte, bool, error) {
	topic, err := Load(path)
	if err == nil {
		return topic, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	topic, err = NewTopic()
	if err != nil {
		return nil, false, err
	}
	if err := Store(path, topic); err != nil {
		return nil, false, err
	}
	return topic, true, nil
}
