package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a frame length prefix exceeds MaxFrameSize
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrInvalidFrame is returned when a frame is malformed
	ErrInvalidFrame = errors.New("invalid frame")
)

// Frame layout:
//
//	Length [4 bytes] - Body length (big-endian)
//	Body   [Length]  - Message type tag followed by the payload

// AppendFrame appends the length-prefixed encoding of body to dst.
func AppendFrame(dst, body []byte) ([]byte, error) {
	if len(body) > MaxFrameSize {
		return dst, ErrFrameTooLarge
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(body)))
	return append(dst, body...), nil
}

// SplitFrame extracts the first complete frame from buf.
// It returns the frame body and the number of bytes consumed. A consumed count of zero
// with a nil error means buf does not yet hold a complete frame.
func SplitFrame(buf []byte) (body []byte, n int, err error) {
	if len(buf) < LengthPrefixSize {
		return nil, 0, nil
	}

	length := binary.BigEndian.Uint32(buf)
	if length > MaxFrameSize {
		return nil, 0, fmt.Errorf("%w: declared length %d", ErrFrameTooLarge, length)
	}

	total := LengthPrefixSize + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}

	return buf[LengthPrefixSize:total], total, nil
}

// ============================================================================
// Frame Reader/Writer
// ============================================================================

// FrameReader reads length-prefixed frames from an io.Reader.
type FrameReader struct {
	r      io.Reader
	header [LengthPrefixSize]byte
}

// NewFrameReader creates a new FrameReader.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads the next frame body.
// It returns io.EOF when the stream ends cleanly on a frame boundary.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(fr.header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: declared length %d", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(fr.r, body); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return body, nil
}

// ReadMessage reads and decodes the next message.
func (fr *FrameReader) ReadMessage() (*Message, error) {
	body, err := fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return DecodeMessage(body)
}

// FrameWriter writes length-prefixed frames to an io.Writer.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter creates a new FrameWriter.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes body with its length prefix in a single Write call.
func (fw *FrameWriter) WriteFrame(body []byte) error {
	data, err := AppendFrame(make([]byte, 0, LengthPrefixSize+len(body)), body)
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}

// WriteMessage encodes and writes a message.
func (fw *FrameWriter) WriteMessage(t MessageType, payload []byte) error {
	return fw.WriteFrame(EncodeMessage(t, payload))
}
