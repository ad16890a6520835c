package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Encoder writes frames to an underlying stream. Callers are responsible for
// serialising concurrent use so header and payload cannot interleave.
type Encoder struct {
	writer io.Writer
}

// Decoder reads frames from an underlying stream.
type Decoder struct {
	reader     *bufio.Reader
	maxPayload uint32
}

// NewEncoder creates a new encoder for the given writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{writer: w}
}

// NewDecoder creates a new decoder for the given reader. maxPayload <= 0
// selects DefaultMaxPayload.
func NewDecoder(r io.Reader, maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Decoder{reader: bufio.NewReader(r), maxPayload: uint32(maxPayload)}
}

// Encode writes one frame: the header in a single send followed by the
// payload. Every header field, including PayloadLen and Version, is taken
// from h as-is; WriteFrame stamps PayloadLen and Version before encoding.
func (e *Encoder) Encode(h Header, payload []byte) error {
	if _, err := e.writer.Write(EncodeHeader(h)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := e.writer.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}

// Decode reads exactly one frame. A short read on either the header or the
// payload is fatal for the stream.
func (d *Decoder) Decode() (Header, []byte, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(d.reader, buf); err != nil {
		return Header{}, nil, err
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	if h.PayloadLen > d.maxPayload {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.PayloadLen)
	}
	if h.PayloadLen == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Header{}, nil, err
	}
	return h, payload, nil
}

// WriteFrame stamps PayloadLen and Version on h and writes one frame to w.
func WriteFrame(w io.Writer, h Header, payload []byte) error {
	h.PayloadLen = uint32(len(payload))
	h.Version = Version
	return NewEncoder(w).Encode(h, payload)
}

// ReadFrame reads exactly one frame from r with the default payload cap.
func ReadFrame(r io.Reader) (Header, []byte, error) {
	return NewDecoder(r, 0).Decode()
}

// FileMeta is the decoded payload of a PUBLISH_FILE frame.
type FileMeta struct {
	Filename string
	Size     uint32
}

// EncodeFileMeta builds the [u32 len][name][u32 size] payload.
func EncodeFileMeta(m FileMeta) []byte {
	buf := make([]byte, 4+len(m.Filename)+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(m.Filename)))
	copy(buf[4:], m.Filename)
	binary.LittleEndian.PutUint32(buf[4+len(m.Filename):], m.Size)
	return buf
}

// DecodeFileMeta parses a PUBLISH_FILE payload.
func DecodeFileMeta(payload []byte) (FileMeta, error) {
	var m FileMeta
	if len(payload) < 8 {
		return m, errors.New("protocol: file metadata too short")
	}
	nameLen := binary.LittleEndian.Uint32(payload[0:4])
	if uint32(len(payload)) < 8+nameLen {
		return m, errors.New("protocol: file metadata truncated")
	}
	m.Filename = string(payload[4 : 4+nameLen])
	m.Size = binary.LittleEndian.Uint32(payload[4+nameLen : 8+nameLen])
	return m, nil
}
