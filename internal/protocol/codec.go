package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire framing. Every Message travels as one frame:
//
//	[FrameLen uint32][Kind uint16][Flags uint16][Sender int32][Receiver int32][Body ...]
//
// All integers are little-endian. FrameLen counts everything after itself,
// so a frame occupies 4+FrameLen bytes on the wire and FrameLen is never
// smaller than headerLen.
const (
	lenPrefixLen = 4
	headerLen    = 12

	// DefaultMaxFrameLen caps FrameLen for decoders that were not given an
	// explicit limit. Turn snapshots are the largest legitimate frames.
	DefaultMaxFrameLen = 16 << 20
)

var (
	ErrFrameTooLarge = errors.New("frame length exceeds limit")
	ErrFrameTooShort = errors.New("frame length shorter than message header")
)

// Encode serializes m into a single wire frame. The frame is written into
// one buffer so callers can hand it to a single Write call.
func Encode(m *Message) ([]byte, error) {
	if len(m.Body) > DefaultMaxFrameLen-headerLen {
		return nil, fmt.Errorf("encoding %s message: %w", m.Kind, ErrFrameTooLarge)
	}
	frameLen := uint32(headerLen + len(m.Body))
	frame := make([]byte, lenPrefixLen+frameLen)
	binary.LittleEndian.PutUint32(frame[0:4], frameLen)
	binary.LittleEndian.PutUint16(frame[4:6], uint16(m.Kind))
	binary.LittleEndian.PutUint16(frame[6:8], uint16(m.Flags))
	binary.LittleEndian.PutUint32(frame[8:12], uint32(m.Sender))
	binary.LittleEndian.PutUint32(frame[12:16], uint32(m.Receiver))
	copy(frame[16:], m.Body)
	return frame, nil
}

// Decoder reassembles Messages from an incoming byte stream. Bytes arrive
// in whatever chunks the transport delivers; the decoder accumulates them
// until at least one complete frame is buffered.
//
// A Decoder is not safe for concurrent use. Each connection owns one.
type Decoder struct {
	buf bytes.Buffer
	max uint32
}

// NewDecoder returns a decoder that rejects frames longer than maxFrameLen.
// A maxFrameLen of 0 selects DefaultMaxFrameLen.
func NewDecoder(maxFrameLen uint32) *Decoder {
	if maxFrameLen == 0 {
		maxFrameLen = DefaultMaxFrameLen
	}
	return &Decoder{max: maxFrameLen}
}

// Feed appends freshly received bytes to the decoder's buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf.Write(p)
}

// Next extracts the next complete Message from the buffer. It returns
// (nil, nil) when the buffered bytes do not yet form a whole frame. A
// non-nil error means the stream is corrupt at the current position; the
// offending bytes stay buffered, and the caller decides whether to Reset
// and keep reading or tear the connection down.
func (d *Decoder) Next() (*Message, error) {
	pending := d.buf.Bytes()
	if len(pending) < lenPrefixLen {
		return nil, nil
	}
	frameLen := binary.LittleEndian.Uint32(pending[0:4])
	if frameLen < headerLen {
		return nil, fmt.Errorf("frame length %d: %w", frameLen, ErrFrameTooShort)
	}
	if frameLen > d.max {
		return nil, fmt.Errorf("frame length %d exceeds %d: %w", frameLen, d.max, ErrFrameTooLarge)
	}
	total := lenPrefixLen + int(frameLen)
	if len(pending) < total {
		return nil, nil
	}

	m := &Message{
		Kind:     Kind(binary.LittleEndian.Uint16(pending[4:6])),
		Flags:    Flags(binary.LittleEndian.Uint16(pending[6:8])),
		Sender:   int32(binary.LittleEndian.Uint32(pending[8:12])),
		Receiver: int32(binary.LittleEndian.Uint32(pending[12:16])),
	}
	if bodyLen := int(frameLen) - headerLen; bodyLen > 0 {
		m.Body = make([]byte, bodyLen)
		copy(m.Body, pending[lenPrefixLen+headerLen:total])
	}
	d.buf.Next(total)
	return m, nil
}

// Reset discards everything the decoder has accumulated.
func (d *Decoder) Reset() {
	d.buf.Reset()
}

// Buffered reports how many bytes are waiting to be decoded.
func (d *Decoder) Buffered() int {
	return d.buf.Len()
}
