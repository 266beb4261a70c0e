package kiro

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"
)

var (
	// ErrInvalidPreludeCRC indicates the prelude CRC doesn't match.
	ErrInvalidPreludeCRC = errors.New("invalid prelude CRC")
	// ErrInvalidFrameCRC indicates the frame CRC doesn't match.
	ErrInvalidFrameCRC = errors.New("invalid frame CRC")
	// ErrInvalidHeader indicates a malformed or unsupported header.
	ErrInvalidHeader = errors.New("invalid event stream header")
	// ErrBufferOverflow indicates the reassembly buffer exceeded its cap.
	ErrBufferOverflow = errors.New("event stream buffer overflow")
)

const (
	// preludeSize is total length + headers length + prelude CRC.
	preludeSize = 12
	// frameOverhead is the prelude plus the trailing frame CRC.
	frameOverhead = preludeSize + 4

	initialBufferCap = 8 * 1024
	maxBufferSize    = 1024 * 1024
)

// Frame is one decoded AWS event-stream frame.
type Frame struct {
	Headers map[string]string
	Payload []byte
}

// MessageType returns the :message-type header ("event" or "exception").
func (f *Frame) MessageType() string {
	return f.Headers[HeaderMessageType]
}

// EventType returns the :event-type header for event frames.
func (f *Frame) EventType() string {
	return f.Headers[HeaderEventType]
}

// ExceptionType returns the :exception-type header for exception frames.
func (f *Frame) ExceptionType() string {
	return f.Headers[HeaderExceptionType]
}

// IsException reports whether the upstream signalled a mid-stream error.
func (f *Frame) IsException() bool {
	return f.MessageType() == MessageTypeException
}

// StreamDecoder reassembles AWS event-stream frames from arbitrary reads.
// Partial frames are buffered until the next Feed.
type StreamDecoder struct {
	buf []byte
}

var decoderPool = sync.Pool{
	New: func() any {
		return &StreamDecoder{buf: make([]byte, 0, initialBufferCap)}
	},
}

// GetStreamDecoder gets a decoder from the pool. Pair with
// ReleaseStreamDecoder.
func GetStreamDecoder() *StreamDecoder {
	return decoderPool.Get().(*StreamDecoder)
}

// ReleaseStreamDecoder resets the decoder and returns it to the pool.
func ReleaseStreamDecoder(d *StreamDecoder) {
	d.Reset()
	decoderPool.Put(d)
}

// NewStreamDecoder creates an unpooled decoder.
func NewStreamDecoder() *StreamDecoder {
	return &StreamDecoder{buf: make([]byte, 0, initialBufferCap)}
}

// Feed appends data and returns every frame completed by it. Payloads are
// copied, so they stay valid after the next Feed.
func (d *StreamDecoder) Feed(data []byte) ([]*Frame, error) {
	if len(d.buf)+len(data) > maxBufferSize {
		return nil, ErrBufferOverflow
	}
	d.buf = append(d.buf, data...)

	var frames []*Frame
	for len(d.buf) >= preludeSize {
		totalLen := binary.BigEndian.Uint32(d.buf[0:4])
		headersLen := binary.BigEndian.Uint32(d.buf[4:8])
		preludeCRC := binary.BigEndian.Uint32(d.buf[8:12])

		if crc := crc32.ChecksumIEEE(d.buf[0:8]); crc != preludeCRC {
			return frames, fmt.Errorf("%w: expected %08x, got %08x", ErrInvalidPreludeCRC, crc, preludeCRC)
		}
		if totalLen < frameOverhead || headersLen > totalLen-frameOverhead {
			return frames, fmt.Errorf("%w: prelude lengths %d/%d", ErrInvalidHeader, totalLen, headersLen)
		}
		if uint32(len(d.buf)) < totalLen {
			break
		}

		raw := d.buf[:totalLen]
		d.buf = d.buf[totalLen:]

		frameCRC := binary.BigEndian.Uint32(raw[totalLen-4:])
		if crc := crc32.ChecksumIEEE(raw[:totalLen-4]); crc != frameCRC {
			return frames, fmt.Errorf("%w: expected %08x, got %08x", ErrInvalidFrameCRC, crc, frameCRC)
		}

		headers, err := decodeHeaders(raw[preludeSize : preludeSize+headersLen])
		if err != nil {
			return frames, err
		}

		payload := make([]byte, totalLen-frameOverhead-headersLen)
		copy(payload, raw[preludeSize+headersLen:totalLen-4])

		frames = append(frames, &Frame{Headers: headers, Payload: payload})
	}

	return frames, nil
}

// decodeHeaders parses the header block. Each header is
// nameLen(1) name type(1) valueLen(2) value; only string values appear.
func decodeHeaders(data []byte) (map[string]string, error) {
	headers := make(map[string]string, 3)
	for len(data) > 0 {
		nameLen := int(data[0])
		if len(data) < 1+nameLen+1 {
			return nil, fmt.Errorf("%w: truncated header name", ErrInvalidHeader)
		}
		name := string(data[1 : 1+nameLen])
		valueType := data[1+nameLen]
		data = data[1+nameLen+1:]

		if valueType != headerTypeString {
			return nil, fmt.Errorf("%w: unsupported value type %d", ErrInvalidHeader, valueType)
		}
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: truncated value length", ErrInvalidHeader)
		}
		valueLen := int(binary.BigEndian.Uint16(data[:2]))
		if len(data) < 2+valueLen {
			return nil, fmt.Errorf("%w: truncated header value", ErrInvalidHeader)
		}
		headers[name] = string(data[2 : 2+valueLen])
		data = data[2+valueLen:]
	}
	return headers, nil
}

// Reset clears the decoder, retaining a reasonable capacity for reuse.
func (d *StreamDecoder) Reset() {
	if cap(d.buf) > maxBufferSize {
		d.buf = make([]byte, 0, initialBufferCap)
	} else {
		d.buf = d.buf[:0]
	}
}
