package castv2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gogo/protobuf/proto"

	"castbridge/pkg/castv2/castpb"
)

// maxFrameSize caps a single CastV2 frame. A header declaring more is treated
// as a corrupted or hostile stream and the connection is torn down.
const maxFrameSize = 1 << 20

const headerSize = 4

// ErrFrameTooLarge is returned by Decoder.Next when a frame header declares a
// length above maxFrameSize. The stream cannot be resynchronized past this
// point; callers must drop the connection.
var ErrFrameTooLarge = errors.New("castv2: frame exceeds 1 MiB limit")

// Encode serializes msg into a single contiguous frame: a 4-byte big-endian
// length followed by the protobuf body.
func Encode(msg *castpb.CastMessage) ([]byte, error) {
	body, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("castv2: marshal message: %w", err)
	}
	frame := make([]byte, headerSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

// Decoder reads length-prefixed CastMessages from a byte stream. It keeps a
// rolling receive buffer: bytes before off are consumed, bytes from off to
// len(buf) are the unread tail.
type Decoder struct {
	r   io.Reader
	buf []byte
	off int
}

// NewDecoder returns a Decoder reading frames from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Next returns the next message on the stream. Frames whose protobuf body
// does not parse are skipped; the framing layer stays in sync regardless of
// content. Next returns ErrFrameTooLarge for an oversized header and the
// underlying read error (io.EOF included) once the stream ends.
func (d *Decoder) Next() (*castpb.CastMessage, error) {
	for {
		for d.buffered() < headerSize {
			if err := d.fill(); err != nil {
				return nil, err
			}
		}
		n := int(binary.BigEndian.Uint32(d.buf[d.off:]))
		if n > maxFrameSize {
			return nil, ErrFrameTooLarge
		}
		for d.buffered() < headerSize+n {
			if err := d.fill(); err != nil {
				return nil, err
			}
		}
		body := d.buf[d.off+headerSize : d.off+headerSize+n]
		d.off += headerSize + n

		msg := new(castpb.CastMessage)
		if err := proto.Unmarshal(body, msg); err != nil {
			// Content error only; the frame boundary was valid.
			continue
		}
		return msg, nil
	}
}

func (d *Decoder) buffered() int { return len(d.buf) - d.off }

// fill compacts the buffer down to the unread tail, then appends one chunk
// from the stream.
func (d *Decoder) fill() error {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	var chunk [4096]byte
	n, err := d.r.Read(chunk[:])
	if n > 0 {
		d.buf = append(d.buf, chunk[:n]...)
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}
