package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Decoder incrementally decodes a stream that may still be growing. It never
// re-emits a frame it has already returned.
type Decoder struct {
	kind       Kind
	headerSeen bool
	ended      bool
	offset     int64
	pending    []byte
}

// NewDecoder returns a decoder expecting a stream of the given kind.
func NewDecoder(kind Kind) *Decoder {
	return &Decoder{kind: kind}
}

// Offset is the number of stream bytes consumed by complete frames (and the
// header). A poller reopens the stream at this offset.
func (d *Decoder) Offset() int64 { return d.offset }

// Ended reports whether the end frame has been decoded.
func (d *Decoder) Ended() bool { return d.ended }

// Rewind discards buffered bytes of an unfinished frame so the next Feed must
// start at Offset.
func (d *Decoder) Rewind() { d.pending = d.pending[:0] }

// Feed appends p, which must continue the stream at Offset()+buffered bytes,
// and returns every frame that is now complete. A trailing partial frame is
// kept until more bytes arrive.
func (d *Decoder) Feed(p []byte) ([]Frame, error) {
	d.pending = append(d.pending, p...)

	var frames []Frame
	pos := 0
	defer func() {
		n := copy(d.pending, d.pending[pos:])
		d.pending = d.pending[:n]
	}()

	if !d.headerSeen {
		if len(d.pending) < headerLen {
			return nil, nil
		}
		if err := checkHeader(d.pending, d.kind); err != nil {
			return nil, err
		}
		d.headerSeen = true
		pos = headerLen
		d.offset += int64(headerLen)
	}

	for {
		buf := d.pending[pos:]
		if len(buf) == 0 {
			return frames, nil
		}
		if d.ended {
			return frames, fmt.Errorf("%w: %d bytes after end frame", ErrCorrupt, len(buf))
		}
		if len(buf) < lengthLen {
			return frames, nil
		}
		bodyLen := int(binary.LittleEndian.Uint32(buf))
		if bodyLen < minBodyLen || bodyLen > MaxFrameBody {
			return frames, fmt.Errorf("%w: frame length %d at offset %d", ErrCorrupt, bodyLen, d.offset)
		}
		total := lengthLen + bodyLen + checksumLen
		if len(buf) < total {
			return frames, nil
		}
		body := buf[lengthLen : lengthLen+bodyLen]
		if !validChecksum(body, buf[lengthLen+bodyLen:total]) {
			if len(buf) == total {
				// Last frame in view: the writer may not have flushed it fully yet.
				return frames, nil
			}
			return frames, fmt.Errorf("%w: checksum mismatch at offset %d", ErrCorrupt, d.offset)
		}

		f := Frame{
			Tag: Tag(body[0]),
			At:  time.Unix(0, int64(binary.LittleEndian.Uint64(body[1:9]))),
		}
		if len(body) > minBodyLen {
			f.Payload = append([]byte(nil), body[minBodyLen:]...)
		}
		if f.Tag == TagEnd {
			d.ended = true
		}
		frames = append(frames, f)
		pos += total
		d.offset += int64(total)
	}
}

// ReadFrames feeds everything readable from r in bounded blocks and returns the
// decoded frames. It stops at io.EOF without treating a partial frame as an
// error.
func (d *Decoder) ReadFrames(r io.Reader) ([]Frame, error) {
	var frames []Frame
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			got, ferr := d.Feed(buf[:n])
			frames = append(frames, got...)
			if ferr != nil {
				return frames, ferr
			}
		}
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
	}
}
