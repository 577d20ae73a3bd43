// Package wire implements the framed record format used for every exchange
// between the host dispatcher and remote core dispatchers.
//
// A stream is a 6-byte header followed by frames appended in order:
//
//	header: "BWR\x00" | version u8 | kind u8
//	frame:  length u32 | tag u8 | unix-nanos i64 | payload | checksum [8]byte
//
// length covers tag, timestamp and payload. The checksum is the first 8 bytes
// of the BLAKE3 digest of those same bytes. Frames are only ever appended, so a
// reader that hits a short trailing frame stops there and retries later from
// the offset of the last complete frame.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Version is the current stream format version.
const Version = 1

const (
	magic       = "BWR\x00"
	headerLen   = len(magic) + 2
	lengthLen   = 4
	checksumLen = 8
	// tag + timestamp
	minBodyLen = 1 + 8
	// MaxFrameBody bounds a single frame body.
	MaxFrameBody = 1 << 30
)

var (
	// ErrCorrupt reports bytes that can never become a valid stream.
	ErrCorrupt = errors.New("wire: corrupt stream")
	// ErrIncomplete reports a stream that ended before its end frame.
	ErrIncomplete = errors.New("wire: incomplete stream")
)

// Kind identifies what a stream carries.
type Kind uint8

const (
	KindJobSpecIn  Kind = 1
	KindJobSpecOut Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindJobSpecIn:
		return "job-spec-in"
	case KindJobSpecOut:
		return "job-spec-out"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Tag identifies a frame's payload.
type Tag uint8

const (
	TagDebug Tag = iota + 1
	TagInfo
	TagWarn
	TagPointDone
	TagError
	TagSpec
	TagSample
	TagEnd
)

func (t Tag) String() string {
	switch t {
	case TagDebug:
		return "debug"
	case TagInfo:
		return "info"
	case TagWarn:
		return "warn"
	case TagPointDone:
		return "point-done"
	case TagError:
		return "error"
	case TagSpec:
		return "spec"
	case TagSample:
		return "sample"
	case TagEnd:
		return "end"
	default:
		return fmt.Sprintf("tag(%d)", uint8(t))
	}
}

// Frame is one decoded record.
type Frame struct {
	Tag     Tag
	At      time.Time
	Payload []byte
}

// AppendHeader appends a stream header for kind to dst.
func AppendHeader(dst []byte, kind Kind) []byte {
	dst = append(dst, magic...)
	return append(dst, Version, byte(kind))
}

// AppendFrame appends one complete frame to dst.
func AppendFrame(dst []byte, tag Tag, at time.Time, payload []byte) []byte {
	bodyLen := minBodyLen + len(payload)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(bodyLen))
	start := len(dst)
	dst = append(dst, byte(tag))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(at.UnixNano()))
	dst = append(dst, payload...)
	sum := blake3.Sum256(dst[start:])
	return append(dst, sum[:checksumLen]...)
}

func checkHeader(b []byte, want Kind) error {
	if string(b[:len(magic)]) != magic {
		return fmt.Errorf("%w: bad magic %q", ErrCorrupt, b[:len(magic)])
	}
	if v := b[len(magic)]; v != Version {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	if k := Kind(b[len(magic)+1]); k != want {
		return fmt.Errorf("%w: stream kind %s, want %s", ErrCorrupt, k, want)
	}
	return nil
}

func validChecksum(body, sum []byte) bool {
	digest := blake3.Sum256(body)
	return bytes.Equal(digest[:checksumLen], sum)
}
