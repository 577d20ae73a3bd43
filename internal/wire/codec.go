package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/mattjoyce/batchwrap/internal/sample"
)

// encoder appends little-endian primitives to a byte slice.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) strs(ss []string) {
	e.u32(uint32(len(ss)))
	for _, s := range ss {
		e.str(s)
	}
}

func (e *encoder) point(p sample.Point) {
	e.u32(uint32(len(p)))
	for _, v := range p {
		e.u64(math.Float64bits(v))
	}
}

// decoder reads primitives written by encoder. The first error sticks and
// every later read returns a zero value.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.err = fmt.Errorf("%w: payload truncated (need %d bytes, have %d)", ErrCorrupt, n, len(d.buf))
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) i64() int64 { return int64(d.u64()) }
func (d *decoder) bool() bool { return d.u8() != 0 }

// count reads a length prefix and checks it against the remaining payload,
// with each element taking at least minSize bytes.
func (d *decoder) count(minSize int) int {
	n := int(d.u32())
	if d.err == nil && minSize > 0 && n > len(d.buf)/minSize {
		d.err = fmt.Errorf("%w: element count %d exceeds payload", ErrCorrupt, n)
		return 0
	}
	return n
}

func (d *decoder) str() string {
	n := d.count(1)
	return string(d.take(n))
}

func (d *decoder) strs() []string {
	n := d.count(4)
	if n == 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		out = append(out, d.str())
	}
	return out
}

func (d *decoder) point() sample.Point {
	n := d.count(8)
	p := make(sample.Point, n)
	for i := range p {
		p[i] = math.Float64frombits(d.u64())
	}
	return p
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.buf) != 0 {
		return fmt.Errorf("%w: %d trailing payload bytes", ErrCorrupt, len(d.buf))
	}
	return nil
}

func encodeResults(results []sample.Result) []byte {
	e := &encoder{}
	e.u32(uint32(len(results)))
	for _, r := range results {
		if r.Failed() {
			e.u8(0)
			e.str(r.Err)
			continue
		}
		e.u8(1)
		e.point(r.Value)
	}
	return e.buf
}

func decodeResults(payload []byte) ([]sample.Result, error) {
	d := &decoder{buf: payload}
	n := d.count(5)
	results := make([]sample.Result, 0, n)
	for i := 0; i < n && d.err == nil; i++ {
		if d.u8() == 1 {
			results = append(results, sample.OK(d.point()))
		} else {
			results = append(results, sample.Result{Err: d.str()})
		}
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	return results, nil
}
