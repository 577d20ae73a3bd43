package wire

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/mattjoyce/batchwrap/internal/sample"
)

// JobSpecIn is the per-host job description. It is built once per run and
// never modified afterwards.
type JobSpecIn struct {
	RunID string
	Host  string
	// Cores is the requested worker count; 0 means one per CPU.
	Cores   int
	FirstID int
	Points  []sample.Point
	// Files are staged into every workdir, by base name.
	Files []string
	// Wrapper is the executable evaluated per point, relative to the workdir
	// when not absolute.
	Wrapper      string
	WrapperArgs  []string
	Separate     bool
	Cleanup      string
	WorkdirBasis string
	// ExtendedCheck enables launch verification on the dispatching side.
	ExtendedCheck bool
	PointTimeout  time.Duration
}

func (s *JobSpecIn) encode() []byte {
	e := &encoder{}
	e.str(s.RunID)
	e.str(s.Host)
	e.u32(uint32(s.Cores))
	e.u64(uint64(s.FirstID))
	e.u32(uint32(len(s.Points)))
	for _, p := range s.Points {
		e.point(p)
	}
	e.strs(s.Files)
	e.str(s.Wrapper)
	e.strs(s.WrapperArgs)
	e.bool(s.Separate)
	e.str(s.Cleanup)
	e.str(s.WorkdirBasis)
	e.bool(s.ExtendedCheck)
	e.i64(int64(s.PointTimeout))
	return e.buf
}

func decodeJobSpecIn(payload []byte) (*JobSpecIn, error) {
	d := &decoder{buf: payload}
	s := &JobSpecIn{}
	s.RunID = d.str()
	s.Host = d.str()
	s.Cores = int(d.u32())
	s.FirstID = int(d.u64())
	n := d.count(4)
	if n > 0 {
		s.Points = make([]sample.Point, 0, n)
	}
	for i := 0; i < n && d.err == nil; i++ {
		s.Points = append(s.Points, d.point())
	}
	s.Files = d.strs()
	s.Wrapper = d.str()
	s.WrapperArgs = d.strs()
	s.Separate = d.bool()
	s.Cleanup = d.str()
	s.WorkdirBasis = d.str()
	s.ExtendedCheck = d.bool()
	s.PointTimeout = time.Duration(d.i64())
	if err := d.finish(); err != nil {
		return nil, fmt.Errorf("decode job spec: %w", err)
	}
	return s, nil
}

// MarshalJobSpecIn returns the complete stream bytes for spec.
func MarshalJobSpecIn(spec *JobSpecIn) []byte {
	now := time.Now()
	buf := AppendHeader(nil, KindJobSpecIn)
	buf = AppendFrame(buf, TagSpec, now, spec.encode())
	return AppendFrame(buf, TagEnd, now, nil)
}

// WriteJobSpecIn writes spec as a complete stream to w.
func WriteJobSpecIn(w io.Writer, spec *JobSpecIn) error {
	if _, err := w.Write(MarshalJobSpecIn(spec)); err != nil {
		return fmt.Errorf("write job spec: %w", err)
	}
	return nil
}

// ReadJobSpecIn reads a complete JobSpecIn stream from r.
func ReadJobSpecIn(r io.Reader) (*JobSpecIn, error) {
	dec := NewDecoder(KindJobSpecIn)
	frames, err := dec.ReadFrames(r)
	if err != nil {
		return nil, fmt.Errorf("read job spec: %w", err)
	}
	if !dec.Ended() {
		return nil, fmt.Errorf("read job spec: %w", ErrIncomplete)
	}
	var spec *JobSpecIn
	for _, f := range frames {
		if f.Tag != TagSpec {
			continue
		}
		if spec != nil {
			return nil, fmt.Errorf("read job spec: %w: duplicate spec frame", ErrCorrupt)
		}
		if spec, err = decodeJobSpecIn(f.Payload); err != nil {
			return nil, err
		}
	}
	if spec == nil {
		return nil, fmt.Errorf("read job spec: %w: no spec frame", ErrCorrupt)
	}
	return spec, nil
}

// UnmarshalJobSpecIn is ReadJobSpecIn over a byte slice.
func UnmarshalJobSpecIn(b []byte) (*JobSpecIn, error) {
	return ReadJobSpecIn(bytes.NewReader(b))
}
