package wire

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/mattjoyce/batchwrap/internal/sample"
)

// ErrFinished is returned when appending to a JobSpecOut after its end frame.
var ErrFinished = errors.New("wire: job output already finished")

// Event is one entry of a job's progress log.
type Event struct {
	Tag     Tag
	At      time.Time
	ID      int
	Elapsed time.Duration
	Message string
}

// IsError reports whether the event records a point failure.
func (e Event) IsError() bool { return e.Tag == TagError }

func (e Event) encode() []byte {
	enc := &encoder{}
	switch e.Tag {
	case TagPointDone:
		enc.u64(uint64(e.ID))
		enc.i64(int64(e.Elapsed))
	case TagError:
		enc.u64(uint64(e.ID))
		enc.str(e.Message)
	default:
		enc.str(e.Message)
	}
	return enc.buf
}

func decodeEvent(f Frame) (Event, error) {
	d := &decoder{buf: f.Payload}
	ev := Event{Tag: f.Tag, At: f.At}
	switch f.Tag {
	case TagPointDone:
		ev.ID = int(d.u64())
		ev.Elapsed = time.Duration(d.i64())
	case TagError:
		ev.ID = int(d.u64())
		ev.Message = d.str()
	case TagDebug, TagInfo, TagWarn:
		ev.Message = d.str()
	default:
		return ev, fmt.Errorf("%w: unexpected %s frame in job output", ErrCorrupt, f.Tag)
	}
	if err := d.finish(); err != nil {
		return ev, err
	}
	return ev, nil
}

// JobSpecOut is the consumer-side view of a host's job output.
type JobSpecOut struct {
	Events  []Event
	Results []sample.Result
	Done    bool
}

// HasErrors reports whether any error event has been seen.
func (o *JobSpecOut) HasErrors() bool {
	for _, ev := range o.Events {
		if ev.IsError() {
			return true
		}
	}
	return false
}

// Apply folds decoded frames into o and returns the events they carried.
func (o *JobSpecOut) Apply(frames []Frame) ([]Event, error) {
	var added []Event
	for _, f := range frames {
		if o.Done {
			return added, fmt.Errorf("%w: %s frame after end", ErrCorrupt, f.Tag)
		}
		switch f.Tag {
		case TagSample:
			if o.Results != nil {
				return added, fmt.Errorf("%w: duplicate sample frame", ErrCorrupt)
			}
			results, err := decodeResults(f.Payload)
			if err != nil {
				return added, err
			}
			o.Results = results
		case TagEnd:
			if o.Results == nil {
				return added, fmt.Errorf("%w: end frame without sample", ErrCorrupt)
			}
			o.Done = true
		default:
			ev, err := decodeEvent(f)
			if err != nil {
				return added, err
			}
			o.Events = append(o.Events, ev)
			added = append(added, ev)
		}
	}
	return added, nil
}

// OutWriter is the single producer of a JobSpecOut stream. Every append is a
// complete frame written with one Write call under the lock. Write errors are
// sticky and reported by Err and Finish.
type OutWriter struct {
	mu       sync.Mutex
	w        io.Writer
	out      JobSpecOut
	err      error
	finished bool
	now      func() time.Time
}

// NewOutWriter writes the stream header to w and returns the producer. A nil
// w keeps the output in memory only.
func NewOutWriter(w io.Writer) (*OutWriter, error) {
	o := &OutWriter{w: w, now: time.Now}
	if w != nil {
		if _, err := w.Write(AppendHeader(nil, KindJobSpecOut)); err != nil {
			return nil, fmt.Errorf("write job output header: %w", err)
		}
	}
	return o, nil
}

func (o *OutWriter) Debug(msg string) { o.append(Event{Tag: TagDebug, Message: msg}) }
func (o *OutWriter) Info(msg string)  { o.append(Event{Tag: TagInfo, Message: msg}) }
func (o *OutWriter) Warn(msg string)  { o.append(Event{Tag: TagWarn, Message: msg}) }

// PointDone records a successful evaluation of global id.
func (o *OutWriter) PointDone(id int, elapsed time.Duration) {
	o.append(Event{Tag: TagPointDone, ID: id, Elapsed: elapsed})
}

// Error records a failed evaluation of global id.
func (o *OutWriter) Error(id int, msg string) {
	o.append(Event{Tag: TagError, ID: id, Message: msg})
}

func (o *OutWriter) append(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished {
		o.setErr(ErrFinished)
		return
	}
	ev.At = o.now()
	o.out.Events = append(o.out.Events, ev)
	if o.w == nil {
		return
	}
	if _, err := o.w.Write(AppendFrame(nil, ev.Tag, ev.At, ev.encode())); err != nil {
		o.setErr(fmt.Errorf("append %s frame: %w", ev.Tag, err))
	}
}

// Finish appends the result sample followed by the end frame. Nothing can be
// appended afterwards.
func (o *OutWriter) Finish(results []sample.Result) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished {
		return ErrFinished
	}
	o.finished = true
	o.out.Results = results
	o.out.Done = true
	if o.w != nil {
		at := o.now()
		buf := AppendFrame(nil, TagSample, at, encodeResults(results))
		buf = AppendFrame(buf, TagEnd, at, nil)
		if _, err := o.w.Write(buf); err != nil {
			o.setErr(fmt.Errorf("append result sample: %w", err))
		}
	}
	return o.err
}

// Err returns the first write error, if any.
func (o *OutWriter) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Snapshot returns a copy of everything appended so far.
func (o *OutWriter) Snapshot() JobSpecOut {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := JobSpecOut{
		Events:  append([]Event(nil), o.out.Events...),
		Results: o.out.Results,
		Done:    o.out.Done,
	}
	return snap
}

func (o *OutWriter) setErr(err error) {
	if o.err == nil {
		o.err = err
	}
}
