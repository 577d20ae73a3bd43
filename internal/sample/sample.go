// Package sample holds the data model shared by every dispatch layer: input
// points, per-point results, and the contiguous host chunks a sample is split into.
package sample

import (
	"fmt"
	"slices"
)

// Point is one model input (or output) vector.
type Point []float64

// Result is the outcome of evaluating one point. A nil Value marks a failure
// and Err carries the captured error text.
type Result struct {
	Value Point
	Err   string
}

// OK builds a successful Result.
func OK(v Point) Result {
	if v == nil {
		v = Point{}
	}
	return Result{Value: v}
}

// Failed builds a failed Result.
func Failed(msg string) Result {
	if msg == "" {
		msg = "unknown error"
	}
	return Result{Err: msg}
}

// Failed reports whether the evaluation failed.
func (r Result) Failed() bool {
	return r.Value == nil
}

// Chunk is the contiguous slice of the global sample assigned to one host.
type Chunk struct {
	Host    string
	FirstID int
	Points  []Point
}

// Len returns the number of points in the chunk.
func (c Chunk) Len() int { return len(c.Points) }

// LastID returns the global id one past the chunk's last point.
func (c Chunk) LastID() int { return c.FirstID + len(c.Points) }

// Sizes returns the per-host chunk sizes for n points over hosts hosts: each
// host gets n/hosts points and the first n%hosts hosts get one more.
func Sizes(n, hosts int) []int {
	if hosts <= 0 {
		return nil
	}
	if n < 0 {
		n = 0
	}
	base, rem := n/hosts, n%hosts
	sizes := make([]int, hosts)
	for i := range sizes {
		sizes[i] = base
		if i < rem {
			sizes[i]++
		}
	}
	return sizes
}

// Partition splits points into one contiguous chunk per host, in host order
// and ascending global id. Chunks may be empty when there are more hosts than
// points.
func Partition(points []Point, hosts []string) ([]Chunk, error) {
	if len(hosts) == 0 {
		return nil, fmt.Errorf("partition: no hosts")
	}
	sizes := Sizes(len(points), len(hosts))
	chunks := make([]Chunk, len(hosts))
	first := 0
	for i, host := range hosts {
		end := first + sizes[i]
		chunks[i] = Chunk{
			Host:    host,
			FirstID: first,
			Points:  points[first:end:end],
		}
		first = end
	}
	return chunks, nil
}

// Merge places each chunk's results at its global ids. The output length is
// total. A nil result set means the host never finished; ids not covered by
// any result set are reported as failures.
func Merge(total int, chunks []Chunk, results [][]Result) ([]Result, error) {
	if len(chunks) != len(results) {
		return nil, fmt.Errorf("merge: %d chunks but %d result sets", len(chunks), len(results))
	}
	out := make([]Result, total)
	seen := make([]bool, total)
	for i, c := range chunks {
		if results[i] == nil {
			continue
		}
		if len(results[i]) != c.Len() {
			return nil, fmt.Errorf("merge: host %s returned %d results for %d points", c.Host, len(results[i]), c.Len())
		}
		for j, r := range results[i] {
			id := c.FirstID + j
			if id < 0 || id >= total {
				return nil, fmt.Errorf("merge: id %d out of range [0,%d)", id, total)
			}
			if seen[id] {
				return nil, fmt.Errorf("merge: id %d assigned twice", id)
			}
			seen[id] = true
			out[id] = r
		}
	}
	for id, ok := range seen {
		if !ok {
			out[id] = Failed("point was not evaluated")
		}
	}
	return out, nil
}

// Clone returns a deep copy of p.
func (p Point) Clone() Point {
	if p == nil {
		return nil
	}
	return slices.Clone(p)
}
