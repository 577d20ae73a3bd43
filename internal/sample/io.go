package sample

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// failurePrefix starts a result line that carries an error message instead of values.
const failurePrefix = "!"

// ReadPoints parses one point per line. Values are separated by whitespace or
// commas; blank lines and lines starting with '#' are skipped.
func ReadPoints(r io.Reader) ([]Point, error) {
	var points []Point
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p, err := parseValues(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		points = append(points, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read points: %w", err)
	}
	return points, nil
}

// WriteResults writes one line per result in id order. Failed results are
// written as "!<message>" with newlines flattened.
func WriteResults(w io.Writer, results []Result) error {
	bw := bufio.NewWriter(w)
	for _, r := range results {
		if r.Failed() {
			msg := strings.ReplaceAll(strings.TrimSpace(r.Err), "\n", " | ")
			if _, err := bw.WriteString(failurePrefix + msg + "\n"); err != nil {
				return err
			}
			continue
		}
		if _, err := bw.WriteString(FormatPoint(r.Value) + "\n"); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadResults parses the format written by WriteResults.
func ReadResults(r io.Reader) ([]Result, error) {
	var results []Result
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if strings.HasPrefix(line, failurePrefix) {
			results = append(results, Failed(strings.TrimPrefix(line, failurePrefix)))
			continue
		}
		p, err := parseValues(strings.TrimSpace(line))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		results = append(results, OK(p))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	return results, nil
}

// FormatPoint renders p as space separated values with full precision.
func FormatPoint(p Point) string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, " ")
}

func parseValues(line string) (Point, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	p := make(Point, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", f, err)
		}
		p = append(p, v)
	}
	return p, nil
}
