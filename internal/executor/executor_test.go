package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/batchwrap/internal/log"
	"github.com/mattjoyce/batchwrap/internal/sample"
	"github.com/mattjoyce/batchwrap/internal/workspace"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// doubleScript doubles the first input value and fails on point 2.
const doubleScript = `#!/bin/sh
cat > /dev/null
if [ "$BATCHWRAP_POINT_ID" = "2" ]; then
  echo "solver diverged" >&2
  exit 3
fi
first=${BATCHWRAP_INPUT%%,*}
pwd > seen_dir
printf '{"status":"ok","output":[%s]}\n' "$(awk "BEGIN { print $first * 2 }")"
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "wrapper.sh")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o755))
	return p
}

func TestFuncWrapperRecoversPanic(t *testing.T) {
	w := FuncWrapper(func(context.Context, sample.Point) (sample.Point, error) {
		panic("index out of range")
	})
	_, err := w.Eval(context.Background(), Call{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index out of range")
}

func TestCommandWrapperEval(t *testing.T) {
	w, err := NewCommandWrapper(writeScript(t, doubleScript), nil, 0)
	require.NoError(t, err)

	dir := t.TempDir()
	out, err := w.Eval(context.Background(), Call{ID: 0, Dir: dir, Input: sample.Point{1.5, 9}})
	require.NoError(t, err)
	assert.Equal(t, sample.Point{3}, out)

	seen, err := os.ReadFile(filepath.Join(dir, "seen_dir"))
	require.NoError(t, err)
	wantDir, _ := filepath.EvalSymlinks(dir)
	gotDir, _ := filepath.EvalSymlinks(strings.TrimSpace(string(seen)))
	assert.Equal(t, wantDir, gotDir)
}

func TestCommandWrapperFailures(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		wantMsg string
	}{
		{
			name:    "non-zero exit carries stderr",
			script:  "#!/bin/sh\necho 'bad mesh' >&2\nexit 2\n",
			wantMsg: "exit status 2: bad mesh",
		},
		{
			name:    "error response",
			script:  "#!/bin/sh\ncat >/dev/null\necho '{\"status\":\"error\",\"error\":\"singular matrix\"}'\n",
			wantMsg: "singular matrix",
		},
		{
			name:    "no output",
			script:  "#!/bin/sh\ncat >/dev/null\n",
			wantMsg: "decode response",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewCommandWrapper(writeScript(t, tt.script), nil, 0)
			require.NoError(t, err)
			_, err = w.Eval(context.Background(), Call{Dir: t.TempDir(), Input: sample.Point{1}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestCommandWrapperTimeout(t *testing.T) {
	w, err := NewCommandWrapper(writeScript(t, "#!/bin/sh\nsleep 30\n"), nil, 200*time.Millisecond)
	require.NoError(t, err)
	w.GracePeriod = 200 * time.Millisecond

	start := time.Now()
	_, err = w.Eval(context.Background(), Call{Dir: t.TempDir()})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCommandWrapperCancel(t *testing.T) {
	w, err := NewCommandWrapper(writeScript(t, "#!/bin/sh\nsleep 30\n"), nil, 0)
	require.NoError(t, err)
	w.GracePeriod = 200 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = w.Eval(ctx, Call{Dir: t.TempDir()})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewCommandWrapperRejectsNonExecutable(t *testing.T) {
	p := filepath.Join(t.TempDir(), "model.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	_, err := NewCommandWrapper(p, nil, 0)
	assert.Error(t, err)

	_, err = NewCommandWrapper("", nil, 0)
	assert.Error(t, err)
}

func TestCappedBuffer(t *testing.T) {
	c := &cappedBuffer{limit: 4}
	n, err := c.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = c.Write([]byte("gh"))
	assert.Equal(t, "abcd", c.String())
}

func TestNewRequiresCommandWrapperForIsolation(t *testing.T) {
	_, err := New(Config{
		Mode:    Isolated,
		Workdir: t.TempDir(),
		Wrapper: FuncWrapper(func(context.Context, sample.Point) (sample.Point, error) { return nil, nil }),
	})
	assert.Error(t, err)

	_, err = New(Config{Mode: Shared, Workdir: t.TempDir()})
	assert.Error(t, err)
}

func TestExecuteShared(t *testing.T) {
	var calls atomic.Int32
	dir := t.TempDir()
	ex, err := New(Config{
		Mode:    Shared,
		Workdir: dir,
		Wrapper: FuncWrapper(func(_ context.Context, in sample.Point) (sample.Point, error) {
			calls.Add(1)
			if in[0] < 0 {
				return nil, errors.New("negative input")
			}
			return sample.Point{in[0] + 1}, nil
		}),
	})
	require.NoError(t, err)

	ok := ex.Execute(context.Background(), 0, sample.Point{1})
	assert.Equal(t, sample.OK(sample.Point{2}), ok.Result)

	bad := ex.Execute(context.Background(), 1, sample.Point{-1})
	assert.True(t, bad.Result.Failed())
	assert.Equal(t, "negative input", bad.Result.Err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestExecuteIsolated(t *testing.T) {
	w, err := NewCommandWrapper(writeScript(t, doubleScript), nil, 0)
	require.NoError(t, err)

	helper := filepath.Join(t.TempDir(), "table.csv")
	require.NoError(t, os.WriteFile(helper, []byte("1,2"), 0o644))

	tests := []struct {
		name       string
		policy     workspace.CleanupPolicy
		id         int
		wantFailed bool
		wantKept   bool
	}{
		{name: "ok point removed under ok", policy: workspace.CleanupOK, id: 0},
		{name: "failed point kept under ok", policy: workspace.CleanupOK, id: 2, wantFailed: true, wantKept: true},
		{name: "failed point removed under all", policy: workspace.CleanupAll, id: 2, wantFailed: true},
		{name: "ok point kept under no", policy: workspace.CleanupNo, id: 1, wantKept: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workdir := t.TempDir()
			ex, err := New(Config{
				Mode:    Isolated,
				Workdir: workdir,
				Files:   []string{helper},
				Policy:  tt.policy,
				Wrapper: w,
			})
			require.NoError(t, err)

			out := ex.Execute(context.Background(), tt.id, sample.Point{4})
			assert.Equal(t, tt.wantFailed, out.Result.Failed(), "result: %+v", out.Result)
			if tt.wantFailed {
				assert.Contains(t, out.Result.Err, "exit status 3")
				assert.Contains(t, out.Result.Err, "solver diverged")
			} else {
				assert.Equal(t, sample.Point{8}, out.Result.Value)
			}
			assert.Positive(t, out.Elapsed)
			assert.Empty(t, out.Warnings)

			pointDir := filepath.Join(workdir, strconv.Itoa(tt.id))
			_, statErr := os.Stat(pointDir)
			assert.Equal(t, tt.wantKept, statErr == nil, "point dir kept")
			if tt.wantKept {
				_, err := os.Stat(filepath.Join(pointDir, "table.csv"))
				assert.NoError(t, err, "helper file staged")
			}
		})
	}
}

func TestExecuteIsolatedDuplicateID(t *testing.T) {
	w, err := NewCommandWrapper(writeScript(t, doubleScript), nil, 0)
	require.NoError(t, err)
	ex, err := New(Config{Mode: Isolated, Workdir: t.TempDir(), Policy: workspace.CleanupNo, Wrapper: w})
	require.NoError(t, err)

	require.False(t, ex.Execute(context.Background(), 5, sample.Point{1}).Result.Failed())
	second := ex.Execute(context.Background(), 5, sample.Point{1})
	assert.True(t, second.Result.Failed(), "a point directory is never reused")
}
