package hosts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	pbs := filepath.Join(dir, "pbs_nodes")
	require.NoError(t, os.WriteFile(pbs, []byte("n01\nn01\nn02\n\nn01\nn03\n"), 0o644))
	sge := filepath.Join(dir, "pe_hostfile")
	require.NoError(t, os.WriteFile(sge, []byte("n07 4 all.q@n07 UNDEFINED\nn08 4 all.q@n08 UNDEFINED\n"), 0o644))
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0o644))

	env := map[string]string{
		"PBS_NODEFILE": pbs,
		"PE_HOSTFILE":  sge,
		"OAR_NODEFILE": empty,
	}
	getenv := func(k string) string { return env[k] }

	tests := []struct {
		name       string
		explicit   []string
		scheduler  string
		want       []string
		wantSource Source
		wantErr    bool
	}{
		{name: "explicit wins", explicit: []string{"a", " b", "a", ""}, scheduler: "pbs", want: []string{"a", "b"}, wantSource: SourceExplicit},
		{name: "nothing configured", want: []string{Localhost}, wantSource: SourceDefault},
		{name: "pbs node file", scheduler: "pbs", want: []string{"n01", "n02", "n03"}, wantSource: SourceScheduler},
		{name: "torque shares pbs variable", scheduler: "TORQUE", want: []string{"n01", "n02", "n03"}, wantSource: SourceScheduler},
		{name: "sge host file", scheduler: "sge", want: []string{"n07", "n08"}, wantSource: SourceScheduler},
		{name: "variable unset falls back to localhost", scheduler: "slurm", want: []string{Localhost}, wantSource: SourceDefault},
		{name: "empty node file", scheduler: "oar", wantErr: true},
		{name: "unknown scheduler", scheduler: "condor", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, src, err := Resolve(tt.explicit, tt.scheduler, getenv)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantSource, src)
		})
	}
}

func TestResolveMissingNodeFile(t *testing.T) {
	_, _, err := Resolve(nil, "lsf", func(string) string { return "/nonexistent/hostfile" })
	assert.Error(t, err)
}

func TestParseNodeFile(t *testing.T) {
	got, err := ParseNodeFile(strings.NewReader("  # header\nnodeA slots=2\nnodeB\nnodeA\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"nodeA", "nodeB"}, got)
}

func TestIsLocal(t *testing.T) {
	assert.True(t, IsLocal("localhost"))
	assert.True(t, IsLocal("127.0.0.1"))
	assert.False(t, IsLocal("compute-node-that-does-not-exist"))
	if name, err := os.Hostname(); err == nil {
		assert.True(t, IsLocal(name))
	}
}

func TestSchedulersSorted(t *testing.T) {
	assert.Equal(t, []string{"lsf", "oar", "pbs", "sge", "slurm", "torque"}, Schedulers())
}
