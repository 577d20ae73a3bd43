// Package dispatch distributes a sample over hosts and cores.
//
// A run has two levels. The HostDispatcher splits the global sample into
// contiguous chunks, one per host in host-list order, evaluates chunks for the
// local machine in-process, and starts a detached worker on every remote host
// through a channel. The CoreDispatcher evaluates one chunk on a pool of
// workers; on a remote host it runs inside `batchwrap worker` and streams its
// progress to job.out in the workdir.
//
// Key features:
//   - Contiguous partitioning, chunk sizes differing by at most one
//   - Atomic claim counter; result i always belongs to input i
//   - Per-point isolation in numbered subdirectories (see package executor)
//   - Detached remote workers with an optional launch check on <workdir>.err
//   - Incremental polling of job.out with capped exponential backoff
//   - Merge by global id
//   - Cleanup policy no | ok | all, applied per host
//
// Remote workdir layout:
//
//	<remote_tmpdir>/<basis>_<timestamp>_<id>/
//	    job.in        JobSpecIn written by the dispatcher
//	    job.out       JobSpecOut appended by the worker
//	    worker.pid    lock held by the running worker
//	    batchwrap     worker binary
//	    <wrapper>     the wrapper and every staged file
//	    <n>/          per-point directories in isolated mode
//	<remote_tmpdir>/<basis>_<timestamp>_<id>.err   worker stdout and stderr
//
// Error handling:
//   - A failed point becomes a failed Result; sibling points continue
//   - Connectivity or launch failure aborts the run; launched workers keep running
//   - Cancellation stops launching and polling, sends pkill to launched
//     workers, and returns the partial report with ErrCancelled
//   - Cleanup failures are logged as warnings
//
// Polling has no deadline unless poll_timeout is set; without the launch
// check, a worker that dies before writing job.out looks like one still
// running.
package dispatch
