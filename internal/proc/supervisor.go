// Package proc tracks OS subprocesses spawned for server connections and
// guarantees they can all be terminated at once, either gracefully or
// immediately (the kill-switch path).
package proc

import (
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/veldt/mcp-agent/internal/logger"
)

// GracefulShutdownTimeout is how long KillAll waits after SIGTERM before
// escalating to SIGKILL, per process.
const GracefulShutdownTimeout = 3 * time.Second

// tracked is one supervised subprocess. done is closed when the process
// has been reaped.
type tracked struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Supervisor keeps a live set of subprocesses. Processes remove themselves
// from the set when they exit on their own.
type Supervisor struct {
	mu      sync.Mutex
	procs   map[int]*tracked
	logger  *logger.Logger
	waitFor func(*tracked) // test seam, defaults to reap
}

// NewSupervisor creates an empty supervisor.
func NewSupervisor(log *logger.Logger) *Supervisor {
	s := &Supervisor{
		procs:  make(map[int]*tracked),
		logger: log,
	}
	s.waitFor = s.reap
	return s
}

// Register adds a started command to the tracked set. The supervisor takes
// over reaping: nothing else may call cmd.Wait after registration. Commands
// that have not been started are ignored.
func (s *Supervisor) Register(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	t := &tracked{cmd: cmd, done: make(chan struct{})}

	s.mu.Lock()
	s.procs[cmd.Process.Pid] = t
	s.mu.Unlock()

	go s.waitFor(t)
}

// reap waits for the process to exit and drops it from the set.
func (s *Supervisor) reap(t *tracked) {
	_ = t.cmd.Wait()
	close(t.done)

	s.mu.Lock()
	delete(s.procs, t.cmd.Process.Pid)
	s.mu.Unlock()
}

// Count returns the number of currently tracked processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// snapshot returns the current tracked set and clears it.
func (s *Supervisor) snapshot() []*tracked {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*tracked, 0, len(s.procs))
	for _, t := range s.procs {
		out = append(out, t)
	}
	s.procs = make(map[int]*tracked)
	return out
}

// KillAll terminates every tracked process gracefully: SIGTERM, a grace
// period, then SIGKILL for stragglers. Individual signal errors are ignored;
// an already-exited process is not a failure. The set is empty on return.
func (s *Supervisor) KillAll() {
	procs := s.snapshot()
	if len(procs) == 0 {
		return
	}
	s.logger.InfoVerbose("Terminating %d tracked process(es)...", len(procs))

	var wg sync.WaitGroup
	for _, t := range procs {
		wg.Add(1)
		go func(t *tracked) {
			defer wg.Done()
			_ = t.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-t.done:
			case <-time.After(GracefulShutdownTimeout):
				_ = t.cmd.Process.Kill()
				<-t.done
			}
		}(t)
	}
	wg.Wait()
}

// EmergencyStop force-kills every tracked process with no grace period and no
// waiting. Used by the kill-switch path where responsiveness outranks
// cleanliness; in-flight RPCs against these processes become orphaned. Kill
// errors from already-exited processes are ignored.
func (s *Supervisor) EmergencyStop() {
	procs := s.snapshot()
	for _, t := range procs {
		_ = t.cmd.Process.Kill()
	}
	if len(procs) > 0 {
		s.logger.Warning("Emergency stop: force-killed %d process(es)", len(procs))
	}
}
