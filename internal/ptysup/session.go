// Package ptysup implements C5: the PTY session supervisor. For each SPAWN
// request it creates a pseudo-terminal, forks the named CLI under it with
// its per-CLI permission-bypass flags, and tracks quiescence on the
// ANSI-stripped output stream (spec §4.5).
package ptysup

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
)

// OutputSink receives raw PTY output for mirroring to an optional log,
// modeled on the executor's LogSink consumer-interface pattern: the
// supervisor doesn't know or care who's listening, only that it reports.
type OutputSink interface {
	WritePTYOutput(sessionName string, data []byte)
}

// SpawnOptions configures a new Session.
type SpawnOptions struct {
	Name string // agent name this session is bound to
	CLI  string // CLI binary name, used to look up its Profile
	Args []string
	Dir  string
	Env  []string // additional environment, appended to os.Environ()
	Rows uint16
	Cols uint16

	Sink   OutputSink // optional
	Logger *zap.Logger

	// ProfileOverride bypasses the Table lookup when set, used by tests and
	// by deployments that want to tune idle thresholds without patching the
	// static table.
	ProfileOverride *Profile
}

// Session is a supervised child CLI process running under a controlling
// terminal (spec §3 "PtySession"). Owned exclusively by the supervisor.
type Session struct {
	Name    string
	CLI     string
	Profile Profile

	cmd  *exec.Cmd
	ptmx *os.File

	logger *zap.Logger
	sink   OutputSink

	mu          sync.Mutex
	quiescent   bool
	idleTimer   *time.Timer
	subscribers []chan bool

	done    chan struct{}
	exitErr error
	pid     int
}

// Spawn creates the pseudo-terminal, execs opts.CLI under it, and starts the
// output scanner. The returned Session is busy (not quiescent) until the
// child has produced no output for its Profile's IdleThreshold.
func Spawn(ctx context.Context, opts SpawnOptions) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	profile := Lookup(opts.CLI)
	if opts.ProfileOverride != nil {
		profile = *opts.ProfileOverride
	}
	rows, cols := opts.Rows, opts.Cols
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	args := append(append([]string{}, profile.PermissionBypassArgs...), opts.Args...)
	cmd := exec.CommandContext(ctx, opts.CLI, args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("ptysup: start %s: %w", opts.CLI, err)
	}

	s := &Session{
		Name:    opts.Name,
		CLI:     opts.CLI,
		Profile: profile,
		cmd:     cmd,
		ptmx:    ptmx,
		logger:  opts.Logger.Named("ptysup").With(zap.String("agent", opts.Name), zap.String("cli", opts.CLI)),
		sink:    opts.Sink,
		done:    make(chan struct{}),
		pid:     cmd.Process.Pid,
	}

	s.idleTimer = time.AfterFunc(profile.IdleThreshold, s.markQuiescent)
	go s.scanOutput()
	go s.waitExit()

	s.logger.Info("pty session spawned", zap.Int("pid", s.pid))
	return s, nil
}

// scanOutput reads child output until EOF (the child exited or the PTY
// master was closed), mirroring raw bytes to the sink and resetting the
// idle timer whenever the ANSI-stripped content is non-empty.
func (s *Session) scanOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if s.sink != nil {
				s.sink.WritePTYOutput(s.Name, chunk)
			}
			if len(stripANSI(chunk)) > 0 {
				s.markBusy()
			}
		}
		if err != nil {
			return
		}
	}
}

// markBusy records that output just arrived. If the session was quiescent,
// it emits a busy edge; either way it restarts the idle timer.
func (s *Session) markBusy() {
	s.mu.Lock()
	wasQuiescent := s.quiescent
	s.quiescent = false
	s.idleTimer.Reset(s.Profile.IdleThreshold)
	subs := append([]chan bool(nil), s.subscribers...)
	s.mu.Unlock()

	if wasQuiescent {
		s.emit(subs, false)
	}
}

// markQuiescent fires when the idle timer elapses without an intervening
// markBusy call. It is the busy → quiescent edge consumed by the injector.
func (s *Session) markQuiescent() {
	s.mu.Lock()
	if s.quiescent {
		s.mu.Unlock()
		return
	}
	s.quiescent = true
	subs := append([]chan bool(nil), s.subscribers...)
	s.mu.Unlock()

	s.emit(subs, true)
}

func (s *Session) emit(subs []chan bool, quiescent bool) {
	for _, ch := range subs {
		select {
		case ch <- quiescent:
		default:
			// Slow subscriber — quiescence is a level, not a queue; the
			// subscriber can always call IsQuiescent for current state.
		}
	}
}

// Subscribe returns a channel that receives true on the busy→quiescent edge
// and false on quiescent→busy, consumed by the injection controller (spec
// §4.5: "Transitions ... emit signals consumed by C6").
func (s *Session) Subscribe() <-chan bool {
	ch := make(chan bool, 4)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (s *Session) Unsubscribe(ch <-chan bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.subscribers {
		if c == ch {
			close(c)
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			return
		}
	}
}

// IsQuiescent reports the current busy/quiescent state.
func (s *Session) IsQuiescent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quiescent
}

// Write sends formatted text to the child's PTY stdin in one call, the
// injector's "atomic write" step (spec §4.6). Callers must only call this
// while the session is quiescent.
func (s *Session) Write(p []byte) (int, error) {
	return s.ptmx.Write(p)
}

// Resize updates the PTY window size.
func (s *Session) Resize(rows, cols uint16) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// waitExit blocks on the child process and records its exit, closing Done().
func (s *Session) waitExit() {
	err := s.cmd.Wait()
	s.mu.Lock()
	s.exitErr = err
	s.idleTimer.Stop()
	s.mu.Unlock()
	close(s.done)
	if err != nil {
		s.logger.Info("pty session exited", zap.Error(err))
	} else {
		s.logger.Info("pty session exited")
	}
}

// Done returns a channel closed when the child process has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// ExitErr returns the child's exit error, valid only after Done is closed.
func (s *Session) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Close terminates the child and releases the PTY master. Safe to call more
// than once.
func (s *Session) Close() error {
	_ = s.ptmx.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	return nil
}

var _ io.Writer = (*Session)(nil)
