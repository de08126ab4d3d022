package ffmpeg

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rtmprelay/metrics"
)

var (
	// ErrEmptyCommand is returned by Start for an empty argv.
	ErrEmptyCommand = errors.New("empty command")
	// ErrStillTerminating is returned by Start when the previous process of
	// the chat survived both the graceful stop and the kill timeout.
	ErrStillTerminating = errors.New("previous process is still terminating")
)

const stderrTailSize = 4 << 10

// LaunchError reports a transcoder that could not be started.
type LaunchError struct {
	ChatID  int64
	Program string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s for chat %d: %v", e.Program, e.ChatID, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Exit describes how a transcoder ended.
type Exit struct {
	Code    int    // process exit code, -1 when killed by a signal
	Err     error  // error returned by Wait, nil on a clean exit
	Stopped bool   // Stop was requested
	Forced  bool   // the graceful stop timed out and the process was killed
	Stderr  string // last few KiB of stderr
	Runtime time.Duration
}

// Failed reports an abnormal exit that nobody asked for.
func (e Exit) Failed() bool {
	return e.Err != nil && !e.Stopped
}

// FinishFunc is invoked once per started process after it has exited and its
// owned input has been removed.
type FinishFunc func(chatID int64, exit Exit)

// ProcessState is the supervisor's view of a chat's process.
type ProcessState string

const (
	StateRunning     ProcessState = "running"
	StateTerminating ProcessState = "terminating"
)

// ProcessInfo describes an active process.
type ProcessInfo struct {
	PID       int          `json:"pid"`
	State     ProcessState `json:"state"`
	StartedAt time.Time    `json:"startedAt"`
}

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	StopGrace   time.Duration  // SIGTERM to SIGKILL delay, defaults to 10s
	KillTimeout time.Duration  // wait after SIGKILL, defaults to 5s
	Guard       *ResourceGuard // optional launch precondition
	Logger      zerolog.Logger
}

type activeProcess struct {
	chatID    int64
	cmd       *exec.Cmd
	ownedFile string
	startedAt time.Time
	stderr    *tailBuffer
	done      chan struct{}
	stopping  atomic.Bool
	forced    atomic.Bool

	sigMu  sync.Mutex
	exited bool // Wait has reaped the process; its PID may be reused
}

// signal sends a signal to the process group unless the process has already
// been reaped. sent is false when nothing was signalled.
func (ap *activeProcess) signal(send func(*exec.Cmd) error) (sent bool, err error) {
	ap.sigMu.Lock()
	defer ap.sigMu.Unlock()
	if ap.exited {
		return false, nil
	}
	return true, send(ap.cmd)
}

func (ap *activeProcess) reaped() {
	ap.sigMu.Lock()
	ap.exited = true
	ap.sigMu.Unlock()
}

// Supervisor owns at most one transcoder process per chat.
type Supervisor struct {
	opts   SupervisorOptions
	logger zerolog.Logger

	mu     sync.Mutex
	active map[int64]*activeProcess
	starts map[int64]*sync.Mutex

	wg sync.WaitGroup
}

// NewSupervisor creates a supervisor.
func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 10 * time.Second
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = 5 * time.Second
	}
	return &Supervisor{
		opts:   opts,
		logger: opts.Logger,
		active: make(map[int64]*activeProcess),
		starts: make(map[int64]*sync.Mutex),
	}
}

// startLock serializes Start calls for one chat.
func (s *Supervisor) startLock(chatID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.starts[chatID]
	if !ok {
		l = &sync.Mutex{}
		s.starts[chatID] = l
	}
	return l
}

func (s *Supervisor) lookup(chatID int64) *activeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[chatID]
}

// Start launches argv for chatID. A process already running for the chat is
// stopped first. ownedFile, when non-empty, is deleted exactly once: after
// the process exits, or right away if the launch fails. onFinish runs on the
// waiting goroutine after cleanup; it is not called for failed launches.
func (s *Supervisor) Start(chatID int64, argv []string, ownedFile string, onFinish FinishFunc) error {
	lock := s.startLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	if s.lookup(chatID) != nil {
		s.Stop(chatID)
		if s.lookup(chatID) != nil {
			s.removeOwned(ownedFile)
			metrics.IncProcessStart("still_terminating")
			return fmt.Errorf("chat %d: %w", chatID, ErrStillTerminating)
		}
	}

	if len(argv) == 0 {
		s.removeOwned(ownedFile)
		metrics.IncProcessStart("launch_error")
		return &LaunchError{ChatID: chatID, Err: ErrEmptyCommand}
	}

	if s.opts.Guard != nil {
		if err := s.opts.Guard.Check(); err != nil {
			s.removeOwned(ownedFile)
			metrics.IncProcessStart("resources")
			return &LaunchError{ChatID: chatID, Program: argv[0], Err: err}
		}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	setProcessGroup(cmd)
	tail := newTailBuffer(stderrTailSize)
	cmd.Stderr = tail
	// Orphaned grandchildren must not keep Wait hanging on the stderr pipe.
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		s.removeOwned(ownedFile)
		metrics.IncProcessStart("launch_error")
		s.logger.Error().Err(err).Int64("chat_id", chatID).Str("program", argv[0]).Msg("transcoder launch failed")
		return &LaunchError{ChatID: chatID, Program: argv[0], Err: err}
	}

	ap := &activeProcess{
		chatID:    chatID,
		cmd:       cmd,
		ownedFile: ownedFile,
		startedAt: time.Now(),
		stderr:    tail,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.active[chatID] = ap
	s.mu.Unlock()

	metrics.IncProcessStart("ok")
	metrics.ActiveProcesses.Inc()
	s.logger.Info().
		Int64("chat_id", chatID).
		Int("pid", cmd.Process.Pid).
		Int("argc", len(argv)).
		Msg("transcoder started")

	s.wg.Add(1)
	go s.wait(ap, onFinish)
	return nil
}

// wait blocks until the process exits, then tears down its state.
func (s *Supervisor) wait(ap *activeProcess, onFinish FinishFunc) {
	defer s.wg.Done()

	err := ap.cmd.Wait()
	ap.reaped()
	exit := Exit{
		Code:    exitCodeFromError(err),
		Err:     err,
		Stopped: ap.stopping.Load(),
		Forced:  ap.forced.Load(),
		Stderr:  ap.stderr.String(),
		Runtime: time.Since(ap.startedAt),
	}

	s.removeOwned(ap.ownedFile)

	s.mu.Lock()
	if s.active[ap.chatID] == ap {
		delete(s.active, ap.chatID)
	}
	s.mu.Unlock()
	metrics.ActiveProcesses.Dec()

	ev := s.logger.Info()
	switch {
	case exit.Stopped:
		metrics.IncProcessExit("stopped")
	case exit.Failed():
		metrics.IncProcessExit("failed")
		ev = s.logger.Warn().Err(err)
	default:
		metrics.IncProcessExit("completed")
	}
	ev.Int64("chat_id", ap.chatID).
		Int("exit_code", exit.Code).
		Bool("stopped", exit.Stopped).
		Bool("forced", exit.Forced).
		Dur("runtime", exit.Runtime).
		Msg("transcoder exited")

	close(ap.done)

	if onFinish != nil {
		onFinish(ap.chatID, exit)
	}
}

// Stop terminates the chat's process: SIGTERM, then SIGKILL once the grace
// period has passed. It returns when the process has been torn down, or after
// the kill timeout at the latest. Without an active process it does nothing.
func (s *Supervisor) Stop(chatID int64) {
	ap := s.lookup(chatID)
	if ap == nil {
		return
	}

	ap.stopping.Store(true)
	s.logger.Info().Int64("chat_id", chatID).Int("pid", ap.cmd.Process.Pid).Msg("stopping transcoder")
	sent, err := ap.signal(terminate)
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("failed to send SIGTERM")
	}
	if !sent {
		s.awaitTeardown(ap)
		return
	}
	metrics.IncTerminate("SIGTERM")

	grace := time.NewTimer(s.opts.StopGrace)
	defer grace.Stop()
	select {
	case <-ap.done:
		return
	case <-grace.C:
	}

	s.logger.Warn().Int64("chat_id", chatID).Dur("grace", s.opts.StopGrace).Msg("graceful stop timed out, killing transcoder")
	sent, err = ap.signal(func(cmd *exec.Cmd) error {
		ap.forced.Store(true)
		return kill(cmd)
	})
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error().Err(err).Int64("chat_id", chatID).Msg("failed to kill transcoder")
	}
	if sent {
		metrics.IncTerminate("SIGKILL")
	}
	s.awaitTeardown(ap)
}

// awaitTeardown waits for wait to finish with ap, at most the kill timeout.
func (s *Supervisor) awaitTeardown(ap *activeProcess) {
	killWait := time.NewTimer(s.opts.KillTimeout)
	defer killWait.Stop()
	select {
	case <-ap.done:
	case <-killWait.C:
		s.logger.Error().Int64("chat_id", ap.chatID).Msg("transcoder was not torn down in time")
	}
}

// IsActive reports whether chatID has a running or terminating process.
func (s *Supervisor) IsActive(chatID int64) bool {
	return s.lookup(chatID) != nil
}

// Info returns details about the chat's process.
func (s *Supervisor) Info(chatID int64) (ProcessInfo, bool) {
	ap := s.lookup(chatID)
	if ap == nil {
		return ProcessInfo{}, false
	}
	state := StateRunning
	if ap.stopping.Load() {
		state = StateTerminating
	}
	return ProcessInfo{PID: ap.cmd.Process.Pid, State: state, StartedAt: ap.startedAt}, true
}

// StopAll stops every process concurrently and waits until all finish
// callbacks have returned.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			s.Stop(id)
			return nil
		})
	}
	_ = g.Wait()
	s.wg.Wait()
}

func (s *Supervisor) removeOwned(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("path", path).Msg("failed to delete input file")
		}
		return
	}
	s.logger.Debug().Str("path", path).Msg("deleted input file")
}

// exitCodeFromError extracts exit code from process error.
// Returns 0 for nil error, the exit code for ExitError, or 1 for other errors.
func exitCodeFromError(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}
