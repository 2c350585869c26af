package provision

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/workspace/session-broker/internal/logging"
)

const defaultStopGrace = 10 * time.Second

// LocalProvisioner runs each session's backend as a child process attached to
// a pseudo-terminal. Game servers expect an interactive console, so the PTY
// stands in for the terminal multiplexer they would normally run under.
type LocalProvisioner struct {
	catalog   *Catalog
	stopGrace time.Duration
	logger    *slog.Logger

	mu    sync.Mutex
	procs map[string]*localProcess
}

type localProcess struct {
	cmd    *exec.Cmd
	ptmx   *os.File
	exited chan struct{}
}

// LocalConfig configures a LocalProvisioner.
type LocalConfig struct {
	Catalog   *Catalog
	StopGrace time.Duration
}

// NewLocal creates a LocalProvisioner.
func NewLocal(cfg LocalConfig) *LocalProvisioner {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &LocalProvisioner{
		catalog:   cfg.Catalog,
		stopGrace: cfg.StopGrace,
		logger:    logging.With("provision"),
		procs:     make(map[string]*localProcess),
	}
}

// Start launches the branch command for req.SessionID.
func (p *LocalProvisioner) Start(ctx context.Context, req StartRequest, hooks Hooks) error {
	branchName, branch, err := p.catalog.Resolve(req.Branch)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start cancelled: %w", err)
	}

	p.mu.Lock()
	if _, exists := p.procs[req.SessionID]; exists {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	// Reserve the slot so a concurrent Start for the same session fails.
	p.procs[req.SessionID] = nil
	p.mu.Unlock()

	cmd := exec.Command(branch.Command[0], branch.Command[1:]...)
	cmd.Dir = branch.WorkDir
	cmd.Env = os.Environ()
	for k, v := range branch.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		"SESSION_ID="+req.SessionID,
		"WORKER_URL="+req.CallbackURL,
		"CALLBACK_TOKEN="+req.CallbackToken,
		"GAME_BRANCH="+branchName,
		"TERM=xterm-256color",
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 120})
	if err != nil {
		p.mu.Lock()
		delete(p.procs, req.SessionID)
		p.mu.Unlock()
		return fmt.Errorf("start %s: %w", branch.Command[0], err)
	}

	proc := &localProcess{cmd: cmd, ptmx: ptmx, exited: make(chan struct{})}
	p.mu.Lock()
	p.procs[req.SessionID] = proc
	p.mu.Unlock()

	logger := p.logger.With("sessionId", req.SessionID, "branch", branchName, "pid", cmd.Process.Pid)
	logger.Info("Backend process started")
	hooks.started()

	go p.drainConsole(logger, ptmx)
	go p.wait(req.SessionID, proc, logger, hooks)
	return nil
}

// drainConsole keeps the PTY from filling up. The agent streams the game
// console to the broker itself, so output here is only logged at debug.
func (p *LocalProvisioner) drainConsole(logger *slog.Logger, ptmx *os.File) {
	scanner := bufio.NewScanner(ptmx)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		logger.Debug("backend console", "line", scanner.Text())
	}
}

func (p *LocalProvisioner) wait(sessionID string, proc *localProcess, logger *slog.Logger, hooks Hooks) {
	err := proc.cmd.Wait()
	_ = proc.ptmx.Close()
	close(proc.exited)

	p.mu.Lock()
	if p.procs[sessionID] == proc {
		delete(p.procs, sessionID)
	}
	p.mu.Unlock()

	if err != nil {
		logger.Warn("Backend process exited with error", "error", err)
		hooks.failed(fmt.Errorf("backend exited: %w", err))
		return
	}
	logger.Info("Backend process exited")
	hooks.exited()
}

// Stop terminates the session's process, escalating from SIGTERM to SIGKILL
// after the stop grace period. Stopping a session with no process is a no-op.
func (p *LocalProvisioner) Stop(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	proc := p.procs[sessionID]
	p.mu.Unlock()
	if proc == nil {
		return nil
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		select {
		case <-proc.exited:
			return nil
		default:
		}
		p.logger.Warn("SIGTERM failed, killing backend", "sessionId", sessionID, "error", err)
		return proc.cmd.Process.Kill()
	}

	timer := time.NewTimer(p.stopGrace)
	defer timer.Stop()
	select {
	case <-proc.exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger.Warn("Backend did not exit after SIGTERM, killing", "sessionId", sessionID, "grace", p.stopGrace)
	if err := proc.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("kill backend: %w", err)
	}
	return nil
}

// Running reports whether sessionID has a live process.
func (p *LocalProvisioner) Running(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.procs[sessionID] != nil
}
