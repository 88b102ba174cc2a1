package workerproc

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/tarantool/test-run/internal/queue"
	"github.com/tarantool/test-run/pkg/types"
)

// WorkerSpec describes one worker to launch.
type WorkerSpec struct {
	WorkerID     int
	WorkerName   string
	GroupKey     string
	VarDir       string
	DriverScript string
	ForceMode    bool
	TaskTimeout  string // Go duration string, passed through to the child
}

// Launcher starts worker harnesses as real child OS processes by
// re-executing the controller binary with a hidden "__worker" subcommand.
// This is the production launcher; internal/dispatcher tests use an
// in-process equivalent (see workerharness.Run driven directly from a
// goroutine) for speed. The CLI wires this type into the dispatcher for
// every real run except --max-workers -1, which uses InProcessLauncher
// instead; this type preserves the crash-isolation guarantee SPEC_FULL.md
// §9 requires, InProcessLauncher does not.
type Launcher struct {
	SelfPath string
	Logger   *slog.Logger
}

// NewLauncher resolves the running binary's path once via os.Executable.
func NewLauncher(logger *slog.Logger) (*Launcher, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("workerproc: resolve self path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{SelfPath: self, Logger: logger}, nil
}

// Launch starts one worker process bound to group, forwarding its input
// queue to the child's stdin and decoding its message pipe into output.
func (l *Launcher) Launch(spec WorkerSpec, group *queue.Group, output chan<- types.Message) (queue.WorkerHandle, error) {
	args := []string{
		"__worker",
		"--worker-id", strconv.Itoa(spec.WorkerID),
		"--worker-name", spec.WorkerName,
		"--vardir", spec.VarDir,
		"--driver-script", spec.DriverScript,
		"--force=" + strconv.FormatBool(spec.ForceMode),
	}
	if spec.TaskTimeout != "" {
		args = append(args, "--task-timeout", spec.TaskTimeout)
	}
	cmd := exec.Command(l.SelfPath, args...)

	msgR, msgW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("workerproc: create message pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{msgW}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		msgR.Close()
		msgW.Close()
		return nil, fmt.Errorf("workerproc: create stdin pipe: %w", err)
	}

	workerVarDir := filepath.Join(spec.VarDir, spec.WorkerName)
	cmd.Env = append(os.Environ(),
		"TEST_WORKDIR="+workerVarDir,
		"VARDIR="+workerVarDir,
	)
	cmd.Stdout = nil
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		msgR.Close()
		msgW.Close()
		stdin.Close()
		return nil, fmt.Errorf("workerproc: start worker process: %w", err)
	}
	// The write end belongs to the child now; the parent only reads.
	msgW.Close()

	p := &Process{cmd: cmd, stdin: stdin, pid: cmd.Process.Pid}

	go pumpInput(group, stdin, l.Logger)
	go pumpOutput(msgR, output, l.Logger, spec.WorkerName)

	return p, nil
}

// pumpInput forwards items from the group's shared input queue to one
// worker's stdin until it forwards a stop marker, at which point this
// particular worker has all the input it will ever get.
func pumpInput(group *queue.Group, stdin io.WriteCloser, logger *slog.Logger) {
	defer stdin.Close()
	fw := newFrameWriter(stdin)
	for item := range group.InputCh() {
		var e envelope
		if item.IsStop {
			e = envelope{Kind: kindStop}
		} else {
			e = envelope{Kind: kindTask, TaskTest: item.Task.TestName, TaskConfig: item.Task.ConfigName}
		}
		if err := fw.writeEnvelope(e); err != nil {
			logger.Warn("workerproc: failed writing task to worker stdin", "error", err)
			return
		}
		if item.IsStop {
			return
		}
	}
}

// pumpOutput decodes message envelopes from the worker's message pipe and
// forwards them onto its private output channel until the child closes the
// pipe (process exit) or a Done arrives.
func pumpOutput(r *os.File, output chan<- types.Message, logger *slog.Logger, workerName string) {
	defer r.Close()
	fr := newFrameReader(r)
	for {
		e, err := fr.readEnvelope()
		if err != nil {
			return
		}
		output <- e.toMessage()
		if e.Kind == kindDone {
			return
		}
	}
}

// Process is the parent-side handle to a worker's OS process, implementing
// queue.WorkerHandle.
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	pid   int

	mu     sync.Mutex
	waited bool
	waitErr error
}

func (p *Process) Pid() int { return p.pid }

// Alive performs a non-blocking liveness probe by sending signal 0, the
// POSIX idiom for "does this process exist" without actually signaling it.
func (p *Process) Alive() bool {
	if p.cmd.ProcessState != nil {
		return false
	}
	err := p.cmd.Process.Signal(syscall.Signal(0))
	return err == nil
}

func (p *Process) Terminate() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *Process) Kill() error {
	return p.cmd.Process.Kill()
}

// Wait reaps the process exactly once; subsequent calls return the same
// result, since calling exec.Cmd.Wait twice is an error.
func (p *Process) Wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.waited {
		return p.waitErr
	}
	p.waited = true
	p.waitErr = p.cmd.Wait()
	return p.waitErr
}
