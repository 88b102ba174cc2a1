package workerproc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/tarantool/test-run/internal/queue"
	"github.com/tarantool/test-run/internal/reproduce"
	"github.com/tarantool/test-run/internal/testdriver"
	"github.com/tarantool/test-run/internal/workerharness"
	"github.com/tarantool/test-run/pkg/types"
)

// ChildConfig is everything the __worker subcommand needs to run one
// harness inside this process, which is itself the child half of the
// re-exec launched by Launcher.Launch.
type ChildConfig struct {
	WorkerID     int
	WorkerName   string
	VarDir       string
	DriverScript string
	ForceMode    bool
	TaskTimeout  time.Duration
	Logger       *slog.Logger
}

// RunChild wires stdin/fd3/stdout into a workerharness.Harness and runs it
// to completion. It corresponds to C2's "Installation on start" steps:
// redirecting stdout into Output messages, and (via SIGTERM) setting the
// cooperative-stop flag the run loop checks after every task.
func RunChild(cfg ChildConfig) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	msgPipe := os.NewFile(3, "msgpipe")
	if msgPipe == nil {
		return fmt.Errorf("workerproc: fd 3 (message pipe) not available")
	}
	defer msgPipe.Close()

	fw := newFrameWriter(msgPipe)
	var fwMu sync.Mutex
	writeMsg := func(e envelope) error {
		fwMu.Lock()
		defer fwMu.Unlock()
		return fw.writeEnvelope(e)
	}

	outputCh := make(chan types.Message, 64)
	encodeDone := make(chan struct{})
	go func() {
		defer close(encodeDone)
		for m := range outputCh {
			if err := writeMsg(encodeMessage(m)); err != nil {
				cfg.Logger.Error("workerproc: failed writing message to parent", "error", err)
			}
		}
	}()

	// Step 2 of C2's installation: every write this process makes to
	// os.Stdout becomes an Output message. The ShellDriver's subprocess is
	// not connected to this pipe: its Cmd.Stdout is left nil, so what the
	// driver script prints goes to the null device and produces no Output.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("workerproc: create stdout pipe: %w", err)
	}
	origStdout := os.Stdout
	os.Stdout = stdoutW
	stdoutDone := make(chan struct{})
	go func() {
		defer close(stdoutDone)
		buf := make([]byte, 4096)
		for {
			n, rerr := stdoutR.Read(buf)
			if n > 0 {
				outputCh <- types.Output{
					Header: types.NewHeader(cfg.WorkerID, cfg.WorkerName),
					Text:   string(buf[:n]),
				}
			}
			if rerr != nil {
				return
			}
		}
	}()

	inputCh := make(chan queue.InputItem)
	go func() {
		defer close(inputCh)
		fr := newFrameReader(os.Stdin)
		for {
			e, rerr := fr.readEnvelope()
			if rerr != nil {
				return
			}
			if e.Kind == kindStop {
				inputCh <- queue.InputItem{IsStop: true}
				return
			}
			inputCh <- queue.InputItem{Task: types.TaskID{TestName: e.TaskTest, ConfigName: e.TaskConfig}}
		}
	}()

	workerVarDir := filepath.Join(cfg.VarDir, cfg.WorkerName)
	if err := os.MkdirAll(workerVarDir, 0o755); err != nil {
		return fmt.Errorf("workerproc: create worker vardir: %w", err)
	}

	rec, err := reproduce.NewRecorder(cfg.VarDir, cfg.WorkerName)
	if err != nil {
		return fmt.Errorf("workerproc: create reproduce recorder: %w", err)
	}
	defer rec.Close()

	driver := testdriver.NewShellDriver(cfg.DriverScript, workerVarDir)

	h := workerharness.New(workerharness.Config{
		WorkerID:    cfg.WorkerID,
		WorkerName:  cfg.WorkerName,
		Input:       inputCh,
		Output:      outputCh,
		Driver:      driver,
		Reproduce:   rec,
		ForceMode:   cfg.ForceMode,
		TaskTimeout: cfg.TaskTimeout,
		Logger:      cfg.Logger,
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; ok {
			h.RequestStop()
		}
	}()

	h.Run(context.Background())

	signal.Stop(sigCh)
	close(outputCh)
	<-encodeDone

	os.Stdout = origStdout
	stdoutW.Close()
	<-stdoutDone

	return nil
}
