// Package workerproc is the OS-process side of the Worker Harness (C2): it
// re-execs the controller binary as a supervised child process (the Go
// analogue of the source's multiprocessing.Process(target=worker.run_all),
// per SPEC_FULL.md §9's isolation requirement) and frames messages over a
// dedicated pipe so worker stdout can never corrupt the control channel.
//
// Grounded on the os/exec idiom in
// _examples/A2Y-D5L-go-web-nats/workers_action_git.go
// (exec.CommandContext, cmd.Dir, errors.As(&exec.ExitError{})) and on the
// length-prefixed framing the teacher's internal/storage/wal/wal.go applies
// to its on-disk event log, here applied to an in-flight pipe instead.
package workerproc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tarantool/test-run/pkg/types"
)

// envelope is the wire representation of one types.Message or one
// queue.InputItem. Only the fields relevant to Kind are populated.
type envelope struct {
	Kind string `json:"kind"`

	WorkerID   int    `json:"worker_id,omitempty"`
	WorkerName string `json:"worker_name,omitempty"`

	TaskTest   string `json:"task_test,omitempty"`
	TaskConfig string `json:"task_config,omitempty"`

	ShortStatus string `json:"short_status,omitempty"`
	Text        string `json:"text,omitempty"`
	LogOnly     bool   `json:"log_only,omitempty"`

	TmpResultPath string `json:"tmp_result_path,omitempty"`
	ResultPath    string `json:"result_path,omitempty"`

	Synthesized bool `json:"synthesized,omitempty"`

	IsStop bool `json:"is_stop,omitempty"`
}

const (
	kindTaskResult  = "task_result"
	kindOutput      = "output"
	kindCurrentTask = "current_task"
	kindDone        = "done"
	kindTask        = "task"
	kindStop        = "stop"
)

func encodeMessage(m types.Message) envelope {
	e := envelope{WorkerID: m.WorkerID(), WorkerName: m.WorkerName()}
	switch v := m.(type) {
	case types.TaskResult:
		e.Kind = kindTaskResult
		e.TaskTest = v.TaskID.TestName
		e.TaskConfig = v.TaskID.ConfigName
		e.ShortStatus = string(v.ShortStatus)
	case types.Output:
		e.Kind = kindOutput
		e.Text = v.Text
		e.LogOnly = v.LogOnly
	case types.CurrentTask:
		e.Kind = kindCurrentTask
		e.TaskTest = v.TaskID.TestName
		e.TaskConfig = v.TaskID.ConfigName
		e.TmpResultPath = v.TmpResultPath
		e.ResultPath = v.ResultPath
	case types.Done:
		e.Kind = kindDone
		e.Synthesized = v.Synthesized
	default:
		panic(fmt.Sprintf("workerproc: unknown message type %T", m))
	}
	return e
}

func (e envelope) toMessage() types.Message {
	h := types.NewHeader(e.WorkerID, e.WorkerName)
	switch e.Kind {
	case kindTaskResult:
		return types.TaskResult{Header: h, TaskID: types.TaskID{TestName: e.TaskTest, ConfigName: e.TaskConfig}, ShortStatus: types.ShortStatus(e.ShortStatus)}
	case kindOutput:
		return types.Output{Header: h, Text: e.Text, LogOnly: e.LogOnly}
	case kindCurrentTask:
		return types.CurrentTask{Header: h, TaskID: types.TaskID{TestName: e.TaskTest, ConfigName: e.TaskConfig}, TmpResultPath: e.TmpResultPath, ResultPath: e.ResultPath}
	case kindDone:
		return types.Done{Header: h, Synthesized: e.Synthesized}
	default:
		panic(fmt.Sprintf("workerproc: unknown envelope kind %q", e.Kind))
	}
}

// frameWriter writes length-prefixed JSON envelopes.
type frameWriter struct {
	w io.Writer
}

func newFrameWriter(w io.Writer) *frameWriter { return &frameWriter{w: w} }

func (f *frameWriter) writeEnvelope(e envelope) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("workerproc: marshal envelope: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := f.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("workerproc: write frame length: %w", err)
	}
	if _, err := f.w.Write(payload); err != nil {
		return fmt.Errorf("workerproc: write frame payload: %w", err)
	}
	return nil
}

// frameReader reads length-prefixed JSON envelopes.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader { return &frameReader{r: bufio.NewReader(r)} }

func (f *frameReader) readEnvelope() (envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.r, lenBuf[:]); err != nil {
		return envelope{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return envelope{}, fmt.Errorf("workerproc: read frame payload: %w", err)
	}
	var e envelope
	if err := json.Unmarshal(payload, &e); err != nil {
		return envelope{}, fmt.Errorf("workerproc: unmarshal envelope: %w", err)
	}
	return e, nil
}
