package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	agentConfig "github.com/taskfleet/taskfleet/internal/agent/config"
	"github.com/taskfleet/taskfleet/internal/broker/model"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	return NewRunner(agentConfig.RunnerConfig{WorkDir: t.TempDir()})
}

func shellTask(id, script string, timeoutSec int) *model.Task {
	return &model.Task{
		ID:    id,
		JobID: "job-" + id,
		Config: model.JobConfig{
			Cmd:            "/bin/sh",
			Args:           []string{"-c", script},
			TimeoutSeconds: timeoutSec,
			CaptureOutput:  true,
		},
		Attempt: 1,
	}
}

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	rn := testRunner(t)

	res, err := rn.Run(context.Background(), shellTask("t1", "echo hello; echo oops >&2", 10), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Output, "hello") || !strings.Contains(res.Output, "oops") {
		t.Fatalf("output missing streams: %q", res.Output)
	}
	if res.Truncated || res.TimedOut {
		t.Fatalf("unexpected flags: truncated=%v timed_out=%v", res.Truncated, res.TimedOut)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	rn := testRunner(t)

	res, err := rn.Run(context.Background(), shellTask("t2", "exit 3", 10), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Error == "" {
		t.Fatal("expected error message for non-zero exit")
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	rn := testRunner(t)

	start := time.Now()
	res, err := rn.Run(context.Background(), shellTask("t3", "sleep 30", 1), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
	if !res.TimedOut {
		t.Fatal("expected timed_out flag")
	}
	if res.ExitCode != -1 {
		t.Fatalf("exit code = %d, want -1", res.ExitCode)
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Fatalf("error = %q", res.Error)
	}
}

func TestRunReportsProgress(t *testing.T) {
	rn := testRunner(t)

	var got []float64
	script := `echo '{"progress": 25}'; echo plain line; echo '{"progress": 100}'`
	res, err := rn.Run(context.Background(), shellTask("t4", script, 10), func(p float64) {
		got = append(got, p)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if len(got) != 2 || got[0] != 25 || got[1] != 100 {
		t.Fatalf("progress callbacks = %v, want [25 100]", got)
	}
	if !strings.Contains(res.Output, "plain line") {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestRunEmptyCommand(t *testing.T) {
	rn := testRunner(t)

	task := shellTask("t5", "", 10)
	task.Config.Cmd = ""
	res, err := rn.Run(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != -1 || res.Error == "" {
		t.Fatalf("got %+v, want synthetic failure", res)
	}
}

func TestRunInjectsEnv(t *testing.T) {
	rn := NewRunner(agentConfig.RunnerConfig{
		WorkDir: t.TempDir(),
		Env:     map[string]string{"FLEET_REGION": "dev-east"},
	})

	res, err := rn.Run(context.Background(), shellTask("t7", `echo "$FLEET_REGION $TASKFLEET_TASK_ID"`, 10), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(res.Output, "dev-east t7") {
		t.Fatalf("env not injected, output = %q", res.Output)
	}
}

func TestRunKeepsBufferedTailOutput(t *testing.T) {
	rn := testRunner(t)

	// 大量输出后立即退出:进程结束瞬间仍在管道里的尾部不能丢
	task := shellTask("t8", `i=1; while [ $i -le 2000 ]; do echo "line$i"; i=$((i+1)); done`, 30)
	task.Config.MaxOutputSize = 1 << 20
	res, err := rn.Run(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
	if !strings.Contains(res.Output, "line2000") {
		t.Fatalf("tail output lost, got %d bytes", len(res.Output))
	}
	if res.Truncated {
		t.Fatal("output below cap must not be marked truncated")
	}
}

func TestLineWriterParsesProgressAcrossChunks(t *testing.T) {
	var got []float64
	w := newLineWriter(newBoundedWriter(true, 1024), func(p float64) { got = append(got, p) })

	// 行被任意切块写入时仍按完整行解析
	w.Write([]byte(`{"prog`))
	w.Write([]byte("ress\": 42}\nnot json\n{\"progress\": 99}"))
	w.Write([]byte("\n"))

	if len(got) != 2 || got[0] != 42 || got[1] != 99 {
		t.Fatalf("progress = %v, want [42 99]", got)
	}
}

func TestBoundedWriterTruncates(t *testing.T) {
	w := newBoundedWriter(true, 8)

	n, err := w.Write([]byte("12345"))
	if err != nil || n != 5 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	// 超出上限时保留前缀并标记截断
	if _, err := w.Write([]byte("67890")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := w.String(); got != "12345678" {
		t.Fatalf("buffer = %q, want head prefix", got)
	}
	if !w.Truncated() {
		t.Fatal("expected truncated flag")
	}
	// 截断后继续写入不再增长
	w.Write([]byte("abc"))
	if got := w.String(); got != "12345678" {
		t.Fatalf("buffer grew after truncation: %q", got)
	}
}

func TestBoundedWriterDiscardWhenDisabled(t *testing.T) {
	w := newBoundedWriter(false, 1024)
	if _, err := w.Write([]byte("anything")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.String() != "" || w.Truncated() {
		t.Fatalf("disabled capture must discard: %q", w.String())
	}
}

func TestRunOutputTruncation(t *testing.T) {
	rn := testRunner(t)

	task := shellTask("t6", "yes x | head -c 4096", 10)
	task.Config.MaxOutputSize = 128
	res, err := rn.Run(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Truncated {
		t.Fatal("expected truncated output")
	}
	if len(res.Output) > 128 {
		t.Fatalf("output length %d exceeds cap", len(res.Output))
	}
}
