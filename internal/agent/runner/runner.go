package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	agentConfig "github.com/taskfleet/taskfleet/internal/agent/config"
	"github.com/taskfleet/taskfleet/internal/broker/model"
	"github.com/taskfleet/taskfleet/internal/infra/components/logging"
)

// Runner 在本机以子进程方式执行任务命令.
// 超时或取消时向整个进程组发 SIGKILL, 避免遗留孙子进程.
type Runner struct {
	cfg agentConfig.RunnerConfig
}

func NewRunner(cfg agentConfig.RunnerConfig) *Runner {
	return &Runner{cfg: cfg}
}

// ProgressFunc 在任务 stdout 中出现 {"progress": N} 行时回调.
type ProgressFunc func(progress float64)

// Run 执行任务并返回结果. 进程级错误(无法启动等)通过 TaskResult.Error 上报,
// 返回的 error 仅代表 runner 自身的环境故障.
func (rn *Runner) Run(ctx context.Context, task *model.Task, onProgress ProgressFunc) (*model.TaskResult, error) {
	if task.Config.Cmd == "" {
		return &model.TaskResult{ExitCode: -1, Error: "empty command"}, nil
	}

	workDir, err := rn.prepareWorkDir(task.ID)
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	timeout := task.Timeout()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(task.Config.Cmd, task.Config.Args...)
	cmd.Dir = workDir
	env := append(os.Environ(),
		fmt.Sprintf("TASKFLEET_TASK_ID=%s", task.ID),
		fmt.Sprintf("TASKFLEET_JOB_ID=%s", task.JobID),
		fmt.Sprintf("TASKFLEET_ATTEMPT=%d", task.Attempt),
	)
	for k, v := range rn.cfg.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// stdout/stderr 直接挂 writer, 由 os/exec 自带的拷贝协程喂数据:
	// Wait 返回前保证拷贝完成, 不会丢进程退出瞬间还在管道里的尾部输出.
	sink := newBoundedWriter(task.Config.CaptureOutput, task.Config.MaxOutputSize)
	cmd.Stdout = newLineWriter(sink, onProgress)
	cmd.Stderr = sink

	if err := cmd.Start(); err != nil {
		return &model.TaskResult{ExitCode: -1, Error: fmt.Sprintf("start: %v", err)}, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
		killProcessGroup(cmd)
		waitErr = <-done
	}

	result := &model.TaskResult{
		Output:    sink.String(),
		Truncated: sink.Truncated(),
		TimedOut:  timedOut,
	}
	switch {
	case timedOut:
		result.ExitCode = -1
		result.Error = fmt.Sprintf("timed out after %s", timeout)
	case waitErr == nil:
		result.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		result.Error = waitErr.Error()
	}

	logging.Debug(ctx, "task process finished",
		zap.String("task_id", task.ID),
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Bool("truncated", result.Truncated))
	return result, nil
}

func (rn *Runner) prepareWorkDir(taskID string) (string, error) {
	dir := filepath.Join(rn.cfg.WorkDirOrDefault(), taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("prepare workdir: %w", err)
	}
	return dir, nil
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// 负 pid 把信号发给整个进程组
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
	// 给内核一点时间回收, Wait 仍然负责最终收割
	time.Sleep(50 * time.Millisecond)
}

// lineWriter 把 stdout 原样转发到输出缓冲, 同时按行解析进度 JSON.
// 只被 os/exec 的单个拷贝协程写入, 无需加锁.
type lineWriter struct {
	sink       *boundedWriter
	onProgress ProgressFunc
	partial    bytes.Buffer
}

// 超长行只保留前缀参与进度解析, 输出转发不受影响.
const maxProgressLine = 1024 * 1024

func newLineWriter(sink *boundedWriter, onProgress ProgressFunc) *lineWriter {
	return &lineWriter{sink: sink, onProgress: onProgress}
}

func (lw *lineWriter) Write(p []byte) (int, error) {
	lw.sink.Write(p)
	if lw.onProgress == nil {
		return len(p), nil
	}
	rest := p
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		lw.appendPartial(rest[:idx])
		lw.emitLine()
		rest = rest[idx+1:]
	}
	lw.appendPartial(rest)
	return len(p), nil
}

func (lw *lineWriter) appendPartial(b []byte) {
	if lw.partial.Len()+len(b) > maxProgressLine {
		return
	}
	lw.partial.Write(b)
}

func (lw *lineWriter) emitLine() {
	line := strings.TrimSpace(lw.partial.String())
	lw.partial.Reset()
	if !strings.HasPrefix(line, "{") {
		return
	}
	if p := gjson.Get(line, "progress"); p.Exists() {
		lw.onProgress(p.Float())
	}
}

// boundedWriter 只保留前 max 字节, 超出部分计为截断.
type boundedWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	capture   bool
	max       int
	truncated bool
}

func newBoundedWriter(capture bool, maxBytes int) *boundedWriter {
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	return &boundedWriter{capture: capture, max: maxBytes}
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.capture {
		return len(p), nil
	}
	remain := w.max - w.buf.Len()
	if remain <= 0 {
		w.truncated = true
		return len(p), nil
	}
	if len(p) > remain {
		w.buf.Write(p[:remain])
		w.truncated = true
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

func (w *boundedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func (w *boundedWriter) Truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.truncated
}
