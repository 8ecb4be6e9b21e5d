package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/feldspar/overseer/internal/dispatch"
)

const (
	maxResultBytes = 8 * 1024
	progressEvery  = 25 // lines between progress reports
)

// shellExecutor runs a task's description as a shell command in its
// workspace. It reports the process ID as soon as the command starts
// and streams stdout in batched progress updates.
type shellExecutor struct{}

func defaultExecutor() dispatch.Executor {
	return &shellExecutor{}
}

func (e *shellExecutor) Execute(ctx context.Context, req dispatch.ExecRequest,
	onPID dispatch.PIDCallback, onProgress dispatch.ProgressCallback) (string, error) {

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Description)
	if req.Workspace != "" {
		cmd.Dir = req.Workspace
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start executor: %w", err)
	}
	if onPID != nil {
		onPID(cmd.Process.Pid)
	}

	var tail strings.Builder
	lines := 0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lines++
		if tail.Len() < maxResultBytes {
			tail.WriteString(line)
			tail.WriteByte('\n')
		}
		if onProgress != nil && lines%progressEvery == 0 {
			onProgress(fmt.Sprintf("produced %d lines of output", lines), lines)
		}
	}
	if serr := scanner.Err(); serr != nil && serr != io.EOF {
		_ = cmd.Wait()
		return "", fmt.Errorf("read executor output: %w", serr)
	}

	if err := cmd.Wait(); err != nil {
		out := strings.TrimSpace(tail.String())
		if out != "" {
			return "", fmt.Errorf("executor exited: %w: %s", err, truncate(out, 512))
		}
		return "", fmt.Errorf("executor exited: %w", err)
	}

	if onProgress != nil {
		onProgress(fmt.Sprintf("finished with %d lines of output", lines), lines)
	}
	return strings.TrimSpace(tail.String()), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
