package exiftool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Executor abstracts command execution for testability. Each output line is
// forwarded to onLine together with whether it came from stderr.
type Executor interface {
	Run(ctx context.Context, binary string, args []string, onLine func(line string, stderr bool)) error
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string, onLine func(string, bool)) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		scanErr error
		once    sync.Once
	)
	scan := func(r io.Reader, isStderr bool) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			if onLine != nil {
				mu.Lock()
				onLine(scanner.Text(), isStderr)
				mu.Unlock()
			}
		}
		if err := scanner.Err(); err != nil {
			once.Do(func() { scanErr = err })
		}
	}

	wg.Add(2)
	go scan(stdout, false)
	go scan(stderr, true)
	wg.Wait()
	if scanErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("scan output: %w", scanErr)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("wait command: %w", err)
	}
	return nil
}

// output collects stdout and stderr lines from one invocation.
type output struct {
	stdout []string
	stderr []string
}

func (o *output) collect(line string, stderr bool) {
	if stderr {
		o.stderr = append(o.stderr, line)
		return
	}
	o.stdout = append(o.stdout, line)
}

func (o *output) stdoutText() string {
	return strings.Join(o.stdout, "\n")
}

func (o *output) logs() []string {
	logs := make([]string, 0, len(o.stdout)+len(o.stderr))
	for _, line := range append(append([]string{}, o.stdout...), o.stderr...) {
		if line = strings.TrimSpace(line); line != "" {
			logs = append(logs, line)
		}
	}
	return logs
}
