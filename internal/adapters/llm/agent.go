package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"

	"gameforge/internal/core/ports"
)

// AgentRunner launches the tool-using fallback generator as a child process.
// The process reads its prompt on stdin and emits one JSON event per stdout
// line: {"type":"assistant","text":...}, {"type":"tool_use","tool":...},
// {"type":"result","result":{...}}.
type AgentRunner struct {
	logger  *slog.Logger
	command string
	args    []string
	workDir string
}

func NewAgentRunner(logger *slog.Logger, command string, args []string, workDir string) *AgentRunner {
	return &AgentRunner{logger: logger, command: command, args: args, workDir: workDir}
}

func (r *AgentRunner) Start(ctx context.Context, prompt string) (ports.AgentProcess, error) {
	if r.command == "" {
		return nil, fmt.Errorf("agent command not configured")
	}

	cmd := exec.CommandContext(ctx, r.command, r.args...)
	cmd.Dir = r.workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	proc := &agentProcess{
		logger: r.logger,
		cmd:    cmd,
		events: make(chan ports.AgentEvent, 64),
		quit:   make(chan struct{}),
	}

	go func() {
		defer stdin.Close()
		if _, err := io.WriteString(stdin, prompt); err != nil {
			r.logger.Warn("agent prompt write failed", "error", err)
		}
	}()
	go proc.readLoop(stdout)

	return proc, nil
}

type agentProcess struct {
	logger   *slog.Logger
	cmd      *exec.Cmd
	events   chan ports.AgentEvent
	quit     chan struct{}
	killOnce sync.Once
}

func (p *agentProcess) Events() <-chan ports.AgentEvent { return p.events }

// Kill terminates the child. Safe to call any number of times, including
// after the process already exited. Closing quit unparks a readLoop whose
// consumer stopped draining events, so the child is always reaped.
func (p *agentProcess) Kill() {
	p.killOnce.Do(func() {
		close(p.quit)
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}

// readLoop parses line-framed events until stdout closes, then reaps the
// process and closes the event channel. Malformed lines are dropped.
func (p *agentProcess) readLoop(stdout io.Reader) {
	defer close(p.events)
	defer func() {
		if err := p.cmd.Wait(); err != nil {
			p.logger.Debug("agent process exited", "error", err)
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event ports.AgentEvent
		if err := json.Unmarshal(line, &event); err != nil {
			p.logger.Debug("agent emitted non-event line", "error", err)
			continue
		}
		select {
		case p.events <- event:
		case <-p.quit:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("agent stream read failed", "error", err)
	}
}
