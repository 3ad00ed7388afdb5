package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// maxOutputLine bounds a single stdout line from the subprocess.
const maxOutputLine = 1 << 20 // 1 MiB

// commandRequest is the JSON document fed to the subprocess on stdin.
type commandRequest struct {
	TaskID          string   `json:"task_id"`
	TaskType        string   `json:"task_type"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Role            string   `json:"role"`
	SystemPrompt    string   `json:"system_prompt,omitempty"`
	Model           string   `json:"model,omitempty"`
	Tools           []string `json:"tools,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
}

// commandLine is one JSONL record read from the subprocess stdout. Text
// records stream partial output; exactly one result record ends the
// invocation. Unknown record types are skipped so providers can emit their
// own diagnostics.
type commandLine struct {
	Type   string         `json:"type"`
	Text   string         `json:"text,omitempty"`
	Result *models.Result `json:"result,omitempty"`
}

// CommandProvider runs an external program per task. The task is written to
// the subprocess stdin as JSON; stdout is consumed as a JSONL stream of text
// and result records. Killing the subprocess on ctx cancellation is handled
// by os/exec.
type CommandProvider struct {
	argv []string
	env  map[string]string
}

// NewCommandProvider builds a provider from the role's command configuration.
func NewCommandProvider(cfg *config.ProviderConfig) (*CommandProvider, error) {
	if cfg == nil || len(cfg.Command) == 0 {
		return nil, fmt.Errorf("command provider requires a command")
	}
	return &CommandProvider{argv: cfg.Command, env: cfg.Env}, nil
}

// Invoke launches the configured argv and waits for its result record.
func (p *CommandProvider) Invoke(ctx context.Context, inv Invocation, onText TextFunc) (*models.Result, error) {
	req := commandRequest{
		TaskID:      inv.Task.ID,
		TaskType:    inv.Task.TaskType,
		Title:       inv.Task.Title,
		Description: inv.Task.Description,
		Role:        inv.Role.Role,
		Model:       inv.Model,
	}
	if inv.Role != nil {
		req.SystemPrompt = inv.Role.SystemPrompt
		req.Tools = inv.Role.Tools
	}
	if inv.Task.RejectionReason != nil {
		req.RejectionReason = *inv.Task.RejectionReason
	}
	stdin, err := json.Marshal(req)
	if err != nil {
		return nil, Permanent(fmt.Errorf("encoding task: %w", err))
	}

	cmd := exec.CommandContext(ctx, p.argv[0], p.argv[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Env = os.Environ()
	for k, v := range p.env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, Transient(fmt.Errorf("stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		// A missing or non-executable binary will not fix itself.
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
			return nil, Permanent(fmt.Errorf("starting %s: %w", p.argv[0], err))
		}
		return nil, Transient(fmt.Errorf("starting %s: %w", p.argv[0], err))
	}

	var result *models.Result
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxOutputLine)
	for scanner.Scan() {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var line commandLine
		if err := json.Unmarshal([]byte(raw), &line); err != nil {
			slog.Debug("Skipping unparseable provider output",
				"task_id", inv.Task.ID, "line", truncate(raw, 200))
			continue
		}
		switch line.Type {
		case "text":
			if onText != nil && line.Text != "" {
				onText(line.Text)
			}
		case "result":
			if line.Result != nil {
				result = line.Result
			}
		}
	}
	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if scanErr != nil {
		return nil, Transient(fmt.Errorf("reading provider output: %w", scanErr))
	}
	if waitErr != nil {
		return nil, Transient(fmt.Errorf("%s exited: %w (stderr: %s)",
			p.argv[0], waitErr, truncate(stderr.String(), 500)))
	}
	if result == nil {
		return nil, Permanent(fmt.Errorf("%s produced no result record", p.argv[0]))
	}
	if err := result.Validate(); err != nil {
		return nil, Permanent(fmt.Errorf("%s produced an invalid result: %w", p.argv[0], err))
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
