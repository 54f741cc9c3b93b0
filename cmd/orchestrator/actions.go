package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	osExec "os/exec"
	"strings"
	"time"

	"github.com/swarmguard/orchestrator-core/internal/pipeline"
)

// registerBuiltinActions wires the pipeline executor's built-in stage
// actions. Grounded on plugins.go's HTTPPlugin and ShellPlugin: the request
// construction, header propagation, and command whitelist are kept; the
// PluginExecutor interface (task.Type switch, *WorkflowExecution coupling)
// is replaced by pipeline.ActionFunc's narrower (input, prior outputs)
// signature since a pipeline stage has no workflow FSM backing it.
func registerBuiltinActions(reg *pipeline.ActionRegistry) {
	reg.Register("http", httpAction)
	reg.Register("shell", shellAction)
}

// runPipelineFunction adapts the pipeline executor into a job-executor
// function handler, so a scheduled or event-triggered job with
// handler_name "run_pipeline" can launch a DAG run: the job payload carries
// the execution id and the full pipeline definition.
func runPipelineFunction(exec *pipeline.Executor) func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		var in struct {
			ID         string              `json:"id"`
			Definition pipeline.Definition `json:"definition"`
		}
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("run_pipeline: unmarshal payload: %w", err)
		}
		if in.ID == "" || len(in.Definition.Stages) == 0 {
			return nil, fmt.Errorf("run_pipeline: payload requires id and a non-empty definition")
		}
		results, err := exec.Run(ctx, in.ID, in.Definition)
		if err != nil {
			return nil, err
		}
		return json.Marshal(results)
	}
}

type httpActionInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body"`
}

var httpClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

func httpAction(ctx context.Context, input json.RawMessage, _ map[string]json.RawMessage) (json.RawMessage, error) {
	var in httpActionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("http action: unmarshal input: %w", err)
	}
	method := in.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(in.Body) > 0 {
		body = bytes.NewReader(in.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, in.URL, body)
	if err != nil {
		return nil, fmt.Errorf("http action: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "orchestrator-core-pipeline/1.0")
	for k, v := range in.Headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http action: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("http action: read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http action: %d: %s", resp.StatusCode, string(respBody))
	}

	result := map[string]any{"status_code": resp.StatusCode}
	var parsed map[string]any
	if len(respBody) > 0 && json.Unmarshal(respBody, &parsed) == nil {
		result["body"] = parsed
	} else if len(respBody) > 0 {
		result["body"] = string(respBody)
	}
	return json.Marshal(result)
}

// shellAllowedCommands is a deliberately small whitelist, matching
// plugins.go's ShellPlugin.
var shellAllowedCommands = map[string]bool{
	"echo": true, "cat": true, "grep": true, "awk": true, "sed": true, "jq": true,
}

type shellActionInput struct {
	Command string `json:"command"`
}

func shellAction(ctx context.Context, input json.RawMessage, _ map[string]json.RawMessage) (json.RawMessage, error) {
	var in shellActionInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("shell action: unmarshal input: %w", err)
	}
	parts := strings.Fields(in.Command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("shell action: empty command")
	}
	if !shellAllowedCommands[parts[0]] {
		return nil, fmt.Errorf("shell action: command not allowed: %s", parts[0])
	}

	cmd := osExec.CommandContext(ctx, parts[0], parts[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("shell action: command failed: %w: %s", err, stderr.String())
	}

	return json.Marshal(map[string]any{
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
		"exit_code": cmd.ProcessState.ExitCode(),
	})
}
