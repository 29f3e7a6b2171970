package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stakpak/agentd/internal/fileops"
	"github.com/stakpak/agentd/internal/shell"
	"github.com/stakpak/agentd/internal/tasks"
	"github.com/stakpak/agentd/internal/vault"
)

// RegisterBuiltins wires the standard tool set into the registry.
func RegisterBuiltins(r *Registry, pool *shell.Pool, mgr *tasks.Manager, files *fileops.Ops, v *vault.Vault) {
	r.Register(&runCommandTool{pool: pool, vault: v})
	r.Register(&runCommandTaskTool{mgr: mgr, vault: v})
	r.Register(&getAllTasksTool{mgr: mgr})
	r.Register(&getTaskDetailsTool{mgr: mgr})
	r.Register(&cancelTaskTool{mgr: mgr})
	r.Register(&waitForTasksTool{mgr: mgr})
	r.Register(&viewTool{files: files})
	r.Register(&createTool{files: files})
	r.Register(&strReplaceTool{files: files})
	r.Register(&removeTool{files: files})
}

func stringProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

// runCommandTool executes a command on a persistent shell session, local or
// remote, streaming output as progress.
type runCommandTool struct {
	pool  *shell.Pool
	vault *vault.Vault
}

func (t *runCommandTool) Name() string { return "run_command" }
func (t *runCommandTool) Description() string {
	return "Execute a shell command on the local machine or a remote host over SSH and return its output. The shell session persists across calls: working directory and environment survive."
}
func (t *runCommandTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":           stringProp("The shell command to execute"),
			"remote_connection": stringProp("Optional remote target as user@host[:port]"),
			"password":          stringProp("Optional SSH password for the remote target"),
			"timeout":           map[string]any{"type": "integer", "description": "Optional timeout in seconds"},
		},
		"required": []string{"command"},
	}
}

func (t *runCommandTool) Execute(ctx context.Context, args json.RawMessage, progress func(string)) *Result {
	var in struct {
		Command          string `json:"command"`
		RemoteConnection string `json:"remote_connection"`
		Password         string `json:"password"`
		Timeout          int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	if in.Command == "" {
		return errorResult("command is required")
	}

	// Tokens pasted back by the model become the real values before the
	// shell sees them.
	command := t.vault.Restore(in.Command)

	var sessionID string
	var err error
	if in.RemoteConnection != "" {
		sessionID, err = t.pool.GetOrCreateDefaultRemote(in.RemoteConnection, t.vault.Restore(in.Password), "")
	} else {
		sessionID, err = t.pool.GetOrCreateDefaultLocal()
	}
	if err != nil {
		return errorResult("%v", err)
	}

	timeout := time.Duration(in.Timeout) * time.Second
	chunks, join, err := t.pool.ExecuteStreaming(ctx, sessionID, command, timeout)
	if err != nil {
		return errorResult("%v", err)
	}
	for c := range chunks {
		if c.Text != "" {
			progress(c.Text)
		}
	}
	result, err := join.Wait()
	if err != nil {
		if ctx.Err() != nil {
			return errorResult("command cancelled")
		}
		return errorResult("%s: %v", shell.CommandErrorMarker, err)
	}
	if result.TimedOut {
		return errorResult("command timed out after %s\n%s", timeout, result.Output)
	}
	if result.ExitCode != nil && *result.ExitCode != 0 {
		return errorResult("exit code %d\n%s", *result.ExitCode, result.Output)
	}
	return okResult(result.Output)
}

// runCommandTaskTool starts a detached background command.
type runCommandTaskTool struct {
	mgr   *tasks.Manager
	vault *vault.Vault
}

func (t *runCommandTaskTool) Name() string { return "run_command_task" }
func (t *runCommandTaskTool) Description() string {
	return "Execute a shell command asynchronously in the background on local or remote systems and return immediately with task information. Monitor with get_all_tasks, inspect with get_task_details, stop with cancel_task."
}
func (t *runCommandTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":           stringProp("The shell command to run in the background"),
			"remote_connection": stringProp("Optional remote target as user@host[:port]"),
			"timeout":           map[string]any{"type": "integer", "description": "Optional timeout in seconds after which the task is terminated"},
		},
		"required": []string{"command"},
	}
}

func (t *runCommandTaskTool) Execute(ctx context.Context, args json.RawMessage, progress func(string)) *Result {
	var in struct {
		Command          string `json:"command"`
		RemoteConnection string `json:"remote_connection"`
		Timeout          int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	if in.Command == "" {
		return errorResult("command is required")
	}
	info, err := t.mgr.StartTask(t.vault.Restore(in.Command), time.Duration(in.Timeout)*time.Second, in.RemoteConnection)
	if err != nil {
		return errorResult("failed to start background task: %v", err)
	}
	encoded, _ := json.MarshalIndent(info, "", "  ")
	return okResult("Background task started:\n" + string(encoded))
}

type getAllTasksTool struct{ mgr *tasks.Manager }

func (t *getAllTasksTool) Name() string { return "get_all_tasks" }
func (t *getAllTasksTool) Description() string {
	return "List all background tasks started with run_command_task, with status, start time, and duration."
}
func (t *getAllTasksTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *getAllTasksTool) Execute(ctx context.Context, args json.RawMessage, progress func(string)) *Result {
	all := t.mgr.GetAllTasks()
	if len(all) == 0 {
		return okResult("No background tasks found.")
	}
	var b strings.Builder
	b.WriteString("| Task ID | Status | Start Time | Duration |\n")
	b.WriteString("|---------|--------|------------|----------|\n")
	for _, info := range all {
		duration := "-"
		if info.Duration != nil {
			duration = info.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s |\n",
			info.ID, info.Status, info.StartTime.Format(time.RFC3339), duration)
	}
	return okResult(b.String())
}

type getTaskDetailsTool struct{ mgr *tasks.Manager }

func (t *getTaskDetailsTool) Name() string { return "get_task_details" }
func (t *getTaskDetailsTool) Description() string {
	return "Get full details of a background task including its buffered output."
}
func (t *getTaskDetailsTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id": stringProp("The task ID to get details for"),
		},
		"required": []string{"task_id"},
	}
}

func (t *getTaskDetailsTool) Execute(ctx context.Context, args json.RawMessage, progress func(string)) *Result {
	var in struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	info, err := t.mgr.GetTaskDetails(in.TaskID)
	if err != nil {
		return errorResult("%v", err)
	}
	encoded, _ := json.MarshalIndent(info, "", "  ")
	return okResult(string(encoded))
}

type cancelTaskTool struct{ mgr *tasks.Manager }

func (t *cancelTaskTool) Name() string { return "cancel_task" }
func (t *cancelTaskTool) Description() string {
	return "Cancel a running background task by its task ID."
}
func (t *cancelTaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id": stringProp("The task ID to cancel"),
		},
		"required": []string{"task_id"},
	}
}

func (t *cancelTaskTool) Execute(ctx context.Context, args json.RawMessage, progress func(string)) *Result {
	var in struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	info, err := t.mgr.CancelTask(in.TaskID)
	if err != nil {
		return errorResult("%v", err)
	}
	return okResult(fmt.Sprintf("Task %s is now %s", info.ID, info.Status))
}

type waitForTasksTool struct{ mgr *tasks.Manager }

func (t *waitForTasksTool) Name() string { return "wait_for_tasks" }
func (t *waitForTasksTool) Description() string {
	return "Block until the given background tasks reach a terminal state, reporting progress once per second."
}
func (t *waitForTasksTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_ids": stringProp("Space-separated list of task IDs to wait for"),
			"timeout":  map[string]any{"type": "integer", "description": "Optional timeout in seconds"},
		},
		"required": []string{"task_ids"},
	}
}

func (t *waitForTasksTool) Execute(ctx context.Context, args json.RawMessage, progress func(string)) *Result {
	var in struct {
		TaskIDs string `json:"task_ids"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	ids := strings.Fields(in.TaskIDs)
	if len(ids) == 0 {
		return errorResult("task_ids is required")
	}

	err := t.mgr.WaitForTasks(ctx, ids, time.Duration(in.Timeout)*time.Second, func(p tasks.Progress) {
		progress(fmt.Sprintf("waiting: %d, finished: %d", len(p.Waiting), len(p.Finished)))
	})
	if err != nil {
		return errorResult("%v", err)
	}

	var b strings.Builder
	for _, id := range ids {
		info, err := t.mgr.GetTaskDetails(id)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", id, info.Status)
	}
	return okResult(b.String())
}

// File operation tools.

type viewTool struct{ files *fileops.Ops }

func (t *viewTool) Name() string { return "view" }
func (t *viewTool) Description() string {
	return "View a file (numbered lines, up to 300) or list a directory. Accepts local paths and remote user@host[:port]:/abs/path targets."
}
func (t *viewTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       stringProp("File or directory path, local or remote"),
			"start_line": map[string]any{"type": "integer", "description": "First line to show (1-based)"},
			"end_line":   map[string]any{"type": "integer", "description": "Last line to show; -1 for end of file"},
			"tree":       map[string]any{"type": "boolean", "description": "Show a directory tree instead of a flat listing"},
		},
		"required": []string{"path"},
	}
}

func (t *viewTool) Execute(ctx context.Context, args json.RawMessage, progress func(string)) *Result {
	var in struct {
		Path      string `json:"path"`
		StartLine int    `json:"start_line"`
		EndLine   int    `json:"end_line"`
		Tree      bool   `json:"tree"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	out, err := t.files.View(in.Path, in.StartLine, in.EndLine, in.Tree)
	if err != nil {
		return errorResult("%v", err)
	}
	return okResult(out)
}

type createTool struct{ files *fileops.Ops }

func (t *createTool) Name() string { return "create" }
func (t *createTool) Description() string {
	return "Create a new file with the given content, creating parent directories. Fails if the file already exists."
}
func (t *createTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": stringProp("Target path, local or remote"),
			"text": stringProp("File content"),
		},
		"required": []string{"path", "text"},
	}
}

func (t *createTool) Execute(ctx context.Context, args json.RawMessage, progress func(string)) *Result {
	var in struct {
		Path string `json:"path"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	out, err := t.files.Create(in.Path, in.Text)
	if err != nil {
		return errorResult("%v", err)
	}
	return okResult(out)
}

type strReplaceTool struct{ files *fileops.Ops }

func (t *strReplaceTool) Name() string { return "str_replace" }
func (t *strReplaceTool) Description() string {
	return "Replace a string in a file and return a unified diff of the change."
}
func (t *strReplaceTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":        stringProp("Target path, local or remote"),
			"old":         stringProp("Exact string to replace"),
			"new":         stringProp("Replacement string"),
			"replace_all": map[string]any{"type": "boolean", "description": "Replace every occurrence instead of the first"},
		},
		"required": []string{"path", "old", "new"},
	}
}

func (t *strReplaceTool) Execute(ctx context.Context, args json.RawMessage, progress func(string)) *Result {
	var in struct {
		Path       string `json:"path"`
		Old        string `json:"old"`
		New        string `json:"new"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	diff, err := t.files.StrReplace(in.Path, in.Old, in.New, in.ReplaceAll)
	if err != nil {
		return errorResult("%v", err)
	}
	return okResult(diff)
}

type removeTool struct{ files *fileops.Ops }

func (t *removeTool) Name() string { return "remove" }
func (t *removeTool) Description() string {
	return "Move a file or directory into the session backup area. Never permanently deletes; the backup mapping is returned."
}
func (t *removeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":      stringProp("Target path, local or remote"),
			"recursive": map[string]any{"type": "boolean", "description": "Required to remove directories"},
		},
		"required": []string{"path"},
	}
}

func (t *removeTool) Execute(ctx context.Context, args json.RawMessage, progress func(string)) *Result {
	var in struct {
		Path      string `json:"path"`
		Recursive bool   `json:"recursive"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return errorResult("invalid arguments: %v", err)
	}
	out, err := t.files.Remove(in.Path, in.Recursive)
	if err != nil {
		return errorResult("%v", err)
	}
	return okResult(out)
}
