package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/buildforge/buildforge/buildspec"
)

func (r *TaskRunner) registerBuiltins() {
	r.handlers[string(buildspec.KindCodeGeneration)] = r.runCodeGeneration
	r.handlers[string(buildspec.KindFileOperation)] = r.runFileOperation
	r.handlers[string(buildspec.KindCommandExecution)] = r.runCommandExecution
	r.handlers[string(buildspec.KindAPICall)] = r.runAPICall
	r.handlers[string(buildspec.KindValidation)] = r.runValidation
	r.handlers[string(buildspec.KindTransformation)] = r.runTransformation
	r.handlers[string(buildspec.KindAnalysis)] = r.runAnalysis
	r.handlers[string(buildspec.KindResearch)] = r.runResearch
	r.handlers[string(buildspec.KindMCP)] = r.runMCP
	r.handlers[string(buildspec.KindCustom)] = r.runCustom
}

// --- code generation ---

// codeFence matches fenced blocks whose info line names a file, e.g.
// ```go main.go  or  ```path=cmd/app/main.go
var codeFence = regexp.MustCompile("(?s)```([^\n]*)\n(.*?)```")

func (r *TaskRunner) runCodeGeneration(ctx context.Context, tc *TaskContext) (HandlerResult, error) {
	if r.generator == nil {
		return HandlerResult{}, &EngineError{Kind: KindSDK, Message: "no generator configured", TaskID: tc.Task.ID}
	}

	req := tc.Exec.Request(tc.PhaseID, tc.Task.ID, tc.Task.Params)
	req.Prompt = buildPrompt(tc)

	resp, err := r.generator.Generate(ctx, req)
	if err != nil {
		return HandlerResult{}, err
	}

	files, blocks, commands := extractArtifacts(resp.Text)

	filesCreated := 0
	for path, content := range files {
		if r.sink == nil {
			break
		}
		if err := r.sink.Write(path, []byte(content)); err != nil {
			return HandlerResult{}, fmt.Errorf("write artifact %s: %w", path, err)
		}
		filesCreated++
	}

	summary := resp.Text
	if len(summary) > 400 {
		summary = summary[:400] + "..."
	}

	return HandlerResult{
		Outputs: map[string]any{
			"response":      summary,
			"files_created": filesCreated,
			"code_blocks":   len(blocks),
		},
		Artifacts: map[string]any{
			"files":       keysOf(files),
			"code_blocks": blocks,
			"commands":    commands,
		},
		TokensUsed: resp.Usage.TotalTokens,
		APICalls:   1,
		Cost:       EstimateModelCost(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
		Model:      resp.Model,
	}, nil
}

// buildPrompt assembles the generation prompt from the task declaration,
// cached research and prior instructions.
func buildPrompt(tc *TaskContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", tc.Task.Name)
	if tc.Task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", tc.Task.Description)
	}
	fmt.Fprintf(&b, "Phase: %s\n", tc.PhaseID)

	if reqs, ok := tc.Task.Params["requirements"].([]any); ok && len(reqs) > 0 {
		b.WriteString("\nRequirements:\n")
		for _, req := range reqs {
			fmt.Fprintf(&b, "- %v\n", req)
		}
	}

	if research, ok := tc.Exec.Research(tc.PhaseID); ok && len(research.Findings) > 0 {
		b.WriteString("\nResearch findings:\n")
		for _, f := range research.Findings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if instructions, ok := tc.Task.Params["instructions"].(string); ok && instructions != "" {
		b.WriteString("\nInstructions:\n")
		b.WriteString(instructions)
		b.WriteString("\n")
	}
	return b.String()
}

// extractArtifacts pulls named files, anonymous code blocks and shell
// commands out of a generator response.
func extractArtifacts(text string) (files map[string]string, blocks []string, commands []string) {
	files = make(map[string]string)

	for _, match := range codeFence.FindAllStringSubmatch(text, -1) {
		info := strings.TrimSpace(match[1])
		body := match[2]

		var name string
		fields := strings.Fields(info)
		for _, f := range fields {
			f = strings.TrimPrefix(f, "path=")
			f = strings.TrimPrefix(f, "file=")
			if strings.ContainsAny(f, "./") && !strings.HasPrefix(f, "/") {
				name = f
				break
			}
		}

		lang := ""
		if len(fields) > 0 {
			lang = strings.ToLower(fields[0])
		}

		switch {
		case name != "":
			files[filepath.Clean(name)] = body
		case lang == "bash" || lang == "sh" || lang == "shell":
			for _, line := range strings.Split(body, "\n") {
				line = strings.TrimSpace(line)
				if line != "" && !strings.HasPrefix(line, "#") {
					commands = append(commands, line)
				}
			}
		default:
			blocks = append(blocks, body)
		}
	}
	return files, blocks, commands
}

func keysOf(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// --- file operations ---

func (r *TaskRunner) runFileOperation(_ context.Context, tc *TaskContext) (HandlerResult, error) {
	if r.sink == nil {
		return HandlerResult{}, &EngineError{Kind: KindExecution, Message: "no file sink configured", TaskID: tc.Task.ID}
	}

	operation, _ := tc.Task.Params["operation"].(string)
	if operation == "" {
		operation = "create"
	}

	var records []map[string]any
	switch operation {
	case "create":
		for _, item := range anySlice(tc.Task.Params["files"]) {
			spec, _ := item.(map[string]any)
			path, _ := spec["path"].(string)
			content, _ := spec["content"].(string)
			if path == "" {
				return HandlerResult{}, fmt.Errorf("file create entry missing path")
			}
			if err := r.sink.Write(path, []byte(content)); err != nil {
				return HandlerResult{}, err
			}
			records = append(records, map[string]any{"type": "create", "path": path, "size": len(content)})
		}

	case "copy":
		src, _ := tc.Task.Params["source"].(string)
		dst, _ := tc.Task.Params["destination"].(string)
		if src == "" || dst == "" {
			return HandlerResult{}, fmt.Errorf("copy requires source and destination")
		}
		if err := r.sink.Copy(src, dst); err != nil {
			return HandlerResult{}, err
		}
		records = append(records, map[string]any{"type": "copy", "source": src, "destination": dst})

	case "delete":
		for _, item := range anySlice(tc.Task.Params["paths"]) {
			path, _ := item.(string)
			if path == "" {
				continue
			}
			if err := r.sink.Remove(path); err != nil {
				return HandlerResult{}, err
			}
			records = append(records, map[string]any{"type": "delete", "path": path})
		}

	default:
		return HandlerResult{}, fmt.Errorf("unknown file operation %q", operation)
	}

	return HandlerResult{
		Outputs: map[string]any{"operations": records},
	}, nil
}

// --- command execution ---

func (r *TaskRunner) runCommandExecution(ctx context.Context, tc *TaskContext) (HandlerResult, error) {
	command := commandArgs(tc.Task.Params["command"])
	if len(command) == 0 {
		return HandlerResult{}, fmt.Errorf("no command specified")
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)

	if cwd, _ := tc.Task.Params["working_directory"].(string); cwd != "" {
		cmd.Dir = cwd
	} else {
		cmd.Dir = tc.Exec.ProjectRoot
	}

	cmd.Env = os.Environ()
	if env, ok := tc.Task.Params["env"].(map[string]any); ok {
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	// On deadline or cancel the process gets SIGTERM, then SIGKILL after
	// the grace window.
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 5 * time.Second

	capture := true
	if c, ok := tc.Task.Params["capture_output"].(bool); ok {
		capture = c
	}
	var stdout, stderr bytes.Buffer
	if capture {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return HandlerResult{}, context.DeadlineExceeded
	}

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return HandlerResult{}, fmt.Errorf("run %q: %w", command[0], runErr)
		}
	}

	outputs := map[string]any{
		"exit_code":        exitCode,
		"command":          strings.Join(command, " "),
		"duration_seconds": duration.Seconds(),
	}
	if capture {
		outputs["stdout"] = stdout.String()
		outputs["stderr"] = stderr.String()
	}

	result := HandlerResult{Outputs: outputs}
	if exitCode != 0 {
		result.Failed = true
		result.ErrorMsg = fmt.Sprintf("command exited with code %d", exitCode)
	}
	return result, nil
}

func commandArgs(v any) []string {
	switch cmd := v.(type) {
	case string:
		return strings.Fields(cmd)
	case []any:
		var out []string
		for _, item := range cmd {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case []string:
		return cmd
	}
	return nil
}

// --- api call ---

func (r *TaskRunner) runAPICall(ctx context.Context, tc *TaskContext) (HandlerResult, error) {
	endpoint, _ := tc.Task.Params["endpoint"].(string)
	if endpoint == "" {
		return HandlerResult{}, fmt.Errorf("no API endpoint specified")
	}
	method, _ := tc.Task.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := tc.Task.Params["body"]; ok && raw != nil && method != http.MethodGet {
		encoded, err := json.Marshal(raw)
		if err != nil {
			return HandlerResult{}, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return HandlerResult{}, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := tc.Task.Params["headers"].(map[string]any); ok {
		for k, v := range headers {
			req.Header.Set(k, fmt.Sprint(v))
		}
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return HandlerResult{}, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return HandlerResult{}, fmt.Errorf("read response: %w", err)
	}

	var decoded any
	if json.Unmarshal(payload, &decoded) != nil {
		decoded = string(payload)
	}

	result := HandlerResult{
		Outputs: map[string]any{
			"status_code":      resp.StatusCode,
			"response":         decoded,
			"duration_seconds": time.Since(start).Seconds(),
		},
		APICalls: 1,
	}
	if resp.StatusCode >= 400 {
		result.Failed = true
		result.ErrorMsg = fmt.Sprintf("API call failed with status %d: %s", resp.StatusCode, truncate(string(payload), 200))
	}
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// --- validation ---

func (r *TaskRunner) runValidation(ctx context.Context, tc *TaskContext) (HandlerResult, error) {
	validationType, _ := tc.Task.Params["validation_type"].(string)

	var errs []string
	switch validationType {
	case "file_exists":
		for _, item := range anySlice(tc.Task.Params["paths"]) {
			path, _ := item.(string)
			full := filepath.Join(tc.Exec.ProjectRoot, path)
			if _, err := os.Stat(full); err != nil {
				errs = append(errs, fmt.Sprintf("file not found: %s", path))
			}
		}

	case "json_schema":
		schema, _ := tc.Task.Params["schema"].(map[string]any)
		data := tc.Task.Params["data"]
		errs = append(errs, validateSchema(schema, data, "$")...)

	case "custom":
		name, _ := tc.Task.Params["validator"].(string)
		handler, ok := r.handlers[name]
		if !ok {
			return HandlerResult{}, fmt.Errorf("custom validator %q not registered", name)
		}
		return handler(ctx, tc)

	default:
		return HandlerResult{}, fmt.Errorf("unknown validation_type %q", validationType)
	}

	return HandlerResult{
		Outputs: map[string]any{
			"validation_type": validationType,
			"valid":           len(errs) == 0,
			"errors":          errs,
		},
	}, nil
}

// validateSchema performs structural JSON-schema checks: type and required
// properties, recursing into objects. It covers the subset the engine's
// own task payloads use.
func validateSchema(schema map[string]any, data any, path string) []string {
	if schema == nil {
		return nil
	}
	var errs []string

	if typ, ok := schema["type"].(string); ok {
		if !matchesJSONType(typ, data) {
			errs = append(errs, fmt.Sprintf("%s: expected %s", path, typ))
			return errs
		}
	}

	obj, isObj := data.(map[string]any)
	if !isObj {
		return errs
	}
	for _, item := range anySlice(schema["required"]) {
		key, _ := item.(string)
		if _, present := obj[key]; !present {
			errs = append(errs, fmt.Sprintf("%s: missing required property %q", path, key))
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		for key, sub := range props {
			subSchema, _ := sub.(map[string]any)
			if value, present := obj[key]; present {
				errs = append(errs, validateSchema(subSchema, value, path+"."+key)...)
			}
		}
	}
	return errs
}

func matchesJSONType(typ string, data any) bool {
	switch typ {
	case "object":
		_, ok := data.(map[string]any)
		return ok
	case "array":
		_, ok := data.([]any)
		return ok
	case "string":
		_, ok := data.(string)
		return ok
	case "number":
		switch data.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := data.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := data.(bool)
		return ok
	case "null":
		return data == nil
	}
	return true
}

// --- transformation ---

func (r *TaskRunner) runTransformation(ctx context.Context, tc *TaskContext) (HandlerResult, error) {
	transformType, _ := tc.Task.Params["transform_type"].(string)

	switch transformType {
	case "template":
		template, _ := tc.Task.Params["template"].(string)
		variables, _ := tc.Task.Params["variables"].(map[string]any)
		rendered := os.Expand(template, func(key string) string {
			if v, ok := variables[key]; ok {
				return fmt.Sprint(v)
			}
			return ""
		})
		return HandlerResult{
			Outputs: map[string]any{"transform_type": transformType, "rendered": rendered},
		}, nil

	case "json":
		source := tc.Task.Params["source"]
		data, _ := source.(map[string]any)
		for _, item := range anySlice(tc.Task.Params["transformations"]) {
			op, _ := item.(map[string]any)
			action, _ := op["op"].(string)
			key, _ := op["key"].(string)
			switch action {
			case "set":
				if data == nil {
					data = make(map[string]any)
				}
				data[key] = op["value"]
			case "delete":
				delete(data, key)
			}
		}
		return HandlerResult{
			Outputs: map[string]any{"transform_type": transformType, "transformed": data},
		}, nil

	case "custom":
		name, _ := tc.Task.Params["transformer"].(string)
		handler, ok := r.handlers[name]
		if !ok {
			return HandlerResult{}, fmt.Errorf("custom transformer %q not registered", name)
		}
		return handler(ctx, tc)
	}
	return HandlerResult{}, fmt.Errorf("unknown transform_type %q", transformType)
}

// --- analysis ---

func (r *TaskRunner) runAnalysis(ctx context.Context, tc *TaskContext) (HandlerResult, error) {
	analysisType, _ := tc.Task.Params["analysis_type"].(string)

	switch analysisType {
	case "code_complexity":
		var findings []map[string]any
		for _, item := range anySlice(tc.Task.Params["files"]) {
			path, _ := item.(string)
			full := filepath.Join(tc.Exec.ProjectRoot, path)
			data, err := os.ReadFile(full)
			if err != nil {
				findings = append(findings, map[string]any{"file": path, "error": err.Error()})
				continue
			}
			lines := strings.Count(string(data), "\n") + 1
			funcs := strings.Count(string(data), "func ")
			level := "low"
			if lines > 500 || funcs > 30 {
				level = "high"
			} else if lines > 200 || funcs > 12 {
				level = "medium"
			}
			findings = append(findings, map[string]any{
				"file":       path,
				"complexity": level,
				"metrics":    map[string]any{"lines": lines, "functions": funcs},
			})
		}
		return HandlerResult{
			Outputs: map[string]any{"analysis_type": analysisType, "findings": findings},
		}, nil

	case "dependencies":
		deps := analyzeDependencies(tc.Exec.ProjectRoot)
		return HandlerResult{
			Outputs: map[string]any{"analysis_type": analysisType, "findings": deps},
		}, nil

	case "custom":
		name, _ := tc.Task.Params["analyzer"].(string)
		handler, ok := r.handlers[name]
		if !ok {
			return HandlerResult{}, fmt.Errorf("custom analyzer %q not registered", name)
		}
		return handler(ctx, tc)
	}
	return HandlerResult{}, fmt.Errorf("unknown analysis_type %q", analysisType)
}

// analyzeDependencies reads the manifests the validator also understands.
func analyzeDependencies(root string) map[string]any {
	out := map[string]any{"direct": []string{}, "manifests": []string{}}
	var direct, manifests []string

	if data, err := os.ReadFile(filepath.Join(root, "go.mod")); err == nil {
		manifests = append(manifests, "go.mod")
		direct = append(direct, goModRequires(string(data))...)
	}
	if data, err := os.ReadFile(filepath.Join(root, "package.json")); err == nil {
		manifests = append(manifests, "package.json")
		var pkg struct {
			Dependencies map[string]string `json:"dependencies"`
		}
		if json.Unmarshal(data, &pkg) == nil {
			for name := range pkg.Dependencies {
				direct = append(direct, name)
			}
		}
	}
	out["direct"] = direct
	out["manifests"] = manifests
	return out
}

func goModRequires(content string) []string {
	var deps []string
	inBlock := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "require ("):
			inBlock = true
		case inBlock && trimmed == ")":
			inBlock = false
		case inBlock:
			if fields := strings.Fields(trimmed); len(fields) >= 2 && !strings.HasPrefix(fields[0], "//") {
				deps = append(deps, fields[0])
			}
		case strings.HasPrefix(trimmed, "require "):
			if fields := strings.Fields(trimmed); len(fields) >= 3 {
				deps = append(deps, fields[1])
			}
		}
	}
	return deps
}

// --- research / mcp / custom ---

func (r *TaskRunner) runResearch(ctx context.Context, tc *TaskContext) (HandlerResult, error) {
	if r.researcher == nil {
		return HandlerResult{}, &EngineError{Kind: KindResearch, Message: "no researcher configured", TaskID: tc.Task.ID}
	}

	kind, _ := tc.Task.Params["research_type"].(string)
	if kind == "" {
		kind = "general"
	}

	result, err := r.researcher.Research(ctx, tc.Task.Description, kind, tc.Exec.Request(tc.PhaseID, tc.Task.ID, tc.Task.Params))
	if err != nil {
		return HandlerResult{}, err
	}

	return HandlerResult{
		Outputs: map[string]any{
			"findings":        result.Findings,
			"recommendations": result.Recommendations,
			"sources":         result.Sources,
			"confidence":      result.Confidence,
		},
		Artifacts: map[string]any{"research_report": result},
		APICalls:  1,
	}, nil
}

func (r *TaskRunner) runMCP(ctx context.Context, tc *TaskContext) (HandlerResult, error) {
	// MCP integration arrives through the handler registry: deployments
	// register their bridge as the "mcp-bridge" handler.
	handler, ok := r.handlers["mcp-bridge"]
	if !ok {
		return HandlerResult{}, &EngineError{Kind: KindMCPErr, Message: "no MCP bridge registered", TaskID: tc.Task.ID}
	}
	return handler(ctx, tc)
}

func (r *TaskRunner) runCustom(ctx context.Context, tc *TaskContext) (HandlerResult, error) {
	name, _ := tc.Task.Params["handler"].(string)
	if name == "" {
		return HandlerResult{}, fmt.Errorf("custom task %q names no handler", tc.Task.ID)
	}
	handler, ok := r.handlers[name]
	if !ok {
		return HandlerResult{}, fmt.Errorf("custom handler %q not registered", name)
	}
	return handler(ctx, tc)
}

func anySlice(v any) []any {
	switch s := v.(type) {
	case []any:
		return s
	case []string:
		out := make([]any, len(s))
		for i, x := range s {
			out[i] = x
		}
		return out
	}
	return nil
}
