package command

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "sandbox",
			Action:       "run",
			Method:       "POST",
			PathTemplate: "/faas/sandbox/run_code",
			Fields:       runFields(),
		},
		{
			Service:      "sandbox",
			Action:       "submit",
			Method:       "POST",
			PathTemplate: "/faas/sandbox/submit",
			Fields:       runFields(),
		},
		{
			Service:      "sandbox",
			Action:       "status",
			Method:       "GET",
			PathTemplate: "/faas/sandbox/executions/:id",
			Fields: []Field{
				{Name: "id", Aliases: []string{"execution_id"}, Prompt: "execution_id", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "sandbox",
			Action:       "languages",
			Method:       "GET",
			PathTemplate: "/faas/sandbox/languages",
		},
		{
			Service:      "sandbox",
			Action:       "health",
			Method:       "GET",
			PathTemplate: "/healthz",
		},
		{
			Service:      "sandbox",
			Action:       "ready",
			Method:       "GET",
			PathTemplate: "/readyz",
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		key := fmt.Sprintf("%s %s", cmd.Service, cmd.Action)
		result[key] = cmd
	}
	return result
}

func runFields() []Field {
	return []Field{
		{Name: "code", Prompt: "code", Type: FieldString, Required: true},
		{Name: "source_file", Aliases: []string{"file"}, Prompt: "source_file", Type: FieldFile, Required: false},
		{Name: "stdin", Prompt: "stdin", Type: FieldString, Required: false},
		{Name: "language", Aliases: []string{"lang"}, Prompt: "language", Type: FieldString, Required: false},
		{Name: "compile_timeout", Prompt: "compile_timeout (seconds)", Type: FieldFloat, Required: false},
		{Name: "run_timeout", Prompt: "run_timeout (seconds)", Type: FieldFloat, Required: false},
		{Name: "files", Prompt: "files (comma-separated local paths)", Type: FieldStringList, Required: false},
		{Name: "fetch_files", Prompt: "fetch_files (comma-separated)", Type: FieldStringList, Required: false},
	}
}

// BuildRequest creates HTTP request spec based on command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	params.Canonicalize(cmd.Fields)
	path, err := buildPath(cmd.PathTemplate, params)
	if err != nil {
		return RequestSpec{}, err
	}

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method:  cmd.Method,
		Path:    path,
		Headers: map[string]string{},
		Body:    body,
	}, nil
}

func buildPath(template string, params Params) (string, error) {
	path := template
	if strings.Contains(path, ":id") {
		value := params.Get("id")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, ":id", value)
	}
	return path, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	if cmd.Service == "sandbox" && (cmd.Action == "run" || cmd.Action == "submit") {
		return buildRunPayload(params)
	}
	return nil, nil
}

func buildRunPayload(params Params) (interface{}, error) {
	code := params.Get("code")
	var err error
	if (code == "" || code == "_file_") && params.Get("source_file") != "" {
		code, err = ReadFile(params.Get("source_file"))
		if err != nil {
			return nil, err
		}
	}
	if code == "" {
		return nil, fmt.Errorf("code is required")
	}

	payload := map[string]interface{}{
		"code": code,
	}
	if params.Get("stdin") != "" {
		payload["stdin"] = params.Get("stdin")
	}
	if params.Get("language") != "" {
		payload["language"] = params.Get("language")
	}
	if params.Get("compile_timeout") != "" {
		value, err := ParseFloat(params.Get("compile_timeout"))
		if err != nil {
			return nil, fmt.Errorf("invalid compile_timeout: %w", err)
		}
		payload["compile_timeout"] = value
	}
	if params.Get("run_timeout") != "" {
		value, err := ParseFloat(params.Get("run_timeout"))
		if err != nil {
			return nil, fmt.Errorf("invalid run_timeout: %w", err)
		}
		payload["run_timeout"] = value
	}
	if params.Get("files") != "" {
		files, err := encodeLocalFiles(ParseStringList(params.Get("files")))
		if err != nil {
			return nil, err
		}
		payload["files"] = files
	}
	if params.Get("fetch_files") != "" {
		payload["fetch_files"] = ParseStringList(params.Get("fetch_files"))
	}
	return payload, nil
}

// encodeLocalFiles reads local paths and maps their base names to base64
// content, the wire format for sandbox input files.
func encodeLocalFiles(paths []string) (map[string]string, error) {
	files := make(map[string]string, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read input file failed: %w", err)
		}
		files[filepath.Base(path)] = base64.StdEncoding.EncodeToString(data)
	}
	return files, nil
}
