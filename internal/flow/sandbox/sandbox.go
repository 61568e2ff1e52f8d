// Package sandbox carries the embedded node execution harness and the wire
// types of its JSON-lines protocol. The harness runs node code inside a
// restricted interpreter namespace and dispatches to RunScript, main, or the
// first callable the node defines.
package sandbox

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/kaptinlin/jsonrepair"

	"github.com/nodelab/flowd/internal/flow/project"
)

//go:embed bootstrap.py
var bootstrap []byte

// HarnessArgs are the interpreter flags every harness launch uses: unbuffered
// streams, isolated mode, no user site, no site import. The harness builds
// sys.path itself from the project layout.
var HarnessArgs = []string{"-u", "-I", "-s", "-S"}

// Materialize writes the harness script into dir and returns its path.
func Materialize(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, "flowd_harness.py")
	if err := os.WriteFile(path, bootstrap, 0o644); err != nil {
		return "", fmt.Errorf("materialize harness: %w", err)
	}
	return path, nil
}

// Request is one exec_node RPC line.
type Request struct {
	ID          string `json:"id"`
	Op          string `json:"op"`
	File        string `json:"file"`
	Input       any    `json:"input"`
	ProjectRoot string `json:"project_root"`
}

// Response is the harness's reply line. ID is any because a parse failure is
// answered with id null.
type Response struct {
	ID        any      `json:"id"`
	OK        bool     `json:"ok"`
	Output    any      `json:"output"`
	TimeMS    float64  `json:"time_ms"`
	Logs      []string `json:"logs"`
	Error     string   `json:"error"`
	Traceback string   `json:"traceback"`
}

// DecodeResponse parses a response line. Lines that are not valid JSON (user
// code can still leak onto stdout in pathological interpreters) go through a
// repair pass before giving up.
func DecodeResponse(line []byte) (Response, error) {
	var resp Response
	if err := json.Unmarshal(line, &resp); err == nil {
		return resp, nil
	}
	repaired, err := jsonrepair.JSONRepair(string(line))
	if err != nil {
		return Response{}, fmt.Errorf("undecodable harness response: %q", truncateLine(line))
	}
	if err := json.Unmarshal([]byte(repaired), &resp); err != nil {
		return Response{}, fmt.Errorf("undecodable harness response: %q", truncateLine(line))
	}
	return resp, nil
}

func truncateLine(b []byte) string {
	if len(b) > 200 {
		b = b[:200]
	}
	return string(b)
}

// RunOnce evaluates a single node in a fresh interpreter: launch the harness
// with --once, write one request, read one response. Used by isolated runs
// and as the fallback path when no long-lived worker is wanted.
func RunOnce(ctx context.Context, env project.Env, file string, input any) (Response, error) {
	tmp, err := os.MkdirTemp("", "flowd-harness-*")
	if err != nil {
		return Response{}, err
	}
	defer os.RemoveAll(tmp)
	harness, err := Materialize(tmp)
	if err != nil {
		return Response{}, err
	}

	req := Request{ID: "once", Op: "exec_node", File: file, Input: input, ProjectRoot: env.WorkingDir}
	reqLine, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}

	args := append(append([]string{}, HarnessArgs...), harness, "--once")
	cmd := exec.CommandContext(ctx, env.Interpreter, args...)
	cmd.Dir = env.WorkingDir
	cmd.Env = env.Env
	cmd.Stdin = bytes.NewReader(append(reqLine, '\n'))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		return Response{}, fmt.Errorf("interpreter failed: %w (stderr: %s)", err, truncateLine(stderr.Bytes()))
	}

	line, ok := lastNonEmptyLine(&stdout)
	if !ok {
		return Response{}, fmt.Errorf("harness produced no response (stderr: %s)", truncateLine(stderr.Bytes()))
	}
	return DecodeResponse(line)
}

func lastNonEmptyLine(buf *bytes.Buffer) ([]byte, bool) {
	var last []byte
	sc := bufio.NewScanner(buf)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if line := bytes.TrimSpace(sc.Bytes()); len(line) > 0 {
			last = append([]byte(nil), line...)
		}
	}
	return last, last != nil
}
