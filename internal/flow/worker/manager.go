// Package worker supervises one long-lived node-execution process per
// project. Requests go over the child's stdin as JSON lines; a reader
// goroutine demultiplexes response lines to per-request channels by id.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nodelab/flowd/internal/flow/procutil"
	"github.com/nodelab/flowd/internal/flow/project"
	"github.com/nodelab/flowd/internal/flow/sandbox"
)

// How long a terminated worker gets to exit before SIGKILL.
const killGrace = 5 * time.Second

var errWorkerGone = errors.New("worker process gone")

// Manager keeps at most one live worker per project id.
type Manager struct {
	resolver *project.Resolver
	log      zerolog.Logger

	mu      sync.Mutex
	workers map[string]*proc

	harnessOnce sync.Once
	harnessPath string
	harnessErr  error

	// spawn is swappable so tests can substitute a stub child process.
	spawn func(projectID string) (*proc, error)
}

func NewManager(resolver *project.Resolver, log zerolog.Logger) *Manager {
	m := &Manager{
		resolver: resolver,
		log:      log,
		workers:  map[string]*proc{},
	}
	m.spawn = m.spawnWorker
	return m
}

type proc struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex

	pendMu  sync.Mutex
	pending map[string]chan sandbox.Response

	done    chan struct{}
	waitErr error
}

// Exec runs one node on the project's worker. On timeout or a broken pipe
// the worker is killed and the request retried exactly once on a fresh one.
func (m *Manager) Exec(ctx context.Context, projectID, file string, input any, timeout time.Duration) (sandbox.Response, error) {
	w, err := m.worker(projectID)
	if err != nil {
		return sandbox.Response{}, err
	}

	resp, err := m.execOn(ctx, w, projectID, file, input, timeout)
	if err == nil || ctx.Err() != nil {
		return resp, err
	}

	m.log.Warn().Str("project", projectID).Err(err).Msg("worker request failed, respawning once")
	m.kill(projectID, w)
	w, spawnErr := m.worker(projectID)
	if spawnErr != nil {
		return sandbox.Response{}, fmt.Errorf("respawn after %v: %w", err, spawnErr)
	}
	return m.execOn(ctx, w, projectID, file, input, timeout)
}

func (m *Manager) execOn(ctx context.Context, w *proc, projectID, file string, input any, timeout time.Duration) (sandbox.Response, error) {
	id := uuid.NewString()
	ch := make(chan sandbox.Response, 1)
	w.pendMu.Lock()
	w.pending[id] = ch
	w.pendMu.Unlock()
	defer func() {
		w.pendMu.Lock()
		delete(w.pending, id)
		w.pendMu.Unlock()
	}()

	root := ""
	if p, err := m.resolver.ProjectPath(projectID); err == nil {
		root = p
	}
	line, err := json.Marshal(sandbox.Request{
		ID: id, Op: "exec_node", File: file, Input: input, ProjectRoot: root,
	})
	if err != nil {
		return sandbox.Response{}, fmt.Errorf("encode request: %w", err)
	}

	w.writeMu.Lock()
	_, err = w.stdin.Write(append(line, '\n'))
	w.writeMu.Unlock()
	if err != nil {
		return sandbox.Response{}, fmt.Errorf("write to worker: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return sandbox.Response{}, fmt.Errorf("worker did not answer within %s", timeout)
	case <-w.done:
		return sandbox.Response{}, errWorkerGone
	case <-ctx.Done():
		return sandbox.Response{}, ctx.Err()
	}
}

// worker returns the project's live worker, spawning one if needed.
func (m *Manager) worker(projectID string) (*proc, error) {
	m.mu.Lock()
	w := m.workers[projectID]
	if w != nil && w.alive() {
		m.mu.Unlock()
		return w, nil
	}
	delete(m.workers, projectID)
	m.mu.Unlock()

	fresh, err := m.spawn(projectID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if raced := m.workers[projectID]; raced != nil && raced.alive() {
		go fresh.terminate()
		return raced, nil
	}
	m.workers[projectID] = fresh
	return fresh, nil
}

func (m *Manager) spawnWorker(projectID string) (*proc, error) {
	env, err := m.resolver.Resolve(projectID)
	if err != nil {
		return nil, err
	}
	harness, err := m.harness()
	if err != nil {
		return nil, err
	}

	args := append(append([]string{}, sandbox.HarnessArgs...), harness)
	cmd := exec.Command(env.Interpreter, args...)
	cmd.Dir = env.WorkingDir
	cmd.Env = env.Env
	cmd.Stderr = os.Stderr
	return startProc(m.log.With().Str("project", projectID).Logger(), cmd)
}

func startProc(log zerolog.Logger, cmd *exec.Cmd) (*proc, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	w := &proc{
		cmd:     cmd,
		stdin:   stdin,
		pending: map[string]chan sandbox.Response{},
		done:    make(chan struct{}),
	}
	go w.readLoop(log, stdout)
	return w, nil
}

// readLoop demultiplexes response lines until the child's stdout closes.
func (w *proc) readLoop(log zerolog.Logger, stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		resp, err := sandbox.DecodeResponse(line)
		if err != nil {
			log.Warn().Err(err).Msg("dropping undecodable worker line")
			continue
		}
		id, _ := resp.ID.(string)
		if id == "" {
			log.Warn().Str("error", resp.Error).Msg("worker response without request id")
			continue
		}
		w.pendMu.Lock()
		ch := w.pending[id]
		w.pendMu.Unlock()
		if ch == nil {
			log.Warn().Str("id", id).Msg("worker response for unknown request")
			continue
		}
		ch <- resp
	}
	w.waitErr = w.cmd.Wait()
	close(w.done)
}

func (w *proc) alive() bool {
	select {
	case <-w.done:
		return false
	default:
	}
	return w.cmd.Process != nil && procutil.Alive(w.cmd.Process.Pid)
}

// terminate sends SIGTERM and escalates to SIGKILL after the grace period.
func (w *proc) terminate() {
	if w.cmd.Process == nil {
		return
	}
	w.stdin.Close()
	_ = w.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-w.done:
	case <-time.After(killGrace):
		_ = w.cmd.Process.Kill()
		<-w.done
	}
}

func (m *Manager) kill(projectID string, w *proc) {
	m.mu.Lock()
	if m.workers[projectID] == w {
		delete(m.workers, projectID)
	}
	m.mu.Unlock()
	w.terminate()
}

// StopAll terminates every live worker. Safe to call more than once.
func (m *Manager) StopAll() {
	m.mu.Lock()
	workers := m.workers
	m.workers = map[string]*proc{}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, w := range workers {
		wg.Add(1)
		go func(id string, w *proc) {
			defer wg.Done()
			w.terminate()
			m.log.Debug().Str("project", id).Msg("worker stopped")
		}(id, w)
	}
	wg.Wait()
}

func (m *Manager) harness() (string, error) {
	m.harnessOnce.Do(func() {
		dir, err := os.MkdirTemp("", "flowd-worker-*")
		if err != nil {
			m.harnessErr = err
			return
		}
		m.harnessPath, m.harnessErr = sandbox.Materialize(dir)
	})
	return m.harnessPath, m.harnessErr
}
