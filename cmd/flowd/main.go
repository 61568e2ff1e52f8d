package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodelab/flowd/internal/flow/analyzer"
	"github.com/nodelab/flowd/internal/flow/config"
	"github.com/nodelab/flowd/internal/flow/engine"
	"github.com/nodelab/flowd/internal/flow/model"
	"github.com/nodelab/flowd/internal/flow/project"
	"github.com/nodelab/flowd/internal/flow/sandbox"
	"github.com/nodelab/flowd/internal/flow/store"
	"github.com/nodelab/flowd/internal/flow/worker"
	"github.com/nodelab/flowd/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serve(os.Args[2:])
	case "run":
		run(os.Args[2:])
	case "analyze":
		analyze(os.Args[2:])
	case "store":
		storeCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  flowd serve [--config <flowd.yaml>] [--addr <host:port>]")
	fmt.Fprintln(os.Stderr, "  flowd run --project <id> [--start <node-id>] [--params <json>] [--seed <json>] [--stream] [--isolated] [--max-workers <n>] [--timeout <sec>] [--no-halt] [--config <flowd.yaml>]")
	fmt.Fprintln(os.Stderr, "  flowd analyze --project <id> --node <node-id> [--config <flowd.yaml>]")
	fmt.Fprintln(os.Stderr, "  flowd store info|clear --project <id> [--config <flowd.yaml>]")
}

// stack is the wired-up runtime shared by every subcommand.
type stack struct {
	cfg      config.Config
	log      zerolog.Logger
	resolver *project.Resolver
	store    *store.Store
	workers  *worker.Manager
	executor *engine.Executor
}

func buildStack(configPath string) (*stack, error) {
	if configPath == "" {
		configPath = "flowd.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log_level %q: %w", cfg.LogLevel, err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	resolver := project.NewResolver(cfg.ProjectsRoot, cfg.AuxPath)
	st := store.New()
	workers := worker.NewManager(resolver, log)
	executor := &engine.Executor{
		Resolver:  resolver,
		Store:     st,
		Evaluator: workers,
		Log:       log,
	}
	return &stack{
		cfg:      cfg,
		log:      log,
		resolver: resolver,
		store:    st,
		workers:  workers,
		executor: executor,
	}, nil
}

// snapshotPath returns the store snapshot file for a project, or "" when
// persistence is not configured.
func (s *stack) snapshotPath(projectID string) string {
	if s.cfg.StoreDir == "" {
		return ""
	}
	return filepath.Join(s.cfg.StoreDir, projectID+".store")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func flagValue(args []string, i *int, name string) string {
	*i++
	if *i >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n", name)
		os.Exit(1)
	}
	return args[*i]
}

func serve(args []string) {
	var configPath string
	var addr string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--addr":
			addr = flagValue(args, &i, "--addr")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	s, err := buildStack(configPath)
	if err != nil {
		fatal(err)
	}
	if addr == "" {
		addr = s.cfg.ListenAddr
	}

	srv := server.New(server.Config{Addr: addr}, s.executor, s.workers, s.log)
	if err := srv.ListenAndServe(); err != nil {
		fatal(err)
	}
}

func run(args []string) {
	var configPath string
	var projectID string
	var startNodeID string
	var paramsJSON string
	var seedJSON string
	var stream bool
	var maxWorkers *int
	var timeoutSec *int
	var haltOnError *bool
	var isolated bool
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--project":
			projectID = flagValue(args, &i, "--project")
		case "--start":
			startNodeID = flagValue(args, &i, "--start")
		case "--params":
			paramsJSON = flagValue(args, &i, "--params")
		case "--seed":
			seedJSON = flagValue(args, &i, "--seed")
		case "--stream":
			stream = true
		case "--isolated":
			isolated = true
		case "--max-workers":
			n, err := strconv.Atoi(flagValue(args, &i, "--max-workers"))
			if err != nil || n < 1 {
				fatal(fmt.Errorf("--max-workers must be a positive integer"))
			}
			maxWorkers = &n
		case "--timeout":
			n, err := strconv.Atoi(flagValue(args, &i, "--timeout"))
			if err != nil || n < 1 {
				fatal(fmt.Errorf("--timeout must be a positive integer (seconds)"))
			}
			timeoutSec = &n
		case "--no-halt":
			halt := false
			haltOnError = &halt
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if projectID == "" {
		usage()
		os.Exit(1)
	}

	s, err := buildStack(configPath)
	if err != nil {
		fatal(err)
	}
	if isolated {
		s.executor.Evaluator = onceEvaluator{resolver: s.resolver}
	}

	// Flags override file values.
	if maxWorkers == nil {
		maxWorkers = s.cfg.MaxWorkers
	}
	if timeoutSec == nil {
		timeoutSec = s.cfg.TimeoutSec
	}
	if haltOnError == nil {
		haltOnError = s.cfg.HaltOnError
	}

	req := engine.Request{
		ProjectID:   projectID,
		StartNodeID: startNodeID,
		MaxWorkers:  maxWorkers,
		TimeoutSec:  timeoutSec,
		HaltOnError: haltOnError,
	}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &req.Params); err != nil {
			fatal(fmt.Errorf("--params: %w", err))
		}
	}
	if seedJSON != "" {
		if err := json.Unmarshal([]byte(seedJSON), &req.TerminalSeed); err != nil {
			fatal(fmt.Errorf("--seed: %w", err))
		}
	}

	code, err := executeRun(s, req, stream)
	s.workers.StopAll()
	if err != nil {
		fatal(err)
	}
	os.Exit(code)
}

// onceEvaluator runs every node in a fresh interpreter instead of the
// resident per-project worker. Slower, but leaves no processes behind and
// gives each node a clean module state.
type onceEvaluator struct {
	resolver *project.Resolver
}

func (e onceEvaluator) Exec(ctx context.Context, projectID, file string, input any, timeout time.Duration) (sandbox.Response, error) {
	env, err := e.resolver.Resolve(projectID)
	if err != nil {
		return sandbox.Response{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return sandbox.RunOnce(ctx, env, file, input)
}

// executeRun performs one flow run and returns the process exit code. Store
// persistence, when configured, brackets the run so references survive
// between CLI invocations.
func executeRun(s *stack, req engine.Request, stream bool) (int, error) {
	if path := s.snapshotPath(req.ProjectID); path != "" {
		if err := s.store.Restore(req.ProjectID, path); err != nil {
			return 1, err
		}
		defer func() {
			if err := s.store.Snapshot(req.ProjectID, path); err != nil {
				s.log.Warn().Err(err).Msg("store snapshot failed")
			}
		}()
	}

	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)

	if stream {
		events, err := s.executor.ExecuteFlowStreaming(ctx, req)
		if err != nil {
			return 1, err
		}
		failed := false
		for ev := range events {
			_ = enc.Encode(ev)
			if ev["type"] != "complete" {
				continue
			}
			if results, ok := ev["execution_results"].(map[string]*engine.NodeResult); ok {
				for _, rec := range results {
					if rec.Status == engine.StatusError {
						failed = true
					}
				}
			}
		}
		if failed {
			return 1, nil
		}
		return 0, nil
	}

	res, err := s.executor.ExecuteFlow(ctx, req)
	if err != nil {
		return 1, err
	}
	enc.SetIndent("", "  ")
	_ = enc.Encode(res)
	if !res.Success {
		return 1, nil
	}
	return 0, nil
}

func analyze(args []string) {
	var configPath string
	var projectID string
	var nodeID string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--project":
			projectID = flagValue(args, &i, "--project")
		case "--node":
			nodeID = flagValue(args, &i, "--node")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if projectID == "" || nodeID == "" {
		usage()
		os.Exit(1)
	}

	s, err := buildStack(configPath)
	if err != nil {
		fatal(err)
	}
	root, err := s.resolver.ProjectPath(projectID)
	if err != nil {
		fatal(err)
	}
	g, err := model.Load(root)
	if err != nil {
		fatal(err)
	}
	node := g.Nodes[nodeID]
	if node == nil {
		fatal(fmt.Errorf("node %s not found in project %s", nodeID, projectID))
	}

	sig, err := analyzer.New().AnalyzeFile(filepath.Join(root, node.File()))
	if err != nil {
		fatal(err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sig)
}

func storeCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	op := args[0]
	var configPath string
	var projectID string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "--config":
			configPath = flagValue(args, &i, "--config")
		case "--project":
			projectID = flagValue(args, &i, "--project")
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if projectID == "" {
		usage()
		os.Exit(1)
	}

	s, err := buildStack(configPath)
	if err != nil {
		fatal(err)
	}

	// The store is in-memory, so the CLI operates through the snapshot file
	// when store_dir is configured. Without it there is nothing to inspect.
	path := s.snapshotPath(projectID)
	if path != "" {
		if err := s.store.Restore(projectID, path); err != nil {
			fatal(err)
		}
	}

	switch op {
	case "info":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(s.store.Describe(projectID))
	case "clear":
		s.store.Clear(projectID)
		if path != "" {
			if err := s.store.Snapshot(projectID, path); err != nil {
				fatal(err)
			}
		}
		fmt.Printf("cleared=%s\n", projectID)
	default:
		usage()
		os.Exit(1)
	}
}
