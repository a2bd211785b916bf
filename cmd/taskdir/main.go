package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/msageha/taskdir/internal/daemon"
	"github.com/msageha/taskdir/internal/model"
	"github.com/msageha/taskdir/internal/setup"
	"github.com/msageha/taskdir/internal/status"
	"github.com/msageha/taskdir/internal/store"
)

const version = "1.0.0"

const (
	envRoot = "TASKDIR_ROOT"
	envMode = "TASKDIR_MODE"

	defaultRoot = "data"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "setup":
		runSetup(os.Args[2:])
	case "daemon":
		runDaemon(os.Args[2:])
	case "submit":
		runSubmit(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version":
		fmt.Printf("taskdir %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runSetup(args []string) {
	root := ""
	force := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--root":
			root = requireValue(args, &i, "usage: taskdir setup [--root DIR] [--force]")
		case "--force":
			force = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: taskdir setup [--root DIR] [--force]\n", args[i])
			os.Exit(1)
		}
	}

	root = resolveRoot(root)
	if err := setup.Run(root, force); err != nil {
		fmt.Fprintf(os.Stderr, "setup: %v\n", err)
		os.Exit(1)
	}
	absRoot, _ := filepath.Abs(root)
	fmt.Printf("Initialized taskdir root in %s\n", absRoot)
}

func runDaemon(args []string) {
	root := ""
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--root":
			root = requireValue(args, &i, "usage: taskdir daemon [--root DIR]")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: taskdir daemon [--root DIR]\n", args[i])
			os.Exit(1)
		}
	}
	root = resolveRoot(root)

	cfg, err := loadConfig(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(root, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create daemon: %v\n", err)
		os.Exit(1)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func runSubmit(args []string) {
	const usage = "usage: taskdir submit --script REF [--id ID] [--goal TEXT] [--language LANG] [--max-retries N] [--yaml] [--root DIR]"

	var (
		root    string
		asYAML  bool
		m       model.Manifest
		retries *int
	)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--root":
			root = requireValue(args, &i, usage)
		case "--script":
			m.ScriptRef = requireValue(args, &i, usage)
		case "--id":
			m.ID = requireValue(args, &i, usage)
		case "--goal":
			m.Goal = requireValue(args, &i, usage)
		case "--language":
			m.Language = requireValue(args, &i, usage)
		case "--max-retries":
			v := requireValue(args, &i, usage)
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				fmt.Fprintf(os.Stderr, "--max-retries must be a non-negative integer, got %q\n", v)
				os.Exit(1)
			}
			retries = &n
		case "--yaml":
			asYAML = true
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\n%s\n", args[i], usage)
			os.Exit(1)
		}
	}

	if m.ScriptRef == "" {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
	m.MaxRetries = retries

	name, err := submit(resolveRoot(root), &m, asYAML)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Submitted %s as todo/%s\n", m.ID, name)
}

// submit writes m into the todo stage atomically so the daemon never sees a
// partial manifest. It returns the file name used.
func submit(root string, m *model.Manifest, asYAML bool) (string, error) {
	if m.ID == "" {
		id, err := model.GenerateID()
		if err != nil {
			return "", err
		}
		m.ID = id
	}
	m.Status = model.StatusPending

	ext := ".json"
	if asYAML {
		ext = ".yaml"
	}
	name := m.ID + ext
	if filepath.Base(name) != name {
		return "", fmt.Errorf("invalid task id %q", m.ID)
	}

	fsStore := store.NewFS(root, store.DefaultMovePolicy)
	if err := fsStore.EnsureLayout(); err != nil {
		return "", err
	}
	for _, st := range []store.Stage{store.StageTodo, store.StageWorking, store.StageTodoHost} {
		if fsStore.Exists(st, name) {
			return "", fmt.Errorf("task %s already queued in %s", m.ID, st)
		}
	}

	content, err := model.EncodeManifest(name, m)
	if err != nil {
		return "", err
	}
	if err := fsStore.Write(store.StageTodo, name, content); err != nil {
		return "", err
	}
	return name, nil
}

func runStatus(args []string) {
	root := ""
	jsonOutput := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--json":
			jsonOutput = true
		case "--root":
			root = requireValue(args, &i, "usage: taskdir status [--json] [--root DIR]")
		default:
			fmt.Fprintf(os.Stderr, "unknown flag: %s\nusage: taskdir status [--json] [--root DIR]\n", args[i])
			os.Exit(1)
		}
	}

	if err := status.Run(resolveRoot(root), jsonOutput); err != nil {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		os.Exit(1)
	}
}

func requireValue(args []string, i *int, usage string) string {
	if *i+1 >= len(args) {
		fmt.Fprintf(os.Stderr, "%s requires a value\n%s\n", args[*i], usage)
		os.Exit(1)
	}
	*i++
	return args[*i]
}

// resolveRoot picks the data root: flag, then TASKDIR_ROOT, then ./data.
func resolveRoot(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(envRoot); env != "" {
		return env
	}
	return defaultRoot
}

// loadConfig reads config.yaml and applies the TASKDIR_MODE override.
func loadConfig(root string) (model.Config, error) {
	cfg, err := setup.LoadConfig(root)
	if err != nil {
		return model.Config{}, err
	}
	if mode := os.Getenv(envMode); mode != "" {
		m, err := model.ParseExecutionMode(mode)
		if err != nil {
			return model.Config{}, fmt.Errorf("%s: %w", envMode, err)
		}
		cfg.Execution.Mode = m
	}
	return cfg, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `taskdir %s, a directory-backed local task queue

Usage: taskdir <command> [options]

Commands:
  setup [--root DIR] [--force]     Create the stage directories and config.yaml
  daemon [--root DIR]              Run the scheduler until interrupted
  submit --script REF [options]    Drop a new manifest into todo/
      --id ID                      Task id (default: generated)
      --goal TEXT                  Free-form description
      --language LANG              Interpreter hint when the extension is unknown
      --max-retries N              Extra attempts after the first failure
      --yaml                       Write the manifest as YAML instead of JSON
  status [--json] [--root DIR]     Show stage counts and in-flight tasks
  version                          Print version
  help                             Show this help

The data root defaults to $%s, then ./%s.
Set %s=local|host|mock to override execution.mode.
`, version, envRoot, defaultRoot, envMode)
}
