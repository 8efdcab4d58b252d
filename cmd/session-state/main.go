// Package main provides the session-state CLI.
//
// session-state coordinates one session document between independent
// processes. Each invocation performs one operation under a file lock,
// prints the resulting document (or a derived view) as JSON on stdout and
// exits; failures are reported on stderr with a non-zero exit code.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/0xmhha/session-state/pkg/config"
	"github.com/0xmhha/session-state/pkg/logger"
	"github.com/0xmhha/session-state/pkg/session"
)

// version is set during build time.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// app carries what every command needs.
type app struct {
	cfg     *config.Config
	manager session.Manager
	logger  logger.Logger

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	pretty bool
}

// run executes one invocation and returns the process exit code.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("session-state", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr) }

	configPath := fs.String("config", "", "path to configuration file")
	statePath := fs.String("state", "", "path to the active session document")
	showVersion := fs.Bool("version", false, "show version information")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}

	if *showVersion {
		fmt.Fprintf(stdout, "session-state %s\n", version)
		return exitOK
	}

	rest := fs.Args()
	if len(rest) == 0 {
		printUsage(stderr)
		return exitUsage
	}

	name, cmdArgs := rest[0], rest[1:]

	switch name {
	case "help":
		printUsage(stdout)
		return exitOK
	case "config":
		cmd := &configCommand{configPath: *configPath, stdin: stdin, stdout: stdout}
		return report(stderr, cmd.Execute(cmdArgs))
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown command: %s\n", name)
		fmt.Fprintln(stderr, "Run 'session-state help' for usage.")
		return exitUsage
	}

	cfg, err := loadConfig(*configPath, *statePath)
	if err != nil {
		return report(stderr, usagef("%v", err))
	}

	log := newLogger(cfg.Logging, stderr)

	mgr, err := session.New(session.Config{
		StatePath:    cfg.State.Path,
		ArchiveDir:   cfg.State.ArchiveDir,
		IndexPath:    cfg.State.IndexPath,
		LockTimeout:  cfg.Lock.Timeout,
		PollInterval: cfg.Lock.PollInterval,
	}, log)
	if err != nil {
		return report(stderr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{
		cfg:     cfg,
		manager: mgr,
		logger:  log,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		pretty:  isTerminal(stdout),
	}

	err = cmd.run(ctx, a, cmdArgs)
	if err != nil {
		log.Debug("command failed", "command", name, "error", err)
	}
	return report(stderr, err)
}

// report prints err on stderr and returns its exit code.
func report(stderr io.Writer, err error) int {
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return exitCodeFor(err)
}

// loadConfig loads configuration and applies the -state flag. The flag
// moves the whole layout; the archive follows the new path unless
// SESSION_STATE_ARCHIVE_DIR names one.
func loadConfig(configPath, statePath string) (*config.Config, error) {
	cfg, err := config.NewLoader(configPath).Load()
	if err != nil {
		return nil, err
	}

	if statePath != "" {
		cfg.State = config.StateConfig{
			Path:       statePath,
			ArchiveDir: os.Getenv(config.EnvArchiveDir),
		}
		cfg.ResolvePaths()
	}
	return cfg, nil
}

// newLogger writes to the invocation's stderr unless a file or stdout is
// configured.
func newLogger(cfg config.LoggingConfig, stderr io.Writer) logger.Logger {
	lc := logger.Config{
		Level:  cfg.Level,
		Output: cfg.Output,
		Format: cfg.Format,
	}
	if cfg.Output == "" || cfg.Output == "stderr" {
		return logger.NewWithWriter(lc, stderr)
	}
	return logger.New(lc)
}

// printUsage displays usage information.
func printUsage(w io.Writer) {
	usage := `session-state - multi-process session state coordinator

Usage:
  session-state [flags] <command> [payload]

Session Commands:
  init-session [json]         Start a session (fails if one is active)
  read-state                  Print the active document
  update-state <json>         Shallow-merge fields into the document
  add-step <json>             Append a step and advance currentStep
  add-validation <json>       Append a validation result
  add-screenshot <json>       Append a screenshot record
  add-error <json>            Append an error record
  update-performance <json>   Merge fields into the performance object
  complete-session [json]     Mark the session completed
  fail-session [json]         Mark the session failed
  archive-session             Move the document into the archive
  get-statistics              Print progress, timing and record counts
  validate                    Check the stored document (never restores backup)
  watch                       Print statistics whenever the document changes

Archive Commands:
  list-archives               List archived sessions
  show-archive <sessionId>    Print an archived document after verifying it

Other Commands:
  config                      Configuration management (show, path, reset)
  help                        Show this help message

Global Flags:
  -config     Path to configuration file
  -state      Path to the active session document
  -version    Show version information

A payload of "-" is read from standard input.

Exit Codes:
  0  success
  1  unexpected failure
  2  invalid invocation or payload
  3  no active session / archive not found
  4  lock timeout
  5  document invariant violated
  6  document corrupt with no usable backup
  7  session already active / archive conflict

Examples:
  session-state init-session '{"sessionId":"S1","scenarioName":"checkout","totalSteps":3}'
  session-state add-step '{"action":"navigate","url":"https://example.test"}'
  session-state complete-session
  session-state archive-session

Version: %s
`

	fmt.Fprintf(w, usage, version)
}
