package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/0xmhha/session-state/pkg/config"
)

// configCommand handles configuration management subcommands.
type configCommand struct {
	configPath string
	stdin      io.Reader
	stdout     io.Writer
}

// Execute runs the config command with given arguments.
func (c *configCommand) Execute(args []string) error {
	if len(args) == 0 {
		return c.showHelp()
	}

	subcommand := args[0]
	subargs := args[1:]

	switch subcommand {
	case "show":
		return c.runShow(subargs)
	case "path":
		return c.runPath()
	case "reset":
		return c.runReset(subargs)
	case "help":
		return c.showHelp()
	default:
		return usagef("unknown config subcommand: %s", subcommand)
	}
}

// runShow displays the effective configuration.
func (c *configCommand) runShow(args []string) error {
	fs := flag.NewFlagSet("config show", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	format := fs.String("format", "yaml", "output format (yaml, json)")

	if err := fs.Parse(args); err != nil {
		return usagef("config show: %v", err)
	}

	loader := config.NewLoader(c.configPath)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch *format {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Fprintln(c.stdout, string(data))
		return nil
	case "yaml":
		data, err := config.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.stdout, "# Effective configuration")
		fmt.Fprintln(c.stdout, "# Source:", sourceName(loader.ConfigPath()))
		fmt.Fprint(c.stdout, string(data))
		return nil
	default:
		return usagef("config show: unknown format %q", *format)
	}
}

// runPath shows the configuration file search order.
func (c *configCommand) runPath() error {
	loader := config.NewLoader(c.configPath)

	fmt.Fprintln(c.stdout, "Configuration file search paths (in order of precedence):")
	fmt.Fprintln(c.stdout)

	for i, p := range searchPaths(c.configPath) {
		exists := "not found"
		if _, err := os.Stat(p); err == nil {
			exists = "found"
		}
		fmt.Fprintf(c.stdout, "  %d. %s [%s]\n", i+1, p, exists)
	}

	fmt.Fprintln(c.stdout)
	fmt.Fprintln(c.stdout, "Active configuration:", sourceName(loader.ConfigPath()))
	return nil
}

// runReset writes the default configuration.
func (c *configCommand) runReset(args []string) error {
	fs := flag.NewFlagSet("config reset", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	force := fs.Bool("force", false, "skip confirmation prompt")
	output := fs.String("output", "", "output path (default: ~/.config/session-state/config.yaml)")

	if err := fs.Parse(args); err != nil {
		return usagef("config reset: %v", err)
	}

	outputPath := *output
	if outputPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to locate home directory: %w", err)
		}
		outputPath = filepath.Join(home, ".config", "session-state", "config.yaml")
	}

	if _, err := os.Stat(outputPath); err == nil && !*force {
		fmt.Fprintf(c.stdout, "Configuration file already exists at: %s\n", outputPath)
		fmt.Fprint(c.stdout, "Overwrite? [y/N]: ")

		response, _ := bufio.NewReader(c.stdin).ReadString('\n')
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Fprintln(c.stdout, "Reset cancelled.")
			return nil
		}
	}

	if err := config.Save(config.Default(), outputPath); err != nil {
		return err
	}

	fmt.Fprintf(c.stdout, "Configuration reset to defaults at: %s\n", outputPath)
	return nil
}

// searchPaths lists the locations the loader checks, most specific first.
func searchPaths(explicit string) []string {
	var paths []string
	if explicit != "" {
		paths = append(paths, explicit)
	}
	if env := os.Getenv(config.EnvConfig); env != "" {
		paths = append(paths, env)
	}
	paths = append(paths, "./session-state.yaml")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "session-state", "config.yaml"))
	}
	return paths
}

func sourceName(path string) string {
	if path == "" {
		return "defaults (no config file found)"
	}
	return path
}

// showHelp displays help for config command.
func (c *configCommand) showHelp() error {
	help := `Config - Configuration management

Usage:
  session-state config <subcommand> [flags]

Subcommands:
  show      Display the effective configuration
  path      Show configuration file search paths
  reset     Write the default configuration

Show Flags:
  -format   Output format (yaml, json) (default: yaml)

Reset Flags:
  -force    Skip confirmation prompt
  -output   Output path for config file

Environment:
  SESSION_STATE_CONFIG        Configuration file
  SESSION_STATE_PATH          Active session document
  SESSION_STATE_ARCHIVE_DIR   Archive directory
  SESSION_STATE_LOCK_TIMEOUT  Lock timeout ("5s" or milliseconds)
  SESSION_STATE_LOG_LEVEL     Log level (debug, info, warn, error)
`
	fmt.Fprint(c.stdout, help)
	return nil
}
