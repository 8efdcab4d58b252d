package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xmhha/session-state/pkg/config"
	"github.com/0xmhha/session-state/pkg/logger"
	"github.com/0xmhha/session-state/pkg/session"
	"github.com/0xmhha/session-state/pkg/state"
)

// isolate points HOME, the working directory and every SESSION_STATE_*
// variable away from the developer's environment and returns a state path
// inside a fresh directory.
func isolate(t *testing.T) string {
	t.Helper()

	t.Setenv("HOME", t.TempDir())
	for _, key := range []string{
		config.EnvConfig, config.EnvPath, config.EnvArchiveDir,
		config.EnvLockTimeout, config.EnvLogLevel,
	} {
		t.Setenv(key, "")
	}
	t.Chdir(t.TempDir())

	return filepath.Join(t.TempDir(), "session", "current.json")
}

type cliResult struct {
	code   int
	stdout string
	stderr string
}

func runCLI(t *testing.T, stdin string, args ...string) cliResult {
	t.Helper()

	var stdout, stderr bytes.Buffer
	code := run(args, strings.NewReader(stdin), &stdout, &stderr)
	return cliResult{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

// mustRun runs a command against statePath and requires it to succeed.
func mustRun(t *testing.T, statePath string, args ...string) state.Document {
	t.Helper()

	res := runCLI(t, "", append([]string{"-state", statePath}, args...)...)
	require.Equal(t, exitOK, res.code, "stderr: %s", res.stderr)

	doc, err := state.Decode([]byte(res.stdout))
	require.NoError(t, err)
	return doc
}

func stepNumbers(t *testing.T, doc state.Document) []int64 {
	t.Helper()

	var numbers []int64
	for _, rec := range doc.Records(state.KindStep) {
		obj, ok := rec.(map[string]any)
		require.True(t, ok, "step record is not an object: %v", rec)
		n, ok := state.Document(obj).Int(state.FieldStepNumber)
		require.True(t, ok, "step record without stepNumber: %v", rec)
		numbers = append(numbers, n)
	}
	return numbers
}

func TestCLISessionLifecycle(t *testing.T) {
	statePath := isolate(t)

	doc := mustRun(t, statePath, "init-session", `{"sessionId":"S1","scenarioName":"checkout","totalSteps":3}`)
	assert.Equal(t, "S1", doc.SessionID())
	assert.Equal(t, state.StatusInitialized, doc.Status())

	doc = mustRun(t, statePath, "add-step", `{"action":"navigate"}`)
	assert.Equal(t, int64(1), doc.CurrentStep())
	assert.Equal(t, state.StatusInProgress, doc.Status())

	doc = mustRun(t, statePath, "add-step", `{"action":"click"}`)
	assert.Equal(t, int64(2), doc.CurrentStep())
	assert.Equal(t, []int64{1, 2}, stepNumbers(t, doc))

	mustRun(t, statePath, "add-validation", `{"success":true,"check":"title"}`)
	mustRun(t, statePath, "add-screenshot", `{"path":"shot.png"}`)
	mustRun(t, statePath, "update-performance", `{"loadMs":120}`)

	res := runCLI(t, "", "-state", statePath, "get-statistics")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, `"currentStep":2`)
	assert.Contains(t, res.stdout, `"validations":1`)

	doc = mustRun(t, statePath, "complete-session")
	assert.Equal(t, state.StatusCompleted, doc.Status())
	_, hasEnd := doc.Time(state.FieldEndTime)
	assert.True(t, hasEnd)

	res = runCLI(t, "", "-state", statePath, "archive-session")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, `"session_id":"S1"`)

	archived := filepath.Join(filepath.Dir(statePath), "archive", "S1.json")
	assert.FileExists(t, archived)
	assert.NoFileExists(t, statePath)
	assert.NoFileExists(t, statePath+".lock")

	res = runCLI(t, "", "-state", statePath, "read-state")
	assert.Equal(t, exitNotFound, res.code)
	assert.NotEmpty(t, res.stderr)
	assert.Empty(t, res.stdout)

	res = runCLI(t, "", "-state", statePath, "list-archives")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, `"session_id":"S1"`)

	doc = mustRun(t, statePath, "show-archive", "S1")
	assert.Equal(t, state.StatusCompleted, doc.Status())

	res = runCLI(t, "", "-state", statePath, "show-archive", "missing")
	assert.Equal(t, exitNotFound, res.code)
}

func TestCLIAcceptsExternallyWrittenDocument(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "minimal document",
			doc:  `{"sessionId":"S1","currentStep":0,"totalSteps":3,"status":"initialized","steps":[],"validationResults":[],"screenshots":[],"errors":[]}`,
		},
		{
			name: "start time without offset",
			doc:  `{"sessionId":"S1","currentStep":0,"totalSteps":3,"status":"initialized","steps":[],"validationResults":[],"screenshots":[],"errors":[],"performance":{},"startTime":"2025-01-02T03:04:05.123456"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			statePath := isolate(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(statePath), 0o750))
			require.NoError(t, os.WriteFile(statePath, []byte(tt.doc), 0o600))

			doc := mustRun(t, statePath, "read-state")
			assert.Equal(t, "S1", doc.SessionID())

			doc = mustRun(t, statePath, "add-step", `{"action":"navigate"}`)
			assert.Equal(t, int64(1), doc.CurrentStep())
			assert.Equal(t, []int64{1}, stepNumbers(t, doc))

			res := runCLI(t, "", "-state", statePath, "get-statistics")
			require.Equal(t, exitOK, res.code, res.stderr)

			doc = mustRun(t, statePath, "complete-session")
			assert.Equal(t, state.StatusCompleted, doc.Status())
		})
	}
}

func TestCLIInitSessionTwice(t *testing.T) {
	statePath := isolate(t)

	mustRun(t, statePath, "init-session", `{"sessionId":"S1"}`)

	res := runCLI(t, "", "-state", statePath, "init-session", `{"sessionId":"S2"}`)
	assert.Equal(t, exitConflict, res.code)

	doc := mustRun(t, statePath, "read-state")
	assert.Equal(t, "S1", doc.SessionID())
}

func TestCLIInvariantViolationLeavesFileUnchanged(t *testing.T) {
	statePath := isolate(t)

	mustRun(t, statePath, "init-session", `{"sessionId":"S1","totalSteps":3}`)
	mustRun(t, statePath, "add-step", `{"action":"a"}`)

	before, err := os.ReadFile(statePath)
	require.NoError(t, err)

	res := runCLI(t, "", "-state", statePath, "update-state", `{"currentStep":-1}`)
	assert.Equal(t, exitSchema, res.code)
	assert.Contains(t, res.stderr, "currentStep")

	after, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCLIUsageErrors(t *testing.T) {
	statePath := isolate(t)
	mustRun(t, statePath, "init-session", `{"sessionId":"S1"}`)

	tests := []struct {
		name string
		args []string
	}{
		{name: "no command", args: []string{"-state", statePath}},
		{name: "unknown command", args: []string{"-state", statePath, "frobnicate"}},
		{name: "unknown flag", args: []string{"-bogus", "read-state"}},
		{name: "missing payload", args: []string{"-state", statePath, "add-step"}},
		{name: "malformed payload", args: []string{"-state", statePath, "add-step", `{"action":`}},
		{name: "payload not an object", args: []string{"-state", statePath, "add-step", `[1,2]`}},
		{name: "extra arguments", args: []string{"-state", statePath, "read-state", "extra"}},
		{name: "show-archive without id", args: []string{"-state", statePath, "show-archive"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runCLI(t, "", tt.args...)
			assert.Equal(t, exitUsage, res.code, "stderr: %s", res.stderr)
			assert.Empty(t, res.stdout)
		})
	}

	doc := mustRun(t, statePath, "read-state")
	assert.Equal(t, int64(0), doc.CurrentStep())
}

func TestCLIPayloadFromStdin(t *testing.T) {
	statePath := isolate(t)
	mustRun(t, statePath, "init-session", `{"sessionId":"S1"}`)

	res := runCLI(t, `{"action":"typed","value":"from stdin"}`, "-state", statePath, "add-step", "-")
	require.Equal(t, exitOK, res.code, res.stderr)

	doc, err := state.Decode([]byte(res.stdout))
	require.NoError(t, err)
	require.Len(t, doc.Records(state.KindStep), 1)
	assert.Contains(t, res.stdout, "from stdin")
}

func TestCLIRecoversFromCorruptDocument(t *testing.T) {
	statePath := isolate(t)

	mustRun(t, statePath, "init-session", `{"sessionId":"S1"}`)
	mustRun(t, statePath, "add-step", `{"action":"a"}`)

	// Simulate a torn write of the active document.
	require.NoError(t, os.WriteFile(statePath, []byte(`{"sessionId":"S1","curr`), 0o600))

	doc := mustRun(t, statePath, "read-state")
	assert.Equal(t, "S1", doc.SessionID())

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	_, err = state.Decode(data)
	assert.NoError(t, err, "active document was not restored")
}

func TestCLICorruptWithoutBackup(t *testing.T) {
	statePath := isolate(t)

	mustRun(t, statePath, "init-session", `{"sessionId":"S1"}`)
	require.NoError(t, os.WriteFile(statePath, []byte("not json"), 0o600))

	res := runCLI(t, "", "-state", statePath, "read-state")
	assert.Equal(t, exitCorrupt, res.code)
	assert.Contains(t, res.stderr, statePath)
}

func TestCLILockTimeout(t *testing.T) {
	statePath := isolate(t)
	mustRun(t, statePath, "init-session", `{"sessionId":"S1"}`)

	// This process is alive, so the marker is never stale.
	marker := statePath + ".lock"
	require.NoError(t, os.WriteFile(marker, []byte(strconv.Itoa(os.Getpid())), 0o600))
	t.Setenv(config.EnvLockTimeout, "200")

	start := time.Now()
	res := runCLI(t, "", "-state", statePath, "add-step", `{"action":"blocked"}`)
	assert.Equal(t, exitLockTimeout, res.code)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	assert.Contains(t, res.stderr, strconv.Itoa(os.Getpid()))

	assert.FileExists(t, marker)

	require.NoError(t, os.Remove(marker))
	doc := mustRun(t, statePath, "read-state")
	assert.Equal(t, int64(0), doc.CurrentStep())
}

func TestCLIStaleLockReclaimed(t *testing.T) {
	statePath := isolate(t)
	mustRun(t, statePath, "init-session", `{"sessionId":"S1"}`)

	// Garbage content is treated as a corrupt marker and removed.
	require.NoError(t, os.WriteFile(statePath+".lock", []byte("garbage"), 0o600))

	doc := mustRun(t, statePath, "add-step", `{"action":"a"}`)
	assert.Equal(t, int64(1), doc.CurrentStep())
	assert.NoFileExists(t, statePath+".lock")
}

func TestCLIValidate(t *testing.T) {
	statePath := isolate(t)

	res := runCLI(t, "", "-state", statePath, "validate")
	assert.Equal(t, exitNotFound, res.code)

	mustRun(t, statePath, "init-session", `{"sessionId":"S1"}`)

	res = runCLI(t, "", "-state", statePath, "validate")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, `"valid":true`)
	assert.Contains(t, res.stdout, `"sessionId":"S1"`)
}

func TestCLIValidateLeavesCorruptFileInPlace(t *testing.T) {
	statePath := isolate(t)

	mustRun(t, statePath, "init-session", `{"sessionId":"S1"}`)
	mustRun(t, statePath, "add-step", `{"action":"a"}`)

	torn := []byte(`{"sessionId":"S1","curr`)
	require.NoError(t, os.WriteFile(statePath, torn, 0o600))

	res := runCLI(t, "", "-state", statePath, "validate")
	assert.Equal(t, exitCorrupt, res.code)
	assert.Empty(t, res.stdout)

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	assert.Equal(t, torn, data)

	// read-state still recovers from the backup.
	doc := mustRun(t, statePath, "read-state")
	assert.Equal(t, "S1", doc.SessionID())
}

func TestCLIStatePathFromEnvironment(t *testing.T) {
	statePath := isolate(t)
	t.Setenv(config.EnvPath, statePath)

	res := runCLI(t, "", "init-session", `{"sessionId":"ENV"}`)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.FileExists(t, statePath)
}

func TestVersionFlag(t *testing.T) {
	isolate(t)

	res := runCLI(t, "", "-version")
	assert.Equal(t, exitOK, res.code)
	assert.Equal(t, "session-state "+version+"\n", res.stdout)
}

func TestHelpCommand(t *testing.T) {
	isolate(t)

	res := runCLI(t, "", "help")
	assert.Equal(t, exitOK, res.code)
	for name := range commands {
		assert.Contains(t, res.stdout, name)
	}
}

func TestConfigCommand(t *testing.T) {
	isolate(t)

	res := runCLI(t, "", "config", "show")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "defaults (no config file found)")
	assert.Contains(t, res.stdout, ".session-state/current.json")

	res = runCLI(t, "", "config", "show", "-format", "json")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "current.json")

	res = runCLI(t, "", "config", "show", "-format", "toml")
	assert.Equal(t, exitUsage, res.code)

	res = runCLI(t, "", "config", "path")
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "session-state.yaml")

	out := filepath.Join(t.TempDir(), "config.yaml")
	res = runCLI(t, "", "config", "reset", "-output", out)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.FileExists(t, out)

	// Declining the prompt keeps the existing file.
	require.NoError(t, os.WriteFile(out, []byte("state:\n  path: /tmp/kept.json\n"), 0o600))
	res = runCLI(t, "n\n", "config", "reset", "-output", out)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Reset cancelled.")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), "kept.json")

	res = runCLI(t, "", "config", "bogus")
	assert.Equal(t, exitUsage, res.code)
}

func TestConfigFileSelectsStatePath(t *testing.T) {
	statePath := isolate(t)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf("state:\n  path: %s\n", statePath)), 0o600))

	res := runCLI(t, "", "-config", cfgPath, "init-session", `{"sessionId":"CFG"}`)
	require.Equal(t, exitOK, res.code, res.stderr)
	assert.FileExists(t, statePath)

	res = runCLI(t, "", "-config", filepath.Join(t.TempDir(), "missing.yaml"), "read-state")
	assert.Equal(t, exitUsage, res.code)
}

// TestHelperProcess is not a real test. It runs the CLI when the test
// binary is re-executed by TestConcurrentProcesses.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	os.Exit(run(args, os.Stdin, os.Stdout, os.Stderr))
}

func TestConcurrentProcesses(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns processes")
	}

	statePath := isolate(t)
	mustRun(t, statePath, "init-session", `{"sessionId":"MP","totalSteps":8}`)

	const workers = 8

	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			payload := fmt.Sprintf(`{"action":"worker-%d"}`, i)
			cmd := exec.Command(os.Args[0], "-test.run=^TestHelperProcess$", "--",
				"-state", statePath, "add-step", payload)
			cmd.Env = append(os.Environ(),
				"GO_WANT_HELPER_PROCESS=1",
				config.EnvLockTimeout+"=30s",
			)

			out, err := cmd.CombinedOutput()
			if err != nil {
				errs <- fmt.Errorf("worker %d: %v: %s", i, err, out)
			}
		}(i)
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	doc := mustRun(t, statePath, "read-state")
	assert.Equal(t, int64(workers), doc.CurrentStep())

	numbers := stepNumbers(t, doc)
	require.Len(t, numbers, workers)

	seen := make(map[int64]bool)
	for _, n := range numbers {
		assert.False(t, seen[n], "duplicate stepNumber %d", n)
		seen[n] = true
	}
	for n := int64(1); n <= workers; n++ {
		assert.True(t, seen[n], "missing stepNumber %d", n)
	}

	assert.NoFileExists(t, statePath+".lock")
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchPrintsStatistics(t *testing.T) {
	statePath := isolate(t)

	cfg := config.Default()
	cfg.State.Path = statePath
	cfg.State.ArchiveDir = ""
	cfg.State.IndexPath = ""
	cfg.ResolvePaths()
	cfg.Watch.Debounce = 20 * time.Millisecond

	mgr, err := session.New(session.Config{
		StatePath:  cfg.State.Path,
		ArchiveDir: cfg.State.ArchiveDir,
		IndexPath:  cfg.State.IndexPath,
	}, logger.Noop())
	require.NoError(t, err)

	out := &syncBuffer{}
	a := &app{
		cfg:     cfg,
		manager: mgr,
		logger:  logger.Noop(),
		stdin:   strings.NewReader(""),
		stdout:  out,
		stderr:  &syncBuffer{},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runWatch(ctx, a, nil) }()

	mustRun(t, statePath, "init-session", `{"sessionId":"W1","totalSteps":2}`)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"sessionId":"W1"`)
	}, 5*time.Second, 20*time.Millisecond)

	mustRun(t, statePath, "add-step", `{"action":"a"}`)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"currentStep":1`)
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}

	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		assert.True(t, strings.HasPrefix(line, "{"), "not an NDJSON line: %q", line)
	}
}
