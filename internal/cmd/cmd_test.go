package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/parallelmc/internal/config"
	"github.com/Iron-Ham/parallelmc/internal/engine"
	pmcerrors "github.com/Iron-Ham/parallelmc/internal/errors"
	"github.com/Iron-Ham/parallelmc/internal/group"
	"github.com/Iron-Ham/parallelmc/internal/launcher"
	"github.com/Iron-Ham/parallelmc/internal/logging"
	"github.com/Iron-Ham/parallelmc/internal/seed"
)

// executeCommand runs the root command with args and returns captured output
func executeCommand(args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err = rootCmd.Execute()
	return buf.String(), err
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Run.Events = 300
	cfg.Run.Threads = 2
	cfg.Group.RunDir = filepath.Join(t.TempDir(), "run")
	cfg.Group.PollIntervalMs = 2
	cfg.Group.DialTimeoutMs = 10000
	cfg.Logging.OutputBase = filepath.Join(t.TempDir(), "rank")
	cfg.Seeds.MasterSeed = 42
	return cfg
}

// runGroup executes every rank of a size-rank group in this process and
// returns each rank's stdout.
func runGroup(t *testing.T, cfg *config.Config, size int) ([]string, []error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	outs := make([]*bytes.Buffer, size)
	errs := make([]error, size)
	var wg sync.WaitGroup
	for rank := range size {
		outs[rank] = &bytes.Buffer{}
		r := &rankRun{
			cfg:      cfg,
			launch:   config.Launch{Rank: rank, Size: size},
			stdout:   outs[rank],
			stderr:   &bytes.Buffer{},
			json:     true,
			registry: group.NewRegistry(),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[rank] = r.execute(ctx)
		}()
	}
	wg.Wait()

	stdout := make([]string, size)
	for i, b := range outs {
		stdout[i] = b.String()
	}
	return stdout, errs
}

func decodeSummary(t *testing.T, out string) runSummary {
	t.Helper()
	var s runSummary
	if err := json.Unmarshal([]byte(out), &s); err != nil {
		t.Fatalf("coordinator output is not a JSON summary: %v\n%s", err, out)
	}
	return s
}

func checkGroupRun(t *testing.T, cfg *config.Config, size int) {
	t.Helper()

	stdout, errs := runGroup(t, cfg, size)
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}

	s := decodeSummary(t, stdout[0])
	if s.Size != size {
		t.Errorf("summary size = %d, want %d", s.Size, size)
	}
	if s.Tally.Histories != 300 {
		t.Errorf("histories = %d, want 300", s.Tally.Histories)
	}
	if got := s.Tally.Transmitted + s.Tally.Reflected + s.Tally.Absorbed; got != s.Tally.Histories {
		t.Errorf("outcomes sum to %d, want %d", got, s.Tally.Histories)
	}
	if len(s.Seeds) != size || !s.Seeds.Distinct() {
		t.Errorf("seeds = %v, want %d distinct", s.Seeds, size)
	}
	want, _ := seed.NewAllocator(seed.NewSource(42)).Generate(size)
	for i := range want {
		if s.Seeds[i] != want[i] {
			t.Errorf("seeds = %v, want %v", s.Seeds, want)
			break
		}
	}

	for rank := 1; rank < size; rank++ {
		if stdout[rank] != "" {
			t.Errorf("worker %d wrote to stdout: %q", rank, stdout[rank])
		}
		data, err := os.ReadFile(logging.OutputPath(cfg.Logging.OutputBase, rank))
		if err != nil {
			t.Fatalf("worker %d output: %v", rank, err)
		}
		if !strings.Contains(string(data), "end of run") {
			t.Errorf("worker %d output missing final barrier:\n%s", rank, data)
		}
	}
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "parallelmc" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "parallelmc")
	}

	// Compare by Name(), not Use which includes args
	expectedCmds := []string{"run", "launch", "seeds", "logs", "config"}
	cmdMap := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		cmdMap[cmd.Name()] = true
	}
	for _, expected := range expectedCmds {
		if !cmdMap[expected] {
			t.Errorf("expected subcommand %q not found", expected)
		}
	}
}

func TestSeedsCommand(t *testing.T) {
	output, err := executeCommand("seeds", "-n", "5", "--master-seed", "42")
	if err != nil {
		t.Fatalf("seeds failed: %v\n%s", err, output)
	}

	want, err := seed.NewAllocator(seed.NewSource(42)).Generate(5)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 5:\n%s", len(lines), output)
	}
	for rank, line := range lines {
		if line != fmt.Sprintf("%d\t%d", rank, want[rank]) {
			t.Errorf("line %d = %q, want rank %d seed %d", rank, line, rank, want[rank])
		}
	}
}

func TestSeedsCommand_InvalidSize(t *testing.T) {
	_, err := executeCommand("seeds", "-n", "0")
	if !errors.Is(err, pmcerrors.ErrInvalidInput) {
		t.Errorf("seeds -n 0 error = %v, want ErrInvalidInput", err)
	}
}

func TestRankRun_SingleRank(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Events = 200

	var stdout, stderr bytes.Buffer
	r := &rankRun{
		cfg:      cfg,
		launch:   config.Launch{Rank: 0, Size: 1},
		stdout:   &stdout,
		stderr:   &stderr,
		registry: group.NewRegistry(),
	}
	if err := r.execute(context.Background()); err != nil {
		t.Fatalf("execute() error = %v\n%s", err, stderr.String())
	}

	out := stdout.String()
	for _, want := range []string{"parallelmc run", "histories", "200", "transmitted"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if !strings.Contains(stderr.String(), "event counts") {
		t.Errorf("coordinator did not announce event counts:\n%s", stderr.String())
	}
}

func TestRankRun_FileTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.Group.Transport = config.TransportFile
	checkGroupRun(t, cfg, 3)
}

func TestRankRun_FileTransportReusesRunDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Group.Transport = config.TransportFile

	// A second run in the same run directory must not see the first one.
	checkGroupRun(t, cfg, 3)
	checkGroupRun(t, cfg, 3)
}

func TestLogsCommand(t *testing.T) {
	cfg := testConfig(t)
	cfg.Group.Transport = config.TransportFile
	checkGroupRun(t, cfg, 3)

	output, err := executeCommand("logs", "--output-base", cfg.Logging.OutputBase,
		"--rank", "2", "--grep", "barrier", "-n", "0", "--format", "json")
	if err != nil {
		t.Fatalf("logs failed: %v\n%s", err, output)
	}

	var entries []logging.LogEntry
	if err := json.Unmarshal([]byte(output), &entries); err != nil {
		t.Fatalf("logs output is not JSON: %v\n%s", err, output)
	}
	if len(entries) == 0 {
		t.Fatal("no barrier entries for rank 2")
	}
	for _, e := range entries {
		if e.Rank != 2 || !strings.Contains(e.Message, "barrier") {
			t.Errorf("unexpected entry %+v", e)
		}
	}
}

func TestLogsCommand_NoOutputFiles(t *testing.T) {
	_, err := executeCommand("logs", "--output-base", filepath.Join(t.TempDir(), "none"),
		"--rank=-1", "--grep=", "-n", "50", "--format", "text")
	if err == nil {
		t.Error("logs with no worker output should fail")
	}
}

func TestSelectLogEntries(t *testing.T) {
	now := time.Now()
	entries := []logging.LogEntry{
		{Timestamp: now, Level: "INFO", Message: "seed assigned", Rank: 1},
		{Timestamp: now.Add(time.Millisecond), Level: "INFO", Message: "all ranks reached barrier", Rank: 1},
		{Timestamp: now.Add(2 * time.Millisecond), Level: "INFO", Message: "all ranks reached barrier", Rank: 2},
		{Timestamp: now.Add(3 * time.Millisecond), Level: "DEBUG", Message: "reduce", Rank: 2},
	}

	got := selectLogEntries(entries, logging.LogFilter{}, regexp.MustCompile("barrier"), 0)
	if len(got) != 2 {
		t.Errorf("grep kept %d entries, want 2", len(got))
	}
	got = selectLogEntries(entries, logging.LogFilter{Level: "info"}, nil, 2)
	if len(got) != 2 || got[1].Rank != 2 || got[1].Message != "all ranks reached barrier" {
		t.Errorf("tail after level filter = %+v", got)
	}
	if len(entries) != 4 || entries[1].Message != "all ranks reached barrier" {
		t.Error("selectLogEntries modified its input")
	}
}

func TestRankRun_GRPCTransport(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()

	cfg := testConfig(t)
	cfg.Group.Transport = config.TransportGRPC
	cfg.Group.Address = addr
	checkGroupRun(t, cfg, 3)
}

func TestRankRun_Replicate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Group.Transport = config.TransportFile
	cfg.Run.Mode = "replicate"
	cfg.Run.Events = 50

	stdout, errs := runGroup(t, cfg, 2)
	for rank, err := range errs {
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
	}
	s := decodeSummary(t, stdout[0])
	if s.Tally.Histories != 100 || s.LogicalTotal != 100 {
		t.Errorf("histories = %d, logical total = %v, want 100 each", s.Tally.Histories, s.LogicalTotal)
	}
}

func TestRankRun_CountOverflowIsFatal(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Events = math.MaxInt32 + 1

	r := &rankRun{
		cfg:      cfg,
		launch:   config.Launch{Rank: 0, Size: 1},
		stdout:   &bytes.Buffer{},
		stderr:   &bytes.Buffer{},
		registry: group.NewRegistry(),
	}
	err := r.execute(context.Background())
	if !errors.Is(err, pmcerrors.ErrCountOverflow) {
		t.Fatalf("execute() error = %v, want ErrCountOverflow", err)
	}
	if !pmcerrors.IsFatal(err) {
		t.Error("count overflow must be fatal")
	}
}

func TestOpenCommunicator_InProcNeedsSingleRank(t *testing.T) {
	cfg := testConfig(t)
	cfg.Group.Transport = config.TransportInProc
	_, err := openCommunicator(context.Background(), cfg, config.Launch{Rank: 0, Size: 2}, logging.NopLogger())
	if !errors.Is(err, pmcerrors.ErrInvalidInput) {
		t.Errorf("openCommunicator() error = %v, want ErrInvalidInput", err)
	}
}

func TestLaunchLogger(t *testing.T) {
	t.Run("stderr by default", func(t *testing.T) {
		var stderr bytes.Buffer
		logger, err := launchLogger("", logging.LevelInfo, &stderr)
		if err != nil {
			t.Fatalf("launchLogger() error = %v", err)
		}
		logger.Info("rank started", "rank", 1)
		if err := logger.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if !strings.Contains(stderr.String(), "rank started") {
			t.Errorf("stderr = %q, want the log line", stderr.String())
		}
	})

	t.Run("appends to a file", func(t *testing.T) {
		var stderr bytes.Buffer
		path := filepath.Join(t.TempDir(), "logs", "launch.log")
		for _, msg := range []string{"first launch", "second launch"} {
			logger, err := launchLogger(path, logging.LevelInfo, &stderr)
			if err != nil {
				t.Fatalf("launchLogger() error = %v", err)
			}
			logger.Info(msg)
			if err := logger.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 2 {
			t.Fatalf("log file has %d lines, want 2:\n%s", len(lines), data)
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(lines[1]), &entry); err != nil {
			t.Fatalf("log line is not JSON: %v", err)
		}
		if entry["msg"] != "second launch" {
			t.Errorf("msg = %v, want %q", entry["msg"], "second launch")
		}
		if stderr.Len() != 0 {
			t.Errorf("stderr = %q, want nothing", stderr.String())
		}
	})
}

func TestPlanLaunch(t *testing.T) {
	now := time.Unix(1700000000, 0)

	t.Run("file", func(t *testing.T) {
		cfg := config.Default()
		cfg.Group.RunDir = "/tmp/pmc"
		p, err := planLaunch(cfg, 4, now)
		if err != nil {
			t.Fatalf("planLaunch() error = %v", err)
		}
		if p.transport != config.TransportFile {
			t.Errorf("transport = %q, want file", p.transport)
		}
		wantDir := filepath.Join("/tmp/pmc", "launch-"+strconv.Itoa(os.Getpid())+"-"+strconv.FormatInt(now.UnixNano(), 10))
		if p.runDir != wantDir {
			t.Errorf("runDir = %q, want %q", p.runDir, wantDir)
		}
		wantEnv := []string{
			"PARALLELMC_GROUP_RUN_DIR=" + wantDir,
			"PARALLELMC_GROUP_TRANSPORT=file",
		}
		if strings.Join(p.env, "\n") != strings.Join(wantEnv, "\n") {
			t.Errorf("env = %v, want %v", p.env, wantEnv)
		}
	})

	t.Run("grpc", func(t *testing.T) {
		cfg := config.Default()
		cfg.Group.Transport = config.TransportGRPC
		p, err := planLaunch(cfg, 2, now)
		if err != nil {
			t.Fatalf("planLaunch() error = %v", err)
		}
		if p.runDir != "" {
			t.Errorf("grpc launch created run dir %q", p.runDir)
		}
		if len(p.env) != 2 || p.env[0] != "PARALLELMC_GROUP_ADDRESS=127.0.0.1:7411" {
			t.Errorf("env = %v", p.env)
		}
	})

	t.Run("single rank", func(t *testing.T) {
		p, err := planLaunch(config.Default(), 1, now)
		if err != nil {
			t.Fatalf("planLaunch() error = %v", err)
		}
		if p.transport != config.TransportInProc || len(p.env) != 1 {
			t.Errorf("plan = %+v, want inproc", p)
		}
	})

	t.Run("inproc group", func(t *testing.T) {
		cfg := config.Default()
		cfg.Group.Transport = config.TransportInProc
		if _, err := planLaunch(cfg, 3, now); !errors.Is(err, pmcerrors.ErrInvalidInput) {
			t.Errorf("planLaunch() error = %v, want ErrInvalidInput", err)
		}
	})

	t.Run("empty group", func(t *testing.T) {
		if _, err := planLaunch(config.Default(), 0, now); !errors.Is(err, pmcerrors.ErrInvalidInput) {
			t.Errorf("planLaunch() error = %v, want ErrInvalidInput", err)
		}
	})
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(nil); got != 0 {
		t.Errorf("ExitCode(nil) = %d, want 0", got)
	}
	if got := ExitCode(errors.New("boom")); got != ExitFailure {
		t.Errorf("ExitCode(plain) = %d, want %d", got, ExitFailure)
	}

	overflow := pmcerrors.NewGroupError("worker count exceeds the engine's 32-bit limit", pmcerrors.ErrCountOverflow).WithRank(1)
	aborted := fmt.Errorf("barrier: %w", pmcerrors.ErrGroupAborted)
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"count overflow", overflow, ExitGroupAborted},
		{"aborted by a peer", aborted, ExitGroupAborted},
		{"invalid input", pmcerrors.NewValidationError("group size must be at least 1"), ExitInvalidInput},
		{"invalid config", config.ValidationErrors{{Field: "run.mode", Value: "x", Message: "bad"}}, ExitInvalidInput},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%s) = %d, want %d", tt.name, got, tt.want)
		}
	}

	// A real exit status from a child process.
	exitErr := exec.Command("sh", "-c", "exit 7").Run()
	if exitErr == nil {
		t.Skip("sh not available")
	}
	err := fmt.Errorf("launch: %w", &launcher.RankError{Rank: 2, Err: exitErr})
	if got := ExitCode(err); got != 7 {
		t.Errorf("ExitCode(rank error) = %d, want 7", got)
	}
}

func TestRenderSummary(t *testing.T) {
	var buf bytes.Buffer
	renderSummary(&buf, runSummary{
		Size:         4,
		Mode:         "split",
		Requested:    1000,
		LogicalTotal: 1000,
		Seeds:        seed.Table{11, 22, 33, 44},
		Tally:        engine.Tally{Histories: 1000, Transmitted: 250, Reflected: 250, Absorbed: 500, TrackLength: 1234.5},
		WallSeconds:  1.25,
	})

	out := buf.String()
	for _, want := range []string{"parallelmc run", "ranks", "250 (0.2500)", "500 (0.5000)", "1234.500", "1.250s", "11 22 33 44"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "\x1b[") {
		t.Errorf("summary written to a buffer contains ANSI escapes:\n%q", out)
	}
}

func TestMarshalConfig_RoundTrip(t *testing.T) {
	data, err := marshalConfig(config.Default())
	if err != nil {
		t.Fatalf("marshalConfig() error = %v", err)
	}
	if !strings.Contains(string(data), "transport: auto") {
		t.Errorf("yaml missing group.transport:\n%s", data)
	}

	var got config.Config
	if err := yaml.Unmarshal(data, &got); err != nil {
		t.Fatalf("yaml.Unmarshal() error = %v", err)
	}
	if got != *config.Default() {
		t.Errorf("round trip = %+v, want %+v", got, *config.Default())
	}
}
