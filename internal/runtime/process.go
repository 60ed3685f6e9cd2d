package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/guildtools/triggerd/internal/domain"
)

// ProcessConfig configures a process-spawning runtime.
type ProcessConfig struct {
	Timeout        time.Duration // Hard wall-clock bound. Clamped to [MinTimeout, MaxTimeout].
	MaxOutputBytes int           // Output ceiling. 0 = DefaultMaxOutputBytes.
	MaxMemoryMB    int           // Address-space ulimit. 0 = DefaultMaxMemoryMB.
	MaxCPUSeconds  int           // CPU-time ulimit. 0 = DefaultMaxCPUSeconds.
}

// ProcessRuntime executes scripts by spawning an external interpreter.
//
// Guarantees per invocation:
//   - Source is written to a uniquely-named, 0600 temp file inside a private
//     temp directory, removed on every exit path (success, error, timeout).
//   - The interpreter is invoked directly with the script path — never
//     through a shell string that user code could break out of.
//   - The process runs in its own process group; the entire group is killed
//     on timeout or cancellation, so no invocation outlives its deadline.
//   - CPU-time and (per-language, where the runtime tolerates it)
//     address-space ulimits are applied through an injection-safe sh
//     wrapper, bounding resource use within the wall-clock window.
//   - No environment inheritance from the host — only a minimal safe set
//     plus the TRIGGER_* binding variables.
//   - stdout/stderr are capped; hitting the cap is reported as truncation.
type ProcessRuntime struct {
	spec    langSpec
	timeout time.Duration
	maxOut  int
	memMB   int
	cpuSec  int
	logger  *slog.Logger
}

// newProcessRuntime builds a runtime for one language spec.
func newProcessRuntime(spec langSpec, cfg ProcessConfig, logger *slog.Logger) *ProcessRuntime {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout < MinTimeout {
		timeout = MinTimeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	maxOut := cfg.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = DefaultMaxOutputBytes
	}
	memMB := cfg.MaxMemoryMB
	if memMB <= 0 {
		memMB = DefaultMaxMemoryMB
	}
	cpuSec := cfg.MaxCPUSeconds
	if cpuSec <= 0 {
		cpuSec = DefaultMaxCPUSeconds
	}

	return &ProcessRuntime{
		spec:    spec,
		timeout: timeout,
		maxOut:  maxOut,
		memMB:   memMB,
		cpuSec:  cpuSec,
		logger:  logger,
	}
}

// Language implements Runtime.
func (r *ProcessRuntime) Language() domain.Language { return r.spec.lang }

// Available implements Runtime: the interpreter binary must be on PATH.
func (r *ProcessRuntime) Available(_ context.Context) error {
	if _, err := exec.LookPath(r.spec.binary); err != nil {
		return fmt.Errorf("interpreter %q not found: %w", r.spec.binary, err)
	}
	return nil
}

// Execute implements Runtime.
func (r *ProcessRuntime) Execute(ctx context.Context, code string, b Bindings) (*Result, error) {
	start := time.Now()

	binary, err := exec.LookPath(r.spec.binary)
	if err != nil {
		r.logger.Error("interpreter unavailable",
			slog.String("language", string(r.spec.lang)),
			slog.String("binary", r.spec.binary),
		)
		return &Result{
			Status:       domain.StatusRuntimeUnavailable,
			ErrorSummary: fmt.Sprintf("interpreter for %s is not installed", r.spec.lang),
			Duration:     time.Since(start),
		}, nil
	}

	ctxJSON, err := b.contextJSON()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// Private scratch dir per invocation; unique name so concurrent
	// executions never collide. Leaked temp files are a correctness defect,
	// so removal failures are logged loudly.
	tmpDir, err := os.MkdirTemp("", "triggerd-run-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			r.logger.Error("failed to remove scratch dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	scriptPath := filepath.Join(tmpDir, "script-"+uuid.NewString()+r.spec.ext)
	source := r.spec.compose(ctxJSON, code)
	if err := os.WriteFile(scriptPath, []byte(source), 0o600); err != nil {
		return nil, fmt.Errorf("writing script file: %w", err)
	}

	// The interpreter is wrapped:
	//   sh -c 'ulimit -v KB 2>/dev/null; ulimit -t SEC 2>/dev/null; exec "$@"' _ binary args...
	// exec "$@" with positional parameters keeps the script path out of the
	// shell string, so nothing user-controlled is ever interpolated.
	shellScript := fmt.Sprintf("ulimit -t %d 2>/dev/null; exec \"$@\"", r.cpuSec)
	if !r.spec.noVmemLimit {
		shellScript = fmt.Sprintf("ulimit -v %d 2>/dev/null; ", r.memMB*1024) + shellScript
	}
	interpArgs := r.spec.args(scriptPath)
	args := make([]string, 0, 4+len(interpArgs))
	args = append(args, "-c", shellScript, "_", binary) // "_" is the $0 placeholder
	args = append(args, interpArgs...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = tmpDir
	cmd.Env = r.buildEnv(tmpDir, ctxJSON, b)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID kills the whole process group, including anything
		// the script managed to spawn.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdout := &limitedWriter{remaining: r.maxOut}
	stderr := &limitedWriter{remaining: maxErrorSummaryBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	duration := time.Since(start)

	res := &Result{
		Output:    stdout.String(),
		Truncated: stdout.truncated,
		Duration:  duration,
	}

	switch {
	case runErr == nil:
		res.Status = domain.StatusSuccess

	case ctx.Err() != nil:
		r.logger.Warn("script timed out",
			slog.String("language", string(r.spec.lang)),
			slog.Duration("timeout", r.timeout),
		)
		res.Status = domain.StatusTimeout
		res.ErrorSummary = fmt.Sprintf("execution exceeded %s", r.timeout)

	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.Status = domain.StatusScriptError
			res.ErrorSummary = scriptErrorSummary(stderr.String(), exitErr.ExitCode())
		} else {
			// The interpreter could not be started at all.
			r.logger.Error("interpreter failed to start",
				slog.String("language", string(r.spec.lang)),
				slog.String("error", runErr.Error()),
			)
			res.Status = domain.StatusRuntimeUnavailable
			res.ErrorSummary = fmt.Sprintf("interpreter for %s could not be started", r.spec.lang)
		}
	}

	r.logger.Info("script executed",
		slog.String("language", string(r.spec.lang)),
		slog.String("status", string(res.Status)),
		slog.Duration("duration", duration),
		slog.Int("output_bytes", len(res.Output)),
		slog.Bool("truncated", res.Truncated),
	)
	return res, nil
}

// buildEnv constructs the minimal environment: nothing from the host process
// leaks in, so no API keys or credentials reach user code.
func (r *ProcessRuntime) buildEnv(tmpDir, ctxJSON string, b Bindings) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
		"TRIGGER_CONTEXT=" + ctxJSON,
		"TRIGGER_TENANT_ID=" + b.TenantID,
		"TRIGGER_AUTHOR_ID=" + b.AuthorID,
		"TRIGGER_CHANNEL_ID=" + b.ChannelID,
		"TRIGGER_MESSAGE=" + b.Message,
	}
	if r.spec.extraEnv != nil {
		env = append(env, r.spec.extraEnv(tmpDir)...)
	}
	return env
}

// scriptErrorSummary extracts a bounded, user-surfaceable excerpt from the
// script's own stderr. Never the host's stack — the interpreter ran in a
// scratch dir with a sanitized environment, so stderr is the script's error.
func scriptErrorSummary(stderr string, exitCode int) string {
	s := strings.TrimSpace(stderr)
	if s == "" {
		return fmt.Sprintf("script exited with status %d", exitCode)
	}
	if len(s) > maxErrorSummaryBytes {
		s = s[:maxErrorSummaryBytes]
	}
	// The byte cap (here or in the capturing writer) may land mid-rune; trim
	// back to a boundary so the user-facing excerpt stays valid UTF-8.
	for len(s) > 0 {
		if r, size := utf8.DecodeLastRuneInString(s); r != utf8.RuneError || size != 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

// limitedWriter captures up to a byte limit and records whether anything
// beyond the limit was discarded.
type limitedWriter struct {
	buf       bytes.Buffer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	if lw.remaining <= 0 {
		if total > 0 {
			lw.truncated = true
		}
		return total, nil
	}
	if total > lw.remaining {
		lw.truncated = true
		p = p[:lw.remaining]
	}
	n, err := lw.buf.Write(p)
	lw.remaining -= n
	if err != nil {
		return n, err
	}
	// Report full consumption so the child never sees a short write.
	return total, nil
}

func (lw *limitedWriter) String() string { return lw.buf.String() }

var _ io.Writer = (*limitedWriter)(nil)
