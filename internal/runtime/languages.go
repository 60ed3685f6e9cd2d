package runtime

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/guildtools/triggerd/internal/domain"
)

// langSpec describes how one language's interpreter is invoked and how the
// binding prelude is injected ahead of user code.
type langSpec struct {
	lang     domain.Language
	binary   string
	ext      string
	args     func(scriptPath string) []string
	compose  func(ctxJSON, code string) string
	extraEnv func(tmpDir string) []string
	// noVmemLimit skips the address-space ulimit for runtimes whose
	// implementation reserves large virtual regions at startup. The
	// CPU-time ulimit and the wall-clock kill still apply.
	noVmemLimit bool
}

// NewJavaScript creates the node-backed runtime. The prelude defines a frozen
// `message` object and a `reply(text)` function writing to stdout; user code
// runs after it in the same file.
func NewJavaScript(cfg ProcessConfig, logger *slog.Logger) *ProcessRuntime {
	memMB := cfg.MaxMemoryMB
	if memMB <= 0 {
		memMB = DefaultMaxMemoryMB
	}
	return newProcessRuntime(langSpec{
		lang:   domain.LangJavaScript,
		binary: "node",
		ext:    ".js",
		args: func(p string) []string {
			return []string{fmt.Sprintf("--max-old-space-size=%d", memMB), p}
		},
		// V8 reserves virtual address space far beyond its actual heap, so
		// the memory bound is the native heap cap above, not ulimit -v.
		noVmemLimit: true,
		compose: func(ctxJSON, code string) string {
			// The context JSON is embedded as a JS string literal; a JSON
			// string is always a valid JS string, so user data cannot break
			// out of the literal.
			lit, _ := json.Marshal(ctxJSON)
			return `'use strict';
const __ctx = JSON.parse(` + string(lit) + `);
const message = Object.freeze({
  text: __ctx.message,
  tenantId: __ctx.tenant_id,
  authorId: __ctx.author_id,
  channelId: __ctx.channel_id,
  authorRoles: Object.freeze(__ctx.author_roles || []),
});
function reply(text) { process.stdout.write(String(text) + "\n"); }
` + code + "\n"
		},
	}, cfg, logger)
}

// NewPython creates the python3-backed runtime.
func NewPython(cfg ProcessConfig, logger *slog.Logger) *ProcessRuntime {
	return newProcessRuntime(langSpec{
		lang:   domain.LangPython,
		binary: "python3",
		ext:    ".py",
		args:   func(p string) []string { return []string{p} },
		compose: func(_, code string) string {
			return `import json as __json
import os as __os
_ctx = __json.loads(__os.environ["TRIGGER_CONTEXT"])


class __Message:
    text = _ctx["message"]
    tenant_id = _ctx["tenant_id"]
    author_id = _ctx["author_id"]
    channel_id = _ctx["channel_id"]
    author_roles = tuple(_ctx.get("author_roles") or ())


message = __Message()


def reply(text):
    print(text)


` + code + "\n"
		},
	}, cfg, logger)
}

// NewShell creates the sh-backed runtime. The prelude defines reply();
// message metadata is available through the TRIGGER_* variables.
func NewShell(cfg ProcessConfig, logger *slog.Logger) *ProcessRuntime {
	return newProcessRuntime(langSpec{
		lang:   domain.LangShell,
		binary: "sh",
		ext:    ".sh",
		args:   func(p string) []string { return []string{p} },
		compose: func(_, code string) string {
			return `reply() { printf '%s\n' "$*"; }
` + code + "\n"
		},
	}, cfg, logger)
}

// NewGo creates the `go run`-backed runtime. User code is a complete program;
// stdout is the reply and TRIGGER_* variables carry the message metadata.
// Compilation counts against the invocation deadline.
func NewGo(cfg ProcessConfig, logger *slog.Logger) *ProcessRuntime {
	return newProcessRuntime(langSpec{
		lang:   domain.LangGo,
		binary: "go",
		ext:    ".go",
		args:   func(p string) []string { return []string{"run", p} },
		// The Go runtime reserves a multi-hundred-MB virtual arena before
		// main runs; an address-space cap would kill every program.
		noVmemLimit: true,
		compose: func(_, code string) string {
			return code
		},
		extraEnv: func(tmpDir string) []string {
			return []string{
				"GOCACHE=" + filepath.Join(tmpDir, ".gocache"),
				"GOPATH=" + filepath.Join(tmpDir, "go"),
				"GO111MODULE=auto",
			}
		},
	}, cfg, logger)
}

// NewDefaultRegistry wires the full closed set of supported languages.
func NewDefaultRegistry(cfg ProcessConfig, logger *slog.Logger) *Registry {
	return NewRegistry(
		NewJavaScript(cfg, logger),
		NewPython(cfg, logger),
		NewShell(cfg, logger),
		NewGo(cfg, logger),
	)
}
