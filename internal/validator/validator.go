// Package validator performs static, pre-execution rejection of command code.
//
// The denylist is defense-in-depth, not a security boundary: substring
// matching is bypassable through obfuscation and equivalent APIs. The hard
// guarantees live in the sandbox runtimes (timeouts, output caps, process
// group kill, sanitized environment). The validator exists to fail the
// obvious cases cheaply and to give operators a categorized rejection signal.
package validator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/guildtools/triggerd/internal/domain"
)

// ErrRejected wraps every validation failure so callers can branch on it.
var ErrRejected = errors.New("code rejected")

// Size bounds for command source, enforced independently of any upstream
// truncation. The configurable maximum is clamped to [MinSizeLimit, MaxSizeLimit].
const (
	DefaultMaxCodeBytes = 5000
	MinSizeLimit        = 1000
	MaxSizeLimit        = 10000
)

// Category classifies a denylisted pattern for operator review.
// End users never see the category or the matched pattern.
type Category string

const (
	CategoryProcess    Category = "process_spawn"
	CategoryFilesystem Category = "filesystem"
	CategoryEval       Category = "dynamic_eval"
	CategoryNetwork    Category = "network"
	CategoryShell      Category = "shell"
	CategoryModule     Category = "dangerous_module"
)

// Rejection describes why code was refused.
type Rejection struct {
	Category Category
	Pattern  string // The matched denylist pattern, for the audit trail only.
	Reason   string // Operator-facing summary.
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("code rejected: %s", r.Reason)
}

func (r *Rejection) Unwrap() error { return ErrRejected }

type pattern struct {
	substr   string
	category Category
}

// denylists holds the built-in per-language patterns. Matching is
// case-insensitive substring search over the source text.
var denylists = map[domain.Language][]pattern{
	domain.LangJavaScript: {
		{"child_process", CategoryProcess},
		{"worker_threads", CategoryProcess},
		{"process.binding", CategoryProcess},
		{"process.dlopen", CategoryProcess},
		{"require('fs", CategoryFilesystem},
		{`require("fs`, CategoryFilesystem},
		{"node:fs", CategoryFilesystem},
		{"node:child_process", CategoryProcess},
		{"node:net", CategoryNetwork},
		{"node:http", CategoryNetwork},
		{"require('net", CategoryNetwork},
		{`require("net`, CategoryNetwork},
		{"require('http", CategoryNetwork},
		{`require("http`, CategoryNetwork},
		{"eval(", CategoryEval},
		{"new function", CategoryEval}, // Function constructor — eval in disguise.
		{"import(", CategoryEval},
	},
	domain.LangPython: {
		{"subprocess", CategoryProcess},
		{"os.system", CategoryShell},
		{"os.popen", CategoryShell},
		{"os.exec", CategoryProcess},
		{"os.spawn", CategoryProcess},
		{"os.fork", CategoryProcess},
		{"os.remove", CategoryFilesystem},
		{"os.unlink", CategoryFilesystem},
		{"os.rmdir", CategoryFilesystem},
		{"shutil", CategoryFilesystem},
		{"import socket", CategoryNetwork},
		{"import http", CategoryNetwork},
		{"import urllib", CategoryNetwork},
		{"import requests", CategoryNetwork},
		{"eval(", CategoryEval},
		{"exec(", CategoryEval},
		{"compile(", CategoryEval},
		{"__import__", CategoryEval},
		{"importlib", CategoryEval},
		{"ctypes", CategoryModule},
		{"open(", CategoryFilesystem},
	},
	domain.LangShell: {
		{"rm ", CategoryFilesystem},
		{"mkfs", CategoryFilesystem},
		{"> /", CategoryFilesystem},
		{">> /", CategoryFilesystem},
		{"curl", CategoryNetwork},
		{"wget", CategoryNetwork},
		{"nc ", CategoryNetwork},
		{"/dev/tcp", CategoryNetwork},
		{"ssh ", CategoryNetwork},
		{"eval ", CategoryEval},
		{"exec ", CategoryProcess},
		{"sudo", CategoryProcess},
		{"kill ", CategoryProcess},
	},
	domain.LangGo: {
		{"os/exec", CategoryProcess},
		{"syscall", CategoryModule},
		{"os.remove", CategoryFilesystem},
		{"os.create", CategoryFilesystem},
		{"os.openfile", CategoryFilesystem},
		{"ioutil", CategoryFilesystem},
		{"net/http", CategoryNetwork},
		{`"net"`, CategoryNetwork},
		{"unsafe", CategoryModule},
		{"plugin", CategoryModule},
		{"cgo", CategoryModule},
	},
}

// Config configures the validator.
type Config struct {
	// MaxCodeBytes is the source size ceiling. 0 = DefaultMaxCodeBytes.
	// Clamped to [MinSizeLimit, MaxSizeLimit].
	MaxCodeBytes int
	// ExtraPatterns adds operator-supplied denylist substrings applied to
	// every language, categorized as dangerous_module.
	ExtraPatterns []string
}

// Validator checks command code before it reaches a runtime.
type Validator struct {
	maxCodeBytes int
	extra        []pattern
}

// New creates a Validator from config.
func New(cfg Config) *Validator {
	maxBytes := cfg.MaxCodeBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxCodeBytes
	}
	if maxBytes < MinSizeLimit {
		maxBytes = MinSizeLimit
	}
	if maxBytes > MaxSizeLimit {
		maxBytes = MaxSizeLimit
	}

	extra := make([]pattern, 0, len(cfg.ExtraPatterns))
	for _, p := range cfg.ExtraPatterns {
		if p == "" {
			continue
		}
		extra = append(extra, pattern{substr: strings.ToLower(p), category: CategoryModule})
	}

	return &Validator{maxCodeBytes: maxBytes, extra: extra}
}

// Validate returns nil when the code may proceed to a runtime, or a
// *Rejection (wrapping ErrRejected) describing the first violation found.
// Deny-first: size, then language denylist, then operator patterns.
func (v *Validator) Validate(lang domain.Language, code string) error {
	if code == "" {
		return &Rejection{Category: CategoryModule, Reason: "empty code"}
	}
	if len(code) > v.maxCodeBytes {
		return &Rejection{
			Category: CategoryModule,
			Reason:   fmt.Sprintf("code size %d exceeds limit %d bytes", len(code), v.maxCodeBytes),
		}
	}

	lowered := strings.ToLower(code)
	for _, p := range denylists[lang] {
		if strings.Contains(lowered, p.substr) {
			return &Rejection{
				Category: p.category,
				Pattern:  p.substr,
				Reason:   fmt.Sprintf("denylisted %s pattern", p.category),
			}
		}
	}
	for _, p := range v.extra {
		if strings.Contains(lowered, p.substr) {
			return &Rejection{
				Category: p.category,
				Pattern:  p.substr,
				Reason:   "operator denylist pattern",
			}
		}
	}
	return nil
}
