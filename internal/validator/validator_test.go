package validator

import (
	"errors"
	"strings"
	"testing"

	"github.com/guildtools/triggerd/internal/domain"
)

func TestValidate_CleanCodePasses(t *testing.T) {
	v := New(Config{})

	tests := []struct {
		lang domain.Language
		code string
	}{
		{domain.LangJavaScript, "reply('pong')"},
		{domain.LangJavaScript, "const n = 1 + 2; reply(`sum: ${n}`)"},
		{domain.LangPython, "reply('pong')"},
		{domain.LangPython, "reply(str(2 ** 10))"},
		{domain.LangShell, "echo pong"},
		{domain.LangGo, `package main

import "fmt"

func main() { fmt.Println("pong") }`},
	}

	for _, tt := range tests {
		if err := v.Validate(tt.lang, tt.code); err != nil {
			t.Errorf("Validate(%s, %q) = %v, want nil", tt.lang, tt.code, err)
		}
	}
}

func TestValidate_DenylistedPatterns(t *testing.T) {
	v := New(Config{})

	tests := []struct {
		name     string
		lang     domain.Language
		code     string
		category Category
	}{
		{"js child_process", domain.LangJavaScript, `require("child_process").exec("ls")`, CategoryProcess},
		{"js eval", domain.LangJavaScript, `eval("1+1")`, CategoryEval},
		{"js fs", domain.LangJavaScript, `const fs = require('fs')`, CategoryFilesystem},
		{"js case obfuscation", domain.LangJavaScript, `require("CHILD_PROCESS")`, CategoryProcess},
		{"py subprocess", domain.LangPython, `import subprocess`, CategoryProcess},
		{"py os.system", domain.LangPython, `import os; os.system("ls")`, CategoryShell},
		{"py exec", domain.LangPython, `exec("print(1)")`, CategoryEval},
		{"py dunder import", domain.LangPython, `__import__("os")`, CategoryEval},
		{"sh curl", domain.LangShell, `curl http://evil.example`, CategoryNetwork},
		{"sh rm", domain.LangShell, `rm -rf /tmp/x`, CategoryFilesystem},
		{"go os/exec", domain.LangGo, `import "os/exec"`, CategoryProcess},
		{"go unsafe", domain.LangGo, `import "unsafe"`, CategoryModule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.lang, tt.code)
			if err == nil {
				t.Fatalf("Validate(%s, %q) = nil, want rejection", tt.lang, tt.code)
			}
			if !errors.Is(err, ErrRejected) {
				t.Errorf("error does not wrap ErrRejected: %v", err)
			}
			var rej *Rejection
			if !errors.As(err, &rej) {
				t.Fatalf("error is not a *Rejection: %v", err)
			}
			if rej.Category != tt.category {
				t.Errorf("category = %s, want %s", rej.Category, tt.category)
			}
		})
	}
}

func TestValidate_SizeBound(t *testing.T) {
	v := New(Config{MaxCodeBytes: 1000})

	ok := strings.Repeat("x", 1000)
	if err := v.Validate(domain.LangShell, "echo "+ok[:900]); err != nil {
		t.Errorf("code at bound rejected: %v", err)
	}
	if err := v.Validate(domain.LangPython, "a = '"+strings.Repeat("x", 1001)+"'"); !errors.Is(err, ErrRejected) {
		t.Errorf("oversized code not rejected: %v", err)
	}
}

func TestValidate_SizeBoundClamped(t *testing.T) {
	tests := []struct {
		configured int
		want       int
	}{
		{0, DefaultMaxCodeBytes},
		{100, MinSizeLimit},
		{50_000, MaxSizeLimit},
		{8000, 8000},
	}
	for _, tt := range tests {
		v := New(Config{MaxCodeBytes: tt.configured})
		if v.maxCodeBytes != tt.want {
			t.Errorf("New(MaxCodeBytes:%d).maxCodeBytes = %d, want %d", tt.configured, v.maxCodeBytes, tt.want)
		}
	}
}

func TestValidate_EmptyCode(t *testing.T) {
	v := New(Config{})
	if err := v.Validate(domain.LangJavaScript, ""); !errors.Is(err, ErrRejected) {
		t.Errorf("empty code not rejected: %v", err)
	}
}

func TestValidate_ExtraPatterns(t *testing.T) {
	v := New(Config{ExtraPatterns: []string{"forbidden_api"}})

	err := v.Validate(domain.LangJavaScript, "Forbidden_API.call()")
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("extra pattern not enforced: %v", err)
	}
	var rej *Rejection
	if errors.As(err, &rej) && rej.Category != CategoryModule {
		t.Errorf("category = %s, want %s", rej.Category, CategoryModule)
	}
}

func TestValidate_UnknownLanguageStillSizeChecked(t *testing.T) {
	// A runtime for "ruby" does not exist; the coordinator short-circuits to
	// runtime_unavailable before validation matters, but the validator must
	// not panic on unknown languages either.
	v := New(Config{})
	if err := v.Validate(domain.Language("ruby"), "puts 'hi'"); err != nil {
		t.Errorf("unknown language errored in validator: %v", err)
	}
}
