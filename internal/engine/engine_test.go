package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/guildtools/triggerd/internal/cooldown"
	"github.com/guildtools/triggerd/internal/domain"
	"github.com/guildtools/triggerd/internal/registry"
	"github.com/guildtools/triggerd/internal/runtime"
	"github.com/guildtools/triggerd/internal/validator"
)

// --- fakes ---

type fakeRuntime struct {
	lang   domain.Language
	result *runtime.Result
	err    error

	mu    sync.Mutex
	calls int
}

func (f *fakeRuntime) Language() domain.Language       { return f.lang }
func (f *fakeRuntime) Available(context.Context) error { return nil }
func (f *fakeRuntime) Execute(_ context.Context, _ string, _ runtime.Bindings) (*runtime.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeRuntime) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
	fail    error
}

func (s *recordingSink) Append(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) all() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.AuditEntry(nil), s.entries...)
}

type recordingReplies struct {
	mu      sync.Mutex
	replies []string
}

func (r *recordingReplies) SendReply(_ context.Context, _, _, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, text)
	return nil
}

func (r *recordingReplies) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.replies...)
}

// --- harness ---

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func staticSource(cmds ...*domain.Command) registry.Source {
	return registry.SourceFunc(func(context.Context, string) ([]*domain.Command, error) {
		return cmds, nil
	})
}

func pingCommand(lang domain.Language, code string) *domain.Command {
	return &domain.Command{
		ID:        uuid.New(),
		TenantID:  "guild-1",
		Trigger:   "ping",
		MatchMode: domain.MatchPrefixCommand,
		Language:  lang,
		Code:      code,
	}
}

func pingMessage() domain.Message {
	return domain.Message{
		TenantID:  "guild-1",
		AuthorID:  "user-1",
		ChannelID: "chan-1",
		Text:      "!ping",
	}
}

type fixture struct {
	engine  *Engine
	limiter *cooldown.Limiter
	sink    *recordingSink
	replies *recordingReplies
	rt      *fakeRuntime
}

func newFixture(t *testing.T, cmd *domain.Command, rt *fakeRuntime) *fixture {
	t.Helper()
	limiter := cooldown.NewLimiter(0)
	sink := &recordingSink{}
	replies := &recordingReplies{}
	eng := New(staticSource(cmd), limiter, validator.New(validator.Config{}),
		runtime.NewRegistry(rt), sink, testLogger()).
		WithReplySink(replies)
	return &fixture{engine: eng, limiter: limiter, sink: sink, replies: replies, rt: rt}
}

// --- tests ---

func TestHandleMessage_Success(t *testing.T) {
	rt := &fakeRuntime{
		lang:   domain.LangShell,
		result: &runtime.Result{Status: domain.StatusSuccess, Output: "pong", Duration: 12 * time.Millisecond},
	}
	f := newFixture(t, pingCommand(domain.LangShell, `reply pong`), rt)

	result, err := f.engine.HandleMessage(context.Background(), pingMessage())
	if err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}
	if result == nil {
		t.Fatal("expected a result for a matched command")
	}
	if result.Status != domain.StatusSuccess {
		t.Errorf("status = %s, want success", result.Status)
	}
	if result.Reply != "pong" {
		t.Errorf("reply = %q, want pong", result.Reply)
	}

	if got := f.replies.all(); len(got) != 1 || got[0] != "pong" {
		t.Errorf("replies = %v, want exactly [pong]", got)
	}
	entries := f.sink.all()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want exactly 1", len(entries))
	}
	if entries[0].Status != domain.StatusSuccess || entries[0].TenantID != "guild-1" {
		t.Errorf("unexpected audit entry: %+v", entries[0])
	}
}

func TestHandleMessage_NoMatch(t *testing.T) {
	rt := &fakeRuntime{lang: domain.LangShell, result: &runtime.Result{Status: domain.StatusSuccess}}
	f := newFixture(t, pingCommand(domain.LangShell, "reply pong"), rt)

	msg := pingMessage()
	msg.Text = "just chatting"
	result, err := f.engine.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil result for no match, got %+v", result)
	}
	if len(f.sink.all()) != 0 {
		t.Error("no-match must not produce audit entries")
	}
	if len(f.replies.all()) != 0 {
		t.Error("no-match must not produce replies")
	}
}

func TestHandleMessage_RegistryErrorDegradesToNoMatch(t *testing.T) {
	limiter := cooldown.NewLimiter(0)
	sink := &recordingSink{}
	replies := &recordingReplies{}
	source := registry.SourceFunc(func(context.Context, string) ([]*domain.Command, error) {
		return nil, errors.New("db down")
	})
	eng := New(source, limiter, validator.New(validator.Config{}),
		runtime.NewRegistry(), sink, testLogger()).WithReplySink(replies)

	result, err := eng.HandleMessage(context.Background(), pingMessage())
	if err != nil {
		t.Fatalf("registry failure must not surface as an error, got %v", err)
	}
	if result != nil {
		t.Errorf("registry failure must degrade to no-match, got %+v", result)
	}
	if len(replies.all()) != 0 {
		t.Error("registry failure must not notify the user")
	}
}

func TestHandleMessage_SecurityRejected(t *testing.T) {
	rt := &fakeRuntime{lang: domain.LangPython, result: &runtime.Result{Status: domain.StatusSuccess}}
	cmd := pingCommand(domain.LangPython, `import subprocess; subprocess.run(["ls"])`)
	f := newFixture(t, cmd, rt)

	result, err := f.engine.HandleMessage(context.Background(), pingMessage())
	if err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}
	if result.Status != domain.StatusSecurityRejected {
		t.Fatalf("status = %s, want security_rejected", result.Status)
	}
	if strings.Contains(result.Reply, "subprocess") {
		t.Errorf("user reply leaks the matched pattern: %q", result.Reply)
	}
	if rt.callCount() != 0 {
		t.Error("rejected code must never reach the sandbox")
	}
	if f.limiter.Len() != 0 {
		t.Error("rejection must not consume the cooldown window")
	}
	entries := f.sink.all()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want exactly 1", len(entries))
	}
	if !strings.Contains(entries[0].ErrorSummary, "process_spawn") {
		t.Errorf("audit entry should carry the rejection category, got %q", entries[0].ErrorSummary)
	}
}

func TestHandleMessage_RateLimited(t *testing.T) {
	rt := &fakeRuntime{
		lang:   domain.LangShell,
		result: &runtime.Result{Status: domain.StatusSuccess, Output: "pong"},
	}
	cmd := pingCommand(domain.LangShell, "reply pong")
	cmd.CooldownMs = 60_000
	f := newFixture(t, cmd, rt)

	ctx := context.Background()
	if _, err := f.engine.HandleMessage(ctx, pingMessage()); err != nil {
		t.Fatalf("first call: %v", err)
	}
	result, err := f.engine.HandleMessage(ctx, pingMessage())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if result.Status != domain.StatusRateLimited {
		t.Fatalf("status = %s, want rate_limited", result.Status)
	}
	if !strings.Contains(result.Reply, "cooldown") || !strings.Contains(result.Reply, "60s") {
		t.Errorf("rate-limited reply should state the remaining wait, got %q", result.Reply)
	}
	if rt.callCount() != 1 {
		t.Errorf("sandbox calls = %d, want 1 (rate-limited pass must not execute)", rt.callCount())
	}
	if got := len(f.sink.all()); got != 2 {
		t.Errorf("audit entries = %d, want 2 (one per terminal state)", got)
	}
}

func TestHandleMessage_ConcurrentDuplicatesExecuteOnce(t *testing.T) {
	rt := &fakeRuntime{
		lang:   domain.LangShell,
		result: &runtime.Result{Status: domain.StatusSuccess, Output: "pong"},
	}
	cmd := pingCommand(domain.LangShell, "reply pong")
	cmd.CooldownMs = 60_000
	f := newFixture(t, cmd, rt)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*domain.ExecutionResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.engine.HandleMessage(context.Background(), pingMessage())
			if err != nil {
				t.Errorf("HandleMessage: %v", err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	if got := rt.callCount(); got != 1 {
		t.Fatalf("sandbox calls = %d, want exactly 1 inside one cooldown window", got)
	}
	executed, limited := 0, 0
	for _, res := range results {
		switch {
		case res == nil:
		case res.Status == domain.StatusSuccess:
			executed++
		case res.Status == domain.StatusRateLimited:
			limited++
		}
	}
	if executed != 1 || limited != n-1 {
		t.Errorf("results: %d executed, %d rate-limited, want 1 and %d", executed, limited, n-1)
	}
	if got := len(f.sink.all()); got != n {
		t.Errorf("audit entries = %d, want %d (one per terminal state)", got, n)
	}
}

func TestHandleMessage_RateLimitIndependentPerUser(t *testing.T) {
	rt := &fakeRuntime{
		lang:   domain.LangShell,
		result: &runtime.Result{Status: domain.StatusSuccess, Output: "pong"},
	}
	cmd := pingCommand(domain.LangShell, "reply pong")
	cmd.CooldownMs = 60_000
	f := newFixture(t, cmd, rt)

	ctx := context.Background()
	if _, err := f.engine.HandleMessage(ctx, pingMessage()); err != nil {
		t.Fatal(err)
	}
	other := pingMessage()
	other.AuthorID = "user-2"
	result, err := f.engine.HandleMessage(ctx, other)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != domain.StatusSuccess {
		t.Errorf("another user must not inherit the cooldown, got %s", result.Status)
	}
}

func TestHandleMessage_RuntimeUnavailable(t *testing.T) {
	limiter := cooldown.NewLimiter(0)
	sink := &recordingSink{}
	replies := &recordingReplies{}
	cmd := pingCommand(domain.LangGo, `package main`)
	cmd.CooldownMs = 60_000
	// Registry has no runtime for go.
	eng := New(staticSource(cmd), limiter, validator.New(validator.Config{}),
		runtime.NewRegistry(), sink, testLogger()).WithReplySink(replies)

	result, err := eng.HandleMessage(context.Background(), pingMessage())
	if err != nil {
		t.Fatalf("HandleMessage error: %v", err)
	}
	if result.Status != domain.StatusRuntimeUnavailable {
		t.Fatalf("status = %s, want runtime_unavailable", result.Status)
	}
	if !strings.Contains(result.Reply, "unavailable") {
		t.Errorf("reply = %q, want a temporary-unavailability notice", result.Reply)
	}
	if limiter.Len() != 0 {
		t.Error("unroutable command must not consume the cooldown window")
	}
}

func TestHandleMessage_ScriptErrorReplyIsBounded(t *testing.T) {
	rt := &fakeRuntime{
		lang: domain.LangShell,
		result: &runtime.Result{
			Status:       domain.StatusScriptError,
			ErrorSummary: "boom: line 1",
		},
	}
	f := newFixture(t, pingCommand(domain.LangShell, "exit 1"), rt)

	result, err := f.engine.HandleMessage(context.Background(), pingMessage())
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != domain.StatusScriptError {
		t.Fatalf("status = %s, want script_error", result.Status)
	}
	if !strings.Contains(result.Reply, "boom") {
		t.Errorf("reply should surface the script's own error, got %q", result.Reply)
	}
}

func TestHandleMessage_TimeoutReplyIsGeneric(t *testing.T) {
	rt := &fakeRuntime{
		lang:   domain.LangShell,
		result: &runtime.Result{Status: domain.StatusTimeout, Duration: 2 * time.Second},
	}
	f := newFixture(t, pingCommand(domain.LangShell, "sleep 60"), rt)

	result, err := f.engine.HandleMessage(context.Background(), pingMessage())
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != domain.StatusTimeout {
		t.Fatalf("status = %s, want timeout", result.Status)
	}
	if result.Reply != replyTimeout {
		t.Errorf("timeout reply = %q, want the generic notice", result.Reply)
	}
	entries := f.sink.all()
	if len(entries) != 1 || entries[0].Status != domain.StatusTimeout {
		t.Errorf("expected one timeout audit entry, got %+v", entries)
	}
}

func TestHandleMessage_AuditFailureDoesNotBlockReply(t *testing.T) {
	rt := &fakeRuntime{
		lang:   domain.LangShell,
		result: &runtime.Result{Status: domain.StatusSuccess, Output: "pong"},
	}
	f := newFixture(t, pingCommand(domain.LangShell, "reply pong"), rt)
	f.sink.fail = errors.New("disk full")

	result, err := f.engine.HandleMessage(context.Background(), pingMessage())
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != domain.StatusSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
	if got := f.replies.all(); len(got) != 1 {
		t.Errorf("reply must still be delivered when auditing fails, got %v", got)
	}
}

func TestHandleMessage_CooldownClamped(t *testing.T) {
	rt := &fakeRuntime{
		lang:   domain.LangShell,
		result: &runtime.Result{Status: domain.StatusSuccess, Output: "pong"},
	}
	cmd := pingCommand(domain.LangShell, "reply pong")
	cmd.CooldownMs = 3_600_000 // Well above the deployment cap.
	f := newFixture(t, cmd, rt)
	f.engine.WithConfig(Config{MaxCooldownMs: 60_000})

	ctx := context.Background()
	if _, err := f.engine.HandleMessage(ctx, pingMessage()); err != nil {
		t.Fatal(err)
	}
	result, err := f.engine.HandleMessage(ctx, pingMessage())
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != domain.StatusRateLimited {
		t.Fatalf("status = %s, want rate_limited", result.Status)
	}
	if strings.Contains(result.Reply, "3600") {
		t.Errorf("wait must reflect the clamped cooldown, got %q", result.Reply)
	}
}

func TestSimulate_DryRun(t *testing.T) {
	rt := &fakeRuntime{
		lang:   domain.LangShell,
		result: &runtime.Result{Status: domain.StatusSuccess, Output: "pong"},
	}
	f := newFixture(t, pingCommand(domain.LangShell, "reply pong"), rt)

	cmd, result, err := f.engine.Simulate(context.Background(), pingMessage(), false)
	if err != nil {
		t.Fatalf("Simulate error: %v", err)
	}
	if cmd == nil {
		t.Fatal("expected a matched command")
	}
	if result != nil {
		t.Errorf("dry run must not execute, got %+v", result)
	}
	if rt.callCount() != 0 {
		t.Error("dry run must not reach the sandbox")
	}
	if len(f.sink.all()) != 0 {
		t.Error("simulation must not write audit entries")
	}
	if f.limiter.Len() != 0 {
		t.Error("simulation must not touch cooldown state")
	}
}

func TestSimulate_Execute(t *testing.T) {
	rt := &fakeRuntime{
		lang:   domain.LangShell,
		result: &runtime.Result{Status: domain.StatusSuccess, Output: "pong"},
	}
	f := newFixture(t, pingCommand(domain.LangShell, "reply pong"), rt)

	cmd, result, err := f.engine.Simulate(context.Background(), pingMessage(), true)
	if err != nil {
		t.Fatalf("Simulate error: %v", err)
	}
	if cmd == nil || result == nil {
		t.Fatal("expected command and result")
	}
	if result.Reply != "pong" {
		t.Errorf("reply = %q, want pong", result.Reply)
	}
	if len(f.replies.all()) != 0 {
		t.Error("simulation must not deliver replies to channels")
	}
	if len(f.sink.all()) != 0 {
		t.Error("simulation must not write audit entries")
	}
}

func TestRateLimitedReply_Deterministic(t *testing.T) {
	cases := []struct {
		wait time.Duration
		want string
	}{
		{1500 * time.Millisecond, "Try again in 2s."},
		{2 * time.Second, "Try again in 2s."},
		{100 * time.Millisecond, "Try again in 1s."},
		{60 * time.Second, "Try again in 60s."},
	}
	for _, tc := range cases {
		got := rateLimitedReply(tc.wait)
		if !strings.Contains(got, tc.want) {
			t.Errorf("rateLimitedReply(%s) = %q, want it to contain %q", tc.wait, got, tc.want)
		}
	}
}
