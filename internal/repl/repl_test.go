package repl

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/manash/promptloop/internal/clock"
	"github.com/manash/promptloop/internal/display"
	"github.com/manash/promptloop/internal/engine"
	"github.com/manash/promptloop/internal/provider"
	"github.com/manash/promptloop/internal/session"
	"github.com/manash/promptloop/pkg/models"
)

// fileGenerator writes a tiny file per iteration so previews have data.
type fileGenerator struct {
	dir     string
	prompts []string
}

func (g *fileGenerator) Generate(_ context.Context, req provider.GenerateRequest) (string, error) {
	g.prompts = append(g.prompts, req.Prompt)
	path := filepath.Join(g.dir, fmt.Sprintf("%s-%d.png", req.SessionID, req.Index))
	if err := os.WriteFile(path, []byte("png"), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

type constJudge struct{ score int }

func (j constJudge) Judge(context.Context, string, string) (models.JudgeResult, error) {
	return models.JudgeResult{Score: j.score, Notes: "Add more snow."}, nil
}

type testEnv struct {
	repl *REPL
	out  *bytes.Buffer
	err  *bytes.Buffer
	mgr  *session.Manager
	gen  *fileGenerator
}

func testREPL(t *testing.T, input string) *testEnv {
	t.Helper()
	tmpDir := t.TempDir()

	store, err := session.NewStoreWithPath(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("NewStoreWithPath() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := models.DefaultRegistry()
	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), time.Second)
	mgr := session.NewManager(store, registry, clk, nil)
	gen := &fileGenerator{dir: tmpDir}
	eng := engine.New(store, registry, gen, constJudge{score: 40}, engine.WithClock(clk))

	out := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	r := New(&Config{
		In:            strings.NewReader(input),
		Out:           out,
		Err:           errBuf,
		Manager:       mgr,
		Runner:        eng,
		Registry:      registry,
		Printer:       display.NewPrinter(out, nil),
		Displayer:     display.New(out),
		Provider:      models.ProviderOpenAI,
		MaxIterations: 3,
	})
	return &testEnv{repl: r, out: out, err: errBuf, mgr: mgr, gen: gen}
}

func (e *testEnv) run(t *testing.T) {
	t.Helper()
	if err := e.repl.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"run", []string{"run"}},
		{"new a red fox", []string{"new", "a", "red", "fox"}},
		{`feedback 0 "more snow please"`, []string{"feedback", "0", "more snow please"}},
		{`prompt 'it''s'`, []string{"prompt", "its"}},
		{`prompt "say 'hi'"`, []string{"prompt", "say 'hi'"}},
		{"   ", nil},
	}

	for _, tt := range tests {
		if got := parseCommand(tt.input); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseCommand(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestREPL_FullSession(t *testing.T) {
	env := testREPL(t, strings.Join([]string{
		"new a red fox in snow",
		`prompt "a red fox, snowy forest"`,
		"run 2",
		`feedback 1 "make it brighter"`,
		"show",
		"cost",
		"quit",
	}, "\n"))
	env.run(t)

	if env.err.Len() != 0 {
		t.Fatalf("unexpected errors:\n%s", env.err.String())
	}
	if env.gen.prompts[0] != "a red fox, snowy forest" {
		t.Errorf("first prompt = %q, want the explicit prompt", env.gen.prompts[0])
	}
	if len(env.gen.prompts) != 2 {
		t.Errorf("generated %d images, want 2", len(env.gen.prompts))
	}

	sess, err := env.mgr.GetSession(context.Background(), env.repl.Current())
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.Status != session.StatusDone || sess.StatusReason != session.ReasonBudgetExhausted {
		t.Errorf("session = %s (%s), want done (budget_exhausted)", sess.Status, sess.StatusReason)
	}
	if fb := sess.Iterations[1].UserFeedback; fb == nil || *fb != "make it brighter" {
		t.Errorf("feedback = %v", fb)
	}

	out := env.out.String()
	for _, want := range []string{
		"Created session",
		"Prompt updated",
		"Finished: done (budget_exhausted)",
		"Feedback attached to iteration 1",
		"feedback: make it brighter",
		"No costs recorded.",
		"Goodbye!",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestREPL_ShowIterationPreviews(t *testing.T) {
	env := testREPL(t, "new a fox\nrun 1\nshow 0\nshow 5\n")
	env.run(t)

	if !strings.Contains(env.out.String(), "\x1b_G") {
		t.Error("show <index> should preview the image")
	}
	if !strings.Contains(env.err.String(), `no iteration "5"`) {
		t.Errorf("errors = %q, want missing iteration", env.err.String())
	}
}

func TestREPL_UseAndList(t *testing.T) {
	env := testREPL(t, "")
	ctx := context.Background()
	sess, err := env.mgr.CreateSession(ctx, session.CreateRequest{UserGoal: "a cat", ImageProvider: models.ProviderGrok})
	if err != nil {
		t.Fatal(err)
	}

	env.repl.in = strings.NewReader("use " + sess.ID[:8] + "\nlist\nuse zzz\n")
	env.run(t)

	if env.repl.Current() != sess.ID {
		t.Errorf("Current() = %q, want %q", env.repl.Current(), sess.ID)
	}
	if env.repl.provider != models.ProviderGrok {
		t.Errorf("provider = %q, want grok after use", env.repl.provider)
	}
	if !strings.Contains(env.out.String(), "> "+sess.ID) {
		t.Errorf("list should mark the current session:\n%s", env.out.String())
	}
	if !strings.Contains(env.err.String(), `no session matches "zzz"`) {
		t.Errorf("errors = %q", env.err.String())
	}
}

func TestREPL_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"unknown command", "frobnicate", "unknown command: frobnicate"},
		{"run without session", "run", "no session selected"},
		{"feedback usage", "new a fox\nfeedback 0", "usage: feedback <index> <text>"},
		{"feedback before run", "new a fox\nfeedback 0 nice", "not found"},
		{"bad provider", "provider dalle", `unknown provider "dalle"`},
		{"bad budget", "new a fox\nrun lots", `invalid max_iterations "lots"`},
		{"prompt after run", "new a fox\nrun 1\nprompt again", "cannot"},
		{"empty goal", "new", "usage: new <goal>"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testREPL(t, tt.input)
			env.run(t)
			if !strings.Contains(env.err.String(), tt.want) {
				t.Errorf("errors = %q, want %q", env.err.String(), tt.want)
			}
		})
	}
}

func TestREPL_ProviderSwitch(t *testing.T) {
	env := testREPL(t, "provider\nprovider nano_banana\nnew a fox\n")
	env.run(t)

	out := env.out.String()
	if !strings.Contains(out, "Current provider: openai") || !strings.Contains(out, "Available: grok, nano_banana, openai") {
		t.Errorf("provider output:\n%s", out)
	}
	sess, err := env.mgr.GetSession(context.Background(), env.repl.Current())
	if err != nil {
		t.Fatal(err)
	}
	if sess.ImageProvider != models.ProviderNanoBanana {
		t.Errorf("ImageProvider = %q, want nano_banana", sess.ImageProvider)
	}
}

func TestREPL_Help(t *testing.T) {
	env := testREPL(t, "help\n")
	env.run(t)

	for _, cmd := range allCommands() {
		if !strings.Contains(env.out.String(), cmd.Usage()) {
			t.Errorf("help missing %q", cmd.Usage())
		}
	}
}
