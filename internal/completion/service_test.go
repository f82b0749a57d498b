package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"prompt-bridge/internal/models"
	"prompt-bridge/internal/provider"
	"prompt-bridge/internal/router"
	"prompt-bridge/internal/ruleset"
	"prompt-bridge/internal/stream"
)

type fakeAdapter struct {
	kind  provider.Kind
	body  string
	err   error
	panic bool
	calls []provider.Call
}

func (f *fakeAdapter) Kind() provider.Kind { return f.kind }

func (f *fakeAdapter) Stream(_ context.Context, call provider.Call) (io.ReadCloser, error) {
	f.calls = append(f.calls, call)
	if f.panic {
		panic("adapter exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

type harness struct {
	svc        *Service
	openrouter *fakeAdapter
	groq       *fakeAdapter
}

func newHarness(t *testing.T, orKey, groqKey string) *harness {
	t.Helper()

	reg, err := provider.NewRegistry([]models.ProviderDescriptor{
		{Key: "deepseek/deepseek-chat-v3.1:free"},
		{Key: "groq/llama-3.1-8b-instant"},
	}, []string{"google/"})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	h := &harness{
		openrouter: &fakeAdapter{kind: provider.KindOpenRouter},
		groq:       &fakeAdapter{kind: provider.KindGroq},
	}
	rt := router.New(reg, map[provider.Kind]router.Upstream{
		provider.KindOpenRouter: {
			Adapter: h.openrouter,
			Credential: func(override string) string {
				if override != "" {
					return override
				}
				return orKey
			},
		},
		provider.KindGroq: {
			Adapter:    h.groq,
			Credential: func(string) string { return groqKey },
		},
	})

	store := ruleset.NewStore(t.TempDir())
	if err := store.Write("terse", models.RulesetDocument{System: "Be terse."}); err != nil {
		t.Fatalf("write ruleset: %v", err)
	}

	h.svc, err = NewService(rt, ruleset.NewResolver(store, "enhancer-default"), stream.Fallback{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return h
}

type payload struct {
	Token *string `json:"token"`
	Error *string `json:"error"`
}

type result struct {
	tokens []string
	errors []string
	done   int
	last   string
}

func run(t *testing.T, h *harness, req models.CompletionRequest, override string) (result, Outcome) {
	t.Helper()
	var out bytes.Buffer
	outcome := h.svc.Handle(context.Background(), req, override, stream.NewWriter(&out))

	raw := out.String()
	if !strings.HasSuffix(raw, "data: [DONE]\n\n") {
		t.Fatalf("stream does not end with the terminator: %q", raw)
	}

	var res result
	for _, part := range strings.Split(strings.TrimSuffix(raw, "\n\n"), "\n\n") {
		data := strings.TrimPrefix(part, "data: ")
		res.last = data
		if data == "[DONE]" {
			res.done++
			continue
		}
		var p payload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			t.Fatalf("bad event %q: %v", part, err)
		}
		if p.Token != nil {
			res.tokens = append(res.tokens, *p.Token)
		}
		if p.Error != nil {
			res.errors = append(res.errors, *p.Error)
		}
	}
	if res.done != 1 || res.last != "[DONE]" {
		t.Fatalf("expected one trailing terminator: %q", raw)
	}
	return res, outcome
}

func userRequest(model, text string) models.CompletionRequest {
	return models.CompletionRequest{
		ProviderModel: model,
		Messages:      []models.Message{{Role: "user", Content: text}},
		Stream:        true,
	}
}

func TestHandleStreamsUpstreamTokens(t *testing.T) {
	h := newHarness(t, "or-key", "")
	h.openrouter.body = "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n" +
		"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n" +
		"data: [DONE]\n\n"

	req := userRequest("qwen/qwen3-coder:free", "hello")
	req.RulesetID = "terse"
	res, outcome := run(t, h, req, "")

	if outcome != OutcomeUpstream {
		t.Fatalf("outcome = %v", outcome)
	}
	if strings.Join(res.tokens, "|") != "Hi| there" || len(res.errors) != 0 {
		t.Fatalf("result = %+v", res)
	}

	call := h.openrouter.calls[0]
	if call.Model != "qwen/qwen3-coder:free" || call.Credential != "or-key" {
		t.Fatalf("call = %+v", call)
	}
	if call.Messages[0].Role != "system" || call.Messages[0].Content != "Be terse." || call.Messages[1].Content != "hello" {
		t.Fatalf("messages = %+v", call.Messages)
	}
}

func TestHandleRejectsRetiredProvider(t *testing.T) {
	h := newHarness(t, "or-key", "gk")
	res, outcome := run(t, h, userRequest("google/gemini-1.5-flash", "hello"), "")

	if outcome != OutcomeRejected {
		t.Fatalf("outcome = %v", outcome)
	}
	if len(res.errors) != 1 || len(res.tokens) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if len(h.openrouter.calls)+len(h.groq.calls) != 0 {
		t.Fatal("no upstream call may be attempted")
	}
}

func TestHandleMissingCredentialFallsBack(t *testing.T) {
	h := newHarness(t, "or-key", "")
	input := "Make this   prompt\tbetter"
	res, outcome := run(t, h, userRequest("groq/llama-3.1-8b-instant", input), "")

	if outcome != OutcomeNoCredential {
		t.Fatalf("outcome = %v", outcome)
	}
	if len(h.groq.calls) != 0 {
		t.Fatal("adapter must not be invoked without a credential")
	}
	if res.tokens[0] != "[Local fallback: no Groq key found]\n" {
		t.Fatalf("advisory = %q", res.tokens[0])
	}
	if got := strings.Join(res.tokens[1:], ""); got != stream.FallbackText(input) {
		t.Fatalf("fallback = %q", got)
	}
}

func TestHandleUpstreamFailureFallsBack(t *testing.T) {
	h := newHarness(t, "or-key", "")
	h.openrouter.err = &provider.UpstreamError{Provider: "openrouter", Status: 402, Message: "Payment required"}

	res, outcome := run(t, h, userRequest("", "hello"), "")
	if outcome != OutcomeUpstreamFailed {
		t.Fatalf("outcome = %v", outcome)
	}
	if res.tokens[0] != "[OpenRouter error: Payment required]\n" {
		t.Fatalf("advisory = %q", res.tokens[0])
	}
	if got := strings.Join(res.tokens[1:], ""); got != stream.FallbackText("hello") {
		t.Fatalf("fallback = %q", got)
	}
	if h.openrouter.calls[0].Model != "deepseek/deepseek-chat-v3.1:free" {
		t.Fatalf("empty model should use the registry default, got %q", h.openrouter.calls[0].Model)
	}
}

func TestHandleOverrideKey(t *testing.T) {
	h := newHarness(t, "", "")
	h.openrouter.body = "data: [DONE]\n\n"

	_, outcome := run(t, h, userRequest("deepseek/deepseek-chat-v3.1:free", "x"), "personal-key")
	if outcome != OutcomeUpstream {
		t.Fatalf("outcome = %v", outcome)
	}
	if h.openrouter.calls[0].Credential != "personal-key" {
		t.Fatalf("credential = %q", h.openrouter.calls[0].Credential)
	}
}

func TestHandleGroqStripsPrefix(t *testing.T) {
	h := newHarness(t, "", "gk")
	h.groq.body = "data: {\"choices\":[{\"message\":{\"content\":\"whole\"}}]}\n\n"

	res, outcome := run(t, h, userRequest("groq/llama-3.1-8b-instant", "x"), "ignored-for-groq")
	if outcome != OutcomeUpstream {
		t.Fatalf("outcome = %v", outcome)
	}
	if h.groq.calls[0].Model != "llama-3.1-8b-instant" || h.groq.calls[0].Credential != "gk" {
		t.Fatalf("call = %+v", h.groq.calls[0])
	}
	if len(res.tokens) != 1 || res.tokens[0] != "whole" {
		t.Fatalf("tokens = %q", res.tokens)
	}
}

func TestHandleNonexistentRulesetUsesDefault(t *testing.T) {
	h := newHarness(t, "k", "")
	h.openrouter.body = "data: [DONE]\n\n"

	req := userRequest("", "x")
	req.RulesetID = "does-not-exist"
	run(t, h, req, "")

	if got := h.openrouter.calls[0].Messages[0].Content; got != models.DefaultSystemPrompt {
		t.Fatalf("system = %q", got)
	}
}

func TestHandleInlineRulesOverride(t *testing.T) {
	h := newHarness(t, "k", "")
	h.openrouter.body = "data: [DONE]\n\n"

	req := userRequest("", "x")
	req.RulesetID = "terse"
	req.RulesContent = json.RawMessage(`{"system":"inline rules"}`)
	run(t, h, req, "")

	if got := h.openrouter.calls[0].Messages[0].Content; got != "inline rules" {
		t.Fatalf("system = %q", got)
	}
}

func TestHandleNoMessages(t *testing.T) {
	h := newHarness(t, "", "")
	res, _ := run(t, h, models.CompletionRequest{}, "")

	if got := strings.Join(res.tokens[1:], ""); got != stream.FallbackText("") {
		t.Fatalf("fallback = %q", got)
	}
}

func TestHandleRecoversFromPanic(t *testing.T) {
	h := newHarness(t, "k", "")
	h.openrouter.panic = true

	_, outcome := run(t, h, userRequest("", "x"), "")
	if outcome != OutcomePanicked {
		t.Fatalf("outcome = %v", outcome)
	}
}

func TestHandleClientGone(t *testing.T) {
	h := newHarness(t, "k", "")
	h.openrouter.body = "data: {\"choices\":[{\"delta\":{\"content\":\"Hi\"}}]}\n\n"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := stream.NewWriter(io.Discard)
	if outcome := h.svc.Handle(ctx, userRequest("", "x"), "", w); outcome != OutcomeAborted {
		t.Fatalf("outcome = %v", outcome)
	}
	if !w.Terminated() {
		t.Fatal("terminator must still be attempted")
	}
}

func TestHandleMidStreamReadFailure(t *testing.T) {
	failing := &failingAdapter{
		kind:  provider.KindOpenRouter,
		first: "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n",
		err:   errors.New("connection reset"),
	}
	reg, err := provider.NewRegistry([]models.ProviderDescriptor{{Key: "a/b"}}, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	rt := router.New(reg, map[provider.Kind]router.Upstream{
		provider.KindOpenRouter: {Adapter: failing, Credential: func(string) string { return "k" }},
	})
	svc, err := NewService(rt, ruleset.NewResolver(nil, ""), stream.Fallback{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	res, outcome := run(t, &harness{svc: svc}, userRequest("", "x"), "")
	if outcome != OutcomeUpstreamFailed {
		t.Fatalf("outcome = %v", outcome)
	}
	if res.tokens[0] != "partial" || !strings.HasPrefix(res.tokens[1], "[OpenRouter error: read upstream stream: connection reset") {
		t.Fatalf("tokens = %q", res.tokens[:2])
	}
}

type failingAdapter struct {
	kind  provider.Kind
	first string
	err   error
}

func (f *failingAdapter) Kind() provider.Kind { return f.kind }

func (f *failingAdapter) Stream(context.Context, provider.Call) (io.ReadCloser, error) {
	return io.NopCloser(io.MultiReader(strings.NewReader(f.first), errReader{f.err})), nil
}

type errReader struct{ err error }

func (e errReader) Read([]byte) (int, error) { return 0, e.err }

func TestNewServiceValidates(t *testing.T) {
	if _, err := NewService(nil, nil, stream.Fallback{}); err == nil {
		t.Fatal("expected error")
	}
}
