package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"prompt-bridge/internal/models"
	"prompt-bridge/internal/provider"
	"prompt-bridge/internal/router"
	"prompt-bridge/internal/ruleset"
	"prompt-bridge/internal/stream"
)

// Outcome records which terminal path a request took.
type Outcome int

const (
	OutcomeUpstream Outcome = iota
	OutcomeRejected
	OutcomeNoCredential
	OutcomeUpstreamFailed
	OutcomeAborted
	OutcomePanicked
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUpstream:
		return "upstream"
	case OutcomeRejected:
		return "rejected"
	case OutcomeNoCredential:
		return "fallback_no_credential"
	case OutcomeUpstreamFailed:
		return "fallback_upstream_failed"
	case OutcomeAborted:
		return "aborted"
	default:
		return "panicked"
	}
}

const unsupportedMessage = "Model not supported"

// Service runs one completion request from routing to the terminator.
type Service struct {
	router   *router.Router
	rulesets *ruleset.Resolver
	fallback stream.Fallback
}

// NewService wires the completion pipeline.
func NewService(rt *router.Router, rulesets *ruleset.Resolver, fallback stream.Fallback) (*Service, error) {
	if rt == nil {
		return nil, errors.New("router must not be nil")
	}
	if rulesets == nil {
		return nil, errors.New("ruleset resolver must not be nil")
	}
	return &Service{router: rt, rulesets: rulesets, fallback: fallback}, nil
}

// Handle streams the response for req into w. The terminator is always
// written exactly once before Handle returns, on every path including a
// panic further down the pipeline.
func (s *Service) Handle(ctx context.Context, req models.CompletionRequest, overrideKey string, w *stream.Writer) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("completion panicked", "panic", r)
			outcome = OutcomePanicked
		}
		_ = w.Done()
	}()

	doc := s.rulesets.Resolve(req.RulesetID, req.RulesContent)
	system := doc.SystemPrompt()
	userText := req.FirstUserContent()

	plan, err := s.router.Resolve(req.ProviderModel, overrideKey)

	slog.Info("complete",
		"model", plan.Route.Requested,
		"provider", plan.Route.Kind.String(),
		"ruleset", rulesetLabel(req),
		"override_key", yesNo(overrideKey != ""),
		"msg_chars", len(userText),
		"sys_chars", len(system),
	)

	switch {
	case errors.Is(err, provider.ErrUnsupportedProvider):
		_ = w.Error(unsupportedMessage)
		return OutcomeRejected
	case errors.Is(err, provider.ErrMissingCredential):
		_ = w.Token(fmt.Sprintf("[Local fallback: no %s key found]\n", plan.Route.Kind))
		s.runFallback(ctx, w, userText)
		return OutcomeNoCredential
	case err != nil:
		_ = w.Error(err.Error())
		return OutcomeRejected
	}

	err = s.streamUpstream(ctx, plan, models.WithSystem(system, req.Messages), w)
	if err == nil {
		return OutcomeUpstream
	}
	if w.Err() != nil || ctx.Err() != nil {
		slog.Info("client went away", "provider", plan.Route.Kind.String(), "err", err)
		return OutcomeAborted
	}

	slog.Warn("upstream error", "provider", plan.Route.Kind.String(), "err", err)
	_ = w.Token(fmt.Sprintf("[%s error: %s]\n", plan.Route.Kind, upstreamMessage(err)))
	s.runFallback(ctx, w, userText)
	return OutcomeUpstreamFailed
}

func (s *Service) streamUpstream(ctx context.Context, plan router.Plan, messages []models.Message, w *stream.Writer) error {
	body, err := plan.Adapter.Stream(ctx, provider.Call{
		Credential: plan.Credential,
		Model:      plan.Route.Model,
		Messages:   messages,
	})
	if err != nil {
		return err
	}
	// Closing the body releases the upstream connection, including when the
	// client disconnects mid-stream.
	defer body.Close()

	return stream.Normalize(ctx, body, w)
}

func (s *Service) runFallback(ctx context.Context, w *stream.Writer, userText string) {
	if err := s.fallback.Emit(ctx, w, userText); err != nil {
		slog.Info("fallback stream stopped", "err", err)
	}
}

func upstreamMessage(err error) string {
	var upErr *provider.UpstreamError
	if errors.As(err, &upErr) && upErr.Message != "" {
		return upErr.Message
	}
	return err.Error()
}

func rulesetLabel(req models.CompletionRequest) string {
	if len(req.RulesContent) > 0 && string(req.RulesContent) != "null" {
		return "inline"
	}
	if req.RulesetID == "" {
		return "default"
	}
	return req.RulesetID
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
