package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"prompt-bridge/internal/models"
	"prompt-bridge/internal/stream"
)

const headerOpenRouterKey = "X-OpenRouter-Key"

const completeUsage = "Use POST with JSON body: { providerModel, rulesetId, rulesContent, messages, stream }"

func (s *Server) handleCompleteMethod(c echo.Context) error {
	return requestError{Status: http.StatusMethodNotAllowed, Message: completeUsage}
}

// handleComplete always answers with an event stream once the body has been
// decoded. The completion service writes the terminator on every path.
func (s *Server) handleComplete(c echo.Context) error {
	req, err := decodeCompletionRequest(c)
	if err != nil {
		return err
	}

	res := c.Response()
	header := res.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache, no-transform")
	header.Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	w := stream.NewWriter(res)
	outcome := s.deps.Completion.Handle(c.Request().Context(), req, c.Request().Header.Get(headerOpenRouterKey), w)

	slog.Debug("completion finished",
		"request_id", res.Header().Get(echo.HeaderXRequestID),
		"outcome", outcome.String(),
	)
	return nil
}

// decodeCompletionRequest reads the body leniently. An empty body is the
// same as {}; anything that is not a JSON object is rejected before the
// stream starts.
func decodeCompletionRequest(c echo.Context) (models.CompletionRequest, error) {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return models.CompletionRequest{}, he
		}
		return models.CompletionRequest{}, requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("read request body: %v", err),
		}
	}
	if len(body) == 0 {
		body = []byte("{}")
	}

	var req models.CompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return models.CompletionRequest{}, requestError{
			Status:  http.StatusBadRequest,
			Message: "invalid JSON payload",
		}
	}
	return req, nil
}
