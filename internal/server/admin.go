package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"prompt-bridge/internal/models"
	"prompt-bridge/internal/ruleset"
)

const headerForwardedOrigin = "X-Forwarded-Origin"

var (
	errForbidden      = requestError{Status: http.StatusForbidden, Message: "Forbidden"}
	errNotFound       = requestError{Status: http.StatusNotFound, Message: "Not found"}
	errInvalidPayload = requestError{Status: http.StatusBadRequest, Message: "Invalid payload"}
	errInvalidID      = requestError{Status: http.StatusBadRequest, Message: "Invalid id. Use letters, numbers, _ or - (max 40)."}
	errExists         = requestError{Status: http.StatusConflict, Message: "Exists"}
)

// originGuard rejects browser requests coming from anywhere but appURL.
// Requests without an origin (curl, same-host tools) pass.
func originGuard(appURL string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header
			origin := header.Get(echo.HeaderOrigin)
			if origin == "" {
				origin = header.Get(headerForwardedOrigin)
			}
			if origin != "" && !strings.HasPrefix(origin, appURL) {
				slog.Warn("admin request rejected", "origin", origin, "uri", c.Request().RequestURI)
				return errForbidden
			}
			return next(c)
		}
	}
}

func (s *Server) handleListRulesets(c echo.Context) error {
	ids, err := s.deps.Rulesets.List()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"rulesets": ids})
}

type rulesetResponse struct {
	ID      string                 `json:"id"`
	Content models.RulesetDocument `json:"content"`
}

func (s *Server) handleGetRuleset(c echo.Context) error {
	id := c.Param("id")
	doc, err := s.deps.Rulesets.Read(id)
	if err != nil {
		if errors.Is(err, ruleset.ErrNotFound) || errors.Is(err, ruleset.ErrInvalidID) {
			return errNotFound
		}
		return err
	}
	return c.JSON(http.StatusOK, rulesetResponse{ID: id, Content: doc})
}

type putRulesetRequest struct {
	Content json.RawMessage `json:"content"`
}

func (s *Server) handlePutRuleset(c echo.Context) error {
	var req putRulesetRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	doc, err := models.ParseRulesetDocument(req.Content)
	if err != nil {
		return errInvalidPayload
	}

	if err := s.deps.Rulesets.Write(c.Param("id"), doc); err != nil {
		if errors.Is(err, ruleset.ErrInvalidID) {
			return errInvalidID
		}
		return err
	}
	slog.Info("ruleset updated", "id", c.Param("id"))
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type createRulesetRequest struct {
	ID      string          `json:"id"`
	Content json.RawMessage `json:"content"`
}

func (s *Server) handleCreateRuleset(c echo.Context) error {
	var req createRulesetRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	if !ruleset.ValidID(req.ID) {
		return errInvalidID
	}

	doc := models.DefaultRuleset()
	if len(req.Content) > 0 && string(req.Content) != "null" {
		parsed, err := models.ParseRulesetDocument(req.Content)
		if err != nil {
			return errInvalidPayload
		}
		doc = parsed
	}

	if err := s.deps.Rulesets.Create(req.ID, doc); err != nil {
		switch {
		case errors.Is(err, ruleset.ErrExists):
			return errExists
		case errors.Is(err, ruleset.ErrInvalidID):
			return errInvalidID
		}
		return err
	}
	slog.Info("ruleset created", "id", req.ID)
	return c.JSON(http.StatusCreated, map[string]any{"ok": true, "id": req.ID})
}

func (s *Server) handleGetEnv(c echo.Context) error {
	snap, err := s.deps.Env.Read()
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, snap)
}

type putEnvRequest struct {
	Updates map[string]any `json:"updates"`
}

func (s *Server) handlePutEnv(c echo.Context) error {
	var req putEnvRequest
	if err := decodeJSON(c, &req); err != nil {
		return err
	}
	if req.Updates == nil {
		return errInvalidPayload
	}

	requiresRebuild, err := s.deps.Env.Update(req.Updates)
	if err != nil {
		return err
	}
	slog.Info("env file updated", "path", s.deps.Env.Path(), "requires_rebuild", requiresRebuild)
	return c.JSON(http.StatusOK, map[string]bool{"ok": true, "requiresRebuild": requiresRebuild})
}

func decodeJSON(c echo.Context, target any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(target); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return errInvalidPayload
	}
	return nil
}
