// Package api serves the scoring interface over HTTP. Sessions hold named
// hypothesis states server-side; decoders step, branch and discard them by
// handle, so a beam search maps onto the endpoints one call per extension.
package api

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/trellis/internal/metrics"
	"github.com/samcharles93/trellis/internal/rescore"
	"github.com/samcharles93/trellis/internal/version"
	"github.com/samcharles93/trellis/pkg/lm"
)

var timeNow = time.Now

type Server struct {
	store    *SessionStore
	provider ScorerProvider
	started  time.Time
}

func NewServer(store *SessionStore, provider ScorerProvider) *Server {
	if store == nil {
		store = NewSessionStore()
	}
	return &Server{
		store:    store,
		provider: provider,
		started:  timeNow(),
	}
}

func (s *Server) Register(e *echo.Echo) {
	// Session scoring
	e.POST("/v1/sessions", s.handleCreateSession)
	e.POST("/v1/sessions/:id/step", s.handleStep)
	e.POST("/v1/sessions/:id/eos", s.handleEOS)
	e.POST("/v1/sessions/:id/advance", s.handleAdvance)
	e.DELETE("/v1/sessions/:id/states/:sid", s.handleDeleteState)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)

	// Stateless scoring
	e.POST("/v1/score", s.handleScore)
	e.POST("/v1/rescore", s.handleRescore)

	// Introspection
	e.GET("/v1/models", s.handleListModels)
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", handleMetrics)
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	req, err := decodeJSON[CreateSessionRequest](c.Request().Body)
	if err != nil && !errors.Is(err, io.EOF) {
		return writeBadRequest(c, err.Error())
	}

	var resp CreateSessionResponse
	err = s.provider.WithScorer(c.Request().Context(), req.Model, func(scorer *lm.Scorer) error {
		sessionID, stateID := s.store.Create(req.Model, scorer.StartState())
		resp = CreateSessionResponse{
			SessionID: sessionID,
			StateID:   stateID,
			SOS:       scorer.Start(),
			EOS:       scorer.EOS(),
			VocabSize: scorer.VocabSize(),
		}
		return nil
	})
	if err != nil {
		return writeScorerError(c, err)
	}
	metrics.RecordSessionOpened()
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStep(c *echo.Context) error {
	sessionID := c.Param("id")
	model, ok := s.store.Model(sessionID)
	if !ok {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[StepRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.StateID == "" || req.Prev == nil || req.Label == nil {
		return writeBadRequest(c, "state_id, prev and label are required")
	}
	st, ok := s.store.State(sessionID, req.StateID)
	if !ok {
		return writeNotFound(c, "state not found")
	}

	var resp StepResponse
	start := time.Now()
	err = s.provider.WithScorer(c.Request().Context(), model, func(scorer *lm.Scorer) error {
		score, next, err := scorer.Step(st, *req.Prev, *req.Label)
		if err != nil {
			return err
		}
		stateID, ok := s.store.AddState(sessionID, next)
		if !ok {
			return newInvalidRequest("session closed")
		}
		resp = StepResponse{Score: score, StateID: stateID}
		return nil
	})
	if err != nil {
		metrics.RecordScoringError(metrics.OpStep)
		return writeScorerError(c, err)
	}
	metrics.RecordStep(metrics.OpStep, time.Since(start))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleEOS(c *echo.Context) error {
	sessionID := c.Param("id")
	model, ok := s.store.Model(sessionID)
	if !ok {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[EOSRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.StateID == "" || req.Prev == nil {
		return writeBadRequest(c, "state_id and prev are required")
	}
	st, ok := s.store.State(sessionID, req.StateID)
	if !ok {
		return writeNotFound(c, "state not found")
	}

	var resp EOSResponse
	start := time.Now()
	err = s.provider.WithScorer(c.Request().Context(), model, func(scorer *lm.Scorer) error {
		score, err := scorer.StepEOS(st, *req.Prev)
		if err != nil {
			return err
		}
		resp = EOSResponse{Score: score}
		return nil
	})
	if err != nil {
		metrics.RecordScoringError(metrics.OpEOS)
		return writeScorerError(c, err)
	}
	metrics.RecordStep(metrics.OpEOS, time.Since(start))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAdvance(c *echo.Context) error {
	sessionID := c.Param("id")
	model, ok := s.store.Model(sessionID)
	if !ok {
		return writeNotFound(c, "session not found")
	}
	req, err := decodeJSON[AdvanceRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.StateID == "" || req.Prev == nil {
		return writeBadRequest(c, "state_id and prev are required")
	}
	st, ok := s.store.State(sessionID, req.StateID)
	if !ok {
		return writeNotFound(c, "state not found")
	}

	var resp AdvanceResponse
	start := time.Now()
	err = s.provider.WithScorer(c.Request().Context(), model, func(scorer *lm.Scorer) error {
		dist, next, err := scorer.Advance(st, *req.Prev)
		if err != nil {
			return err
		}
		scores := dist
		if req.Labels != nil {
			scores = make([]float32, len(req.Labels))
			for i, label := range req.Labels {
				if label < 0 || label >= len(dist) {
					return newInvalidRequest(fmt.Sprintf("labels[%d]: id %d out of range", i, label))
				}
				scores[i] = dist[label]
			}
		}
		stateID, ok := s.store.AddState(sessionID, next)
		if !ok {
			return newInvalidRequest("session closed")
		}
		resp = AdvanceResponse{StateID: stateID, Scores: scores}
		return nil
	})
	if err != nil {
		metrics.RecordScoringError(metrics.OpAdvance)
		return writeScorerError(c, err)
	}
	metrics.RecordStep(metrics.OpAdvance, time.Since(start))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleDeleteState(c *echo.Context) error {
	stateID := c.Param("sid")
	if !s.store.DeleteState(c.Param("id"), stateID) {
		return writeNotFound(c, "state not found")
	}
	return c.JSON(http.StatusOK, DeleteResponse{
		ID:      stateID,
		Object:  "state",
		Deleted: true,
	})
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	sessionID := c.Param("id")
	states, ok := s.store.Delete(sessionID)
	if !ok {
		return writeNotFound(c, "session not found")
	}
	metrics.RecordSessionClosed(states)
	return c.JSON(http.StatusOK, DeleteResponse{
		ID:      sessionID,
		Object:  "session",
		Deleted: true,
	})
}

func (s *Server) handleScore(c *echo.Context) error {
	req, err := decodeJSON[ScoreRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.Tokens == nil {
		return writeBadRequest(c, "tokens is required")
	}

	var resp ScoreResponse
	err = s.provider.WithScorer(c.Request().Context(), req.Model, func(scorer *lm.Scorer) error {
		total, perToken, err := rescore.ScoreSequence(c.Request().Context(), scorer, req.Tokens)
		if err != nil {
			return err
		}
		resp = ScoreResponse{Score: total, TokenScores: perToken}
		return nil
	})
	if err != nil {
		return writeScorerError(c, err)
	}
	metrics.RecordSequenceLength(len(req.Tokens))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRescore(c *echo.Context) error {
	req, err := decodeJSON[RescoreRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.NBest) == 0 {
		return writeBadRequest(c, "nbest must hold at least one hypothesis")
	}

	var results []rescore.Result
	start := time.Now()
	err = s.provider.WithScorer(c.Request().Context(), req.Model, func(scorer *lm.Scorer) error {
		var err error
		results, err = rescore.NewRescorer(scorer, 0).RescoreNBest(c.Request().Context(), req.NBest)
		return err
	})
	if err != nil {
		return writeScorerError(c, err)
	}
	metrics.RecordRescore(len(req.NBest), time.Since(start))

	ranked := make([]RescoreResult, len(results))
	for i, res := range results {
		ranked[i] = RescoreResult{
			Index:       i,
			Tokens:      res.Tokens,
			Score:       res.Score,
			TokenScores: res.TokenScores,
		}
	}
	slices.SortStableFunc(ranked, func(a, b RescoreResult) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return c.JSON(http.StatusOK, RescoreResponse{Results: ranked})
}

func (s *Server) handleListModels(c *echo.Context) error {
	models := []ModelInfo{}
	if lister, ok := s.provider.(interface{ ListModels() ([]string, error) }); ok {
		paths, err := lister.ListModels()
		if err != nil {
			return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
		}
		for _, path := range paths {
			info := ModelInfo{
				Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
				Path: path,
			}
			if st, err := os.Stat(path); err == nil {
				info.Size = st.Size()
			}
			models = append(models, info)
		}
	}
	return c.JSON(http.StatusOK, ModelsResponse{Models: models})
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.String(),
		Uptime:  timeNow().Sub(s.started).Round(time.Second).String(),
	})
}

func handleMetrics(c *echo.Context) error {
	promhttp.Handler().ServeHTTP(c.Response(), c.Request())
	return nil
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
