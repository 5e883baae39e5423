package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/correlator-io/seeder/internal/api/middleware"
	"github.com/correlator-io/seeder/internal/distribution"
	"github.com/correlator-io/seeder/internal/orchestrator"
	"github.com/correlator-io/seeder/internal/source"
	"github.com/correlator-io/seeder/internal/strategy"
)

var errRunWithoutReport = errors.New("run finished without a report")

type (
	// RunAccepted is returned when a run was started in the background.
	RunAccepted struct {
		RunID     uuid.UUID `json:"run_id"`
		Status    string    `json:"status"`
		Strategy  string    `json:"strategy,omitempty"`
		StatusURL string    `json:"status_url"`
	}

	// StopResponse reports whether a run was active when stop was requested.
	StopResponse struct {
		Stopped bool `json:"stopped"`
	}

	// EngineView is one downstream engine with its seeding state.
	EngineView struct {
		distribution.Requirement
		State orchestrator.EngineState `json:"state"`
	}
)

// handleStatus returns the orchestrator status snapshot. It never waits on a run.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.deps.Pipeline.Status())
}

// handleRuns returns the run history, newest first. ?limit=N truncates it.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	history := s.deps.Pipeline.History()

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			WriteErrorResponse(w, r, s.logger, BadRequest("limit must be a non-negative integer"))

			return
		}

		if limit < len(history) {
			history = history[:limit]
		}
	}

	s.writeJSON(w, r, http.StatusOK, history)
}

// handleStart launches a run of every registered strategy.
// POST /api/v1/orchestration/start[?wait=true]
//
// Response codes:
//   - 202 Accepted: run started in the background
//   - 200 OK: ?wait=true and the run finished; the body is the run report
//   - 400 Bad Request: no strategies registered
//   - 409 Conflict: a run is already in progress
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.launch(w, r, "")
}

// handleExecuteStrategy launches a run of a single strategy.
// POST /api/v1/strategies/{name}/execute[?wait=true]
func (s *Server) handleExecuteStrategy(w http.ResponseWriter, r *http.Request) {
	s.launch(w, r, r.PathValue("name"))
}

func (s *Server) launch(w http.ResponseWriter, r *http.Request, name string) {
	correlationID := middleware.GetCorrelationID(r.Context())

	runID, done, err := s.deps.Pipeline.Launch(s.runCtx, name)
	if err != nil {
		s.logger.Warn("Run rejected",
			slog.String("correlation_id", correlationID),
			slog.String("strategy", name),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, runProblem(err))

		return
	}

	s.logger.Info("Run launched",
		slog.String("correlation_id", correlationID),
		slog.String("run_id", runID.String()),
		slog.String("strategy", name),
	)

	accepted := RunAccepted{
		RunID:     runID,
		Status:    "accepted",
		Strategy:  name,
		StatusURL: "/api/v1/status",
	}

	if r.URL.Query().Get("wait") != "true" {
		s.writeJSON(w, r, http.StatusAccepted, accepted)

		return
	}

	timer := time.NewTimer(s.config.RunWaitTimeout)
	defer timer.Stop()

	select {
	case result := <-done:
		if result.Report == nil {
			err := result.Err
			if err == nil {
				err = errRunWithoutReport
			}

			WriteErrorResponse(w, r, s.logger, runProblem(err))

			return
		}

		s.writeJSON(w, r, http.StatusOK, result.Report)
	case <-timer.C:
		// The run keeps going; the caller polls status instead.
		s.writeJSON(w, r, http.StatusAccepted, accepted)
	case <-r.Context().Done():
	}
}

// handleStop asks the active run to halt at the next phase boundary.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	stopped := s.deps.Pipeline.Stop()

	s.logger.Info("Stop requested",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.Bool("run_active", stopped),
	)

	s.writeJSON(w, r, http.StatusOK, StopResponse{Stopped: stopped})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.deps.Components.Sources.List())
}

// handleRegisterSource registers or replaces a source.
// POST /api/v1/sources
func (s *Server) handleRegisterSource(w http.ResponseWriter, r *http.Request) {
	var cfg source.Config
	if problem := s.decodeJSON(r, &cfg); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if err := s.deps.Components.Sources.Register(cfg); err != nil {
		WriteErrorResponse(w, r, s.logger, registrationProblem(err))

		return
	}

	registered, err := s.deps.Components.Sources.Get(cfg.ID)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, InternalServerError("Source vanished after registration"))

		return
	}

	s.logger.Info("Source registered",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("source_id", registered.ID),
		slog.String("kind", string(registered.Kind)),
	)

	s.writeJSON(w, r, http.StatusCreated, registered)
}

func (s *Server) handleListStrategies(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, s.deps.Components.Strategies.List())
}

// handleRegisterStrategy registers or replaces a strategy. Every referenced
// source must already be registered.
// POST /api/v1/strategies
func (s *Server) handleRegisterStrategy(w http.ResponseWriter, r *http.Request) {
	var st strategy.Strategy
	if problem := s.decodeJSON(r, &st); problem != nil {
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	if err := s.deps.Components.Strategies.Register(st); err != nil {
		WriteErrorResponse(w, r, s.logger, registrationProblem(err))

		return
	}

	s.logger.Info("Strategy registered",
		slog.String("correlation_id", middleware.GetCorrelationID(r.Context())),
		slog.String("strategy", st.Name),
		slog.Any("target_engines", st.TargetEngines),
	)

	s.writeJSON(w, r, http.StatusCreated, st)
}

// handleListEngines returns every registered engine requirement with its state.
func (s *Server) handleListEngines(w http.ResponseWriter, r *http.Request) {
	states := s.deps.Pipeline.Status().Engines
	names := s.deps.Components.Distributor.Engines()
	views := make([]EngineView, 0, len(names))

	for _, name := range names {
		req, err := s.deps.Components.Distributor.Requirement(name)
		if err != nil {
			continue
		}

		state, ok := states[name]
		if !ok {
			state = orchestrator.EngineReady
		}

		views = append(views, EngineView{Requirement: req, State: state})
	}

	s.writeJSON(w, r, http.StatusOK, views)
}

// handleEngineReady moves an engine back to ready once it finished training.
// POST /api/v1/engines/{name}/ready
func (s *Server) handleEngineReady(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := s.deps.Pipeline.MarkEngineReady(name); err != nil {
		if errors.Is(err, distribution.ErrEngineNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound(fmt.Sprintf("Engine %q is not registered", name)))

			return
		}

		WriteErrorResponse(w, r, s.logger, InternalServerError(err.Error()))

		return
	}

	req, err := s.deps.Components.Distributor.Requirement(name)
	if err != nil {
		req = distribution.Requirement{Engine: name}
	}

	s.writeJSON(w, r, http.StatusOK, EngineView{Requirement: req, State: orchestrator.EngineReady})
}

// runProblem maps orchestrator rejections to problem responses.
func runProblem(err error) *ProblemDetail {
	switch {
	case errors.Is(err, orchestrator.ErrRunInProgress):
		return Conflict("A run is already in progress")
	case errors.Is(err, orchestrator.ErrNoStrategies):
		return BadRequest("No strategies are registered")
	case errors.Is(err, strategy.ErrStrategyNotFound):
		return NotFound(err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ServiceUnavailable("Run was cancelled")
	default:
		return InternalServerError(err.Error())
	}
}

func registrationProblem(err error) *ProblemDetail {
	switch {
	case errors.Is(err, source.ErrInvalidConfig),
		errors.Is(err, strategy.ErrInvalidStrategy):
		return BadRequest(err.Error())
	default:
		return InternalServerError(err.Error())
	}
}
