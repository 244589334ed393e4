// File: internal/api/handlers.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/subscout/api/schemas"
	"github.com/xkilldash9x/subscout/internal/result"
	"github.com/xkilldash9x/subscout/internal/runner"
	"github.com/xkilldash9x/subscout/internal/service"
)

// maxBodyBytes bounds request bodies; none of them carry more than a login.
const maxBodyBytes = 64 << 10

// Actions is the part of service.Service the handlers use.
type Actions interface {
	RunAction(ctx context.Context, provider string, action schemas.ActionName, creds *schemas.Credentials, opts ...service.Option) result.Result[schemas.ActionReturn]
	Job(provider string, action schemas.ActionName, creds *schemas.Credentials, opts ...service.Option) runner.Job
}

// Runners is the part of runner.Manager the handlers use.
type Runners interface {
	Start(id string, job runner.Job) (*runner.Runner, error)
	Get(id string) (*runner.Runner, error)
	Answer(id string, value *string) error
	Cancel(id string) error
}

// ActionRequest starts an action, synchronously or as a runner.
type ActionRequest struct {
	// QueueID names the runner. A random id is chosen when empty.
	QueueID  string               `json:"queueId,omitempty"`
	Provider string               `json:"provider"`
	Action   string               `json:"action"`
	Login    *schemas.Credentials `json:"login,omitempty"`
}

type ActionResponse struct {
	Data schemas.Subscriptions `json:"data"`
}

type RunnerResponse struct {
	QueueID    string `json:"queueId"`
	State      string `json:"state"`
	PendingKey string `json:"pendingKey,omitempty"`
}

type AnswerRequest struct {
	Answer *string `json:"answer"`
}

// Handlers manages HTTP request handling.
type Handlers struct {
	log     *zap.Logger
	actions Actions
	runners Runners
}

func NewHandlers(actions Actions, runners Runners, logger *zap.Logger) *Handlers {
	return &Handlers{
		log:     logger.Named("api_handlers"),
		actions: actions,
		runners: runners,
	}
}

func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/actions", h.HandleRunAction)
		r.Post("/runners", h.HandleStartRunner)
		r.Get("/runners/{id}", h.HandleGetRunner)
		r.Post("/runners/{id}/answer", h.HandleAnswer)
		r.Post("/runners/{id}/cancel", h.HandleCancel)
	})
}

func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// HandleRunAction runs an action to completion within the request.
func (h *Handlers) HandleRunAction(w http.ResponseWriter, r *http.Request) {
	req, action, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	res := h.actions.RunAction(r.Context(), req.Provider, action, req.Login)
	if res.IsErr() {
		h.respondWithActionError(w, res.Error())
		return
	}
	data := res.Value().Data
	if data == nil {
		data = schemas.Subscriptions{}
	}
	h.respondWithJSON(w, http.StatusOK, ActionResponse{Data: data})
}

// HandleStartRunner starts an action in the background. Questions and the
// outcome are delivered as runner events.
func (h *Handlers) HandleStartRunner(w http.ResponseWriter, r *http.Request) {
	req, action, ok := h.decodeAction(w, r)
	if !ok {
		return
	}
	id := strings.TrimSpace(req.QueueID)
	if id == "" {
		id = uuid.NewString()
	}
	logger := h.log.With(zap.String("queue_id", id))
	run, err := h.runners.Start(id, h.actions.Job(req.Provider, action, req.Login, service.WithLogger(logger)))
	if err != nil {
		h.respondWithActionError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusAccepted, RunnerResponse{QueueID: run.ID(), State: string(run.State())})
}

func (h *Handlers) HandleGetRunner(w http.ResponseWriter, r *http.Request) {
	run, err := h.runners.Get(chi.URLParam(r, "id"))
	if err != nil {
		h.respondWithActionError(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, RunnerResponse{
		QueueID:    run.ID(),
		State:      string(run.State()),
		PendingKey: run.PendingKey(),
	})
}

// HandleAnswer resolves the runner's open question. A null answer dismisses it.
func (h *Handlers) HandleAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.runners.Answer(chi.URLParam(r, "id"), req.Answer); err != nil {
		h.respondWithActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.runners.Cancel(chi.URLParam(r, "id")); err != nil {
		h.respondWithActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) decodeAction(w http.ResponseWriter, r *http.Request) (ActionRequest, schemas.ActionName, bool) {
	var req ActionRequest
	if !h.decode(w, r, &req) {
		return req, "", false
	}
	if strings.TrimSpace(req.Provider) == "" {
		h.respondWithActionError(w, schemas.NewServerError(schemas.CodeInvalidRequest, "provider is required"))
		return req, "", false
	}
	action, err := schemas.ParseActionName(req.Action)
	if err != nil {
		h.respondWithActionError(w, schemas.NewServerError(schemas.CodeUnknownAction, err.Error()))
		return req, "", false
	}
	return req, action, true
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		h.respondWithJSON(w, http.StatusBadRequest, schemas.ErrorBody{
			Kind:    schemas.KindServer,
			Code:    schemas.CodeInvalidRequest,
			Message: "Invalid request body: " + err.Error(),
		})
		return false
	}
	return true
}

// statusFor maps an error kind to its HTTP status.
func statusFor(ae *schemas.ActionError) int {
	switch ae.Kind {
	case schemas.KindUser:
		return http.StatusUnprocessableEntity
	case schemas.KindFlow:
		return http.StatusBadGateway
	case schemas.KindInfra:
		return http.StatusServiceUnavailable
	}
	switch ae.Code {
	case schemas.CodeRunnerNotFound, schemas.CodeUnknownProvider:
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func (h *Handlers) respondWithActionError(w http.ResponseWriter, err error) {
	ae, ok := schemas.AsActionError(err)
	if !ok {
		h.log.Error("Handler failed with an unclassified error.", zap.Error(err))
		ae = schemas.NewInfraError(schemas.CodeScriptFailed, "unexpected failure", err)
	}
	h.respondWithJSON(w, statusFor(ae), ae.Body())
}

func (h *Handlers) respondWithJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
