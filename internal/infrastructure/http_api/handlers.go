package http_api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/davarch/approval-gate/internal/domain"
	"github.com/davarch/approval-gate/internal/infrastructure/slack_http"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBody = 1 << 20

type errorBody struct {
	Error string                   `json:"error"`
	Text  string                   `json:"text,omitempty"`
	State domain.ApprovalStatus    `json:"status,omitempty"`
	Prior *domain.ApprovalDecision `json:"prior,omitempty"`
}

type callbackResponse struct {
	Text        string                `json:"text"`
	Token       string                `json:"token"`
	ExecutionID string                `json:"execution_id"`
	Status      domain.ApprovalStatus `json:"status"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unreadable body"})
		return
	}

	if err := s.deps.Verifier.Verify(r.Header, body); err != nil {
		s.log.Warn("callback verification failed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
		return
	}

	cb, err := slack_http.ParseCallback(r.Header.Get("Content-Type"), body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	out, err := s.deps.Callbacks.Handle(r.Context(), cb)
	if err != nil {
		s.writeCallbackError(w, cb, err)
		return
	}

	text := fmt.Sprintf("Approved by %s, App is now ready to deploy", cb.Actor)
	if cb.Decision == domain.DecisionReject {
		text = fmt.Sprintf("Rejected by %s, App deployment has been stopped", cb.Actor)
	}
	writeJSON(w, http.StatusOK, callbackResponse{
		Text:        text,
		Token:       out.Request.Token,
		ExecutionID: out.Request.ExecutionID,
		Status:      out.Request.Status,
	})
}

func (s *Server) writeCallbackError(w http.ResponseWriter, cb domain.Callback, err error) {
	var ce *domain.ConflictError
	switch {
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), State: ce.Status, Prior: ce.Prior})
	case errors.Is(err, domain.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorBody{
			Error: err.Error(),
			Text:  fmt.Sprintf("User %s is not allow to perform this operation", cb.Actor),
		})
	default:
		s.writeError(w, err)
	}
}

type triggerRequest struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var in triggerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
		return
	}

	e, err := s.deps.Orchestrator.Submit(r.Context(), domain.Trigger{
		Owner:  strings.TrimSpace(in.Owner),
		Repo:   strings.TrimSpace(in.Repo),
		Branch: strings.TrimSpace(in.Branch),
		Commit: strings.TrimSpace(in.Commit),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	e, err := s.deps.Executions.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	view := domain.ExecutionView{PipelineExecution: e}
	req, found, err := s.deps.Registry.FindByExecution(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if found {
		view.Approval = &req
		if view.Decisions, err = s.deps.Registry.Decisions(r.Context(), req.Token); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type cancelRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var in cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed json body"})
			return
		}
	}

	e, err := s.deps.Orchestrator.Cancel(r.Context(), mux.Vars(r)["id"], strings.TrimSpace(in.Actor))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	if st := r.URL.Query().Get("status"); st != "" && st != string(domain.ApprovalPending) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "only status=pending can be listed"})
		return
	}
	ps, err := s.deps.Registry.ListPending(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ps == nil {
		ps = []domain.ApprovalRequest{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrPendingExists):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
		writeJSON(w, code, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
