package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/queue"
	"github.com/loomworks/loom/runtime/signals"
	"github.com/loomworks/loom/runtime/store"
	"github.com/loomworks/loom/runtime/stream"
)

// api mounts the control-plane endpoints next to the worker: run submission,
// signal delivery, inbound message ingestion, and workflow status reads.
type api struct {
	store       store.Store
	emitter     *stream.Emitter
	ingress     *signals.Ingress
	maxAttempts int
}

func (a *api) mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/runs", a.submitRun)
	mux.HandleFunc("POST /v1/signals", a.deliverSignal)
	mux.HandleFunc("POST /v1/messages", a.ingestMessage)
	mux.HandleFunc("GET /v1/workflows/{workflowID}", a.getWorkflow)
}

func (a *api) submitRun(w http.ResponseWriter, r *http.Request) {
	var req contract.ObjectiveRequestV1
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := queue.Enqueue(r.Context(), a.store, a.emitter, req, a.maxAttempts)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":      job.JobID,
		"runId":      job.RunID,
		"workflowId": job.WorkflowID,
		"status":     string(job.Status),
	})
}

func (a *api) deliverSignal(w http.ResponseWriter, r *http.Request) {
	var sig contract.WorkflowSignalV1
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.ingress.EnqueueWorkflowSignal(r.Context(), sig); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"signalId": sig.SignalID})
}

// inboundMessagePayload is the wire form of a provider chat event.
type inboundMessagePayload struct {
	Provider       string `json:"provider"`
	ProviderTeamID string `json:"providerTeamId"`
	EventID        string `json:"eventId"`
	ChannelType    string `json:"channelType"`
	ChannelID      string `json:"channelId"`
	ThreadID       string `json:"threadId"`
	SenderID       string `json:"senderId"`
	Text           string `json:"text"`
	OccurredAt     string `json:"occurredAt"`
}

func (a *api) ingestMessage(w http.ResponseWriter, r *http.Request) {
	var payload inboundMessagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	occurred := time.Time{}
	if payload.OccurredAt != "" {
		parsed, err := contract.ParseTime(payload.OccurredAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		occurred = parsed
	}
	result, err := a.ingress.IngestInboundMessage(r.Context(), signals.InboundMessage{
		Provider:       payload.Provider,
		ProviderTeamID: payload.ProviderTeamID,
		EventID:        payload.EventID,
		ChannelType:    payload.ChannelType,
		ChannelID:      payload.ChannelID,
		ThreadID:       payload.ThreadID,
		SenderID:       payload.SenderID,
		Text:           payload.Text,
		OccurredAt:     occurred,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ingested":   result.Ingested,
		"reason":     result.Reason,
		"workflowId": result.WorkflowID,
		"signalId":   result.SignalID,
	})
}

func (a *api) getWorkflow(w http.ResponseWriter, r *http.Request) {
	scope := contract.Scope{
		TenantID:    r.URL.Query().Get("tenantId"),
		WorkspaceID: r.URL.Query().Get("workspaceId"),
	}
	if scope.IsZero() {
		writeError(w, http.StatusBadRequest, errors.New("tenantId and workspaceId query parameters are required"))
		return
	}
	workflowID := r.PathValue("workflowID")
	workflow, ok, err := a.store.GetWorkflow(r.Context(), scope, workflowID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("workflow not found"))
		return
	}
	steps, err := a.store.ListPlannerSteps(r.Context(), scope, workflowID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"workflowId":      workflow.WorkflowID,
		"status":          string(workflow.Status),
		"stepCount":       workflow.StepCount,
		"waitingQuestion": workflow.WaitingQuestion,
		"errorSummary":    workflow.ErrorSummary,
		"steps":           steps,
	})
}

// writeFailure maps runtime errors onto status codes: validation errors are
// the caller's fault, everything else is a 500.
func writeFailure(w http.ResponseWriter, err error) {
	var verr *contract.ValidationError
	if errors.As(err, &verr) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
