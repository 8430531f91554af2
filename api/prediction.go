package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/runtime/distributed"
	"github.com/PipeOpsHQ/flowexec/runtime/queue"
	"github.com/PipeOpsHQ/flowexec/stream"
	"github.com/PipeOpsHQ/flowexec/types"
)

var errUnknownFlow = errors.New("unknown flow")

// fallbackGrace lets bus events still in flight reach the client before a
// result-derived terminal event is written in their place.
const fallbackGrace = 500 * time.Millisecond

type predictionRequest struct {
	ID             string         `json:"id,omitempty"`
	Question       string         `json:"question"`
	ChatID         string         `json:"chatId,omitempty"`
	SessionID      string         `json:"sessionId,omitempty"`
	ChatMessageID  string         `json:"chatMessageId,omitempty"`
	Streaming      bool           `json:"streaming,omitempty"`
	History        string         `json:"history,omitempty"`
	EmitMetadata   bool           `json:"emitMetadata,omitempty"`
	OverrideConfig map[string]any `json:"overrideConfig,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (p predictionRequest) submitRequest(flowID string) (distributed.SubmitRequest, error) {
	req := distributed.SubmitRequest{
		JobID:         strings.TrimSpace(p.ID),
		FlowID:        flowID,
		ChatID:        strings.TrimSpace(p.ChatID),
		SessionID:     strings.TrimSpace(p.SessionID),
		ChatMessageID: strings.TrimSpace(p.ChatMessageID),
		Question:      p.Question,
		Streaming:     p.Streaming,
		EmitMetadata:  p.EmitMetadata,
		Overrides:     p.OverrideConfig,
		Metadata:      p.Metadata,
	}
	if raw := strings.TrimSpace(p.History); raw != "" {
		policy, ok := types.ParseHistoryPolicy(raw)
		if !ok {
			return req, fmt.Errorf("%w: unknown history policy %q", queue.ErrInvalidJob, raw)
		}
		req.History = policy
	}
	return req, nil
}

func (s *Server) handlePrediction(w http.ResponseWriter, r *http.Request) {
	flowID := strings.TrimSpace(mux.Vars(r)["flowId"])
	if !s.knownFlow(flowID) {
		s.writeFailure(w, fmt.Errorf("%w: %q", errUnknownFlow, flowID))
		return
	}

	var body predictionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		s.writeFailure(w, fmt.Errorf("%w: invalid request body: %v", queue.ErrInvalidJob, err))
		return
	}
	req, err := body.submitRequest(flowID)
	if err != nil {
		s.writeFailure(w, err)
		return
	}

	if req.Streaming && s.cfg.Hub != nil && s.cfg.Subscriber != nil {
		s.streamPrediction(w, r, req)
		return
	}
	req.Streaming = false
	s.waitPrediction(w, r, req)
}

func (s *Server) waitPrediction(w http.ResponseWriter, r *http.Request, req distributed.SubmitRequest) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.WaitTimeout)
	defer cancel()

	result, err := s.cfg.Coordinator.SubmitAndWait(ctx, req)
	if err != nil {
		if errors.Is(err, distributed.ErrJobFailed) {
			s.logger.Warn("prediction failed", zap.String("flowId", req.FlowID), zap.String("jobId", result.JobID), zap.String("error", result.Error))
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":  result.Error,
				"jobId":  result.JobID,
				"chatId": result.ChatID,
			})
			return
		}
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// streamPrediction subscribes the client's channel before the job is
// enqueued so that no event published by the worker can precede the
// subscription.
func (s *Server) streamPrediction(w http.ResponseWriter, r *http.Request, req distributed.SubmitRequest) {
	ctx := r.Context()
	if req.ChatID == "" {
		req.ChatID = uuid.NewString()
	}
	client, err := s.cfg.Hub.Attach(ctx, s.cfg.Subscriber, req.ChatID)
	if err != nil {
		s.writeFailure(w, fmt.Errorf("failed to subscribe to events: %w", err))
		return
	}
	defer func() {
		if err := s.cfg.Hub.Detach(context.WithoutCancel(ctx), s.cfg.Subscriber, client); err != nil {
			s.logger.Warn("failed to unsubscribe channel", zap.String("channel", req.ChatID), zap.Error(err))
		}
	}()

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.WaitTimeout)
	defer cancel()
	submitted, err := s.cfg.Coordinator.Submit(waitCtx, req)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	req.JobID = submitted.JobID

	flusher, err := stream.PrepareSSE(w)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	fallback := s.awaitFallback(waitCtx, req)
	kind, err := client.Serve(waitCtx, w, flusher, fallback)
	switch {
	case err == nil:
		s.logger.Debug("stream finished", zap.String("chatId", req.ChatID), zap.String("jobId", req.JobID), zap.String("terminal", string(kind)))
	case errors.Is(err, context.DeadlineExceeded):
		_ = stream.WriteSSE(w, mustEvent(req.ChatID, stream.KindError, "timed out waiting for job result"))
		flusher.Flush()
	case ctx.Err() != nil:
		s.logger.Debug("stream client disconnected", zap.String("chatId", req.ChatID), zap.String("jobId", req.JobID))
	default:
		s.logger.Warn("stream write failed", zap.String("chatId", req.ChatID), zap.Error(err))
	}
}

// awaitFallback turns the job's handed-back result into a terminal event.
// It fires only after fallbackGrace, and the client writes it only when the
// bus has not already delivered a terminal event.
func (s *Server) awaitFallback(ctx context.Context, req distributed.SubmitRequest) <-chan stream.Event {
	out := make(chan stream.Event, 1)
	go func() {
		defer close(out)
		result, err := s.cfg.Coordinator.AwaitResult(ctx, req.JobID)
		if ctx.Err() != nil {
			return
		}
		var e stream.Event
		switch {
		case err != nil && !errors.Is(err, distributed.ErrJobFailed):
			e = mustEvent(req.ChatID, stream.KindError, err.Error())
		case result.Aborted:
			e = mustEvent(req.ChatID, stream.KindAbort, stream.DoneMarker)
		case result.Failed():
			e = mustEvent(req.ChatID, stream.KindError, result.Error)
		default:
			e = mustEvent(req.ChatID, stream.KindEnd, stream.DoneMarker)
		}
		timer := time.NewTimer(fallbackGrace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case out <- e:
		case <-ctx.Done():
		}
	}()
	return out
}

func (s *Server) knownFlow(flowID string) bool {
	if flowID == "" {
		return false
	}
	if s.cfg.Flows == nil {
		return true
	}
	flows := s.cfg.Flows.Flows()
	return slices.Contains(flows, flowID) || slices.Contains(flows, "*")
}

func mustEvent(channel string, kind stream.Kind, data any) stream.Event {
	e, err := stream.NewEvent(channel, kind, data)
	if err != nil {
		return stream.Event{Channel: channel, Kind: stream.KindError}
	}
	return e
}
