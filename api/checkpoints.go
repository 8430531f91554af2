package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/PipeOpsHQ/flowexec/state"
	"github.com/PipeOpsHQ/flowexec/types"
)

var errNoSaver = errors.New("checkpoint store is not configured")

type checkpointView struct {
	ThreadID     string           `json:"threadId"`
	CheckpointID string           `json:"checkpointId"`
	ParentID     string           `json:"parentId,omitempty"`
	Source       string           `json:"source"`
	Step         int              `json:"step"`
	PendingWrite bool             `json:"pendingWrite,omitempty"`
	Timestamp    time.Time        `json:"ts"`
	Versions     map[string]int64 `json:"channelVersions,omitempty"`
	Writes       map[string]any   `json:"writes,omitempty"`
	Messages     []types.Message  `json:"messages,omitempty"`
	State        map[string]any   `json:"state,omitempty"`
	Extra        map[string]any   `json:"extra,omitempty"`
}

func newCheckpointView(t *state.Tuple, withMessages bool) checkpointView {
	v := checkpointView{
		ThreadID:     t.Config.ThreadID,
		CheckpointID: t.Config.CheckpointID,
		Source:       t.Metadata.Source,
		Step:         t.Metadata.Step,
		PendingWrite: t.Metadata.IsPendingWrite(),
		Versions:     t.Checkpoint.ChannelVersions,
		Writes:       t.Metadata.Writes,
		Timestamp:    t.Checkpoint.Timestamp,
	}
	if t.ParentConfig != nil {
		v.ParentID = t.ParentConfig.CheckpointID
	}
	if withMessages {
		v.Messages = t.Checkpoint.ChannelValues.Messages
		v.State = t.Checkpoint.ChannelValues.State
		v.Extra = t.Checkpoint.ChannelValues.Extra
	}
	return v
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Saver == nil {
		writeError(w, http.StatusNotImplemented, errNoSaver)
		return
	}
	threadID := mux.Vars(r)["threadId"]
	var (
		tuple *state.Tuple
		err   error
	)
	if id := strings.TrimSpace(r.URL.Query().Get("checkpointId")); id != "" {
		tuple, err = s.cfg.Saver.GetTuple(r.Context(), state.Config{ThreadID: threadID, CheckpointID: id})
	} else {
		tuple, err = state.LoadCurrent(r.Context(), s.cfg.Saver, threadID)
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newCheckpointView(tuple, true))
}

func (s *Server) handleCheckpointHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Saver == nil {
		writeError(w, http.StatusNotImplemented, errNoSaver)
		return
	}
	threadID := mux.Vars(r)["threadId"]
	opts := state.ListOptions{
		Limit:  listLimit(r),
		Before: strings.TrimSpace(r.URL.Query().Get("before")),
	}
	withMessages, _ := strconv.ParseBool(r.URL.Query().Get("messages"))

	views := []checkpointView{}
	for tuple, err := range s.cfg.Saver.List(r.Context(), threadID, opts) {
		if err != nil {
			s.writeFailure(w, err)
			return
		}
		views = append(views, newCheckpointView(tuple, withMessages))
	}
	if len(views) == 0 {
		s.writeFailure(w, state.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threadId": threadID, "checkpoints": views})
}

// handleCheckpointClear clears a thread's messages. hard=true deletes the
// thread's checkpoints instead.
func (s *Server) handleCheckpointClear(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Saver == nil {
		writeError(w, http.StatusNotImplemented, errNoSaver)
		return
	}
	threadID := mux.Vars(r)["threadId"]
	hard, _ := strconv.ParseBool(r.URL.Query().Get("hard"))
	var err error
	if hard {
		err = s.cfg.Saver.DeleteThread(r.Context(), threadID)
	} else {
		err = s.cfg.Saver.ClearThread(r.Context(), threadID)
	}
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threadId": threadID, "deleted": hard, "cleared": !hard})
}
