// Package runner executes one queued job: it loads the thread's state, drives
// the flow's agent stream, publishes what the client should see and folds the
// answer back into a new checkpoint.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/flowexec/agent"
	"github.com/PipeOpsHQ/flowexec/runtime/distributed"
	"github.com/PipeOpsHQ/flowexec/runtime/queue"
	"github.com/PipeOpsHQ/flowexec/state"
	"github.com/PipeOpsHQ/flowexec/stream"
	"github.com/PipeOpsHQ/flowexec/types"
)

var (
	ErrAborted     = errors.New("execution aborted")
	ErrUnknownFlow = errors.New("unknown flow")
)

// Stages reported by ExecutionError.
const (
	StageLoadState    = "load_state"
	StageResolve      = "resolve_flow"
	StageStream       = "stream"
	StagePendingWrite = "pending_write"
	StageCheckpoint   = "save_checkpoint"
)

type ExecutionError struct {
	ThreadID string
	JobID    string
	Stage    string
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s on thread %s failed at %s: %v", e.JobID, e.ThreadID, e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

type Runner struct {
	saver      state.Saver
	publisher  stream.Publisher
	resolver   Resolver
	logger     *zap.Logger
	forward    func(json.RawMessage)
	memoryType string
}

type Option func(*Runner)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithForward hands every raw agent event, unchanged, to fn before it is
// interpreted.
func WithForward(fn func(json.RawMessage)) Option {
	return func(r *Runner) { r.forward = fn }
}

// WithMemoryType labels results with the checkpoint backend in use.
func WithMemoryType(memoryType string) Option {
	return func(r *Runner) { r.memoryType = memoryType }
}

func New(saver state.Saver, publisher stream.Publisher, resolver Resolver, opts ...Option) (*Runner, error) {
	if saver == nil {
		return nil, errors.New("checkpoint saver is required")
	}
	if publisher == nil {
		return nil, errors.New("publisher is required")
	}
	if resolver == nil {
		return nil, errors.New("flow resolver is required")
	}
	r := &Runner{
		saver:     saver,
		publisher: publisher,
		resolver:  resolver,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "runner"))
	return r, nil
}

// Processor builds a Runner per job from the dependencies the worker
// attached at dequeue time.
func Processor(resolver Resolver, opts ...Option) distributed.ProcessFunc {
	return func(ctx context.Context, job queue.Job, deps distributed.Dependencies) (queue.Result, error) {
		r, err := New(deps.Saver, deps.Publisher, resolver, append(slices.Clone(opts), WithLogger(deps.Logger))...)
		if err != nil {
			return queue.Result{}, err
		}
		return r.Run(ctx, job)
	}
}

// execution holds the accumulators of one Run.
type execution struct {
	job     queue.Job
	emitter stream.Emitter
	logger  *zap.Logger
	started bool

	text            strings.Builder
	usedTools       []types.UsedTool
	sourceDocuments []types.SourceDocument
	artifacts       []types.Artifact
	fileAnnotations []types.FileAnnotation
}

func (x *execution) start(ctx context.Context) {
	if !x.started {
		x.started = true
		x.emitter.Start(ctx)
	}
}

// Run executes job on its chat thread. Every return path publishes a
// terminal event on the job's channel.
func (r *Runner) Run(ctx context.Context, job queue.Job) (queue.Result, error) {
	threadID := job.ChatID
	x := &execution{
		job:     job,
		emitter: stream.NewEmitter(r.publisher, job.ChatID),
		logger:  r.logger.With(zap.String("job_id", job.ID), zap.String("thread_id", threadID)),
	}
	result := queue.Result{
		JobID:         job.ID,
		ChatID:        job.ChatID,
		ChatMessageID: job.ChatMessageID,
		Question:      job.Question,
		SessionID:     job.SessionID,
		MemoryType:    r.memoryType,
	}
	fail := func(stage string, err error) (queue.Result, error) {
		if distributed.Aborted(ctx) && !errors.Is(err, ErrAborted) {
			err = fmt.Errorf("%w: %w", ErrAborted, err)
		}
		execErr := &ExecutionError{ThreadID: threadID, JobID: job.ID, Stage: stage, Err: err}
		if errors.Is(err, ErrAborted) {
			x.emitter.Abort(ctx)
			result.Aborted = true
		} else {
			x.emitter.Error(ctx, err.Error())
		}
		result.Error = execErr.Error()
		return result, execErr
	}

	prev, err := state.LoadCurrent(ctx, r.saver, threadID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return fail(StageLoadState, err)
	}
	prior := validMessages(prev, x.logger)

	ag, err := r.resolver.Resolve(ctx, job.FlowID)
	if err != nil {
		return fail(StageResolve, err)
	}

	in := agent.Input{
		Question: job.Question,
		History:  SelectHistory(prior, job.History),
		ThreadID: threadID,
		RunID:    job.ID,
	}
	if prev != nil {
		in.State = maps.Clone(prev.Checkpoint.ChannelValues.State)
	}
	parent := state.Config{ThreadID: threadID}
	if prev != nil {
		parent.CheckpointID = prev.Config.CheckpointID
	}

	var final *agent.ChainOutput
	for raw, streamErr := range ag.Stream(ctx, in) {
		if cause := interruption(ctx); cause != nil {
			return fail(StageStream, cause)
		}
		if streamErr != nil {
			return fail(StageStream, streamErr)
		}
		if r.forward != nil {
			r.forward(raw)
		}
		var ev agent.Event
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Event == "" {
			x.logger.Warn("skipping malformed agent event", zap.ByteString("event", truncate(raw)), zap.Error(err))
			continue
		}
		out, err := r.handle(ctx, x, parent, ev)
		if err != nil {
			return fail(StagePendingWrite, err)
		}
		if out != nil {
			final = out
		}
	}
	if cause := interruption(ctx); cause != nil {
		return fail(StageStream, cause)
	}

	if x.text.Len() == 0 && final != nil && final.Content != "" {
		x.start(ctx)
		x.emitter.Token(ctx, final.Content)
		x.text.WriteString(final.Content)
	}
	result.Text = x.text.String()
	result.UsedTools = x.usedTools
	result.SourceDocuments = x.sourceDocuments
	result.Artifacts = x.artifacts
	result.FileAnnotations = x.fileAnnotations

	id, err := r.saveTurn(ctx, prev, prior, x)
	if err != nil {
		return fail(StageCheckpoint, err)
	}
	result.CheckpointID = id

	x.start(ctx)
	if len(x.sourceDocuments) > 0 {
		x.emitter.SourceDocuments(ctx, x.sourceDocuments)
	}
	if len(x.usedTools) > 0 {
		x.emitter.UsedTools(ctx, x.usedTools)
	}
	if len(x.artifacts) > 0 {
		x.emitter.Artifacts(ctx, x.artifacts)
	}
	if len(x.fileAnnotations) > 0 {
		x.emitter.FileAnnotations(ctx, x.fileAnnotations)
	}
	if job.EmitMetadata {
		x.emitter.Metadata(ctx, map[string]any{
			"chatId":        job.ChatID,
			"chatMessageId": job.ChatMessageID,
			"sessionId":     job.SessionID,
			"question":      job.Question,
			"checkpointId":  id,
		})
	}
	x.emitter.End(ctx)
	return result, nil
}

// handle applies one agent event. It returns the final output when ev ends
// the chain.
func (r *Runner) handle(ctx context.Context, x *execution, parent state.Config, ev agent.Event) (*agent.ChainOutput, error) {
	switch ev.Event {
	case agent.EventChatModelStream:
		if ev.Data.Chunk == nil || ev.Data.Chunk.Content == "" {
			return nil, nil
		}
		x.start(ctx)
		x.emitter.Token(ctx, ev.Data.Chunk.Content)
		x.text.WriteString(ev.Data.Chunk.Content)

	case agent.EventToolStart:
		x.start(ctx)
		x.emitter.Tool(ctx, stream.ToolEvent{Name: ev.Name, Status: stream.ToolStatusStart, Input: rawOrNil(ev.Data.Input)})

	case agent.EventToolEnd:
		x.start(ctx)
		var out agent.ToolOutput
		if err := json.Unmarshal(ev.Data.Output, &out); err != nil {
			out = agent.ToolOutput{Content: string(ev.Data.Output)}
		}
		x.usedTools = append(x.usedTools, types.UsedTool{
			Tool:       ev.Name,
			ToolInput:  rawOrNil(ev.Data.Input),
			ToolOutput: out.Content,
			Error:      out.Error,
		})
		x.sourceDocuments = append(x.sourceDocuments, out.SourceDocuments...)
		x.artifacts = append(x.artifacts, out.Artifacts...)
		x.fileAnnotations = append(x.fileAnnotations, out.FileAnnotations...)
		x.emitter.Tool(ctx, stream.ToolEvent{
			Name:   ev.Name,
			Status: stream.ToolStatusEnd,
			Input:  rawOrNil(ev.Data.Input),
			Output: out.Content,
			Error:  out.Error,
		})

		msg := types.Message{Kind: types.KindTool, Name: ev.Name, Content: out.Content}
		writes := []state.PendingWrite{{Channel: state.ChannelMessages, Value: msg}}
		if err := r.saver.PutWrites(ctx, parent, writes, state.NewCheckpointID()); err != nil {
			return nil, err
		}

	case agent.EventAgentReasoning:
		if ev.Data.Chunk != nil && ev.Data.Chunk.Content != "" {
			x.emitter.AgentReasoning(ctx, ev.Data.Chunk.Content)
		}

	case agent.EventNextAgent:
		x.emitter.NextAgent(ctx, ev.Name)

	case agent.EventAgentAction:
		x.emitter.Action(ctx, rawOrNil(ev.Data.Output))

	case agent.EventChainEnd:
		var out agent.ChainOutput
		if len(ev.Data.Output) > 0 {
			if err := json.Unmarshal(ev.Data.Output, &out); err != nil {
				x.logger.Warn("ignoring undecodable chain output", zap.Error(err))
				return nil, nil
			}
		}
		return &out, nil

	default:
		x.logger.Debug("ignoring agent event", zap.String("event", ev.Event))
	}
	return nil, nil
}

// saveTurn writes the checkpoint holding the thread's messages followed by
// this turn's question and answer. Its parent is the previous real
// checkpoint, never a pending-write row.
func (r *Runner) saveTurn(ctx context.Context, prev *state.Tuple, prior []types.Message, x *execution) (string, error) {
	human := types.HumanMessage(x.job.Question)
	ai := types.AIMessage(x.text.String())
	ai.ID = x.job.ChatMessageID
	kwargs := map[string]any{}
	if len(x.usedTools) > 0 {
		kwargs["usedTools"] = x.usedTools
	}
	if len(x.sourceDocuments) > 0 {
		kwargs["sourceDocuments"] = x.sourceDocuments
	}
	if len(x.artifacts) > 0 {
		kwargs["artifacts"] = x.artifacts
	}
	if len(x.fileAnnotations) > 0 {
		kwargs["fileAnnotations"] = x.fileAnnotations
	}
	if len(kwargs) > 0 {
		ai.AdditionalKwargs = kwargs
	}

	id := state.NewCheckpointID()
	cp := state.EmptyCheckpoint(id)
	cp.ChannelValues.Messages = append(slices.Clone(prior), human, ai)
	md := state.Metadata{
		Source:  state.SourceInput,
		Step:    0,
		Writes:  map[string]any{state.ChannelMessages: []types.Message{human, ai}},
		Parents: map[string]string{},
	}
	version := int64(1)
	if prev != nil {
		cp.ParentID = prev.Config.CheckpointID
		if prev.Checkpoint.ChannelValues.State != nil {
			cp.ChannelValues.State = maps.Clone(prev.Checkpoint.ChannelValues.State)
		}
		cp.ChannelValues.Extra = maps.Clone(prev.Checkpoint.ChannelValues.Extra)
		cp.ChannelVersions = maps.Clone(prev.Checkpoint.ChannelVersions)
		if cp.ChannelVersions == nil {
			cp.ChannelVersions = map[string]int64{}
		}
		version = cp.ChannelVersions[state.ChannelMessages] + 1
		md.Source = state.SourceLoop
		md.Step = prev.Metadata.Step + 1
		md.Parents[""] = prev.Config.CheckpointID
	}

	cfg := state.Config{ThreadID: x.job.ChatID, CheckpointID: id}
	if _, err := r.saver.Put(ctx, cfg, cp, md, map[string]int64{state.ChannelMessages: version}); err != nil {
		return "", err
	}
	return id, nil
}

// interruption reports why ctx stopped, mapping an abort to ErrAborted.
func interruption(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if distributed.Aborted(ctx) {
		return ErrAborted
	}
	return context.Cause(ctx)
}

func validMessages(prev *state.Tuple, logger *zap.Logger) []types.Message {
	if prev == nil {
		return nil
	}
	out := make([]types.Message, 0, len(prev.Checkpoint.ChannelValues.Messages))
	for _, m := range prev.Checkpoint.ChannelValues.Messages {
		if !m.Kind.Valid() {
			logger.Warn("dropping stored message with unknown kind", zap.String("kind", string(m.Kind)))
			continue
		}
		out = append(out, m)
	}
	return out
}

func rawOrNil(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func truncate(raw []byte) []byte {
	if len(raw) > 256 {
		return raw[:256]
	}
	return raw
}
