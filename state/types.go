package state

import (
	"strings"
	"time"

	"github.com/PipeOpsHQ/flowexec/types"
)

const CheckpointVersion = 1

// Metadata sources.
const (
	SourceInput  = "input"
	SourceLoop   = "loop"
	SourceUpdate = "update"
)

// ChannelMessages and ChannelState are the well-known channel names.
const (
	ChannelMessages = "messages"
	ChannelState    = "state"
)

// Config addresses a checkpoint. An empty CheckpointID means "latest".
type Config struct {
	ThreadID     string `json:"threadId"`
	CheckpointID string `json:"checkpointId,omitempty"`
}

func (c Config) IsZero() bool {
	return strings.TrimSpace(c.ThreadID) == "" && strings.TrimSpace(c.CheckpointID) == ""
}

type PendingSend struct {
	Node string `json:"node"`
	Args any    `json:"args,omitempty"`
}

type PendingWrite struct {
	Channel string `json:"channel"`
	Value   any    `json:"value"`
}

// ChannelValues holds the serialized channels of a checkpoint. Messages and
// State are typed; any other channel is kept in Extra as plain data.
type ChannelValues struct {
	Messages []types.Message
	State    map[string]any
	Extra    map[string]any
}

type Checkpoint struct {
	Version         int                         `json:"v"`
	ID              string                      `json:"id"`
	Timestamp       time.Time                   `json:"ts"`
	ParentID        string                      `json:"parent_id,omitempty"`
	ChannelValues   ChannelValues               `json:"channel_values"`
	ChannelVersions map[string]int64            `json:"channel_versions"`
	VersionsSeen    map[string]map[string]int64 `json:"versions_seen"`
	PendingSends    []PendingSend               `json:"pending_sends"`
}

// EmptyCheckpoint returns a checkpoint with initialized maps and no messages.
func EmptyCheckpoint(id string) Checkpoint {
	return Checkpoint{
		Version:         CheckpointVersion,
		ID:              id,
		Timestamp:       time.Now().UTC(),
		ChannelValues:   ChannelValues{Messages: []types.Message{}, State: map[string]any{}},
		ChannelVersions: map[string]int64{},
		VersionsSeen:    map[string]map[string]int64{},
		PendingSends:    []PendingSend{},
	}
}

type Metadata struct {
	Source  string            `json:"source"`
	Step    int               `json:"step"`
	Writes  map[string]any    `json:"writes,omitempty"`
	Parents map[string]string `json:"parents,omitempty"`
}

// IsPendingWrite reports whether the metadata marks a synthetic pending-write row.
func (m Metadata) IsPendingWrite() bool {
	return m.Source == SourceUpdate && m.Step < 0
}

type Tuple struct {
	Config       Config     `json:"config"`
	Checkpoint   Checkpoint `json:"checkpoint"`
	Metadata     Metadata   `json:"metadata"`
	ParentConfig *Config    `json:"parentConfig,omitempty"`
}

// PrepareCheckpoint normalizes a checkpoint about to be written under cfg.
func PrepareCheckpoint(cfg Config, cp Checkpoint, newVersions map[string]int64) Checkpoint {
	cp.ID = cfg.CheckpointID
	if cp.Version == 0 {
		cp.Version = CheckpointVersion
	}
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	versions := make(map[string]int64, len(cp.ChannelVersions)+len(newVersions))
	for channel, version := range cp.ChannelVersions {
		versions[channel] = version
	}
	for channel, version := range newVersions {
		versions[channel] = version
	}
	cp.ChannelVersions = versions
	if cp.VersionsSeen == nil {
		cp.VersionsSeen = map[string]map[string]int64{}
	}
	if cp.PendingSends == nil {
		cp.PendingSends = []PendingSend{}
	}
	if cp.ChannelValues.Messages == nil {
		cp.ChannelValues.Messages = []types.Message{}
	}
	return cp
}
