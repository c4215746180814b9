package graph

import (
	"fmt"
	"runtime"
	"time"
)

type SyncMode int

const (
	// SyncBarriers folds every cross-pass dependency into the consumer's pre-dispatch barrier.
	SyncBarriers SyncMode = iota
	// SyncEvents signals a pooled GPU event after each producer and waits on it in the consumer.
	SyncEvents
)

func (m SyncMode) String() string {
	switch m {
	case SyncBarriers:
		return "barriers"
	case SyncEvents:
		return "events"
	default:
		return fmt.Sprintf("sync(%d)", int(m))
	}
}

func ParseSyncMode(s string) (SyncMode, error) {
	switch s {
	case "", "barriers":
		return SyncBarriers, nil
	case "events":
		return SyncEvents, nil
	default:
		return SyncBarriers, fmt.Errorf("unknown sync mode %q", s)
	}
}

/** @brief Per-graph configuration. */
type Settings struct {
	SyncMode SyncMode
	/** @brief Derive accesses from reflected shader bindings in addition to explicit Read/Write calls. */
	InferDependencies bool
	/** @brief Worker goroutines used for shader compilation and pipeline creation. */
	Workers int
	/** @brief Number of resets a retired pipeline survives before it is destroyed. */
	FramesInFlight int
	/** @brief Emit a barrier instead of skipping dependencies on passes submitted in an earlier run window. */
	CrossWindowBarriers bool

	/** @brief Directory shader paths are relative to. */
	ShaderRoot string
	HotReload  bool
	/** @brief How often the hot-reload goroutine checks modification times. */
	PollInterval time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		SyncMode:          SyncBarriers,
		InferDependencies: true,
		Workers:           runtime.NumCPU(),
		FramesInFlight:    2,
		ShaderRoot:        "shaders",
		PollInterval:      500 * time.Millisecond,
	}
}

func (s *Settings) normalize() {
	if s.Workers <= 0 {
		s.Workers = 1
	}
	if s.FramesInFlight <= 0 {
		s.FramesInFlight = 1
	}
	if s.PollInterval <= 0 {
		s.PollInterval = 500 * time.Millisecond
	}
}

/** @brief Lifecycle state of a render graph. */
type State int

const (
	StateRecording State = iota
	StateFinalizing
	StateRunning
	StateSubmitted
	StateReset
	StateReplay
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateRecording:
		return "recording"
	case StateFinalizing:
		return "finalizing"
	case StateRunning:
		return "running"
	case StateSubmitted:
		return "submitted"
	case StateReset:
		return "reset"
	case StateReplay:
		return "replay"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}
