package events

import (
	"encoding/json"
	"time"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// RUN EVENTS
// =============================================================================

type RunStartedPayload struct {
	OutputDir string  `json:"output_dir"`
	Direction string  `json:"direction"`
	Begin     float64 `json:"begin"`
	End       float64 `json:"end"`
	Initial   float64 `json:"initial"`
}

func (RunStartedPayload) EventType() EventType { return EventRunStarted }

type RunFinishedPayload struct {
	Points      int    `json:"points"`
	Evaluations int    `json:"evaluations"`
	Error       string `json:"error,omitempty"`
}

func (RunFinishedPayload) EventType() EventType { return EventRunFinished }

// =============================================================================
// EVALUATION EVENTS
// =============================================================================

type EvaluationPayload struct {
	TaskID int     `json:"task_id"`
	Temp   float64 `json:"temp"`
	Pres   float64 `json:"pres"`
	DV     float64 `json:"dv"`
	DH     float64 `json:"dh"`
	Slope  float64 `json:"slope"`
	// WarmStart is the task the starting configurations came from, -1 for
	// the initial configurations.
	WarmStart int `json:"warm_start"`
}

// EvaluationCachedPayload is published when a point is served from the store.
type EvaluationCachedPayload struct{ EvaluationPayload }

func (EvaluationCachedPayload) EventType() EventType { return EventEvaluationCached }

// EvaluationComputedPayload is published after a new point was simulated.
type EvaluationComputedPayload struct {
	EvaluationPayload
	Elapsed time.Duration `json:"elapsed"`
}

func (EvaluationComputedPayload) EventType() EventType { return EventEvaluationComputed }

// =============================================================================
// JOB EVENTS
// =============================================================================

type JobPayload struct {
	JobID string   `json:"job_id"`
	Root  string   `json:"root"`
	Tasks []string `json:"tasks"`
	Error string   `json:"error,omitempty"`
}

type JobSubmittedPayload struct{ JobPayload }

func (JobSubmittedPayload) EventType() EventType { return EventJobSubmitted }

type JobFinishedPayload struct{ JobPayload }

func (JobFinishedPayload) EventType() EventType { return EventJobFinished }

type JobTerminatedPayload struct{ JobPayload }

func (JobTerminatedPayload) EventType() EventType { return EventJobTerminated }

// NewTypedEvent builds an event from a typed payload for the given run.
func NewTypedEvent(source EventSource, payload EventPayload, runID string) Event {
	return Event{
		ID:        generateEventID(),
		RunID:     runID,
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
