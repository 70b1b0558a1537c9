package models

import (
	"time"
)

// RunStatus is the state of a stage run in the orchestrator state machine:
// pending -> running -> {succeeded | failed}; failed -> retrying -> running
// up to the configured attempt bound; cancelled is terminal.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunRetrying  RunStatus = "retrying"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunCancelled || s == RunFailed
}

// StageRun is the audit record of one execution of a transform stage or
// quality gate against a specific input batch set. It is updated in place as
// the run progresses and retained as an audit trail.
type StageRun struct {
	ID        string `json:"id"`
	StageName string `json:"stage_name"`
	// InputBatchID identifies the input set: the sorted input batch ids
	// joined with ","
	InputBatchID   string    `json:"input_batch_id"`
	OutputBatchIDs []string  `json:"output_batch_ids,omitempty"`
	AttemptCount   int       `json:"attempt_count"`
	Status         RunStatus `json:"status"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	Warnings       []string  `json:"warnings,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}
