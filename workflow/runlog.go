package workflow

import "time"

// CommandResult is the outcome of one build or validation command.
type CommandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Failed returns true for a non-zero exit code.
func (r CommandResult) Failed() bool {
	return r.ExitCode != 0
}

// RunLog is the append-only record of one agent invocation. It keeps
// summaries and references only: no prompts, raw responses or diffs.
type RunLog struct {
	ID        string `json:"id"`
	VersionID string `json:"version_id"`
	TaskID    string `json:"task_id"`
	Role      string `json:"role"`
	Attempt   int    `json:"attempt"`
	Status    string `json:"status"`
	Summary   string `json:"summary"`

	NextAction   string          `json:"next_action,omitempty"`
	FilesTouched []string        `json:"files_touched,omitempty"`
	Commands     []CommandResult `json:"commands,omitempty"`

	// ContractAttempts counts structured-output negotiations, independent of Attempt.
	ContractAttempts int `json:"contract_attempts,omitempty"`
	// TransportAttempts counts invocation calls including backoff retries.
	TransportAttempts int `json:"transport_attempts,omitempty"`

	DurationMs int64     `json:"duration_ms"`
	Model      string    `json:"model,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// AttemptSummary converts the log into an escalation history entry.
func (l RunLog) AttemptSummary() AttemptSummary {
	return AttemptSummary{
		Role:      l.Role,
		Attempt:   l.Attempt,
		Status:    l.Status,
		Summary:   l.Summary,
		Commands:  l.Commands,
		Timestamp: l.Timestamp,
	}
}

// CommitLog records one version-control commit request.
type CommitLog struct {
	VersionID  string    `json:"version_id"`
	TaskID     string    `json:"task_id"`
	Message    string    `json:"message"`
	Paths      []string  `json:"paths,omitempty"`
	Hash       string    `json:"hash,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
