package agent

import (
	"time"

	"github.com/google/uuid"

	"github.com/c360studio/nova/contract"
	"github.com/c360studio/nova/workflow"
)

// RunLogEntry identifies the invocation a run log describes.
type RunLogEntry struct {
	VersionID string
	TaskID    string
	Role      string
	Attempt   int
}

// NewRunLog builds the append-only record of one invocation from its
// envelope and result.
func NewRunLog(entry RunLogEntry, env *contract.Envelope, res Result, commands []workflow.CommandResult) workflow.RunLog {
	log := workflow.RunLog{
		ID:                uuid.New().String(),
		VersionID:         entry.VersionID,
		TaskID:            entry.TaskID,
		Role:              entry.Role,
		Attempt:           entry.Attempt,
		Commands:          commands,
		ContractAttempts:  res.ContractAttempts,
		TransportAttempts: res.TransportAttempts,
		DurationMs:        res.Duration.Milliseconds(),
		Model:             res.Model,
		Timestamp:         time.Now().UTC(),
	}
	if env != nil {
		log.Status = env.Status
		log.Summary = env.Summary
		log.NextAction = env.NextAction
		log.FilesTouched = append([]string(nil), env.FilesTouched...)
	}
	return log
}
