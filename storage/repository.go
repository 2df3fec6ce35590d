package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/c360studio/nova/workflow"
)

// Key prefixes.
const (
	versionsPrefix    = "versions"
	escalationsPrefix = "escalations"
	runLogsPrefix     = "runlogs"
	commitsPrefix     = "commits"
)

// Repository is the only writer of version state. Update runs a
// read-modify-write on a clone under an exclusive lock, so a failed mutation
// never reaches the store.
type Repository struct {
	kv     KV
	logger *slog.Logger

	// mu serializes every read-modify-write and every sequenced append.
	mu sync.Mutex
}

// NewRepository creates a repository over kv.
func NewRepository(kv KV, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{kv: kv, logger: logger}
}

// KV returns the underlying store.
func (r *Repository) KV() KV {
	return r.kv
}

// VersionKey returns the key holding a version snapshot.
func VersionKey(project, versionID string) string {
	return path.Join(versionsPrefix, project, versionID)
}

func escalationKey(project, versionID, id string) string {
	return path.Join(escalationsPrefix, project, versionID, id)
}

// CreateVersion stores a new version. It fails with ErrExists if the version
// was already created.
func (r *Repository) CreateVersion(ctx context.Context, v *workflow.Version) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal version: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kv.Create(ctx, VersionKey(v.Project, v.ID), data)
}

// Load returns the persisted version.
func (r *Repository) Load(ctx context.Context, project, versionID string) (*workflow.Version, error) {
	data, err := r.kv.Get(ctx, VersionKey(project, versionID))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", ErrVersionNotFound, project, versionID)
	}
	if err != nil {
		return nil, err
	}
	var v workflow.Version
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("unmarshal version %s/%s: %w", project, versionID, err)
	}
	return &v, nil
}

// Update applies fn to a clone of the version and persists the clone if fn
// succeeds. The returned version is the persisted one.
func (r *Repository) Update(ctx context.Context, project, versionID string, fn func(v *workflow.Version) error) (*workflow.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.Load(ctx, project, versionID)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal version: %w", err)
	}
	if err := r.kv.Put(ctx, VersionKey(project, versionID), data); err != nil {
		return nil, fmt.Errorf("save version %s/%s: %w", project, versionID, err)
	}
	return next, nil
}

// ListVersions returns the version ids stored for a project.
func (r *Repository) ListVersions(ctx context.Context, project string) ([]string, error) {
	keys, err := r.kv.List(ctx, path.Join(versionsPrefix, project)+"/")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, path.Base(key))
	}
	return ids, nil
}

// SaveEscalation writes an escalation record, replacing any previous state.
func (r *Repository) SaveEscalation(ctx context.Context, project string, esc *workflow.Escalation) error {
	data, err := json.MarshalIndent(esc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}
	return r.kv.Put(ctx, escalationKey(project, esc.VersionID, esc.ID), data)
}

// Escalation loads one escalation.
func (r *Repository) Escalation(ctx context.Context, project, versionID, id string) (*workflow.Escalation, error) {
	data, err := r.kv.Get(ctx, escalationKey(project, versionID, id))
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", workflow.ErrEscalationNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var esc workflow.Escalation
	if err := json.Unmarshal(data, &esc); err != nil {
		return nil, fmt.Errorf("unmarshal escalation %s: %w", id, err)
	}
	return &esc, nil
}

// ListEscalations returns a version's escalations, optionally only those for
// one task, in creation order.
func (r *Repository) ListEscalations(ctx context.Context, project, versionID, taskID string) ([]*workflow.Escalation, error) {
	keys, err := r.kv.List(ctx, path.Join(escalationsPrefix, project, versionID)+"/")
	if err != nil {
		return nil, err
	}
	var out []*workflow.Escalation
	for _, key := range keys {
		esc, err := r.Escalation(ctx, project, versionID, path.Base(key))
		if err != nil {
			r.logger.Warn("Skipping unreadable escalation", "key", key, "error", err)
			continue
		}
		if taskID == "" || esc.TaskID == taskID {
			out = append(out, esc)
		}
	}
	sortEscalations(out)
	return out, nil
}

// AppendRunLog appends a run log under {seq}_{task}_{role}_{attempt} and
// returns its key.
func (r *Repository) AppendRunLog(ctx context.Context, project string, log workflow.RunLog) (string, error) {
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal run log: %w", err)
	}
	name := fmt.Sprintf("%s_%s_%d", log.TaskID, log.Role, log.Attempt)
	return r.appendSequenced(ctx, path.Join(runLogsPrefix, project, log.VersionID), name, data)
}

// RunLogs returns a version's run logs in append order, optionally filtered
// to one task.
func (r *Repository) RunLogs(ctx context.Context, project, versionID, taskID string) ([]workflow.RunLog, error) {
	keys, err := r.kv.List(ctx, path.Join(runLogsPrefix, project, versionID)+"/")
	if err != nil {
		return nil, err
	}
	var out []workflow.RunLog
	for _, key := range keys {
		if taskID != "" && !strings.Contains(path.Base(key), "_"+taskID+"_") {
			continue
		}
		data, err := r.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var log workflow.RunLog
		if err := json.Unmarshal(data, &log); err != nil {
			return nil, fmt.Errorf("unmarshal run log %s: %w", key, err)
		}
		out = append(out, log)
	}
	return out, nil
}

// AppendCommitLog records a commit request.
func (r *Repository) AppendCommitLog(ctx context.Context, project string, log workflow.CommitLog) (string, error) {
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal commit log: %w", err)
	}
	return r.appendSequenced(ctx, path.Join(commitsPrefix, project, log.VersionID), log.TaskID, data)
}

// CommitLogs returns a version's commit records in append order.
func (r *Repository) CommitLogs(ctx context.Context, project, versionID string) ([]workflow.CommitLog, error) {
	keys, err := r.kv.List(ctx, path.Join(commitsPrefix, project, versionID)+"/")
	if err != nil {
		return nil, err
	}
	out := make([]workflow.CommitLog, 0, len(keys))
	for _, key := range keys {
		data, err := r.kv.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		var log workflow.CommitLog
		if err := json.Unmarshal(data, &log); err != nil {
			return nil, fmt.Errorf("unmarshal commit log %s: %w", key, err)
		}
		out = append(out, log)
	}
	return out, nil
}

// appendSequenced creates dir/{seq}_{name} with the next free sequence number.
func (r *Repository) appendSequenced(ctx context.Context, dir, name string, data []byte) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys, err := r.kv.List(ctx, dir+"/")
	if err != nil {
		return "", err
	}
	seq := len(keys) + 1
	for {
		key := fmt.Sprintf("%s/%06d_%s", dir, seq, name)
		err := r.kv.Create(ctx, key, data)
		if err == nil {
			return key, nil
		}
		if !errors.Is(err, ErrExists) {
			return "", err
		}
		seq++
	}
}

func sortEscalations(escs []*workflow.Escalation) {
	sort.SliceStable(escs, func(i, j int) bool {
		if !escs[i].CreatedAt.Equal(escs[j].CreatedAt) {
			return escs[i].CreatedAt.Before(escs[j].CreatedAt)
		}
		return escs[i].ID < escs[j].ID
	})
}
