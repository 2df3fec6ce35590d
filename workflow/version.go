package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// versionIDPattern validates version ids: v1, v2, ...
var versionIDPattern = regexp.MustCompile(`^v[0-9]+$`)

// projectPattern validates project names: lowercase alphanumeric with hyphens, 1-50 chars.
var projectPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,48}[a-z0-9])?$`)

// ValidateProject checks if a project name is valid and safe for use in file paths.
func ValidateProject(name string) error {
	if name == "" {
		return ErrProjectRequired
	}
	// Prevent path traversal attacks
	if strings.Contains(name, "..") || strings.Contains(name, "/") || strings.Contains(name, "\\") {
		return ErrInvalidProject
	}
	if !projectPattern.MatchString(name) {
		return ErrInvalidProject
	}
	return nil
}

// ValidateVersionID checks that id looks like v1, v2, ...
func ValidateVersionID(id string) error {
	if !versionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidVersionID, id)
	}
	return nil
}

// ContentRef points at an immutable artifact by key and content hash.
type ContentRef struct {
	Key    string `json:"key"`
	SHA256 string `json:"sha256"`
}

// NewContentRef hashes content and returns a reference under key.
func NewContentRef(key string, content []byte) ContentRef {
	sum := sha256.Sum256(content)
	return ContentRef{Key: key, SHA256: hex.EncodeToString(sum[:])}
}

// Matches returns true if content hashes to the referenced digest.
func (r ContentRef) Matches(content []byte) bool {
	sum := sha256.Sum256(content)
	return r.SHA256 == hex.EncodeToString(sum[:])
}

// DocumentLock is an approval flag. Once Locked it never changes.
type DocumentLock struct {
	Locked     bool       `json:"locked"`
	ContentRef ContentRef `json:"content_ref"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
}

// lock sets the flag, refusing to relock.
func (l *DocumentLock) lock(kind string, ref ContentRef, now time.Time) error {
	if l.Locked {
		return fmt.Errorf("%w: %s already locked at %s", ErrInvalidTransition, kind, l.ContentRef.SHA256)
	}
	if ref.Key == "" || ref.SHA256 == "" {
		return fmt.Errorf("%s lock requires a content reference", kind)
	}
	l.Locked = true
	l.ContentRef = ref
	l.LockedAt = &now
	return nil
}

// Version is the single state aggregate of one project version.
// It owns its phase, its approval flags, and its task set.
type Version struct {
	// Project is the project the version belongs to.
	Project string `json:"project"`

	// ID is the version identifier (v1, v2, ...).
	ID string `json:"version_id"`

	Phase Phase `json:"phase"`

	Spec     DocumentLock `json:"spec"`
	Plan     DocumentLock `json:"plan"`
	TaskList DocumentLock `json:"task_list"`

	Tasks []Task `json:"tasks"`

	// EscalationSeq numbers escalations created for this version.
	EscalationSeq int `json:"escalation_seq"`

	// SupersededBy names the version that replaced this one.
	SupersededBy string `json:"superseded_by,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewVersion creates a version in the brainstorm phase.
func NewVersion(project, id string) (*Version, error) {
	if err := ValidateProject(project); err != nil {
		return nil, err
	}
	if err := ValidateVersionID(id); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Version{
		Project:   project,
		ID:        id,
		Phase:     PhaseBrainstorm,
		Tasks:     []Task{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (v *Version) clock() time.Time {
	return time.Now().UTC()
}

// Clone returns a deep copy of the version. Mutations happen on clones so a
// failed operation never leaves a half-applied aggregate behind.
func (v *Version) Clone() *Version {
	c := *v
	c.Tasks = make([]Task, len(v.Tasks))
	for i := range v.Tasks {
		c.Tasks[i] = v.Tasks[i].Clone()
	}
	return &c
}

// Task returns a pointer to the task with the given id.
func (v *Version) Task(id string) (*Task, error) {
	for i := range v.Tasks {
		if v.Tasks[i].ID == id {
			return &v.Tasks[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s in %s/%s", ErrTaskNotFound, id, v.Project, v.ID)
}

// AllSettled returns true if every task is DONE or ARCHIVED.
func (v *Version) AllSettled() bool {
	for _, t := range v.Tasks {
		if !t.State.IsSettled() {
			return false
		}
	}
	return true
}

// CountByState returns the number of tasks in each state.
func (v *Version) CountByState() map[TaskState]int {
	counts := make(map[TaskState]int)
	for _, t := range v.Tasks {
		counts[t.State]++
	}
	return counts
}

// AdvancePhase moves the version to the immediate successor phase. Phases
// that carry an approval or guard have dedicated operations and are rejected here.
func (v *Version) AdvancePhase(target Phase) error {
	if !v.Phase.CanTransitionTo(target) {
		return fmt.Errorf("%w: phase %s cannot move to %s", ErrInvalidTransition, v.Phase, target)
	}
	switch target {
	case PhaseSpecApproved, PhasePlanApproved, PhaseTasksGenerated, PhaseExecuting, PhaseComplete:
		return fmt.Errorf("%w: phase %s requires its approval operation", ErrInvalidTransition, target)
	}
	v.Phase = target
	v.UpdatedAt = v.clock()
	return nil
}

// ApproveSpec locks the spec and moves SPEC_DRAFT to SPEC_APPROVED.
func (v *Version) ApproveSpec(ref ContentRef) error {
	return v.approve("spec", &v.Spec, PhaseSpecDraft, PhaseSpecApproved, ref)
}

// ApprovePlan locks the plan and moves PLAN_DRAFT to PLAN_APPROVED.
func (v *Version) ApprovePlan(ref ContentRef) error {
	return v.approve("plan", &v.Plan, PhasePlanDraft, PhasePlanApproved, ref)
}

func (v *Version) approve(kind string, lock *DocumentLock, from, to Phase, ref ContentRef) error {
	if v.Phase != from {
		return fmt.Errorf("%w: %s approval requires phase %s, version is %s", ErrInvalidTransition, kind, from, v.Phase)
	}
	now := v.clock()
	if err := lock.lock(kind, ref, now); err != nil {
		return err
	}
	v.Phase = to
	v.UpdatedAt = now
	return nil
}

// SetTasks records a Planner-produced task list and moves PLAN_APPROVED to
// TASKS_GENERATED. While the list is unlocked it may be replaced; after
// approval it is immutable.
func (v *Version) SetTasks(tasks []Task) error {
	if v.TaskList.Locked {
		return fmt.Errorf("%w: %w: task list", ErrInvalidTransition, ErrDocumentImmutable)
	}
	if v.Phase != PhasePlanApproved && v.Phase != PhaseTasksGenerated {
		return fmt.Errorf("%w: tasks can only be generated after plan approval, version is %s", ErrInvalidTransition, v.Phase)
	}
	if len(tasks) == 0 {
		return ErrEmptyTaskList
	}

	now := v.clock()
	prefix := v.ID + "-"
	seen := make(map[string]bool, len(tasks))
	fresh := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if err := ValidateTaskID(t.ID); err != nil {
			return err
		}
		if !strings.HasPrefix(t.ID, prefix) {
			return fmt.Errorf("%w: %s does not belong to version %s", ErrInvalidTaskID, t.ID, v.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		seen[t.ID] = true

		c := t.Clone()
		c.State = TaskStateNew
		c.AttemptCount = 0
		c.EscalationCount = 0
		c.BlockedReason = ""
		c.EscalationID = ""
		c.Guidance = ""
		c.CreatedAt = now
		c.UpdatedAt = now
		fresh = append(fresh, c)
	}

	// References and cycles are checked here too so a bad list fails early.
	if _, err := NewDependencyGraph(fresh); err != nil {
		return err
	}

	v.Tasks = fresh
	v.Phase = PhaseTasksGenerated
	v.UpdatedAt = now
	return nil
}

// ApproveTasks locks the task list after a successful topological sort and
// moves every NEW task to READY.
func (v *Version) ApproveTasks(ref ContentRef) error {
	if v.Phase != PhaseTasksGenerated {
		return fmt.Errorf("%w: task approval requires phase %s, version is %s", ErrInvalidTransition, PhaseTasksGenerated, v.Phase)
	}
	if len(v.Tasks) == 0 {
		return ErrEmptyTaskList
	}
	if _, err := NewDependencyGraph(v.Tasks); err != nil {
		return err
	}

	now := v.clock()
	if err := v.TaskList.lock("task list", ref, now); err != nil {
		return err
	}
	for i := range v.Tasks {
		if v.Tasks[i].State != TaskStateNew {
			continue
		}
		if err := v.applyTransition(Transition{TaskID: v.Tasks[i].ID, To: TaskStateReady, Actor: ActorHuman}, now); err != nil {
			return err
		}
	}
	v.UpdatedAt = now
	return nil
}

// StartExecution moves TASKS_GENERATED to EXECUTING once the task list is locked.
func (v *Version) StartExecution() error {
	if v.Phase == PhaseExecuting {
		return nil
	}
	if v.Phase != PhaseTasksGenerated {
		return fmt.Errorf("%w: cannot start execution from %s", ErrInvalidTransition, v.Phase)
	}
	if !v.TaskList.Locked {
		return fmt.Errorf("%w: task list must be approved before execution", ErrInvalidTransition)
	}
	v.Phase = PhaseExecuting
	v.UpdatedAt = v.clock()
	return nil
}

// Complete moves EXECUTING to COMPLETE when every task is DONE or ARCHIVED.
func (v *Version) Complete() error {
	if v.Phase != PhaseExecuting {
		return fmt.Errorf("%w: cannot complete from %s", ErrInvalidTransition, v.Phase)
	}
	if !v.AllSettled() {
		counts := v.CountByState()
		return fmt.Errorf("%w: %d of %d tasks are not done or archived",
			ErrInvalidTransition, len(v.Tasks)-counts[TaskStateDone]-counts[TaskStateArchived], len(v.Tasks))
	}
	v.Phase = PhaseComplete
	v.UpdatedAt = v.clock()
	return nil
}

// Supersede marks the version as replaced by next and archives its DONE tasks.
func (v *Version) Supersede(next string) error {
	if err := ValidateVersionID(next); err != nil {
		return err
	}
	if next == v.ID {
		return fmt.Errorf("%w: version cannot supersede itself", ErrInvalidTransition)
	}
	if v.SupersededBy != "" {
		return fmt.Errorf("%w: already superseded by %s", ErrInvalidTransition, v.SupersededBy)
	}
	now := v.clock()
	for i := range v.Tasks {
		if v.Tasks[i].State != TaskStateDone {
			continue
		}
		if err := v.applyTransition(Transition{TaskID: v.Tasks[i].ID, To: TaskStateArchived, Actor: ActorPipeline}, now); err != nil {
			return err
		}
	}
	v.SupersededBy = next
	v.UpdatedAt = now
	return nil
}

// NextEscalationID allocates an escalation id for a task.
func (v *Version) NextEscalationID(taskID string) string {
	v.EscalationSeq++
	return fmt.Sprintf("esc-%s-%d", taskID, v.EscalationSeq)
}
