// Package types holds the shared data model for the orchestration core:
// Task, Agent, Session, Signal and FileReservation, as described in the
// system's data model.
package types

import "time"

// IssueType classifies a task.
type IssueType string

const (
	IssueBug     IssueType = "bug"
	IssueFeature IssueType = "feature"
	IssueTask    IssueType = "task"
	IssueChore   IssueType = "chore"
	IssueEpic    IssueType = "epic"
	// IssueChat marks a task ingested from an external chat channel
	// (External Channel Bridge ingest rule).
	IssueChat IssueType = "chat"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// Task is a unit of work with an id, type, priority, status and
// dependency edges.
type Task struct {
	ID          string
	Title       string
	Description string
	Notes       string
	IssueType   IssueType
	Priority    int
	Status      Status
	Assignee    string
	Parent      string
	DependsOn   []string
	Labels      []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// StatusChange is one entry of a task's history projection.
type StatusChange struct {
	TaskID    string
	From      Status
	To        Status
	At        time.Time
	Reason    string
}

// Agent is a named logical worker, human or AI.
type Agent struct {
	Name         string
	Program      string
	Model        string
	Color        string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// SessionState is a session's lifecycle state.
type SessionState string

const (
	SessionPending    SessionState = "pending"
	SessionStarting   SessionState = "starting"
	SessionWorking    SessionState = "working"
	SessionReview     SessionState = "review"
	SessionCompleting SessionState = "completing"
	SessionComplete   SessionState = "complete"
	SessionPaused     SessionState = "paused"
	SessionDead       SessionState = "dead"
)

// SpawnMode selects how a spawned session behaves.
type SpawnMode string

const (
	ModeWork SpawnMode = "work"
	ModeChat SpawnMode = "chat"
	ModePlan SpawnMode = "plan"
)

// Session is a live terminal attached to an agent, possibly running a task.
type Session struct {
	Name         string
	Agent        string
	Task         string
	Mode         SpawnMode
	State        SessionState
	LastSignalAt time.Time
	CreatedAt    time.Time
	OutputTail   []string // bounded ring buffer of captured pane text
}

// SignalKind is the discriminant of a Signal's payload union.
type SignalKind string

const (
	SignalStarting   SignalKind = "starting"
	SignalWorking    SignalKind = "working"
	SignalReview     SignalKind = "review"
	SignalReply      SignalKind = "reply"
	SignalCompleting SignalKind = "completing"
	SignalComplete   SignalKind = "complete"
	SignalPaused     SignalKind = "paused"
	SignalDead       SignalKind = "dead"
)

// ReplyType classifies an outbound reply signal.
type ReplyType string

const (
	ReplyAck        ReplyType = "ack"
	ReplyAnswer     ReplyType = "answer"
	ReplyProgress   ReplyType = "progress"
	ReplyCompletion ReplyType = "completion"
)

// CompletionMode selects whether a completed task auto-proceeds.
type CompletionMode string

const (
	CompletionReviewRequired CompletionMode = "review_required"
	CompletionAutoProceed    CompletionMode = "auto_proceed"
)

// CompletionStep enumerates the completion protocol's progress steps.
type CompletionStep string

const (
	StepVerifying CompletionStep = "verifying"
	StepCommitting CompletionStep = "committing"
	StepClosing   CompletionStep = "closing"
	StepReleasing CompletionStep = "releasing"
	StepComplete  CompletionStep = "complete"
)

// FileChange describes one file touched by a review signal.
type FileChange struct {
	Path         string `json:"path"`
	ChangeType   string `json:"changeType"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`
}

// Signal is a typed lifecycle event emitted by a running agent. Kind is
// the discriminant; Payload is the decoded JSON body as a generic map.
// There is no typed record per kind and the original bytes are not kept,
// so payload fields are read by key.
type Signal struct {
	Session    string
	Kind       SignalKind
	Task       string
	Payload    map[string]interface{}
	ReceivedAt time.Time
	Sequence   uint64
}

// FileReservation is an advisory lock declaring an agent intends to edit
// a file.
type FileReservation struct {
	Path       string
	Agent      string
	Task       string
	AcquiredAt time.Time
}
