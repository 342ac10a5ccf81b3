package domain

import "time"

type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionRejected  ExecutionStatus = "rejected"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

func (s ExecutionStatus) Terminal() bool { return s != ExecutionRunning }

type Stage string

const (
	StageSource   Stage = "Source"
	StageApproval Stage = "Approval"
	StageDeploy   Stage = "Deploy"
)

// Stages is the fixed stage order of every execution.
var Stages = []Stage{StageSource, StageApproval, StageDeploy}

type StageOutcome string

const (
	OutcomeSucceeded StageOutcome = "succeeded"
	OutcomeFailed    StageOutcome = "failed"
	OutcomeRejected  StageOutcome = "rejected"
	OutcomeCancelled StageOutcome = "cancelled"
)

type StageResult struct {
	Stage      Stage        `json:"stage"`
	Outcome    StageOutcome `json:"outcome"`
	Message    string       `json:"message,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Trigger is the source change that started an execution.
type Trigger struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

type PipelineExecution struct {
	ID        string          `json:"id"`
	Pipeline  string          `json:"pipeline"`
	Trigger   Trigger         `json:"trigger"`
	Stages    []StageResult   `json:"stages"`
	Status    ExecutionStatus `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NextStage returns the first stage without a recorded result.
func (e PipelineExecution) NextStage() (Stage, bool) {
	if len(e.Stages) >= len(Stages) {
		return "", false
	}
	return Stages[len(e.Stages)], true
}

func (e PipelineExecution) ReferenceLink() string {
	if e.Trigger.Owner == "" || e.Trigger.Repo == "" || e.Trigger.Commit == "" {
		return ""
	}
	return "https://github.com/" + e.Trigger.Owner + "/" + e.Trigger.Repo + "/commit/" + e.Trigger.Commit
}

type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalExpired   ApprovalStatus = "expired"
	ApprovalCancelled ApprovalStatus = "cancelled"
)

type ApprovalRequest struct {
	Token         string         `json:"token"`
	ExecutionID   string         `json:"execution_id"`
	Pipeline      string         `json:"pipeline"`
	ReferenceLink string         `json:"reference_link,omitempty"`
	Status        ApprovalStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	ExpiresAt     time.Time      `json:"expires_at"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`

	// NotifiedAt is set once the chat channel accepted the prompt.
	NotifiedAt *time.Time `json:"notified_at,omitempty"`
}

func (r ApprovalRequest) Pending() bool { return r.Status == ApprovalPending }

type ApprovalDecision struct {
	Token     string    `json:"token"`
	Actor     string    `json:"actor"`
	Decision  Decision  `json:"decision"`
	Comment   string    `json:"comment,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// ExecutionView is an execution together with its latest approval, as the
// operator API returns it.
type ExecutionView struct {
	PipelineExecution
	Approval  *ApprovalRequest   `json:"approval,omitempty"`
	Decisions []ApprovalDecision `json:"decisions,omitempty"`
}

// NotificationEvent is what gets published to the chat channel when an
// execution reaches its approval gate.
type NotificationEvent struct {
	ExecutionID   string `json:"executionId"`
	Token         string `json:"token"`
	Pipeline      string `json:"pipelineName"`
	ReferenceLink string `json:"referenceLink"`
	ApproveAction string `json:"approveAction"`
	RejectAction  string `json:"rejectAction"`
}

// ResolutionEvent reports that a pending approval left the pending state.
type ResolutionEvent struct {
	ExecutionID string         `json:"execution_id"`
	Token       string         `json:"token"`
	Status      ApprovalStatus `json:"status"`
	Actor       string         `json:"actor,omitempty"`
}
