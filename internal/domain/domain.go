package domain

import "time"

type Status string

const (
	StatusReceived    Status = "received"
	StatusInAnalysis  Status = "in_analysis"
	StatusPendingInfo Status = "pending_info"
	StatusInProgress  Status = "in_progress"
	StatusForwarded   Status = "forwarded"
	StatusResolved    Status = "resolved"
	StatusClosed      Status = "closed"
	StatusCancelled   Status = "cancelled"
)

// Statuses lists every protocol status in lifecycle order.
var Statuses = []Status{
	StatusReceived,
	StatusInAnalysis,
	StatusPendingInfo,
	StatusInProgress,
	StatusForwarded,
	StatusResolved,
	StatusClosed,
	StatusCancelled,
}

// Terminal reports whether no further command may apply.
func (s Status) Terminal() bool {
	switch s {
	case StatusResolved, StatusClosed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

var Priorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityCritical}

func (p Priority) Valid() bool {
	for _, v := range Priorities {
		if v == p {
			return true
		}
	}
	return false
}

// Expedited priorities run on the urgent SLA.
func (p Priority) Expedited() bool {
	return p == PriorityUrgent || p == PriorityCritical
}

func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	p := Priority(s)
	if !p.Valid() {
		return "", InvalidCommandError{Reason: "unknown priority " + s}
	}
	return p, nil
}

type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepSkipped    StepStatus = "skipped"
	StepFailed     StepStatus = "failed"
)

type Role string

const (
	RoleCitizen  Role = "citizen"
	RoleOperator Role = "operator"
	RoleManager  Role = "manager"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleCitizen:  0,
	RoleOperator: 1,
	RoleManager:  2,
	RoleAdmin:    3,
}

func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Satisfies reports whether r meets the required role. Roles are ranked
// citizen < operator < manager < admin; an empty requirement is always met.
func (r Role) Satisfies(required Role) bool {
	if required == "" {
		return true
	}
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	need, ok := roleRank[required]
	if !ok {
		return false
	}
	return have >= need
}

// MaxDurationHours bounds every configured duration: one year of wall time.
const MaxDurationHours = 24 * 366

// ValidDurationHours reports whether h is a usable duration. NaN and
// infinities fail both comparisons.
func ValidDurationHours(h float64) bool {
	return h >= 0 && h <= MaxDurationHours
}

type StepTemplate struct {
	Index                int     `json:"index" yaml:"index"`
	Name                 string  `json:"name" yaml:"name"`
	RequiredRole         Role    `json:"required_role,omitempty" yaml:"required_role"`
	DepartmentHint       string  `json:"department_hint,omitempty" yaml:"department_hint"`
	NominalDurationHours float64 `json:"nominal_duration_hours" yaml:"nominal_duration_hours"`
	IsAutomated          bool    `json:"is_automated" yaml:"is_automated"`
}

type ProtocolTemplate struct {
	ServiceCode string         `json:"service_code" yaml:"service_code"`
	Name        string         `json:"name" yaml:"name"`
	Department  string         `json:"department,omitempty" yaml:"department"`
	Steps       []StepTemplate `json:"steps" yaml:"steps"`
}

// Step returns the step at index i.
func (t ProtocolTemplate) Step(i int) (StepTemplate, bool) {
	if i < 0 || i >= len(t.Steps) {
		return StepTemplate{}, false
	}
	return t.Steps[i], true
}

func (t ProtocolTemplate) Last(i int) bool {
	return i == len(t.Steps)-1
}

type Protocol struct {
	ID               string     `json:"id"`
	Number           string     `json:"number"`
	ServiceCode      string     `json:"service_code"`
	RequesterID      string     `json:"requester_id"`
	Subject          string     `json:"subject,omitempty"`
	Description      string     `json:"description,omitempty"`
	Department       string     `json:"department,omitempty"`
	ForwardedTo      string     `json:"forwarded_to,omitempty"`
	CurrentStepIndex int        `json:"current_step_index"`
	Status           Status     `json:"status" enum:"received,in_analysis,pending_info,in_progress,forwarded,resolved,closed,cancelled"`
	Priority         Priority   `json:"priority" enum:"low,normal,high,urgent,critical"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	DeadlineAt       *time.Time `json:"deadline_at,omitempty"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
	Version          int64      `json:"version"`
	Responses        []Response `json:"responses,omitempty"`
	Documents        []Document `json:"documents,omitempty"`
	Rating           *Rating    `json:"rating,omitempty"`
}

type StepInstance struct {
	ProtocolID  string     `json:"protocol_id"`
	StepIndex   int        `json:"step_index"`
	Status      StepStatus `json:"status" enum:"pending,in_progress,completed,skipped,failed"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DeadlineAt  *time.Time `json:"deadline_at,omitempty"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
}

type Response struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Message   string    `json:"message"`
	Public    bool      `json:"public"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	MinRating = 1
	MaxRating = 5
)

// Rating is the requester's satisfaction feedback on a finished protocol.
type Rating struct {
	Score   int       `json:"score" minimum:"1" maximum:"5"`
	Comment string    `json:"comment,omitempty"`
	RatedAt time.Time `json:"rated_at"`
}

type Document struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Ref         string    `json:"ref"`
	ContentType string    `json:"content_type,omitempty"`
	Size        int64     `json:"size,omitempty"`
	AttachedBy  string    `json:"attached_by"`
	AttachedAt  time.Time `json:"attached_at"`
}

type User struct {
	ID         string `json:"id" db:"id"`
	Name       string `json:"name" db:"name"`
	Role       Role   `json:"role" db:"role" enum:"citizen,operator,manager,admin"`
	Department string `json:"department,omitempty" db:"department"`
	Active     bool   `json:"active" db:"active"`
	CreatedAt  string `json:"created_at" db:"created_at"`
}

type APIKey struct {
	ID        string `json:"id" db:"id"`
	ActorID   string `json:"actor_id" db:"actor_id"`
	Name      string `json:"name" db:"name"`
	KeyHash   string `json:"-" db:"key_hash"`
	CreatedAt string `json:"created_at" db:"created_at"`
}

// StepRef identifies one in-progress step as seen by the read side.
type StepRef struct {
	ProtocolID string     `json:"protocol_id"`
	Number     string     `json:"number"`
	StepIndex  int        `json:"step_index"`
	AssignedTo string     `json:"assigned_to,omitempty"`
	DeadlineAt *time.Time `json:"deadline_at,omitempty"`
	Escalated  bool       `json:"escalated"`
}

type EscalationEvent struct {
	ProtocolID  string    `json:"protocol_id"`
	Number      string    `json:"number"`
	ServiceCode string    `json:"service_code"`
	StepIndex   int       `json:"step_index"`
	StepName    string    `json:"step_name"`
	AssignedTo  string    `json:"assigned_to,omitempty"`
	Department  string    `json:"department,omitempty"`
	DeadlineAt  time.Time `json:"deadline_at"`
	EscalatedAt time.Time `json:"escalated_at"`
	Sequence    int64     `json:"sequence"`
}
