package domain

import (
	"crypto/subtle"
	"time"
)

// State — шаг конечного автомата оркестратора.
type State string

const (
	StateStart                State = "Start"
	StateCreateOrGetTicket    State = "CreateOrGetTicket"
	StateDirectPoll           State = "DirectPoll"
	StateAwaitAsyncResolution State = "AwaitAsyncResolution"
	StateReportStatus         State = "ReportStatus"
	StateReported             State = "Reported"
	StateFailed               State = "Failed"
)

func (s State) Terminal() bool {
	return s == StateReported || s == StateFailed
}

// Mode — стратегия ожидания решения, выбирается один раз при старте выполнения.
type Mode string

const (
	ModeDirectPolling Mode = "DirectPolling"
	ModeQueuedPolling Mode = "QueuedPolling"
)

// FailureReason различает неуспешные выполнения для разбора оператором.
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonRetriesExhausted FailureReason = "retries-exhausted"
	ReasonTimeout          FailureReason = "timeout"
	ReasonConfiguration    FailureReason = "configuration-error"
	ReasonCredential       FailureReason = "credential-error"
	ReasonTicket           FailureReason = "ticket-error"
	ReasonCallback         FailureReason = "callback-error"
	ReasonInternal         FailureReason = "internal-error"
)

// ContinuationToken — одноразовая возможность возобновить приостановленное выполнение.
type ContinuationToken struct {
	Value    string    `json:"value"`
	IssuedAt time.Time `json:"issued_at"`
}

// Matches compares in constant time.
func (t *ContinuationToken) Matches(value string) bool {
	if t == nil || value == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.Value), []byte(value)) == 1
}

// ExecutionContext — живое состояние одного выполнения, по одному на запрос.
// Version растёт при каждом сохранении; хранилище отклоняет запись устаревшей версии.
type ExecutionContext struct {
	RequestID  string             `json:"request_id"`
	DomainID   string             `json:"domain_id"`
	ProjectID  string             `json:"project_id"`
	ApproverID string             `json:"approver_id"`
	Mode       Mode               `json:"mode"`
	State      State              `json:"state"`
	TicketID   string             `json:"ticket_id,omitempty"`
	Approver   string             `json:"approver,omitempty"`
	Token      *ContinuationToken `json:"token,omitempty"`
	Retries    int                `json:"retries"`
	Decision   Decision           `json:"decision,omitempty"`
	Reason     FailureReason      `json:"reason,omitempty"`
	Detail     string             `json:"detail,omitempty"`
	Deadline   time.Time          `json:"deadline"`
	Version    int64              `json:"version"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Request rebuilds the catalog view of the execution's subscription request.
func (e ExecutionContext) Request() SubscriptionRequest {
	return SubscriptionRequest{
		ID:         e.RequestID,
		DomainID:   e.DomainID,
		ProjectID:  e.ProjectID,
		ApproverID: e.ApproverID,
		Status:     SubscriptionPending,
	}
}

// Suspended reports whether the execution waits for a token redemption.
func (e ExecutionContext) Suspended() bool {
	return e.State == StateAwaitAsyncResolution && e.Token != nil
}

// Outcome — запись о завершённом выполнении; живой контекст при этом удаляется.
type Outcome struct {
	RequestID  string        `json:"request_id"`
	State      State         `json:"state"`
	Decision   Decision      `json:"decision,omitempty"`
	Reason     FailureReason `json:"reason,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	TicketID   string        `json:"ticket_id,omitempty"`
	Mode       Mode          `json:"mode"`
	Retries    int           `json:"retries"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Label is the operator-facing result: Reported-Accepted, Reported-Rejected or Failed(reason).
func (o Outcome) Label() string {
	if o.State == StateReported {
		return "Reported-" + string(o.Decision)
	}
	return "Failed(" + string(o.Reason) + ")"
}

func OutcomeOf(e ExecutionContext, finishedAt time.Time) Outcome {
	return Outcome{
		RequestID:  e.RequestID,
		State:      e.State,
		Decision:   e.Decision,
		Reason:     e.Reason,
		Detail:     e.Detail,
		TicketID:   e.TicketID,
		Mode:       e.Mode,
		Retries:    e.Retries,
		FinishedAt: finishedAt,
	}
}
