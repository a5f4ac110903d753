package domain

import "time"

// TicketStatus — состояние тикета во внешней системе.
type TicketStatus string

const (
	TicketOpen     TicketStatus = "Open"
	TicketApproved TicketStatus = "Approved"
	TicketRejected TicketStatus = "Rejected"
)

func (s TicketStatus) Resolved() bool {
	return s == TicketApproved || s == TicketRejected
}

func (s TicketStatus) Valid() bool {
	return s == TicketOpen || s.Resolved()
}

// Decision переводит разрешённый статус тикета в решение для каталога.
func (s TicketStatus) Decision() Decision {
	switch s {
	case TicketApproved:
		return DecisionAccepted
	case TicketRejected:
		return DecisionRejected
	}
	return DecisionNone
}

// Ticket — задача во внешней системе, по одной на запрос подписки.
// RequestID — ключ идемпотентности: тикет создаётся один раз и не пересоздаётся.
type Ticket struct {
	RequestID  string       `json:"request_id"`
	ExternalID string       `json:"external_id"`
	Status     TicketStatus `json:"status"`
	Approver   string       `json:"approver,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Issued reports whether the external system has acknowledged the ticket.
func (t Ticket) Issued() bool {
	return t.ExternalID != ""
}

// TicketSpec — всё, что нужно адаптеру для создания тикета.
type TicketSpec struct {
	RequestID   string
	ApproverID  string
	ProjectKey  string
	IssueType   string
	Summary     string
	Description string
	Labels      []string
}

// TicketState — результат чтения тикета из внешней системы.
type TicketState struct {
	Status   TicketStatus
	Approver string
}

// TicketLabel is the label that ties an external ticket to its subscription request.
func TicketLabel(requestID string) string {
	return "subscription-" + requestID
}
