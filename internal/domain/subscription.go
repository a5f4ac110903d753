package domain

import "time"

// SubscriptionStatus — статус запроса на подписку в каталоге.
type SubscriptionStatus string

const (
	SubscriptionPending  SubscriptionStatus = "Pending"
	SubscriptionAccepted SubscriptionStatus = "Accepted"
	SubscriptionRejected SubscriptionStatus = "Rejected"
)

// Decision — итоговое решение по запросу, которое сообщается обратно в каталог.
type Decision string

const (
	DecisionNone     Decision = ""
	DecisionAccepted Decision = "Accepted"
	DecisionRejected Decision = "Rejected"
)

func (d Decision) Valid() bool {
	return d == DecisionAccepted || d == DecisionRejected
}

// SubscriptionRequest — запрос на доступ к данным, ожидающий одобрения.
// Каталог владеет записью; оркестратор только читает её и переводит статус.
type SubscriptionRequest struct {
	ID         string             `json:"id"`
	DomainID   string             `json:"domain_id"`
	ProjectID  string             `json:"project_id"`
	ApproverID string             `json:"approver_id"`
	Status     SubscriptionStatus `json:"status"`

	// Описание для тела тикета; заполняется из каталога, если он доступен.
	ProjectName      string    `json:"project_name,omitempty"`
	ListingName      string    `json:"listing_name,omitempty"`
	OwnerProjectName string    `json:"owner_project_name,omitempty"`
	RequesterID      string    `json:"requester_id,omitempty"`
	RequestReason    string    `json:"request_reason,omitempty"`
	RequestedAt      time.Time `json:"requested_at,omitempty"`
}

// Операции каталога, на которые может быть выдан доступ.
const (
	OpAcceptSubscription = "AcceptSubscriptionRequest"
	OpRejectSubscription = "RejectSubscriptionRequest"
)

// CredentialScope — границы учётных данных для обратного вызова в каталог.
// Пустой DomainID допускает любой домен.
type CredentialScope struct {
	DomainID   string
	Operations []string
}

func (s CredentialScope) Allows(domainID, op string) bool {
	if s.DomainID != "" && s.DomainID != domainID {
		return false
	}
	for _, allowed := range s.Operations {
		if allowed == op {
			return true
		}
	}
	return false
}
