package domain

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	EventSourceCatalog          = "aws.datazone"
	EventTypeSubscriptionCreate = "Subscription Request Created"
)

// Occurrence — внешнее событие, запускающее одно выполнение оркестратора.
type Occurrence struct {
	Source     string           `json:"source"`
	DetailType string           `json:"detail-type"`
	Time       time.Time        `json:"time"`
	Detail     OccurrenceDetail `json:"detail"`
}

type OccurrenceDetail struct {
	RequestID string `json:"requestId"`
	DomainID  string `json:"domainId"`
	ProjectID string `json:"projectId"`
}

// ParseOccurrence — разобрать и проверить событие о созданном запросе на подписку.
func ParseOccurrence(raw []byte) (Occurrence, error) {
	var o Occurrence
	if err := json.Unmarshal(raw, &o); err != nil {
		return Occurrence{}, ErrValidation
	}
	if err := o.Validate(); err != nil {
		return Occurrence{}, err
	}
	return o, nil
}

func (o Occurrence) Validate() error {
	if o.DetailType != "" && !strings.EqualFold(o.DetailType, EventTypeSubscriptionCreate) {
		return ErrUnsupportedEvent
	}
	if o.Detail.RequestID == "" || o.Detail.DomainID == "" {
		return ErrValidation
	}
	return nil
}
