package domain

import "context"

// TicketClient — порт внешней системы тикетов (Jira или заглушка).
type TicketClient interface {
	Create(ctx context.Context, spec TicketSpec) (externalID string, err error)
	Get(ctx context.Context, externalID string) (TicketState, error)
}

// TicketFinder — необязательная возможность клиента: найти тикет по запросу.
// Используется, чтобы восстановить захват, оставшийся без внешнего идентификатора.
type TicketFinder interface {
	Find(ctx context.Context, requestID string) (externalID string, found bool, err error)
}

// TicketStore — порт хранения тикетов с атомарной операцией «проверить и создать».
type TicketStore interface {
	Get(ctx context.Context, requestID string) (Ticket, error)
	// Claim вставляет тикет, если для RequestID записи ещё нет.
	// Возвращает сохранённую запись и признак того, что вставка произошла.
	Claim(ctx context.Context, t Ticket) (Ticket, bool, error)
	Update(ctx context.Context, t Ticket) error
}

// ExecutionStore — порт хранения контекстов выполнения.
type ExecutionStore interface {
	// Create возвращает ErrExecutionExists, если для запроса есть живой контекст или итог.
	Create(ctx context.Context, e ExecutionContext) error
	Get(ctx context.Context, requestID string) (ExecutionContext, error)
	// Save записывает контекст, если e.Version совпадает с сохранённой, и увеличивает версию.
	Save(ctx context.Context, e *ExecutionContext) error
	// Finish удаляет живой контекст и сохраняет итог выполнения.
	Finish(ctx context.Context, e ExecutionContext, o Outcome) error
	Outcome(ctx context.Context, requestID string) (Outcome, error)
	ListLive(ctx context.Context) ([]ExecutionContext, error)
}

// ReportLedger фиксирует отправку решения в каталог: не более одного раза на запрос.
type ReportLedger interface {
	// ClaimReport возвращает true только для первого вызова по requestID.
	ClaimReport(ctx context.Context, requestID string, d Decision) (bool, error)
	// CompleteReport отмечает, что каталог принял решение.
	CompleteReport(ctx context.Context, requestID string) error
	ReportCompleted(ctx context.Context, requestID string) (bool, error)
}

// Catalog — порт обратного вызова в каталог данных.
type Catalog interface {
	AcceptSubscription(ctx context.Context, req SubscriptionRequest, comment string) error
	RejectSubscription(ctx context.Context, req SubscriptionRequest, comment string) error
}

// CatalogReader дополняет запрос описанием из каталога для тела тикета.
type CatalogReader interface {
	Describe(ctx context.Context, req SubscriptionRequest) (SubscriptionRequest, error)
}

// WorkQueue — порт упорядоченной очереди с дедупликацией и очередью недоставленных.
type WorkQueue interface {
	Enqueue(ctx context.Context, m QueueMessage) error
	Receive(ctx context.Context, max int) ([]Delivery, error)
}

// Gate ограничивает число одновременных обращений к внешней системе тикетов.
type Gate interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// MessageSubscriber — порт подписчика на входящие события.
type MessageSubscriber interface {
	// Subscribe регистрирует обработчик; ack/повторные доставки реализует адаптер.
	Subscribe(ctx context.Context, handler func(ctx context.Context, raw []byte) error) error
}
