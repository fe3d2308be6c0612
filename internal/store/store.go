package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// InstanceStore persists instances and their progress checkpoints.
type InstanceStore interface {
	// CreateInstance creates a RUNNING instance pinned to the given version of
	// templateCode. An unknown code or version is TEMPLATE_NOT_FOUND.
	CreateInstance(ctx context.Context, templateCode string, version int, input map[string]any, parentID string) (string, error)
	GetInstance(ctx context.Context, id string) (*schema.Instance, error)
	SaveProgress(ctx context.Context, id string, p schema.Progress) error
	// ListDue returns WAITING instances whose wake_at is at or before now and
	// RUNNING instances not updated since staleBefore, oldest first. WAITING
	// parents whose child finished after their last checkpoint are included too.
	ListDue(ctx context.Context, now, staleBefore time.Time, limit int) ([]string, error)
}

// TemplateStore persists versioned templates.
type TemplateStore interface {
	// PutTemplate registers def as the next version of code.
	PutTemplate(ctx context.Context, code string, def schema.TemplateDefinition) (*schema.Template, error)
	// GetTemplate returns the latest version of code.
	GetTemplate(ctx context.Context, code string) (*schema.Template, error)
	GetTemplateVersion(ctx context.Context, code string, version int) (*schema.Template, error)
}

// TaskStore persists human tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task schema.NewTask) (string, error)
	GetTask(ctx context.Context, id string) (*schema.Task, error)
	CompleteTask(ctx context.Context, id string, result json.RawMessage) (*schema.Task, error)
}

// SagaLog is the append-only saga ledger.
type SagaLog interface {
	// AppendSaga assigns the next per-instance sequence and appends entry.
	AppendSaga(ctx context.Context, entry *schema.SagaEntry) error
	// ListSaga returns an instance's entries ordered by sequence.
	ListSaga(ctx context.Context, instanceID string) ([]*schema.SagaEntry, error)
}

// EventInbox holds correlated responses for waiting event steps.
type EventInbox interface {
	// ExpectEvent records that instanceID waits on correlationID.
	ExpectEvent(ctx context.Context, correlationID, instanceID string) error
	// DeliverEvent stores a response and returns the waiting instance id, if known.
	DeliverEvent(ctx context.Context, correlationID string, payload json.RawMessage) (string, error)
	// GetEventResponse returns the delivered response, or nil when none arrived yet.
	GetEventResponse(ctx context.Context, correlationID string) (*schema.EventResponse, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	InstanceStore
	TemplateStore
	TaskStore
	SagaLog
	EventInbox

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
