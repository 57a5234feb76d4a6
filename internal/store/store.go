package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/coverdesk/policy-cli/internal/config"
	"github.com/coverdesk/policy-cli/internal/model"
)

// Store defines the persistence interface for the extraction and consistency
// pipeline.
type Store interface {
	// Products
	CreateProduct(ctx context.Context, p model.Product) (*model.Product, error)
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListActiveProducts(ctx context.Context) ([]model.Product, error)
	ListPeers(ctx context.Context, provider, category, excludeID string) ([]model.Product, error)
	UpdateProductFields(ctx context.Context, id string, fields map[string]any) error
	MarkDuplicate(ctx context.Context, productID, duplicateOfID string) error

	// Policies
	CreatePolicy(ctx context.Context, p model.Policy) (*model.Policy, error)
	GetPolicy(ctx context.Context, id string) (*model.Policy, error)
	UpdatePolicyFields(ctx context.Context, id string, fields map[string]any) error

	// Consistency alerts. UpsertActiveAlert is a single conditional write:
	// at most one active alert exists per (entity_id, alert_type) pair.
	UpsertActiveAlert(ctx context.Context, a model.ConsistencyAlert) (*model.ConsistencyAlert, error)
	ListActiveAlerts(ctx context.Context, entityID string) ([]model.ConsistencyAlert, error)
	UpdateAlertStatus(ctx context.Context, id string, status model.AlertStatus) error

	// Duplicate detections
	DetectionExists(ctx context.Context, productID, duplicateProductID string) (bool, error)
	CreateDetection(ctx context.Context, d model.DuplicateDetection) (*model.DuplicateDetection, error)
	ListDetections(ctx context.Context, productID string) ([]model.DuplicateDetection, error)

	// Chat
	CreateConversation(ctx context.Context, policyID, userID string) (*model.ChatConversation, error)
	AppendChatMessage(ctx context.Context, conversationID, role, content string) (*model.ChatMessage, error)
	ListChatMessages(ctx context.Context, conversationID string) ([]model.ChatMessage, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open constructs a Store from config based on the configured driver.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "postgres", "":
		return NewPostgres(ctx, cfg)
	case "sqlite":
		return NewSQLite(cfg.DatabaseURL)
	default:
		return nil, eris.Errorf("store: unknown driver %q", cfg.Driver)
	}
}
