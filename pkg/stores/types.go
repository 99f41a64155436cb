package stores

import (
	"context"
	"errors"
	"time"

	"github.com/openfroyo/stevedore/pkg/artifacts"
	"github.com/openfroyo/stevedore/pkg/engine"
)

// ErrNotFound is wrapped by lookups that match no row.
var ErrNotFound = errors.New("not found")

// ServiceRecord is a service exposed by an installed middleware, such as
// the redis endpoint published by a redis installer.
type ServiceRecord struct {
	ID          string            `json:"id"`
	InstalledBy string            `json:"installed_by"`
	ServiceID   string            `json:"service_id"`
	ServiceName string            `json:"service_name"`
	ServiceType string            `json:"service_type"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	HealthURL   string            `json:"health_url,omitempty"`
	Config      map[string]string `json:"config,omitempty"` // sensitive values encrypted
	CreatedAt   time.Time         `json:"created_at"`
}

// OperationLog is a stored operation record.
type OperationLog struct {
	ID int64 `json:"id"`
	engine.OperationRecord
}

// UpgradeLog is a stored upgrade record.
type UpgradeLog struct {
	ID int64 `json:"id"`
	engine.UpgradeRecord
}

// HistoryFilter narrows history queries. Zero values match everything.
type HistoryFilter struct {
	PluginID string
	Limit    int
	Offset   int
}

// Store is everything stevedore persists. SQLiteStore is the only
// implementation; the interface lets commands and tests depend on less.
type Store interface {
	engine.InstalledState
	engine.OperationRecorder
	engine.NodeDirectory
	artifacts.Index

	Close() error
	Migrate(ctx context.Context) error

	// Installed artifacts and their services
	SaveInstallation(ctx context.Context, art engine.InstalledArtifact, services []ServiceRecord) error
	GetInstalled(ctx context.Context, pluginID string) (*engine.InstalledArtifact, error)
	DeleteInstalled(ctx context.Context, pluginID string) error
	ListServices(ctx context.Context, installedBy string) ([]ServiceRecord, error)

	// History
	ListOperations(ctx context.Context, filter HistoryFilter) ([]*OperationLog, error)
	ListUpgrades(ctx context.Context, filter HistoryFilter) ([]*UpgradeLog, error)

	// Nodes
	SaveNode(ctx context.Context, node engine.NodeDescriptor) error
	ListNodes(ctx context.Context) ([]engine.NodeDescriptor, error)
	DeleteNode(ctx context.Context, id string) error

	HealthCheck(ctx context.Context) error
}
