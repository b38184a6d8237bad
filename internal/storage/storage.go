package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nshruti113/flowguard/internal/models"
)

// ErrNotFound is returned when a document does not exist
var ErrNotFound = errors.New("not found")

// Store is the durable document store behind detection and mitigation.
//
// InsertBlock must be an atomic insert-if-absent keyed by IP: it is the
// storage-level uniqueness constraint that backs duplicate block suppression.
type Store interface {
	SaveFlow(ctx context.Context, flow models.FlowRecord) error
	CountFlowsSince(ctx context.Context, since time.Time) (int64, error)

	SaveAlert(ctx context.Context, alert models.Alert) error
	RecentAlerts(ctx context.Context, limit int) ([]models.Alert, error)

	InsertBlock(ctx context.Context, block models.BlockEntry) (bool, error)
	GetBlock(ctx context.Context, ip string) (models.BlockEntry, error)
	DeleteBlock(ctx context.Context, ip string) (bool, error)
	ListBlocks(ctx context.Context, limit int) ([]models.BlockEntry, error)

	AppendBlockHistory(ctx context.Context, entry models.BlockHistoryEntry) error
	BlockHistory(ctx context.Context, limit int) ([]models.BlockHistoryEntry, error)

	AddWhitelist(ctx context.Context, entry models.WhitelistEntry) error
	RemoveWhitelist(ctx context.Context, ip string) (bool, error)
	IsWhitelisted(ctx context.Context, ip string) (bool, error)
	ListWhitelist(ctx context.Context, limit int) ([]models.WhitelistEntry, error)

	LoadPolicy(ctx context.Context) (models.PolicyConfig, error)
	SavePolicy(ctx context.Context, policy models.PolicyConfig) error

	Close() error
}

func clampLimit(limit, n int) int {
	if limit <= 0 || limit > n {
		return n
	}
	return limit
}
