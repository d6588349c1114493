package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-mes-approvals/internal/repository"
)

// StatisticsStore computes the tenant dashboard aggregates.
type StatisticsStore interface {
	GetTenantStatistics(ctx context.Context, tenantID string) (*repository.TenantStatistics, error)
}

// StatisticsService serves dashboard aggregates over approval instances.
type StatisticsService struct {
	store StatisticsStore
	log   zerolog.Logger
}

// NewStatisticsService creates a new StatisticsService.
func NewStatisticsService(store StatisticsStore, log zerolog.Logger) *StatisticsService {
	return &StatisticsService{store: store, log: log}
}

// GetStatistics returns instance counts by status, average completion time,
// and the per-document-type breakdown for a tenant.
func (s *StatisticsService) GetStatistics(ctx context.Context, tenantID string) (*repository.TenantStatistics, error) {
	return s.store.GetTenantStatistics(ctx, tenantID)
}
