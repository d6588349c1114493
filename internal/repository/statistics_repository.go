package repository

import (
	"context"

	"github.com/pesio-ai/be-mes-approvals/internal/database"
	"github.com/pesio-ai/be-mes-approvals/internal/errors"
)

// StatisticsRepository computes dashboard aggregates over approval instances.
type StatisticsRepository struct {
	db *database.DB
}

// NewStatisticsRepository creates a new StatisticsRepository.
func NewStatisticsRepository(db *database.DB) *StatisticsRepository {
	return &StatisticsRepository{db: db}
}

// GetTenantStatistics returns instance counts by status, average
// time-to-completion over terminal instances, and the per-document-type
// breakdown for one tenant.
func (r *StatisticsRepository) GetTenantStatistics(ctx context.Context, tenantID string) (*TenantStatistics, error) {
	stats := &TenantStatistics{TenantID: tenantID}

	query := `
		SELECT document_type, status, COUNT(*),
		       COALESCE(AVG(EXTRACT(EPOCH FROM completed_at - created_at))
		                FILTER (WHERE completed_at IS NOT NULL), 0)
		FROM approval_instances
		WHERE tenant_id = $1
		GROUP BY document_type, status
		ORDER BY document_type ASC
	`
	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query statistics")
	}
	defer rows.Close()

	byType := make(map[string]*DocumentTypeStats)
	var typeOrder []string

	// Weighted averages are folded across the (document_type, status) buckets.
	var totalDurationSum float64
	var totalCompleted int
	durationSumByType := make(map[string]float64)
	completedByType := make(map[string]int)

	for rows.Next() {
		var docType, status string
		var count int
		var avgSeconds float64
		if err := rows.Scan(&docType, &status, &count, &avgSeconds); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan statistics row")
		}

		dt, ok := byType[docType]
		if !ok {
			dt = &DocumentTypeStats{DocumentType: docType}
			byType[docType] = dt
			typeOrder = append(typeOrder, docType)
		}
		addStatusCount(&dt.Counts, status, count)
		addStatusCount(&stats.Counts, status, count)

		if InstanceTerminal(status) {
			durationSumByType[docType] += avgSeconds * float64(count)
			completedByType[docType] += count
			totalDurationSum += avgSeconds * float64(count)
			totalCompleted += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read statistics rows")
	}

	for _, docType := range typeOrder {
		dt := byType[docType]
		if n := completedByType[docType]; n > 0 {
			dt.AvgCompletionSeconds = durationSumByType[docType] / float64(n)
		}
		stats.ByDocumentType = append(stats.ByDocumentType, *dt)
	}
	if totalCompleted > 0 {
		stats.AvgCompletionSeconds = totalDurationSum / float64(totalCompleted)
	}
	stats.Total = stats.Counts.Total()
	return stats, nil
}

func addStatusCount(c *StatusCounts, status string, n int) {
	switch status {
	case InstancePending:
		c.Pending += n
	case InstanceInProgress:
		c.InProgress += n
	case InstanceApproved:
		c.Approved += n
	case InstanceRejected:
		c.Rejected += n
	case InstanceCancelled:
		c.Cancelled += n
	}
}
