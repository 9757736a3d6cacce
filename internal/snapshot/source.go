package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/zohaibmir/qr-saas-backend-sub002/internal/config"
	"github.com/zohaibmir/qr-saas-backend-sub002/internal/model"
)

// Source computes the current state of an entity from the analytics store.
// The engine consults it only on a cache miss, under a bounded recompute
// budget carried in the context.
type Source interface {
	ComputeCurrentState(ctx context.Context, entityID string) (*model.Snapshot, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func(ctx context.Context, entityID string) (*model.Snapshot, error)

// ComputeCurrentState implements Source.
func (f SourceFunc) ComputeCurrentState(ctx context.Context, entityID string) (*model.Snapshot, error) {
	return f(ctx, entityID)
}

const recentSampleLimit = 20

// clickhouseSource implements Source against the scan_events table.
type clickhouseSource struct {
	conn clickhouse.Conn
}

// NewClickHouseSource creates a snapshot source backed by ClickHouse.
func NewClickHouseSource(cfg config.ClickHouseConfig) (Source, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return &clickhouseSource{conn: conn}, nil
}

// ComputeCurrentState builds a snapshot from the entity's recent scan events:
// active count over the last 5 minutes, per-minute rate over the last hour,
// totals per metric type, the most recent samples and top geo/device
// breakdowns.
func (s *clickhouseSource) ComputeCurrentState(ctx context.Context, entityID string) (*model.Snapshot, error) {
	snap := &model.Snapshot{
		EntityID:      entityID,
		TotalsByType:  make(map[string]float64),
		TopBreakdowns: make(map[string]map[string]int),
		ComputedAt:    time.Now(),
	}

	row := s.conn.QueryRow(ctx, `
		SELECT
			countIf(Timestamp >= now() - INTERVAL 5 MINUTE),
			countIf(Timestamp >= now() - INTERVAL 1 HOUR) / 60
		FROM scan_events
		WHERE EntityID = ?
	`, entityID)
	var active uint64
	if err := row.Scan(&active, &snap.ScansPerMinute); err != nil {
		return nil, fmt.Errorf("failed to scan activity counts: %w", err)
	}
	snap.ActiveScans = float64(active)

	rows, err := s.conn.Query(ctx, `
		SELECT MetricType, sum(Value)
		FROM scan_events
		WHERE EntityID = ?
		GROUP BY MetricType
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var metricType string
		var total float64
		if err := rows.Scan(&metricType, &total); err != nil {
			return nil, fmt.Errorf("failed to scan total: %w", err)
		}
		snap.TotalsByType[metricType] = total
	}

	sampleRows, err := s.conn.Query(ctx, `
		SELECT MetricType, Value, Timestamp
		FROM scan_events
		WHERE EntityID = ?
		ORDER BY Timestamp DESC
		LIMIT ?
	`, entityID, recentSampleLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent samples: %w", err)
	}
	defer sampleRows.Close()
	for sampleRows.Next() {
		var sample model.Sample
		if err := sampleRows.Scan(&sample.MetricType, &sample.Value, &sample.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		snap.RecentSamples = append(snap.RecentSamples, sample)
	}

	for column, name := range map[string]string{"Country": "country", "Device": "device"} {
		breakdown, err := s.topBreakdown(ctx, entityID, column)
		if err != nil {
			return nil, err
		}
		if len(breakdown) > 0 {
			snap.TopBreakdowns[name] = breakdown
		}
	}

	return snap, nil
}

// topBreakdown returns the five most frequent values of one dimension column.
func (s *clickhouseSource) topBreakdown(ctx context.Context, entityID, column string) (map[string]int, error) {
	// column is one of the fixed dimension names above, never user input.
	rows, err := s.conn.Query(ctx, fmt.Sprintf(`
		SELECT %s, count()
		FROM scan_events
		WHERE EntityID = ? AND %s != ''
		GROUP BY %s
		ORDER BY count() DESC
		LIMIT 5
	`, column, column, column), entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s breakdown: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var value string
		var count uint64
		if err := rows.Scan(&value, &count); err != nil {
			return nil, fmt.Errorf("failed to scan %s breakdown: %w", column, err)
		}
		out[value] = int(count)
	}
	return out, nil
}
