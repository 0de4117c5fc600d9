package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blackroad/repoplane/internal/coordinator"
	"github.com/blackroad/repoplane/internal/domain"
	"github.com/blackroad/repoplane/internal/healer"
	"github.com/blackroad/repoplane/internal/ids"
	"github.com/blackroad/repoplane/internal/kv"
	"github.com/blackroad/repoplane/internal/logger"
	"github.com/blackroad/repoplane/internal/storage"
	"github.com/blackroad/repoplane/internal/syncengine"
)

// Daily aggregates one day of control-plane activity.
type Daily struct {
	Date             string                       `json:"date"`
	GeneratedAt      time.Time                    `json:"generated_at"`
	Jobs             domain.JobMetrics            `json:"jobs"`
	RepoCount        int                          `json:"repo_count"`
	AverageOverall   int                          `json:"average_cohesiveness"`
	IssuesBySeverity map[domain.IssueSeverity]int `json:"issues_by_severity"`
	Healing          domain.HealerMetrics         `json:"healing"`
}

// Store is the cache the report snapshot is written to.
type Store interface {
	SetJSON(key string, v interface{}, ttl time.Duration) error
}

// Builder assembles the daily report from the three components and persists
// it: a KV snapshot with a 30-day TTL and, when an archive is configured, a
// JSON object under reports/{date}.json.
type Builder struct {
	coord   *coordinator.Coordinator
	engine  *syncengine.Engine
	healer  *healer.Healer
	store   Store
	archive storage.ObjectStorage
	clock   ids.Clock
	log     *logger.Logger
}

// New creates a report builder. archive may be nil to skip object storage.
// Parameters:
//   - coord: job coordinator.
//   - engine: repo sync engine.
//   - h: self-healer.
//   - store: KV cache for the snapshot.
//   - archive: optional object storage for the JSON archive.
//   - clock: time source.
//   - log: component logger.
//
// Returns:
//   - *Builder: ready builder.
func New(
	coord *coordinator.Coordinator,
	engine *syncengine.Engine,
	h *healer.Healer,
	store Store,
	archive storage.ObjectStorage,
	clock ids.Clock,
	log *logger.Logger,
) *Builder {
	return &Builder{
		coord:   coord,
		engine:  engine,
		healer:  h,
		store:   store,
		archive: archive,
		clock:   clock,
		log:     log.WithField(logger.FieldComponent, "report"),
	}
}

// Generate builds and persists the report for the current day.
// Parameters:
//   - ctx: context for cancellation and deadlines.
//
// Returns:
//   - Daily: the generated report.
//   - error: non-nil if the KV snapshot cannot be written.
func (b *Builder) Generate(ctx context.Context) (Daily, error) {
	now := b.clock.Now()
	cohesion := b.engine.CohesivenessReport(ctx)

	daily := Daily{
		Date:             now.Format("2006-01-02"),
		GeneratedAt:      now,
		Jobs:             b.coord.Metrics(ctx),
		RepoCount:        len(b.engine.ListRepos(ctx).Repos),
		AverageOverall:   cohesion.AverageOverall,
		IssuesBySeverity: cohesion.BySeverity,
		Healing:          b.healer.Metrics(ctx),
	}

	if err := b.store.SetJSON(kv.DailyReportKey(now), &daily, kv.TTLDailyReport); err != nil {
		return Daily{}, fmt.Errorf("failed to store daily report: %w", err)
	}

	if b.archive != nil {
		raw, err := json.MarshalIndent(&daily, "", "  ")
		if err != nil {
			return Daily{}, fmt.Errorf("failed to encode daily report: %w", err)
		}
		key := fmt.Sprintf("reports/%s.json", daily.Date)
		if err := b.archive.Upload(ctx, key, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
			// The KV snapshot is the primary record; archive failures are
			// logged and do not fail the report.
			b.log.WithError(err).Warn("Failed to archive daily report")
		}
	}

	b.log.WithField("date", daily.Date).Info("Daily report generated")
	return daily, nil
}
