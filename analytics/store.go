// Package analytics mirrors acknowledged ledger entries into SQLite so
// budget activity can be queried across broker restarts. The broker's
// ledger log stays authoritative; this store only serves aggregate views.
package analytics

import (
	"fmt"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/teamwire/broker"
)

// LedgerRecord is the persisted form of one ledger entry.
type LedgerRecord struct {
	ID          uint      `gorm:"primaryKey"`
	TeamID      string    `gorm:"index:idx_team_entry,unique"`
	EntryID     uint64    `gorm:"index:idx_team_entry,unique"`
	Actor       string    `gorm:"index"`
	Amount      float64
	Description string
	RecordedAt  time.Time
}

// Snapshot is an aggregate view of a team's ledger activity.
type Snapshot struct {
	TeamID       string        `json:"team_id"`
	Entries      int64         `json:"entries"`
	TotalAmount  float64       `json:"total_amount"`
	Contributors []Contributor `json:"contributors"`
}

// Contributor summarizes one actor's share of team spend.
type Contributor struct {
	Actor   string  `json:"actor"`
	Entries int64   `json:"entries"`
	Amount  float64 `json:"amount"`
}

// Store wraps the analytics database. It satisfies broker.Recorder.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the analytics database at path.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("analytics: open database: %w", err)
	}
	if err := db.AutoMigrate(&LedgerRecord{}); err != nil {
		return nil, fmt.Errorf("analytics: migrate: %w", err)
	}
	return &Store{
		db:     db,
		logger: log.With(zap.String("component", "analytics_store")),
	}, nil
}

// Record mirrors one acknowledged ledger entry. Replaying an entry id that
// is already recorded for the team is a no-op, so broker-side persistence
// retries stay idempotent here.
func (s *Store) Record(teamID string, entry broker.LedgerEntry) error {
	record := LedgerRecord{
		TeamID:      teamID,
		EntryID:     entry.ID,
		Actor:       entry.ActorNodeID,
		Amount:      entry.Amount,
		Description: entry.Description,
		RecordedAt:  entry.Timestamp,
	}
	err := s.db.Create(&record).Error
	if err != nil {
		var existing int64
		s.db.Model(&LedgerRecord{}).
			Where("team_id = ? AND entry_id = ?", teamID, entry.ID).
			Count(&existing)
		if existing > 0 {
			return nil
		}
		return fmt.Errorf("analytics: record entry %d: %w", entry.ID, err)
	}
	return nil
}

// TeamSnapshot aggregates totals and per-actor contributions for a team.
func (s *Store) TeamSnapshot(teamID string) (Snapshot, error) {
	snap := Snapshot{TeamID: teamID}

	row := s.db.Model(&LedgerRecord{}).
		Where("team_id = ?", teamID).
		Select("COUNT(*) AS entries, COALESCE(SUM(amount), 0) AS total")
	var agg struct {
		Entries int64
		Total   float64
	}
	if err := row.Scan(&agg).Error; err != nil {
		return snap, fmt.Errorf("analytics: snapshot: %w", err)
	}
	snap.Entries = agg.Entries
	snap.TotalAmount = agg.Total

	var rows []struct {
		Actor   string
		Entries int64
		Amount  float64
	}
	err := s.db.Model(&LedgerRecord{}).
		Where("team_id = ?", teamID).
		Select("actor, COUNT(*) AS entries, COALESCE(SUM(amount), 0) AS amount").
		Group("actor").
		Scan(&rows).Error
	if err != nil {
		return snap, fmt.Errorf("analytics: contributors: %w", err)
	}
	for _, r := range rows {
		snap.Contributors = append(snap.Contributors, Contributor{
			Actor:   r.Actor,
			Entries: r.Entries,
			Amount:  r.Amount,
		})
	}
	sort.Slice(snap.Contributors, func(i, j int) bool {
		return snap.Contributors[i].Amount > snap.Contributors[j].Amount
	})
	return snap, nil
}

// Insights renders a short human-readable summary of team spend.
func (s *Store) Insights(teamID string) ([]string, error) {
	snap, err := s.TeamSnapshot(teamID)
	if err != nil {
		return nil, err
	}
	if snap.Entries == 0 {
		return []string{"no ledger activity recorded yet"}, nil
	}
	lines := []string{
		fmt.Sprintf("%d ledger entries totalling %.2f", snap.Entries, snap.TotalAmount),
	}
	if len(snap.Contributors) > 0 {
		top := snap.Contributors[0]
		lines = append(lines, fmt.Sprintf("top contributor %s with %.2f across %d entries",
			top.Actor, top.Amount, top.Entries))
	}
	return lines, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
