package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	plexus "github.com/plexusgw/plexus/internal"
)

// configSnapshotModel is the GORM row for config_snapshots. Grounded on
// BaSui01-agentflow's GORM-backed migration/versioning tables (the
// teacher has no analogue for a generic named-blob-plus-timestamps
// table); used here instead of the hand-rolled database/sql + manual-scan
// pattern the rest of this package follows because AutoMigrate and GORM's
// conventional CreatedAt/UpdatedAt fields already cover this table's
// entire shape with nothing domain-specific left to hand-write.
type configSnapshotModel struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;not null"`
	Config    string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (configSnapshotModel) TableName() string { return "config_snapshots" }

func (m configSnapshotModel) toDomain() plexus.ConfigSnapshot {
	return plexus.ConfigSnapshot{
		ID:        m.ID,
		Name:      m.Name,
		Config:    m.Config,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

// CreateSnapshot inserts a new named config snapshot.
func (s *Store) CreateSnapshot(ctx context.Context, snap plexus.ConfigSnapshot) (plexus.ConfigSnapshot, error) {
	row := configSnapshotModel{Name: snap.Name, Config: snap.Config}
	if err := s.gorm.WithContext(ctx).Create(&row).Error; err != nil {
		return plexus.ConfigSnapshot{}, fmt.Errorf("sqlite: create snapshot %q: %w", snap.Name, err)
	}
	return row.toDomain(), nil
}

// GetSnapshot retrieves a snapshot by name.
func (s *Store) GetSnapshot(ctx context.Context, name string) (plexus.ConfigSnapshot, bool, error) {
	var row configSnapshotModel
	err := s.gorm.WithContext(ctx).Where("name = ?", name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return plexus.ConfigSnapshot{}, false, nil
	}
	if err != nil {
		return plexus.ConfigSnapshot{}, false, fmt.Errorf("sqlite: get snapshot %q: %w", name, err)
	}
	return row.toDomain(), true, nil
}

// ListSnapshots returns every snapshot, most recently updated first.
func (s *Store) ListSnapshots(ctx context.Context) ([]plexus.ConfigSnapshot, error) {
	var rows []configSnapshotModel
	if err := s.gorm.WithContext(ctx).Order("updated_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list snapshots: %w", err)
	}
	out := make([]plexus.ConfigSnapshot, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// UpdateSnapshot overwrites an existing snapshot's config body by name.
func (s *Store) UpdateSnapshot(ctx context.Context, snap plexus.ConfigSnapshot) error {
	result := s.gorm.WithContext(ctx).Model(&configSnapshotModel{}).
		Where("name = ?", snap.Name).Update("config", snap.Config)
	if result.Error != nil {
		return fmt.Errorf("sqlite: update snapshot %q: %w", snap.Name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("snapshot %q: %w", snap.Name, plexus.ErrNotFound)
	}
	return nil
}

// DeleteSnapshot removes a snapshot by name.
func (s *Store) DeleteSnapshot(ctx context.Context, name string) error {
	result := s.gorm.WithContext(ctx).Where("name = ?", name).Delete(&configSnapshotModel{})
	if result.Error != nil {
		return fmt.Errorf("sqlite: delete snapshot %q: %w", name, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("snapshot %q: %w", name, plexus.ErrNotFound)
	}
	return nil
}
