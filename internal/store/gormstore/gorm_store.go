package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"corthex/internal/store"
	"corthex/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore implements store.Store on Gorm + SQLite.
type GormStore struct {
	db    *gorm.DB
	nowFn func() time.Time
}

var _ store.Store = (*GormStore)(nil)

func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&model.SettingModel{},
		&model.Prediction{},
		&model.SpecialistContribution{},
		&model.AnalystElo{},
		&model.CalibrationBucket{},
		&model.ErrorPattern{},
		&model.ToolEffectiveness{},
		&model.ClosedTrade{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little read parallelism for HTTP handlers, low lock contention.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db, nowFn: time.Now}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GormDB exposes the underlying *gorm.DB (read-only reference).
func (s *GormStore) GormDB() *gorm.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// --------------------- Settings -------------------------

func (s *GormStore) SaveSetting(ctx context.Context, key string, value any) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("setting key cannot be empty")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode setting %s: %w", key, err)
	}
	row := model.SettingModel{Key: key, Value: datatypes.JSON(raw), UpdatedAt: s.nowFn()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

func (s *GormStore) LoadSetting(ctx context.Context, key string, dest any) (bool, error) {
	var row model.SettingModel
	err := s.db.WithContext(ctx).Where("setting_key = ?", strings.TrimSpace(key)).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(row.Value) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(row.Value, dest); err != nil {
		return true, fmt.Errorf("decode setting %s: %w", key, err)
	}
	return true, nil
}

// --------------------- Predictions -------------------------

func (s *GormStore) SavePrediction(ctx context.Context, p *model.Prediction) error {
	if p == nil {
		return nil
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("prediction id cannot be empty")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.nowFn()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.Ticker = strings.ToUpper(strings.TrimSpace(p.Ticker))
	return s.db.WithContext(ctx).Save(p).Error
}

func (s *GormStore) GetPrediction(ctx context.Context, id string) (model.Prediction, error) {
	var p model.Prediction
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return p, store.ErrNotFound
	}
	return p, err
}

func (s *GormStore) ListPredictions(ctx context.Context, f store.PredictionFilter) ([]model.Prediction, error) {
	q := s.db.WithContext(ctx).Model(&model.Prediction{})
	if t := strings.TrimSpace(f.Ticker); t != "" {
		q = q.Where("ticker = ?", strings.ToUpper(t))
	}
	if !f.CreatedBefore.IsZero() {
		q = q.Where("created_at <= ?", f.CreatedBefore.UTC())
	}
	if f.Missing3d {
		q = q.Where("actual_price_3d IS NULL")
	}
	if f.Missing7d {
		q = q.Where("actual_price_7d IS NULL")
	}
	if f.VerifiedOnly || f.EloPending || f.ToolsPending {
		q = q.Where("correct_7d IS NOT NULL")
	}
	if f.EloPending {
		q = q.Where("elo_applied = ?", false)
	}
	if f.ToolsPending {
		q = q.Where("tools_applied = ?", false)
	}
	if f.Newest {
		q = q.Order("created_at DESC").Order("id DESC")
	} else {
		q = q.Order("created_at ASC").Order("id ASC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []model.Prediction
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) SaveContributions(ctx context.Context, rows []model.SpecialistContribution) error {
	if len(rows) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&rows).Error
}

func (s *GormStore) ListContributions(ctx context.Context, predictionID string) ([]model.SpecialistContribution, error) {
	var out []model.SpecialistContribution
	err := s.db.WithContext(ctx).
		Where("prediction_id = ?", predictionID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// --------------------- Learning -------------------------

func (s *GormStore) GetElo(ctx context.Context, agentID string) (model.AnalystElo, error) {
	var row model.AnalystElo
	err := s.db.WithContext(ctx).Where("agent_id = ?", agentID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, store.ErrNotFound
	}
	return row, err
}

func (s *GormStore) ListElo(ctx context.Context) ([]model.AnalystElo, error) {
	var out []model.AnalystElo
	err := s.db.WithContext(ctx).Order("elo_rating DESC").Order("agent_id ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) SaveElo(ctx context.Context, rows ...model.AnalystElo) error {
	if len(rows) == 0 {
		return nil
	}
	now := s.nowFn()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			rows[i].UpdatedAt = now
			if err := tx.Save(&rows[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) ApplyElo(ctx context.Context, predictionID string, rows ...model.AnalystElo) error {
	now := s.nowFn()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			rows[i].UpdatedAt = now
			if err := tx.Save(&rows[i]).Error; err != nil {
				return err
			}
		}
		return markApplied(tx, predictionID, "elo_applied")
	})
}

func markApplied(tx *gorm.DB, predictionID, column string) error {
	res := tx.Model(&model.Prediction{}).Where("id = ?", predictionID).Update(column, true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *GormStore) ReplaceCalibration(ctx context.Context, buckets []model.CalibrationBucket) error {
	now := s.nowFn()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.CalibrationBucket{}).Error; err != nil {
			return err
		}
		if len(buckets) == 0 {
			return nil
		}
		rows := make([]model.CalibrationBucket, len(buckets))
		copy(rows, buckets)
		for i := range rows {
			rows[i].UpdatedAt = now
		}
		return tx.Create(&rows).Error
	})
}

func (s *GormStore) ListCalibration(ctx context.Context) ([]model.CalibrationBucket, error) {
	var out []model.CalibrationBucket
	err := s.db.WithContext(ctx).Order("lower_bound ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) UpsertPattern(ctx context.Context, p model.ErrorPattern) error {
	if strings.TrimSpace(p.PatternType) == "" {
		return fmt.Errorf("pattern_type cannot be empty")
	}
	p.UpdatedAt = s.nowFn()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "pattern_type"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"description", "correct_count", "incorrect_count", "hit_rate", "active", "updated_at",
		}),
	}).Create(&p).Error
}

func (s *GormStore) ListPatterns(ctx context.Context, activeOnly bool) ([]model.ErrorPattern, error) {
	q := s.db.WithContext(ctx).Model(&model.ErrorPattern{})
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	var out []model.ErrorPattern
	err := q.Order("pattern_type ASC").Find(&out).Error
	return out, err
}

func (s *GormStore) GetTool(ctx context.Context, name string) (model.ToolEffectiveness, error) {
	var row model.ToolEffectiveness
	err := s.db.WithContext(ctx).Where("tool_name = ?", name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, store.ErrNotFound
	}
	return row, err
}

func (s *GormStore) SaveTool(ctx context.Context, t model.ToolEffectiveness) error {
	t.UpdatedAt = s.nowFn()
	return s.db.WithContext(ctx).Save(&t).Error
}

func (s *GormStore) ApplyTools(ctx context.Context, predictionID string, tools ...model.ToolEffectiveness) error {
	now := s.nowFn()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range tools {
			tools[i].UpdatedAt = now
			if err := tx.Save(&tools[i]).Error; err != nil {
				return err
			}
		}
		return markApplied(tx, predictionID, "tools_applied")
	})
}

func (s *GormStore) ListTools(ctx context.Context) ([]model.ToolEffectiveness, error) {
	var out []model.ToolEffectiveness
	err := s.db.WithContext(ctx).Order("eff_score DESC").Order("tool_name ASC").Find(&out).Error
	return out, err
}

// --------------------- Trades -------------------------

func (s *GormStore) SaveClosedTrade(ctx context.Context, t *model.ClosedTrade) error {
	if t == nil {
		return nil
	}
	if t.ClosedAt.IsZero() {
		t.ClosedAt = s.nowFn()
	}
	t.ClosedAt = t.ClosedAt.UTC()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "prediction_id"}},
		DoNothing: true,
	}).Create(t).Error
}

func (s *GormStore) RecentClosedTrades(ctx context.Context, limit int) ([]model.ClosedTrade, error) {
	q := s.db.WithContext(ctx).Order("closed_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.ClosedTrade
	err := q.Find(&out).Error
	return out, err
}
