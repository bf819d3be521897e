package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/digkill/imagecredit/internal/models"
)

type MissionRepository struct {
	db *gorm.DB
}

func NewMissionRepository(db *gorm.DB) *MissionRepository {
	return &MissionRepository{db: db}
}

func (r *MissionRepository) DB() *gorm.DB {
	return r.db
}

func (r *MissionRepository) GetByID(ctx context.Context, id int64) (*models.Mission, error) {
	var m models.Mission
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get mission: %w", err)
	}
	return &m, nil
}

func (r *MissionRepository) GetActive(ctx context.Context, id int64) (*models.Mission, error) {
	m, err := r.GetByID(ctx, id)
	if err != nil || m == nil || !m.IsActive {
		return nil, err
	}
	return m, nil
}

// ListEligible returns active missions that have not hit their daily completion cap on day.
func (r *MissionRepository) ListEligible(ctx context.Context, day string) ([]models.Mission, error) {
	var missions []models.Mission
	err := r.db.WithContext(ctx).Raw(`
SELECT m.* FROM missions m
LEFT JOIN mission_stats s ON s.mission_id = m.id AND s.day = ?
WHERE m.is_active = ? AND (m.daily_limit = 0 OR COALESCE(s.completed, 0) < m.daily_limit)
ORDER BY m.id`, day, true).Scan(&missions).Error
	if err != nil {
		return nil, fmt.Errorf("list eligible missions: %w", err)
	}
	return missions, nil
}

func (r *MissionRepository) List(ctx context.Context) ([]models.Mission, error) {
	var missions []models.Mission
	if err := r.db.WithContext(ctx).Order("id DESC").Find(&missions).Error; err != nil {
		return nil, fmt.Errorf("list missions: %w", err)
	}
	return missions, nil
}

func (r *MissionRepository) Create(ctx context.Context, m *models.Mission) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create mission: %w", err)
	}
	return nil
}

func (r *MissionRepository) Update(ctx context.Context, m *models.Mission) error {
	err := r.db.WithContext(ctx).Model(&models.Mission{}).Where("id = ?", m.ID).Updates(map[string]any{
		"title":          m.Title,
		"description":    m.Description,
		"reward_credits": m.RewardCredits,
		"daily_limit":    m.DailyLimit,
		"is_active":      m.IsActive,
	}).Error
	if err != nil {
		return fmt.Errorf("update mission: %w", err)
	}
	return nil
}

func (r *MissionRepository) Delete(ctx context.Context, id int64) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Mission{}).Error; err != nil {
		return fmt.Errorf("delete mission: %w", err)
	}
	return nil
}

// CodeUsedSince reports whether the code was already redeemed for the mission after since.
func (r *MissionRepository) CodeUsedSince(ctx context.Context, code string, missionID int64, since time.Time) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.MissionLog{}).
		Where("otp_code = ? AND mission_id = ? AND verified_at >= ?", code, missionID, since).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("check mission log: %w", err)
	}
	return n > 0, nil
}

func (r *MissionRepository) InsertLog(ctx context.Context, tx *gorm.DB, log *models.MissionLog) error {
	if err := tx.WithContext(ctx).Create(log).Error; err != nil {
		return fmt.Errorf("insert mission log: %w", err)
	}
	return nil
}

func (r *MissionRepository) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("verified_at < ?", before).Delete(&models.MissionLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune mission logs: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (r *MissionRepository) CompletedOn(ctx context.Context, missionID int64, day string) (int, error) {
	var stat models.MissionStat
	err := r.db.WithContext(ctx).Where("mission_id = ? AND day = ?", missionID, day).Take(&stat).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("get mission stat: %w", err)
	}
	return stat.Completed, nil
}

func (r *MissionRepository) IncrementViews(ctx context.Context, missionID int64, day string) error {
	return r.bumpStat(r.db.WithContext(ctx), missionID, day, "views")
}

// ClaimCompletion counts one completion for the day unless limit is already
// reached. A limit of zero means uncapped. It reports whether the slot was taken.
func (r *MissionRepository) ClaimCompletion(ctx context.Context, tx *gorm.DB, missionID int64, day string, limit int) (bool, error) {
	db := tx.WithContext(ctx)
	if err := ensureStat(db, missionID, day); err != nil {
		return false, err
	}
	q := db.Model(&models.MissionStat{}).Where("mission_id = ? AND day = ?", missionID, day)
	if limit > 0 {
		q = q.Where("completed < ?", limit)
	}
	res := q.Update("completed", gorm.Expr("completed + 1"))
	if res.Error != nil {
		return false, fmt.Errorf("claim mission completion: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *MissionRepository) Stats(ctx context.Context, day string) ([]models.MissionStat, error) {
	var stats []models.MissionStat
	if err := r.db.WithContext(ctx).Where("day = ?", day).Find(&stats).Error; err != nil {
		return nil, fmt.Errorf("list mission stats: %w", err)
	}
	return stats, nil
}

func ensureStat(db *gorm.DB, missionID int64, day string) error {
	stat := models.MissionStat{MissionID: missionID, Day: day}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mission_id"}, {Name: "day"}},
		DoNothing: true,
	}).Create(&stat).Error
	if err != nil {
		return fmt.Errorf("ensure mission stat: %w", err)
	}
	return nil
}

func (r *MissionRepository) bumpStat(db *gorm.DB, missionID int64, day, column string) error {
	if err := ensureStat(db, missionID, day); err != nil {
		return err
	}
	err := db.Model(&models.MissionStat{}).
		Where("mission_id = ? AND day = ?", missionID, day).
		Update(column, gorm.Expr(column+" + 1")).Error
	if err != nil {
		return fmt.Errorf("increment mission %s: %w", column, err)
	}
	return nil
}
