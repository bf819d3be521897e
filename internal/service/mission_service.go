package service

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/digkill/imagecredit/internal/clock"
	"github.com/digkill/imagecredit/internal/config"
	"github.com/digkill/imagecredit/internal/database"
	"github.com/digkill/imagecredit/internal/models"
	"github.com/digkill/imagecredit/internal/otp"
	"github.com/digkill/imagecredit/internal/repository"
)

const (
	missionLogRetention = 24 * time.Hour
	dayLayout           = "2006-01-02"
)

type MissionReward struct {
	MissionID int64 `json:"mission_id"`
	Reward    int   `json:"reward"`
	Credits   int   `json:"credits"`
}

type MissionInput struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	RewardCredits *int   `json:"reward"`
	DailyLimit    *int   `json:"daily_limit"`
	IsActive      *bool  `json:"is_active"`
}

type MissionService struct {
	cfg      config.Config
	log      *zap.Logger
	missions *repository.MissionRepository
	credits  *CreditService
	clock    clock.Clock
}

// NewMissionService takes the trusted clock: codes are generated by an external
// page against real time, not the host clock.
func NewMissionService(cfg config.Config, log *zap.Logger, missions *repository.MissionRepository, credits *CreditService, clk clock.Clock) *MissionService {
	return &MissionService{cfg: cfg, log: log.Named("missions"), missions: missions, credits: credits, clock: clk}
}

// Get picks a random active mission that is still under its daily cap and counts the view.
func (s *MissionService) Get(ctx context.Context) (*models.Mission, error) {
	day := s.clock.Now().UTC().Format(dayLayout)
	eligible, err := s.missions.ListEligible(ctx, day)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, ErrNoMission
	}
	m := eligible[rand.IntN(len(eligible))]
	if err := s.missions.IncrementViews(ctx, m.ID, day); err != nil {
		s.log.Warn("count mission view", zap.Int64("mission_id", m.ID), zap.Error(err))
	}
	return &m, nil
}

// Verify redeems an OTP code for a mission and credits the reward.
func (s *MissionService) Verify(ctx context.Context, id models.Identity, missionID int64, code string) (*MissionReward, error) {
	if s.cfg.MissionSecret == "" {
		return nil, ErrNotConfigured
	}
	code = strings.TrimSpace(code)

	mission, err := s.missions.GetActive(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if mission == nil {
		return nil, ErrInvalidMission
	}

	now := s.clock.Now().UTC()
	if _, err := s.missions.PruneLogs(ctx, now.Add(-missionLogRetention)); err != nil {
		s.log.Warn("prune mission logs", zap.Error(err))
	}

	used, err := s.missions.CodeUsedSince(ctx, code, mission.ID, now.Add(-missionLogRetention))
	if err != nil {
		return nil, err
	}
	if used {
		return nil, ErrCodeUsed
	}

	if !otp.Verify(s.cfg.MissionSecret, code, now, s.cfg.MissionWindowMinutes) {
		return nil, ErrInvalidOTP
	}

	// Early rejection; ClaimCompletion enforces the cap inside the transaction.
	day := now.Format(dayLayout)
	if mission.DailyLimit > 0 {
		done, err := s.missions.CompletedOn(ctx, mission.ID, day)
		if err != nil {
			return nil, err
		}
		if done >= mission.DailyLimit {
			return nil, ErrMissionLimit
		}
	}

	var balance int
	err = s.missions.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		logRow := &models.MissionLog{OTPCode: code, MissionID: mission.ID, IdentityKey: id.Key(), VerifiedAt: now}
		if err := s.missions.InsertLog(ctx, tx, logRow); err != nil {
			if database.IsDuplicateKeyErr(err) {
				return ErrCodeUsed
			}
			return err
		}
		claimed, err := s.missions.ClaimCompletion(ctx, tx, mission.ID, day, mission.DailyLimit)
		if err != nil {
			return err
		}
		if !claimed {
			return ErrMissionLimit
		}
		balance, err = s.credits.applyDeltaTx(ctx, tx, id, mission.RewardCredits, models.TxMissionReward,
			fmt.Sprintf("Mission reward: %s", mission.Title), strconv.FormatInt(mission.ID, 10))
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("mission completed",
		zap.Int64("mission_id", mission.ID),
		zap.String("identity", id.Key()),
		zap.Int("reward", mission.RewardCredits),
	)
	return &MissionReward{MissionID: mission.ID, Reward: mission.RewardCredits, Credits: balance}, nil
}

// PruneLogs drops redemption records past the replay window.
func (s *MissionService) PruneLogs(ctx context.Context) (int64, error) {
	return s.missions.PruneLogs(ctx, s.clock.Now().UTC().Add(-missionLogRetention))
}

func (s *MissionService) List(ctx context.Context) ([]models.Mission, error) {
	return s.missions.List(ctx)
}

func (s *MissionService) Stats(ctx context.Context) ([]models.MissionStat, error) {
	return s.missions.Stats(ctx, s.clock.Now().UTC().Format(dayLayout))
}

func (s *MissionService) Create(ctx context.Context, in MissionInput) (*models.Mission, error) {
	m := &models.Mission{IsActive: true, CreatedAt: s.clock.Now().UTC()}
	if err := applyMissionInput(m, in); err != nil {
		return nil, err
	}
	if err := s.missions.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *MissionService) Update(ctx context.Context, id int64, in MissionInput) (*models.Mission, error) {
	m, err := s.missions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrNotFound
	}
	if err := applyMissionInput(m, in); err != nil {
		return nil, err
	}
	if err := s.missions.Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *MissionService) Delete(ctx context.Context, id int64) error {
	return s.missions.Delete(ctx, id)
}

func applyMissionInput(m *models.Mission, in MissionInput) error {
	if t := strings.TrimSpace(in.Title); t != "" {
		m.Title = t
	}
	if in.Description != "" {
		m.Description = strings.TrimSpace(in.Description)
	}
	if in.RewardCredits != nil {
		m.RewardCredits = *in.RewardCredits
	}
	if in.DailyLimit != nil {
		m.DailyLimit = *in.DailyLimit
	}
	if in.IsActive != nil {
		m.IsActive = *in.IsActive
	}
	if m.Title == "" || m.RewardCredits <= 0 || m.DailyLimit < 0 {
		return fmt.Errorf("%w: mission needs a title, a positive reward and a non-negative daily limit", ErrInvalidRequest)
	}
	return nil
}
