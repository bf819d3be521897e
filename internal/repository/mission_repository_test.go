package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/digkill/imagecredit/internal/database/dbtest"
	"github.com/digkill/imagecredit/internal/models"
)

func TestClaimCompletionRespectsLimit(t *testing.T) {
	db := dbtest.Open(t)
	repo := NewMissionRepository(db)
	ctx := context.Background()

	m := &models.Mission{Title: "Share", RewardCredits: 1, DailyLimit: 2, IsActive: true, CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.Create(ctx, m))

	claim := func(day string, limit int) bool {
		var ok bool
		err := db.Transaction(func(tx *gorm.DB) error {
			var err error
			ok, err = repo.ClaimCompletion(ctx, tx, m.ID, day, limit)
			return err
		})
		require.NoError(t, err)
		return ok
	}

	assert.True(t, claim("2025-06-01", 2))
	assert.True(t, claim("2025-06-01", 2))
	assert.False(t, claim("2025-06-01", 2))

	done, err := repo.CompletedOn(ctx, m.ID, "2025-06-01")
	require.NoError(t, err)
	assert.Equal(t, 2, done)

	// A new day starts a fresh counter; zero means uncapped.
	assert.True(t, claim("2025-06-02", 2))
	for i := 0; i < 5; i++ {
		assert.True(t, claim("2025-06-03", 0))
	}
	done, err = repo.CompletedOn(ctx, m.ID, "2025-06-03")
	require.NoError(t, err)
	assert.Equal(t, 5, done)
}
