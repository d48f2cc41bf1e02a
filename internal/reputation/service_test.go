package reputation_test

import (
	"context"
	"sync"
	"testing"

	"github.com/lizcirble/shakabackend/internal/auth"
	"github.com/lizcirble/shakabackend/internal/identity"
	"github.com/lizcirble/shakabackend/internal/reputation"
	"github.com/lizcirble/shakabackend/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var bounds = reputation.Bounds{Min: 0, Max: 200, DefaultWeight: 1}

func newUser(t *testing.T, db *gorm.DB, externalID string, score int) string {
	t.Helper()
	u, err := auth.NewUserService(db, score).UpsertFromIdentity(context.Background(),
		&identity.Identity{ExternalID: externalID})
	require.NoError(t, err)
	return u.ID
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 0, bounds.Clamp(-3))
	assert.Equal(t, 200, bounds.Clamp(215))
	assert.Equal(t, 42, bounds.Clamp(42))
}

func TestRepeatedPenaltiesFloorAtZero(t *testing.T) {
	db := storetest.New(t).DB()
	adj := reputation.NewAdjuster(db, bounds)
	ctx := context.Background()
	uid := newUser(t, db, "low", 5)

	score, err := adj.Adjust(ctx, uid, -5, "s1", "rejected")
	require.NoError(t, err)
	assert.Equal(t, 0, score)

	for i := 0; i < 3; i++ {
		score, err = adj.Adjust(ctx, uid, -5, "", "rejected")
		require.NoError(t, err)
		assert.Equal(t, 0, score, "never negative")
	}

	events, err := adj.History(ctx, uid, 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, 0, events[0].Applied, "clamped change is recorded as zero")
	assert.Equal(t, -5, events[0].Delta)
	assert.Equal(t, -5, events[3].Applied)
	assert.Equal(t, "s1", events[3].SubmissionID)
}

func TestRewardsCapAtMax(t *testing.T) {
	db := storetest.New(t).DB()
	adj := reputation.NewAdjuster(db, bounds)
	uid := newUser(t, db, "high", 195)

	score, err := adj.Adjust(context.Background(), uid, 10, "", "approved")
	require.NoError(t, err)
	assert.Equal(t, 200, score)
}

func TestAdjustUnknownUser(t *testing.T) {
	adj := reputation.NewAdjuster(storetest.New(t).DB(), bounds)
	_, err := adj.Adjust(context.Background(), "ghost", 10, "", "approved")
	assert.ErrorIs(t, err, reputation.ErrUserNotFound)
}

func TestConcurrentAdjustmentsAreNotLost(t *testing.T) {
	db := storetest.New(t).DB()
	adj := reputation.NewAdjuster(db, bounds)
	uid := newUser(t, db, "busy", 100)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := adj.Adjust(context.Background(), uid, 10, "", "approved")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	w, err := adj.Weights(context.Background(), []string{uid})
	require.NoError(t, err)
	assert.Equal(t, 180, w[uid])
}

func TestWeightsDefaultForUnknown(t *testing.T) {
	db := storetest.New(t).DB()
	adj := reputation.NewAdjuster(db, bounds)
	uid := newUser(t, db, "known", 120)

	w, err := adj.Weights(context.Background(), []string{uid, "stranger"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{uid: 120, "stranger": 1}, w)
}
