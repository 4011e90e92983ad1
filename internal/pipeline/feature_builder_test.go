package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/upsetiq/upsetiq/internal/models"
	"github.com/upsetiq/upsetiq/pkg/database"
	"github.com/upsetiq/upsetiq/pkg/utils"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	require.NoError(t, err)

	require.NoError(t, gormDB.AutoMigrate(
		&models.Game{},
		&models.Snapshot{},
		&models.PipelineRun{},
		&models.GameFeatures{},
		&models.Prediction{},
		&models.AlertSubscription{},
		&models.QueuedAlert{},
	))

	return &database.DB{DB: gormDB}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

type builderFixture struct {
	db        *database.DB
	snapshots *SnapshotStore
	builder   *FeatureBuilder
	game      *models.Game
	now       time.Time
}

func newBuilderFixture(t *testing.T) *builderFixture {
	t.Helper()

	db := newTestDB(t)
	snapshots := NewSnapshotStore(db)

	// Sunday night kickoff so the prime time flag is exercised.
	start := time.Date(2025, 11, 23, 20, 20, 0, 0, time.UTC)
	now := start.Add(-72 * time.Hour)

	game := &models.Game{
		ID:        "nfl-kc-lv-1",
		Sport:     "NFL",
		HomeTeam:  "LV",
		AwayTeam:  "KC",
		Favorite:  "KC",
		Underdog:  "LV",
		StartTime: start,
		Status:    models.GameStatusUpcoming,
	}
	require.NoError(t, db.Create(game).Error)

	return &builderFixture{
		db:        db,
		snapshots: snapshots,
		builder:   NewFeatureBuilder(db, snapshots, FreshnessWindows{}, testLogger()),
		game:      game,
		now:       now,
	}
}

func (f *builderFixture) addSchedule(t *testing.T, capturedAt time.Time) {
	t.Helper()
	payload := models.SchedulePayload{
		Sport:        "NFL",
		HomeTeam:     "LV",
		AwayTeam:     "KC",
		Favorite:     "KC",
		Underdog:     "LV",
		StartTime:    f.game.StartTime,
		IsDivisional: true,
		FavoriteRecord: &models.TeamRecord{
			Wins: 8, Losses: 2, WinPct: 0.8, ATSWins: 5, ATSLosses: 5, Streak: 4, RestDays: 7,
		},
		UnderdogRecord: &models.TeamRecord{
			Wins: 7, Losses: 3, WinPct: 0.7, ATSWins: 6, ATSLosses: 4, Streak: 3, RestDays: 6,
		},
	}
	require.NoError(t, f.snapshots.Append(context.Background(), f.game.ID, models.SourceSchedule, capturedAt, payload))
}

func (f *builderFixture) addOdds(t *testing.T, capturedAt time.Time, spread float64, favML, dogML int) {
	t.Helper()
	payload := models.OddsPayload{
		Bookmaker:         "draftkings",
		Spread:            &spread,
		FavoriteMoneyline: &favML,
		UnderdogMoneyline: &dogML,
		OverUnder:         floatPtr(44.5),
	}
	require.NoError(t, f.snapshots.Append(context.Background(), f.game.ID, models.SourceOdds, capturedAt, payload))
}

func TestBuildForGameJoinsAllSources(t *testing.T) {
	f := newBuilderFixture(t)
	ctx := context.Background()

	f.addSchedule(t, f.now.Add(-1*time.Hour))
	f.addOdds(t, f.now.Add(-10*time.Hour), -7.0, -320, 260) // opening line
	f.addOdds(t, f.now.Add(-1*time.Hour), -5.5, -270, 220)  // current line

	injuries := models.InjuryPayload{
		Favorite: []models.InjuryEntry{
			{PlayerName: "QB One", Team: "KC", Position: "QB", Status: "Out"},
			{PlayerName: "WR Two", Team: "KC", Position: "WR", Status: "Questionable"},
		},
		Underdog: []models.InjuryEntry{
			{PlayerName: "CB Three", Team: "LV", Position: "CB", Status: "Doubtful"},
		},
	}
	require.NoError(t, f.snapshots.Append(ctx, f.game.ID, models.SourceInjury, f.now.Add(-2*time.Hour), injuries))

	sentiment := models.SentimentPayload{
		Favorite: &models.TeamSentiment{Score: 0.5, Volume: 120, Origin: "reddit"},
		Underdog: &models.TeamSentiment{Score: 0.1, Volume: 40, Origin: "reddit"},
	}
	require.NoError(t, f.snapshots.Append(ctx, f.game.ID, models.SourceSentiment, f.now.Add(-1*time.Hour), sentiment))

	features, err := f.builder.BuildForGame(ctx, f.game, f.now)
	require.NoError(t, err)

	assert.Equal(t, "KC", features.Favorite)
	assert.Equal(t, "LV", features.Underdog)

	// Odds
	require.NotNil(t, features.CurrentSpread)
	assert.Equal(t, -5.5, *features.CurrentSpread)
	require.NotNil(t, features.OpeningSpread)
	assert.Equal(t, -7.0, *features.OpeningSpread)
	require.NotNil(t, features.SpreadMovement)
	assert.InDelta(t, 1.5, *features.SpreadMovement, 1e-9)
	require.NotNil(t, features.MoneylineMovement)
	assert.Equal(t, -40, *features.MoneylineMovement)
	require.NotNil(t, features.ImpliedProbability)
	// Vig-free: p(dog=+220)=0.3125, p(fav=-270)=0.7297; normalized dog share.
	assert.InDelta(t, 0.2998, *features.ImpliedProbability, 0.001)

	// Injuries: QB Out = 15*1.0, WR Questionable = 3*0.4
	require.NotNil(t, features.FavoriteInjuryScore)
	assert.InDelta(t, 16.2, *features.FavoriteInjuryScore, 1e-9)
	require.NotNil(t, features.UnderdogInjuryScore)
	assert.InDelta(t, 2.4, *features.UnderdogInjuryScore, 1e-9) // CB Doubtful = 3*0.8
	assert.True(t, *features.QBOutFavorite)
	assert.False(t, *features.QBOutUnderdog)

	// Sentiment differential is favorite minus underdog.
	require.NotNil(t, features.SentimentDifferential)
	assert.InDelta(t, 0.4, *features.SentimentDifferential, 1e-9)

	// Form and situational
	require.NotNil(t, features.FavoriteWinPct)
	assert.Equal(t, 0.8, *features.FavoriteWinPct)
	require.NotNil(t, features.UnderdogATSPct)
	assert.InDelta(t, 0.6, *features.UnderdogATSPct, 1e-9)
	assert.True(t, features.IsPrimeTime)
	assert.True(t, features.IsDivisional)
	require.NotNil(t, features.RestDaysUnderdog)
	assert.Equal(t, 6, *features.RestDaysUnderdog)
}

func TestStaleSnapshotsAreMissingNotUsed(t *testing.T) {
	f := newBuilderFixture(t)
	ctx := context.Background()

	f.addSchedule(t, f.now.Add(-1*time.Hour))
	f.addOdds(t, f.now.Add(-25*time.Hour), -7.0, -320, 260) // past the 24h window

	features, err := f.builder.BuildForGame(ctx, f.game, f.now)
	require.NoError(t, err)

	assert.Nil(t, features.CurrentSpread)
	assert.Nil(t, features.ImpliedProbability)
	assert.Nil(t, features.SpreadMovement)
}

func TestMissingScheduleIsFatal(t *testing.T) {
	f := newBuilderFixture(t)

	_, err := f.builder.BuildForGame(context.Background(), f.game, f.now)
	assert.ErrorIs(t, err, utils.ErrIdentityMissing)

	// Present but stale is equally fatal.
	f.addSchedule(t, f.now.Add(-8*24*time.Hour))
	_, err = f.builder.BuildForGame(context.Background(), f.game, f.now)
	assert.ErrorIs(t, err, utils.ErrIdentityMissing)
}

func TestScheduleOnlyStillScores(t *testing.T) {
	f := newBuilderFixture(t)
	ctx := context.Background()

	f.addSchedule(t, f.now.Add(-1*time.Hour))

	features, err := f.builder.BuildForGame(ctx, f.game, f.now)
	require.NoError(t, err)
	assert.Nil(t, features.CurrentSpread)
	assert.Nil(t, features.FavoriteInjuryScore)
	assert.Nil(t, features.SentimentDifferential)

	scorer := NewScorer(ScorerWeights{}, "")
	reduced, err := scorer.Score(features)
	require.NoError(t, err)

	// Now with odds present, confidence must be strictly higher.
	f.addOdds(t, f.now.Add(-1*time.Hour), -5.5, -270, 220)
	withOdds, err := f.builder.BuildForGame(ctx, f.game, f.now)
	require.NoError(t, err)
	better, err := scorer.Score(withOdds)
	require.NoError(t, err)

	assert.Less(t, reduced.ConfidenceBand, better.ConfidenceBand)
}

func TestBuildIsIdempotentForUnchangedSnapshots(t *testing.T) {
	f := newBuilderFixture(t)
	ctx := context.Background()

	f.addSchedule(t, f.now.Add(-1*time.Hour))
	f.addOdds(t, f.now.Add(-1*time.Hour), -3.0, -150, 130)

	first, err := f.builder.BuildForGame(ctx, f.game, f.now)
	require.NoError(t, err)
	second, err := f.builder.BuildForGame(ctx, f.game, f.now)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestBuildAllSkipsIdentityMissingGames(t *testing.T) {
	f := newBuilderFixture(t)
	ctx := context.Background()

	f.addSchedule(t, f.now.Add(-1*time.Hour))

	// Second game with no schedule snapshot at all.
	orphan := &models.Game{
		ID:        "nfl-orphan-1",
		Sport:     "NFL",
		HomeTeam:  "DAL",
		AwayTeam:  "PHI",
		Favorite:  "PHI",
		Underdog:  "DAL",
		StartTime: f.game.StartTime,
		Status:    models.GameStatusUpcoming,
	}
	require.NoError(t, f.db.Create(orphan).Error)

	rc := &RunContext{Metadata: make(map[string]interface{})}
	require.NoError(t, f.builder.BuildAll(ctx, f.now, rc))

	assert.Equal(t, 2, rc.Processed)
	assert.Equal(t, 1, rc.Created)
	assert.Equal(t, 1, rc.Metadata["identity_missing"])

	var count int64
	require.NoError(t, f.db.Model(&models.GameFeatures{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}
