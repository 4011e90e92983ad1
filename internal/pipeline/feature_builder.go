package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/upsetiq/upsetiq/internal/models"
	"github.com/upsetiq/upsetiq/pkg/database"
	"github.com/upsetiq/upsetiq/pkg/utils"
)

// FreshnessWindows caps how old a snapshot may be before its features are
// treated as missing. Stale data is never used silently.
type FreshnessWindows struct {
	Odds      time.Duration
	Injury    time.Duration
	Sentiment time.Duration
	Schedule  time.Duration
}

func (w FreshnessWindows) withDefaults() FreshnessWindows {
	if w.Odds == 0 {
		w.Odds = 24 * time.Hour
	}
	if w.Injury == 0 {
		w.Injury = 12 * time.Hour
	}
	if w.Sentiment == 0 {
		w.Sentiment = 6 * time.Hour
	}
	if w.Schedule == 0 {
		w.Schedule = 7 * 24 * time.Hour
	}
	return w
}

// Injury impact weights. Unknown positions fall back to 1.0, unknown
// statuses to 0.5.
var positionImpactWeights = map[string]float64{
	"QB": 15.0, "RB": 4.0, "WR": 3.0, "TE": 2.5,
	"LT": 4.0, "RT": 2.5, "C": 2.5, "LG": 2.0, "RG": 2.0,
	"DE": 3.0, "DT": 2.5, "LB": 2.5, "CB": 3.0, "S": 2.5,
	"K": 1.5, "P": 1.0,
}

var statusImpactWeights = map[string]float64{
	"Out": 1.0, "IR": 1.0, "Suspended": 1.0,
	"Doubtful": 0.8, "PUP": 0.7,
	"Questionable": 0.4, "Probable": 0.1,
}

// FeatureBuilder joins the latest snapshot per source into a GameFeatures
// row. Every computation appends; history is kept for trend queries.
type FeatureBuilder struct {
	db        *database.DB
	snapshots *SnapshotStore
	windows   FreshnessWindows
	logger    *logrus.Logger
}

func NewFeatureBuilder(db *database.DB, snapshots *SnapshotStore, windows FreshnessWindows, logger *logrus.Logger) *FeatureBuilder {
	return &FeatureBuilder{
		db:        db,
		snapshots: snapshots,
		windows:   windows.withDefaults(),
		logger:    logger,
	}
}

// BuildForGame computes the feature vector for one game as of t. Missing or
// stale sources yield nil feature fields, not zeros. Only a missing or stale
// schedule snapshot is fatal, because without it the favorite/underdog
// identities and start time are unknown.
func (b *FeatureBuilder) BuildForGame(ctx context.Context, game *models.Game, t time.Time) (*models.GameFeatures, error) {
	scheduleSnap, err := b.freshSnapshot(ctx, game.ID, models.SourceSchedule, t, b.windows.Schedule)
	if err != nil {
		return nil, err
	}
	if scheduleSnap == nil {
		return nil, fmt.Errorf("%w: game %s has no usable schedule snapshot", utils.ErrIdentityMissing, game.ID)
	}

	var sched models.SchedulePayload
	if err := json.Unmarshal(scheduleSnap.Payload, &sched); err != nil {
		return nil, fmt.Errorf("%w: game %s schedule payload unreadable: %v", utils.ErrIdentityMissing, game.ID, err)
	}
	if sched.Favorite == "" || sched.Underdog == "" {
		return nil, fmt.Errorf("%w: game %s schedule payload lacks favorite/underdog", utils.ErrIdentityMissing, game.ID)
	}

	features := &models.GameFeatures{
		GameID:     game.ID,
		Sport:      sched.Sport,
		Favorite:   sched.Favorite,
		Underdog:   sched.Underdog,
		StartTime:  sched.StartTime,
		ComputedAt: t.UTC(),
	}

	if err := b.applyOddsFeatures(ctx, game.ID, t, features); err != nil {
		return nil, err
	}
	if err := b.applyInjuryFeatures(ctx, game.ID, t, features); err != nil {
		return nil, err
	}
	if err := b.applySentimentFeatures(ctx, game.ID, t, features); err != nil {
		return nil, err
	}
	b.applyFormFeatures(&sched, features)
	b.applySituationalFeatures(game, &sched, features)

	return features, nil
}

// BuildAll computes and persists features for every upcoming game. Games
// without a usable schedule snapshot are skipped, not failed.
func (b *FeatureBuilder) BuildAll(ctx context.Context, now time.Time, rc *RunContext) error {
	var games []models.Game
	err := b.db.WithContext(ctx).
		Where("status = ? AND start_time > ?", models.GameStatusUpcoming, now).
		Order("start_time ASC").
		Find(&games).Error
	if err != nil {
		return fmt.Errorf("failed to load upcoming games: %w", err)
	}

	skipped := 0
	for i := range games {
		if err := ctx.Err(); err != nil {
			return err
		}
		game := &games[i]
		rc.Processed++

		features, err := b.BuildForGame(ctx, game, now)
		if err != nil {
			if errors.Is(err, utils.ErrIdentityMissing) {
				skipped++
				b.logger.Warnf("Feature build skipped for game %s: %v", game.ID, err)
				continue
			}
			return err
		}

		if err := b.db.WithContext(ctx).Create(features).Error; err != nil {
			return fmt.Errorf("failed to persist features for game %s: %w", game.ID, err)
		}
		rc.Created++
	}

	if skipped > 0 {
		rc.Metadata["identity_missing"] = skipped
	}
	return nil
}

// freshSnapshot returns the latest snapshot within the freshness window, or
// nil when absent or too old.
func (b *FeatureBuilder) freshSnapshot(ctx context.Context, gameID, source string, t time.Time, window time.Duration) (*models.Snapshot, error) {
	snap, err := b.snapshots.LatestBefore(ctx, gameID, source, t)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, nil
	}
	if t.Sub(snap.CapturedAt) > window {
		b.logger.Debugf("Snapshot %s/%s is stale (captured %s), treating as missing", gameID, source, snap.CapturedAt)
		return nil, nil
	}
	return snap, nil
}

func (b *FeatureBuilder) applyOddsFeatures(ctx context.Context, gameID string, t time.Time, features *models.GameFeatures) error {
	snap, err := b.freshSnapshot(ctx, gameID, models.SourceOdds, t, b.windows.Odds)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	var current models.OddsPayload
	if err := json.Unmarshal(snap.Payload, &current); err != nil {
		b.logger.Warnf("Odds payload unreadable for game %s: %v", gameID, err)
		return nil
	}

	features.CurrentSpread = current.Spread
	features.CurrentMoneyline = current.UnderdogMoneyline
	features.OverUnder = current.OverUnder
	features.ImpliedProbability = impliedUnderdogProbability(current.FavoriteMoneyline, current.UnderdogMoneyline)

	opening, err := b.snapshots.EarliestBefore(ctx, gameID, models.SourceOdds, t)
	if err != nil {
		return err
	}
	if opening == nil || opening.ID == snap.ID {
		return nil
	}

	var first models.OddsPayload
	if err := json.Unmarshal(opening.Payload, &first); err != nil {
		return nil
	}

	features.OpeningSpread = first.Spread
	features.OpeningMoneyline = first.UnderdogMoneyline
	if first.Spread != nil && current.Spread != nil {
		movement := *current.Spread - *first.Spread
		features.SpreadMovement = &movement
	}
	if first.UnderdogMoneyline != nil && current.UnderdogMoneyline != nil {
		movement := *current.UnderdogMoneyline - *first.UnderdogMoneyline
		features.MoneylineMovement = &movement
	}
	return nil
}

func (b *FeatureBuilder) applyInjuryFeatures(ctx context.Context, gameID string, t time.Time, features *models.GameFeatures) error {
	snap, err := b.freshSnapshot(ctx, gameID, models.SourceInjury, t, b.windows.Injury)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	var payload models.InjuryPayload
	if err := json.Unmarshal(snap.Payload, &payload); err != nil {
		b.logger.Warnf("Injury payload unreadable for game %s: %v", gameID, err)
		return nil
	}

	favScore, favQBOut, favKeyOut := summarizeInjuries(payload.Favorite)
	dogScore, dogQBOut, dogKeyOut := summarizeInjuries(payload.Underdog)

	features.FavoriteInjuryScore = &favScore
	features.UnderdogInjuryScore = &dogScore
	features.QBOutFavorite = &favQBOut
	features.QBOutUnderdog = &dogQBOut
	features.KeyPlayersOutFavorite = &favKeyOut
	features.KeyPlayersOutUnderdog = &dogKeyOut
	return nil
}

func (b *FeatureBuilder) applySentimentFeatures(ctx context.Context, gameID string, t time.Time, features *models.GameFeatures) error {
	snap, err := b.freshSnapshot(ctx, gameID, models.SourceSentiment, t, b.windows.Sentiment)
	if err != nil {
		return err
	}
	if snap == nil {
		return nil
	}

	var payload models.SentimentPayload
	if err := json.Unmarshal(snap.Payload, &payload); err != nil {
		b.logger.Warnf("Sentiment payload unreadable for game %s: %v", gameID, err)
		return nil
	}

	if payload.Favorite != nil {
		score := payload.Favorite.Score
		volume := payload.Favorite.Volume
		features.FavoriteSentiment = &score
		features.SentimentVolumeFavorite = &volume
	}
	if payload.Underdog != nil {
		score := payload.Underdog.Score
		volume := payload.Underdog.Volume
		features.UnderdogSentiment = &score
		features.SentimentVolumeUnderdog = &volume
	}
	if payload.Favorite != nil && payload.Underdog != nil {
		diff := payload.Favorite.Score - payload.Underdog.Score
		features.SentimentDifferential = &diff
	}
	return nil
}

func (b *FeatureBuilder) applyFormFeatures(sched *models.SchedulePayload, features *models.GameFeatures) {
	if fav := sched.FavoriteRecord; fav != nil {
		winPct := fav.WinPct
		features.FavoriteWinPct = &winPct
		if ats := atsPct(fav); ats != nil {
			features.FavoriteATSPct = ats
		}
		streak := fav.Streak
		features.FavoriteStreak = &streak
	}
	if dog := sched.UnderdogRecord; dog != nil {
		winPct := dog.WinPct
		features.UnderdogWinPct = &winPct
		if ats := atsPct(dog); ats != nil {
			features.UnderdogATSPct = ats
		}
		streak := dog.Streak
		features.UnderdogStreak = &streak
	}
}

func (b *FeatureBuilder) applySituationalFeatures(game *models.Game, sched *models.SchedulePayload, features *models.GameFeatures) {
	features.IsPrimeTime = game.IsPrimeTime()
	features.IsDivisional = sched.IsDivisional

	if fav := sched.FavoriteRecord; fav != nil {
		rest := fav.RestDays
		features.RestDaysFavorite = &rest
	}
	if dog := sched.UnderdogRecord; dog != nil {
		rest := dog.RestDays
		features.RestDaysUnderdog = &rest
	}
}

// summarizeInjuries totals position-by-status impact, capped at 100, and
// derives the QB-out and key-players-out signals.
func summarizeInjuries(entries []models.InjuryEntry) (score float64, qbOut bool, keyOut int) {
	for _, entry := range entries {
		posWeight, ok := positionImpactWeights[entry.Position]
		if !ok {
			posWeight = 1.0
		}
		statusWeight, ok := statusImpactWeights[entry.Status]
		if !ok {
			statusWeight = 0.5
		}
		score += posWeight * statusWeight

		if statusWeight >= 0.7 {
			if entry.Position == "QB" {
				qbOut = true
			} else if posWeight >= 2.5 {
				keyOut++
			}
		}
	}
	if score > 100 {
		score = 100
	}
	return score, qbOut, keyOut
}

func atsPct(record *models.TeamRecord) *float64 {
	total := record.ATSWins + record.ATSLosses
	if total == 0 {
		return nil
	}
	pct := float64(record.ATSWins) / float64(total)
	return &pct
}

// impliedUnderdogProbability converts moneylines to the underdog's win
// probability. With both sides present the vig is removed by two-sided
// normalization; with only one side the raw conversion is used.
func impliedUnderdogProbability(favoriteML, underdogML *int) *float64 {
	switch {
	case favoriteML != nil && underdogML != nil:
		pFav := moneylineProbability(*favoriteML)
		pDog := moneylineProbability(*underdogML)
		if pFav+pDog == 0 {
			return nil
		}
		p := pDog / (pFav + pDog)
		return &p
	case underdogML != nil:
		p := moneylineProbability(*underdogML)
		return &p
	default:
		return nil
	}
}

// moneylineProbability converts American odds to a raw implied probability.
func moneylineProbability(ml int) float64 {
	switch {
	case ml > 0:
		return 100.0 / (float64(ml) + 100.0)
	case ml < 0:
		return float64(-ml) / (float64(-ml) + 100.0)
	default:
		return 0.5
	}
}
