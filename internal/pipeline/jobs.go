package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/upsetiq/upsetiq/internal/models"
	"github.com/upsetiq/upsetiq/internal/providers"
	"github.com/upsetiq/upsetiq/pkg/config"
	"github.com/upsetiq/upsetiq/pkg/database"
	"github.com/upsetiq/upsetiq/pkg/utils"
)

// Job names
const (
	JobScheduleRefresh = "schedule_refresh"
	JobOddsSnapshot    = "odds_snapshot"
	JobInjuryUpdate    = "injury_update"
	JobSentimentPoll   = "sentiment_refresh"
	JobFeatureBuild    = "feature_build"
	JobModelScore      = "model_score"
	JobAlertProcess    = "alert_process"
)

// Pipeline bundles the ingestion, derivation, and alerting stages and exposes
// them as scheduler job handlers.
type Pipeline struct {
	db        *database.DB
	cfg       *config.Config
	snapshots *SnapshotStore
	builder   *FeatureBuilder
	scorer    *Scorer
	engine    *AlertEngine
	schedule  providers.ScheduleProvider
	odds      providers.OddsProvider
	injuries  providers.InjuryProvider
	sentiment providers.SentimentProvider
	logger    *logrus.Logger
}

func NewPipeline(
	db *database.DB,
	cfg *config.Config,
	snapshots *SnapshotStore,
	builder *FeatureBuilder,
	scorer *Scorer,
	engine *AlertEngine,
	schedule providers.ScheduleProvider,
	odds providers.OddsProvider,
	injuries providers.InjuryProvider,
	sentiment providers.SentimentProvider,
	logger *logrus.Logger,
) *Pipeline {
	return &Pipeline{
		db:        db,
		cfg:       cfg,
		snapshots: snapshots,
		builder:   builder,
		scorer:    scorer,
		engine:    engine,
		schedule:  schedule,
		odds:      odds,
		injuries:  injuries,
		sentiment: sentiment,
		logger:    logger,
	}
}

// RegisterAll registers every pipeline job with its configured cadence.
func (p *Pipeline) RegisterAll(s *Scheduler) error {
	jobs := []Job{
		{
			Name:        JobScheduleRefresh,
			Description: "Refresh upcoming games and team records",
			Spec:        p.cfg.ScheduleRefreshSpec,
			Handler:     p.runScheduleRefresh,
		},
		{
			Name:        JobOddsSnapshot,
			Description: "Snapshot current betting lines",
			Spec:        everySpec(p.cfg.OddsSnapshotInterval),
			Handler:     p.runOddsSnapshot,
		},
		{
			Name:        JobInjuryUpdate,
			Description: "Snapshot league injury reports",
			Spec:        everySpec(p.cfg.InjuryUpdateInterval),
			Handler:     p.runInjuryUpdate,
		},
		{
			Name:        JobSentimentPoll,
			Description: "Snapshot public sentiment per team",
			Spec:        everySpec(p.cfg.SentimentInterval),
			Handler:     p.runSentimentRefresh,
		},
		{
			Name:        JobFeatureBuild,
			Description: "Derive feature vectors from latest snapshots",
			Spec:        everySpec(p.cfg.FeatureBuildInterval),
			Handler:     p.runFeatureBuild,
		},
		{
			Name:        JobModelScore,
			Description: "Score unscored feature vectors and evaluate alerts",
			Spec:        everySpec(p.cfg.ModelScoreInterval),
			Handler:     p.runModelScore,
		},
		{
			Name:        JobAlertProcess,
			Description: "Deliver queued alerts with retry and backoff",
			Spec:        everySpec(p.cfg.AlertProcessInterval),
			Handler:     p.runAlertProcess,
		},
	}

	for _, job := range jobs {
		job.MaxDuration = p.cfg.JobMaxDuration
		if err := s.Register(job); err != nil {
			return err
		}
	}
	return nil
}

func everySpec(interval time.Duration) string {
	return "@every " + interval.String()
}

// SeedFromProviders runs one pass of every ingestion job outside the
// scheduler, used by the seed command to populate a fresh database.
func (p *Pipeline) SeedFromProviders(ctx context.Context, rc *RunContext) error {
	if err := p.runScheduleRefresh(ctx, rc); err != nil {
		return err
	}
	if err := p.runOddsSnapshot(ctx, rc); err != nil {
		return err
	}
	if err := p.runInjuryUpdate(ctx, rc); err != nil {
		return err
	}
	return p.runSentimentRefresh(ctx, rc)
}

// runScheduleRefresh upserts the game slate and appends a schedule snapshot
// per game, carrying team identities and records for the feature builder.
func (p *Pipeline) runScheduleRefresh(ctx context.Context, rc *RunContext) error {
	now := time.Now().UTC()

	for _, sport := range p.cfg.SupportedSports {
		policy := p.cfg.PolicyFor(sport)
		rawGames, err := p.schedule.FetchSchedule(ctx, sport, policy.ScheduleLookahead)
		if err != nil {
			return fmt.Errorf("%w: schedule fetch for %s: %v", utils.ErrSourceUnavailable, sport, err)
		}

		for _, raw := range rawGames {
			if err := ctx.Err(); err != nil {
				return err
			}
			rc.Processed++

			created, err := p.upsertGame(ctx, &raw)
			if err != nil {
				return err
			}
			if created {
				rc.Created++
			} else {
				rc.Updated++
			}

			payload := models.SchedulePayload{
				Sport:          raw.Sport,
				HomeTeam:       raw.HomeTeam,
				AwayTeam:       raw.AwayTeam,
				Favorite:       raw.Favorite,
				Underdog:       raw.Underdog,
				StartTime:      raw.StartTime,
				IsDivisional:   raw.IsDivisional,
				FavoriteRecord: raw.FavoriteRecord,
				UnderdogRecord: raw.UnderdogRecord,
			}
			if err := p.snapshots.Append(ctx, raw.ID, models.SourceSchedule, now, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pipeline) upsertGame(ctx context.Context, raw *providers.RawGame) (bool, error) {
	var existing models.Game
	err := p.db.WithContext(ctx).First(&existing, "id = ?", raw.ID).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return false, fmt.Errorf("failed to load game %s: %w", raw.ID, err)
		}
		game := models.Game{
			ID:           raw.ID,
			Sport:        raw.Sport,
			HomeTeam:     raw.HomeTeam,
			AwayTeam:     raw.AwayTeam,
			Favorite:     raw.Favorite,
			Underdog:     raw.Underdog,
			StartTime:    raw.StartTime,
			Status:       models.GameStatusUpcoming,
			Venue:        raw.Venue,
			Week:         raw.Week,
			Season:       raw.Season,
			IsDivisional: raw.IsDivisional,
		}
		if err := p.db.WithContext(ctx).Create(&game).Error; err != nil {
			return false, fmt.Errorf("failed to create game %s: %w", raw.ID, err)
		}
		return true, nil
	}

	updates := map[string]interface{}{
		"favorite":      raw.Favorite,
		"underdog":      raw.Underdog,
		"start_time":    raw.StartTime,
		"venue":         raw.Venue,
		"is_divisional": raw.IsDivisional,
	}
	if err := p.db.WithContext(ctx).Model(&existing).Updates(updates).Error; err != nil {
		return false, fmt.Errorf("failed to update game %s: %w", raw.ID, err)
	}
	return false, nil
}

// runOddsSnapshot appends the current line for every game the odds provider
// reports. Lines for unknown games are dropped; the schedule job owns the
// slate.
func (p *Pipeline) runOddsSnapshot(ctx context.Context, rc *RunContext) error {
	now := time.Now().UTC()

	for _, sport := range p.cfg.SupportedSports {
		lines, err := p.odds.FetchOdds(ctx, sport)
		if err != nil {
			return fmt.Errorf("%w: odds fetch for %s: %v", utils.ErrSourceUnavailable, sport, err)
		}

		for _, line := range lines {
			if err := ctx.Err(); err != nil {
				return err
			}
			rc.Processed++

			var count int64
			if err := p.db.WithContext(ctx).Model(&models.Game{}).Where("id = ?", line.GameID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				p.logger.Debugf("Dropping odds for unknown game %s", line.GameID)
				continue
			}

			if err := p.snapshots.Append(ctx, line.GameID, models.SourceOdds, now, line.Odds); err != nil {
				return err
			}
			rc.Created++
		}
	}
	return nil
}

// runInjuryUpdate maps the league-wide injury report onto both sides of
// every upcoming game.
func (p *Pipeline) runInjuryUpdate(ctx context.Context, rc *RunContext) error {
	now := time.Now().UTC()

	for _, sport := range p.cfg.SupportedSports {
		entries, err := p.injuries.FetchInjuries(ctx, sport)
		if err != nil {
			return fmt.Errorf("%w: injury fetch for %s: %v", utils.ErrSourceUnavailable, sport, err)
		}

		byTeam := make(map[string][]models.InjuryEntry)
		for _, entry := range entries {
			byTeam[entry.Team] = append(byTeam[entry.Team], entry)
		}

		games, err := p.upcomingGames(ctx, sport, now)
		if err != nil {
			return err
		}

		for i := range games {
			if err := ctx.Err(); err != nil {
				return err
			}
			game := &games[i]
			rc.Processed++

			payload := models.InjuryPayload{
				Favorite: byTeam[game.Favorite],
				Underdog: byTeam[game.Underdog],
			}
			if err := p.snapshots.Append(ctx, game.ID, models.SourceInjury, now, payload); err != nil {
				return err
			}
			rc.Created++
		}
	}
	return nil
}

// runSentimentRefresh polls per-team sentiment for every upcoming game. A
// side that cannot be read stays nil in the payload; the snapshot is only
// skipped when neither side produced a reading.
func (p *Pipeline) runSentimentRefresh(ctx context.Context, rc *RunContext) error {
	now := time.Now().UTC()

	for _, sport := range p.cfg.SupportedSports {
		games, err := p.upcomingGames(ctx, sport, now)
		if err != nil {
			return err
		}

		for i := range games {
			if err := ctx.Err(); err != nil {
				return err
			}
			game := &games[i]
			rc.Processed++

			payload := models.SentimentPayload{}
			if fav, err := p.sentiment.FetchTeamSentiment(ctx, sport, game.Favorite); err != nil {
				p.logger.Warnf("Sentiment fetch failed for %s: %v", game.Favorite, err)
			} else {
				payload.Favorite = fav
			}
			if dog, err := p.sentiment.FetchTeamSentiment(ctx, sport, game.Underdog); err != nil {
				p.logger.Warnf("Sentiment fetch failed for %s: %v", game.Underdog, err)
			} else {
				payload.Underdog = dog
			}

			if payload.Favorite == nil && payload.Underdog == nil {
				continue
			}

			if err := p.snapshots.Append(ctx, game.ID, models.SourceSentiment, now, payload); err != nil {
				return err
			}
			rc.Created++
		}
	}
	return nil
}

func (p *Pipeline) runFeatureBuild(ctx context.Context, rc *RunContext) error {
	return p.builder.BuildAll(ctx, time.Now().UTC(), rc)
}

// runModelScore scores every unscored feature row, appends the prediction,
// writes the score back onto the feature row, and hands the prediction to
// the alert engine. Alert failures are logged, never returned: alerting
// cannot block scoring.
func (p *Pipeline) runModelScore(ctx context.Context, rc *RunContext) error {
	var featureRows []models.GameFeatures
	err := p.db.WithContext(ctx).
		Where("ups_score IS NULL").
		Order("computed_at ASC").
		Find(&featureRows).Error
	if err != nil {
		return fmt.Errorf("failed to load unscored features: %w", err)
	}

	for i := range featureRows {
		if err := ctx.Err(); err != nil {
			return err
		}
		features := &featureRows[i]
		rc.Processed++

		pred, err := p.scorer.Score(features)
		if err != nil {
			if errors.Is(err, utils.ErrScoringInput) {
				p.logger.Warnf("Skipping unscorable feature row %d: %v", features.ID, err)
				continue
			}
			return err
		}

		if err := p.db.WithContext(ctx).Create(pred).Error; err != nil {
			return fmt.Errorf("failed to persist prediction for game %s: %w", pred.GameID, err)
		}
		rc.Created++

		writeback := map[string]interface{}{
			"ups_score":      pred.UPSScore,
			"ups_confidence": pred.ConfidenceBand,
			"model_version":  pred.ModelVersion,
		}
		if err := p.db.WithContext(ctx).Model(features).Updates(writeback).Error; err != nil {
			return fmt.Errorf("failed to write score back to features %d: %w", features.ID, err)
		}

		var game models.Game
		if err := p.db.WithContext(ctx).First(&game, "id = ?", pred.GameID).Error; err != nil {
			p.logger.Errorf("Prediction %d references missing game %s: %v", pred.ID, pred.GameID, err)
			continue
		}
		if err := p.engine.Evaluate(ctx, &game, pred); err != nil {
			p.logger.Errorf("Alert evaluation failed for game %s: %v", game.ID, err)
		}
	}
	return nil
}

func (p *Pipeline) runAlertProcess(ctx context.Context, rc *RunContext) error {
	return p.engine.ProcessQueue(ctx, time.Now().UTC(), rc)
}

func (p *Pipeline) upcomingGames(ctx context.Context, sport string, now time.Time) ([]models.Game, error) {
	var games []models.Game
	err := p.db.WithContext(ctx).
		Where("sport = ? AND status = ? AND start_time > ?", sport, models.GameStatusUpcoming, now).
		Order("start_time ASC").
		Find(&games).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load upcoming games for %s: %w", sport, err)
	}
	return games, nil
}
