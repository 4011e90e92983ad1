package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/upsetiq/upsetiq/internal/models"
	"github.com/upsetiq/upsetiq/internal/services"
	"github.com/upsetiq/upsetiq/pkg/database"
	"github.com/upsetiq/upsetiq/pkg/utils"
)

const gamesCacheTTL = 60 * time.Second

type GamesHandler struct {
	db     *database.DB
	cache  services.Cache
	logger *logrus.Logger
}

func NewGamesHandler(db *database.DB, cache services.Cache, logger *logrus.Logger) *GamesHandler {
	return &GamesHandler{
		db:     db,
		cache:  cache,
		logger: logger,
	}
}

// MarketSignals is the odds-derived slice of the latest feature vector,
// surfaced alongside the prediction for the game card UI.
type MarketSignals struct {
	CurrentSpread      *float64 `json:"current_spread,omitempty"`
	SpreadMovement     *float64 `json:"spread_movement,omitempty"`
	CurrentMoneyline   *int     `json:"current_moneyline,omitempty"`
	ImpliedProbability *float64 `json:"implied_probability,omitempty"`
	OverUnder          *float64 `json:"over_under,omitempty"`
}

// GameView joins a game with its latest prediction and market signals.
type GameView struct {
	models.Game
	Prediction *models.Prediction `json:"prediction,omitempty"`
	Market     *MarketSignals     `json:"market,omitempty"`
}

type gamesEnvelope struct {
	Games     []GameView `json:"games"`
	FetchedAt time.Time  `json:"fetched_at"`
}

// ListGames returns upcoming games with their latest predictions, optionally
// filtered by sport. Responses are served from cache when fresh.
func (h *GamesHandler) ListGames(c *gin.Context) {
	sport := c.Query("sport")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	cacheKey := services.EndpointCacheKey("games", map[string]string{"sport": sport})
	var cached gamesEnvelope
	if err := h.cache.Get(c.Request.Context(), cacheKey, &cached); err == nil {
		utils.SendCached(c, cached.Games, true, cached.FetchedAt)
		return
	}

	query := h.db.Where("status = ?", models.GameStatusUpcoming)
	if sport != "" {
		query = query.Where("sport = ?", sport)
	}

	var games []models.Game
	if err := query.Order("start_time ASC").Limit(limit).Find(&games).Error; err != nil {
		utils.SendInternalError(c, "Failed to fetch games")
		return
	}

	views := make([]GameView, 0, len(games))
	for i := range games {
		view, err := h.buildView(&games[i])
		if err != nil {
			utils.SendInternalError(c, "Failed to join predictions")
			return
		}
		views = append(views, *view)
	}

	envelope := gamesEnvelope{Games: views, FetchedAt: time.Now().UTC()}
	if err := h.cache.Set(c.Request.Context(), cacheKey, envelope, gamesCacheTTL); err != nil {
		h.logger.Warnf("Failed to cache games response: %v", err)
	}

	utils.SendCached(c, views, false, envelope.FetchedAt)
}

// GetGame returns one game with the same prediction join as the list view.
func (h *GamesHandler) GetGame(c *gin.Context) {
	id := c.Param("id")

	var game models.Game
	if err := h.db.First(&game, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			utils.SendNotFound(c, "Game not found")
			return
		}
		utils.SendInternalError(c, "Failed to fetch game")
		return
	}

	view, err := h.buildView(&game)
	if err != nil {
		utils.SendInternalError(c, "Failed to join predictions")
		return
	}

	utils.SendCached(c, view, false, time.Now().UTC())
}

func (h *GamesHandler) buildView(game *models.Game) (*GameView, error) {
	view := &GameView{Game: *game}

	var pred models.Prediction
	err := h.db.Where("game_id = ?", game.ID).Order("id DESC").First(&pred).Error
	if err == nil {
		view.Prediction = &pred
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var features models.GameFeatures
	err = h.db.Where("game_id = ?", game.ID).Order("computed_at DESC").First(&features).Error
	if err == nil {
		view.Market = &MarketSignals{
			CurrentSpread:      features.CurrentSpread,
			SpreadMovement:     features.SpreadMovement,
			CurrentMoneyline:   features.CurrentMoneyline,
			ImpliedProbability: features.ImpliedProbability,
			OverUnder:          features.OverUnder,
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return view, nil
}
