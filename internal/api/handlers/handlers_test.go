package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/upsetiq/upsetiq/internal/models"
	"github.com/upsetiq/upsetiq/internal/services"
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
		&models.GameFeatures{},
		&models.Prediction{},
		&models.AlertSubscription{},
	))

	return &database.DB{DB: gormDB}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *utils.AppError `json:"error"`
	Meta    *utils.Meta     `json:"meta"`
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return w, env
}

func floatPtr(v float64) *float64 { return &v }

func addGame(t *testing.T, db *database.DB, id, sport, favorite, underdog string, startIn time.Duration) *models.Game {
	t.Helper()
	game := &models.Game{
		ID:        id,
		Sport:     sport,
		HomeTeam:  underdog,
		AwayTeam:  favorite,
		Favorite:  favorite,
		Underdog:  underdog,
		StartTime: time.Now().UTC().Add(startIn),
		Status:    models.GameStatusUpcoming,
	}
	require.NoError(t, db.Create(game).Error)
	return game
}

func addPrediction(t *testing.T, db *database.DB, gameID string, featureSetID uint, score float64) {
	t.Helper()
	pred := &models.Prediction{
		GameID:       gameID,
		FeatureSetID: featureSetID,
		ModelVersion: "v-test",
		UPSScore:     score,
	}
	require.NoError(t, db.Create(pred).Error)
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return l
}

func gamesRouter(db *database.DB) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewGamesHandler(db, services.NewMemoryCache(), testLogger())
	router := gin.New()
	router.GET("/games", h.ListGames)
	router.GET("/games/:id", h.GetGame)
	return router
}

func alertsRouter(db *database.DB) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewAlertsHandler(db, 70)
	router := gin.New()
	router.GET("/alerts/high-ups", h.GetHighUPS)
	router.POST("/alerts/subscribe", h.Subscribe)
	router.GET("/alerts/subscriptions", h.ListSubscriptions)
	router.DELETE("/alerts/subscriptions/:id", h.Unsubscribe)
	return router
}

func TestListGamesJoinsLatestPrediction(t *testing.T) {
	db := newTestDB(t)
	router := gamesRouter(db)

	game := addGame(t, db, "nfl-1", "NFL", "KC", "LV", 48*time.Hour)
	addPrediction(t, db, game.ID, 1, 55)
	addPrediction(t, db, game.ID, 2, 72)

	features := &models.GameFeatures{
		GameID:        game.ID,
		Sport:         "NFL",
		Favorite:      "KC",
		Underdog:      "LV",
		StartTime:     game.StartTime,
		ComputedAt:    time.Now().UTC(),
		CurrentSpread: floatPtr(-3.5),
	}
	require.NoError(t, db.Create(features).Error)

	w, env := doRequest(t, router, http.MethodGet, "/games", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, env.Success)
	require.NotNil(t, env.Meta)
	assert.False(t, env.Meta.Cached)

	var views []GameView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	require.NotNil(t, views[0].Prediction)
	assert.Equal(t, 72.0, views[0].Prediction.UPSScore)
	require.NotNil(t, views[0].Market)
	assert.Equal(t, -3.5, *views[0].Market.CurrentSpread)
}

func TestListGamesSecondCallIsCached(t *testing.T) {
	db := newTestDB(t)
	router := gamesRouter(db)
	addGame(t, db, "nfl-1", "NFL", "KC", "LV", 48*time.Hour)

	_, first := doRequest(t, router, http.MethodGet, "/games", nil)
	assert.False(t, first.Meta.Cached)

	_, second := doRequest(t, router, http.MethodGet, "/games", nil)
	assert.True(t, second.Meta.Cached)
}

func TestListGamesSportFilter(t *testing.T) {
	db := newTestDB(t)
	router := gamesRouter(db)
	addGame(t, db, "nfl-1", "NFL", "KC", "LV", 48*time.Hour)
	addGame(t, db, "nba-1", "NBA", "BOS", "WAS", 24*time.Hour)

	_, env := doRequest(t, router, http.MethodGet, "/games?sport=NBA", nil)

	var views []GameView
	require.NoError(t, json.Unmarshal(env.Data, &views))
	require.Len(t, views, 1)
	assert.Equal(t, "nba-1", views[0].ID)
}

func TestGetGameNotFound(t *testing.T) {
	db := newTestDB(t)
	router := gamesRouter(db)

	w, env := doRequest(t, router, http.MethodGet, "/games/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.False(t, env.Success)
}

func TestGetHighUPSUsesLatestPredictionPerGame(t *testing.T) {
	db := newTestDB(t)
	router := alertsRouter(db)

	hot := addGame(t, db, "nfl-hot", "NFL", "PHI", "DAL", 48*time.Hour)
	cooled := addGame(t, db, "nfl-cooled", "NFL", "KC", "LV", 24*time.Hour)

	addPrediction(t, db, hot.ID, 1, 60)
	addPrediction(t, db, hot.ID, 2, 78) // latest, above cutoff
	addPrediction(t, db, cooled.ID, 3, 80)
	addPrediction(t, db, cooled.ID, 4, 55) // latest, below cutoff

	_, env := doRequest(t, router, http.MethodGet, "/alerts/high-ups", nil)

	var entries []struct {
		Game       models.Game       `json:"game"`
		Prediction models.Prediction `json:"prediction"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "nfl-hot", entries[0].Game.ID)
	assert.Equal(t, 78.0, entries[0].Prediction.UPSScore)
}

func TestSubscribeValidation(t *testing.T) {
	db := newTestDB(t)
	router := alertsRouter(db)

	cases := map[string]map[string]interface{}{
		"missing user_id": {
			"subscription_type": models.SubscriptionThreshold,
			"ups_threshold":     65,
		},
		"threshold without value": {
			"user_id":           "u1",
			"subscription_type": models.SubscriptionThreshold,
		},
		"threshold out of range": {
			"user_id":           "u1",
			"subscription_type": models.SubscriptionThreshold,
			"ups_threshold":     150,
		},
		"team without target": {
			"user_id":           "u1",
			"subscription_type": models.SubscriptionTeam,
		},
		"unknown type": {
			"user_id":           "u1",
			"subscription_type": "carrier_pigeon",
		},
	}

	for name, body := range cases {
		w, env := doRequest(t, router, http.MethodPost, "/alerts/subscribe", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		assert.False(t, env.Success, name)
	}

	var count int64
	require.NoError(t, db.Model(&models.AlertSubscription{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestSubscribeUpsertsPerUserTypeTarget(t *testing.T) {
	db := newTestDB(t)
	router := alertsRouter(db)

	body := map[string]interface{}{
		"user_id":           "u1",
		"subscription_type": models.SubscriptionThreshold,
		"ups_threshold":     65,
	}
	w, _ := doRequest(t, router, http.MethodPost, "/alerts/subscribe", body)
	require.Equal(t, http.StatusOK, w.Code)

	body["ups_threshold"] = 75
	w, _ = doRequest(t, router, http.MethodPost, "/alerts/subscribe", body)
	require.Equal(t, http.StatusOK, w.Code)

	var subs []models.AlertSubscription
	require.NoError(t, db.Find(&subs).Error)
	require.Len(t, subs, 1)
	assert.Equal(t, 75.0, subs[0].UPSThreshold)
	assert.True(t, subs[0].Active)
}

func TestUnsubscribeDeactivates(t *testing.T) {
	db := newTestDB(t)
	router := alertsRouter(db)

	sub := models.AlertSubscription{
		UserID:           "u1",
		SubscriptionType: models.SubscriptionAll,
		WebsocketEnabled: true,
		Active:           true,
	}
	require.NoError(t, db.Create(&sub).Error)

	w, _ := doRequest(t, router, http.MethodDelete, "/alerts/subscriptions/1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var got models.AlertSubscription
	require.NoError(t, db.First(&got, sub.ID).Error)
	assert.False(t, got.Active)

	// Listing only returns active subscriptions.
	_, env := doRequest(t, router, http.MethodGet, "/alerts/subscriptions?user_id=u1", nil)
	var subs []models.AlertSubscription
	require.NoError(t, json.Unmarshal(env.Data, &subs))
	assert.Empty(t, subs)

	w, _ = doRequest(t, router, http.MethodDelete, "/alerts/subscriptions/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
