package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/upsetiq/upsetiq/internal/models"
)

// RawGame is a schedule record as returned by a schedule provider.
type RawGame struct {
	ID             string
	Sport          string
	HomeTeam       string
	AwayTeam       string
	Favorite       string
	Underdog       string
	StartTime      time.Time
	Venue          string
	Week           int
	Season         int
	IsDivisional   bool
	FavoriteRecord *models.TeamRecord
	UnderdogRecord *models.TeamRecord
}

// RawOdds is one bookmaker line for a game.
type RawOdds struct {
	GameID string
	Odds   models.OddsPayload
}

// ScheduleProvider returns upcoming games for a sport.
type ScheduleProvider interface {
	FetchSchedule(ctx context.Context, sport string, lookahead time.Duration) ([]RawGame, error)
}

// OddsProvider returns current betting lines for upcoming games.
type OddsProvider interface {
	FetchOdds(ctx context.Context, sport string) ([]RawOdds, error)
}

// InjuryProvider returns the current injury report for a sport. Entries carry
// their team; the ingestion job maps them onto games.
type InjuryProvider interface {
	FetchInjuries(ctx context.Context, sport string) ([]models.InjuryEntry, error)
}

// SentimentProvider returns an aggregated sentiment reading for one team.
type SentimentProvider interface {
	FetchTeamSentiment(ctx context.Context, sport, team string) (*models.TeamSentiment, error)
}

// restClient wraps an HTTP client with a circuit breaker and rate limiter
// shared by all live provider implementations.
type restClient struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// ClientOptions tunes the resilience wrapper around a provider client.
type ClientOptions struct {
	Timeout          time.Duration
	RequestsPerMin   int
	BreakerThreshold uint32
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Timeout == 0 {
		o.Timeout = 30 * time.Second
	}
	if o.RequestsPerMin == 0 {
		o.RequestsPerMin = 30
	}
	if o.BreakerThreshold == 0 {
		o.BreakerThreshold = 5
	}
	return o
}

func newRestClient(name string, opts ClientOptions, logger *logrus.Logger) *restClient {
	opts = opts.withDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &restClient{
		httpClient: &http.Client{Timeout: opts.Timeout},
		breaker:    breaker,
		limiter:    rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMin)/60.0), opts.RequestsPerMin),
		logger:     logger,
	}
}

// getJSON performs a rate-limited, breaker-guarded GET and decodes the JSON
// response into dest.
func (c *restClient) getJSON(ctx context.Context, url string, headers map[string]string, dest interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}

		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body.([]byte), dest); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
