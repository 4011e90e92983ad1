package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/upsetiq/upsetiq/internal/models"
)

const oddsAPIBaseURL = "https://api.the-odds-api.com/v4"

// Sport keys as The Odds API names them.
var oddsAPISportKeys = map[string]string{
	"NFL": "americanfootball_nfl",
	"CFB": "americanfootball_ncaaf",
	"NBA": "basketball_nba",
	"MLB": "baseball_mlb",
	"NHL": "icehockey_nhl",
}

// TheOddsAPIClient fetches betting lines from The Odds API.
type TheOddsAPIClient struct {
	*restClient
	apiKey string
}

func NewTheOddsAPIClient(apiKey string, opts ClientOptions, logger *logrus.Logger) *TheOddsAPIClient {
	return &TheOddsAPIClient{
		restClient: newRestClient("the-odds-api", opts, logger),
		apiKey:     apiKey,
	}
}

type oddsAPIEvent struct {
	ID           string `json:"id"`
	CommenceTime string `json:"commence_time"`
	HomeTeam     string `json:"home_team"`
	AwayTeam     string `json:"away_team"`
	Bookmakers   []struct {
		Key     string `json:"key"`
		Title   string `json:"title"`
		Markets []struct {
			Key      string `json:"key"`
			Outcomes []struct {
				Name  string   `json:"name"`
				Price float64  `json:"price"`
				Point *float64 `json:"point"`
			} `json:"outcomes"`
		} `json:"markets"`
	} `json:"bookmakers"`
}

// FetchOdds returns the first-bookmaker h2h and spread lines for every
// upcoming event of the sport.
func (c *TheOddsAPIClient) FetchOdds(ctx context.Context, sport string) ([]RawOdds, error) {
	sportKey, ok := oddsAPISportKeys[strings.ToUpper(sport)]
	if !ok {
		return nil, fmt.Errorf("unsupported sport: %s", sport)
	}

	endpoint := fmt.Sprintf("%s/sports/%s/odds?apiKey=%s&regions=us&markets=h2h,spreads,totals&oddsFormat=american",
		oddsAPIBaseURL, sportKey, url.QueryEscape(c.apiKey))

	var events []oddsAPIEvent
	if err := c.getJSON(ctx, endpoint, nil, &events); err != nil {
		return nil, fmt.Errorf("odds api request failed: %w", err)
	}

	records := make([]RawOdds, 0, len(events))
	for _, event := range events {
		if len(event.Bookmakers) == 0 {
			continue
		}

		payload := models.OddsPayload{Bookmaker: event.Bookmakers[0].Key}
		var homeML, awayML *int

		for _, market := range event.Bookmakers[0].Markets {
			switch market.Key {
			case "h2h":
				for _, outcome := range market.Outcomes {
					ml := int(outcome.Price)
					if outcome.Name == event.HomeTeam {
						homeML = &ml
					} else if outcome.Name == event.AwayTeam {
						awayML = &ml
					}
				}
			case "spreads":
				for _, outcome := range market.Outcomes {
					if outcome.Point == nil {
						continue
					}
					// Quote the spread from the favorite's side (negative point)
					if *outcome.Point < 0 {
						point := *outcome.Point
						payload.Spread = &point
					}
				}
			case "totals":
				for _, outcome := range market.Outcomes {
					if outcome.Point != nil {
						point := *outcome.Point
						payload.OverUnder = &point
						break
					}
				}
			}
		}

		// The more negative moneyline marks the favorite.
		if homeML != nil && awayML != nil {
			if *homeML <= *awayML {
				payload.FavoriteMoneyline = homeML
				payload.UnderdogMoneyline = awayML
			} else {
				payload.FavoriteMoneyline = awayML
				payload.UnderdogMoneyline = homeML
			}
		}

		records = append(records, RawOdds{GameID: event.ID, Odds: payload})
	}

	c.logger.Debugf("Fetched odds for %d events (%s)", len(records), sport)
	return records, nil
}
