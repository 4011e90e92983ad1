package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/upsetiq/upsetiq/internal/models"
)

const sportsDataBaseURL = "https://api.sportsdata.io/v3"

// SportsDataIOClient fetches schedules, standings and injury reports from
// SportsDataIO. One client serves both the ScheduleProvider and
// InjuryProvider interfaces.
type SportsDataIOClient struct {
	*restClient
	apiKey string
}

func NewSportsDataIOClient(apiKey string, opts ClientOptions, logger *logrus.Logger) *SportsDataIOClient {
	return &SportsDataIOClient{
		restClient: newRestClient("sportsdata-io", opts, logger),
		apiKey:     apiKey,
	}
}

func (c *SportsDataIOClient) headers() map[string]string {
	return map[string]string{"Ocp-Apim-Subscription-Key": c.apiKey}
}

type sdioGame struct {
	GameKey          string   `json:"GameKey"`
	Season           int      `json:"Season"`
	Week             int      `json:"Week"`
	Date             string   `json:"DateTime"`
	HomeTeam         string   `json:"HomeTeam"`
	AwayTeam         string   `json:"AwayTeam"`
	StadiumDetails   struct{ Name string } `json:"StadiumDetails"`
	PointSpread      *float64 `json:"PointSpread"`
	HomeTeamMoneyLine *int    `json:"HomeTeamMoneyLine"`
	AwayTeamMoneyLine *int    `json:"AwayTeamMoneyLine"`
}

type sdioStanding struct {
	Team       string  `json:"Team"`
	Wins       int     `json:"Wins"`
	Losses     int     `json:"Losses"`
	Percentage float64 `json:"Percentage"`
	Division   string  `json:"Division"`
	Streak     int     `json:"Streak"`
}

type sdioInjury struct {
	Name     string `json:"Name"`
	Team     string `json:"Team"`
	Position string `json:"Position"`
	Status   string `json:"Status"`
	BodyPart string `json:"BodyPart"`
}

// FetchSchedule returns upcoming games within the lookahead window, enriched
// with current standings for both sides.
func (c *SportsDataIOClient) FetchSchedule(ctx context.Context, sport string, lookahead time.Duration) ([]RawGame, error) {
	if strings.ToUpper(sport) != "NFL" {
		return nil, fmt.Errorf("unsupported sport: %s", sport)
	}

	season := currentSeason(time.Now())

	var games []sdioGame
	scheduleURL := fmt.Sprintf("%s/nfl/scores/json/Schedules/%d", sportsDataBaseURL, season)
	if err := c.getJSON(ctx, scheduleURL, c.headers(), &games); err != nil {
		return nil, fmt.Errorf("schedule request failed: %w", err)
	}

	var standings []sdioStanding
	standingsURL := fmt.Sprintf("%s/nfl/scores/json/Standings/%d", sportsDataBaseURL, season)
	if err := c.getJSON(ctx, standingsURL, c.headers(), &standings); err != nil {
		// Standings are form data, not identity; schedule alone is still usable.
		c.logger.Warnf("Standings request failed, continuing without records: %v", err)
		standings = nil
	}

	recordByTeam := make(map[string]*models.TeamRecord, len(standings))
	divisionByTeam := make(map[string]string, len(standings))
	for _, s := range standings {
		recordByTeam[s.Team] = &models.TeamRecord{
			Wins:   s.Wins,
			Losses: s.Losses,
			WinPct: s.Percentage,
			Streak: s.Streak,
		}
		divisionByTeam[s.Team] = s.Division
	}

	now := time.Now().UTC()
	cutoff := now.Add(lookahead)

	result := make([]RawGame, 0, len(games))
	for _, g := range games {
		startTime, err := time.Parse("2006-01-02T15:04:05", g.Date)
		if err != nil {
			continue
		}
		if startTime.Before(now) || startTime.After(cutoff) {
			continue
		}

		// The side with the negative spread (or more negative moneyline) is
		// the favorite; default to home when lines are absent.
		favorite, underdog := g.HomeTeam, g.AwayTeam
		if g.PointSpread != nil && *g.PointSpread > 0 {
			favorite, underdog = g.AwayTeam, g.HomeTeam
		} else if g.PointSpread == nil && g.HomeTeamMoneyLine != nil && g.AwayTeamMoneyLine != nil &&
			*g.AwayTeamMoneyLine < *g.HomeTeamMoneyLine {
			favorite, underdog = g.AwayTeam, g.HomeTeam
		}

		result = append(result, RawGame{
			ID:             g.GameKey,
			Sport:          "NFL",
			HomeTeam:       g.HomeTeam,
			AwayTeam:       g.AwayTeam,
			Favorite:       favorite,
			Underdog:       underdog,
			StartTime:      startTime,
			Venue:          g.StadiumDetails.Name,
			Week:           g.Week,
			Season:         g.Season,
			IsDivisional:   divisionByTeam[g.HomeTeam] != "" && divisionByTeam[g.HomeTeam] == divisionByTeam[g.AwayTeam],
			FavoriteRecord: recordByTeam[favorite],
			UnderdogRecord: recordByTeam[underdog],
		})
	}

	c.logger.Debugf("Fetched %d upcoming games (%s)", len(result), sport)
	return result, nil
}

// FetchInjuries returns the league-wide injury report.
func (c *SportsDataIOClient) FetchInjuries(ctx context.Context, sport string) ([]models.InjuryEntry, error) {
	if strings.ToUpper(sport) != "NFL" {
		return nil, fmt.Errorf("unsupported sport: %s", sport)
	}

	var injuries []sdioInjury
	injuriesURL := fmt.Sprintf("%s/nfl/scores/json/Injuries", sportsDataBaseURL)
	if err := c.getJSON(ctx, injuriesURL, c.headers(), &injuries); err != nil {
		return nil, fmt.Errorf("injuries request failed: %w", err)
	}

	entries := make([]models.InjuryEntry, 0, len(injuries))
	for _, inj := range injuries {
		entries = append(entries, models.InjuryEntry{
			PlayerName: inj.Name,
			Team:       inj.Team,
			Position:   inj.Position,
			Status:     inj.Status,
			InjuryType: inj.BodyPart,
		})
	}
	return entries, nil
}

// currentSeason maps a date to the NFL season year (seasons span the new year).
func currentSeason(t time.Time) int {
	if t.Month() < time.March {
		return t.Year() - 1
	}
	return t.Year()
}
