package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/upsetiq/upsetiq/internal/models"
)

// FixtureProvider serves deterministic data for development and tests. It is
// injected wherever a live provider would be, selected by DATA_PROVIDER.
type FixtureProvider struct {
	// Now lets tests pin the clock; defaults to time.Now.
	Now func() time.Time
}

func NewFixtureProvider() *FixtureProvider {
	return &FixtureProvider{Now: time.Now}
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

type fixtureGame struct {
	id           string
	home, away   string
	favorite     string
	daysOut      int
	divisional   bool
	spread       float64
	favoriteML   int
	underdogML   int
	favRecord    models.TeamRecord
	dogRecord    models.TeamRecord
}

var fixtureGames = []fixtureGame{
	{
		id: "fx-nfl-001", home: "KC", away: "LV", favorite: "KC", daysOut: 2, divisional: true,
		spread: -9.5, favoriteML: -420, underdogML: 330,
		favRecord: models.TeamRecord{Wins: 9, Losses: 2, WinPct: 0.818, Streak: 4, RestDays: 7},
		dogRecord: models.TeamRecord{Wins: 4, Losses: 7, WinPct: 0.364, Streak: -2, RestDays: 7},
	},
	{
		id: "fx-nfl-002", home: "PHI", away: "DAL", favorite: "PHI", daysOut: 3, divisional: true,
		spread: -2.5, favoriteML: -135, underdogML: 115,
		favRecord: models.TeamRecord{Wins: 7, Losses: 4, WinPct: 0.636, Streak: 1, RestDays: 7},
		dogRecord: models.TeamRecord{Wins: 7, Losses: 4, WinPct: 0.636, Streak: 3, RestDays: 10},
	},
	{
		id: "fx-nfl-003", home: "NYJ", away: "BUF", favorite: "BUF", daysOut: 4, divisional: true,
		spread: -6.5, favoriteML: -260, underdogML: 210,
		favRecord: models.TeamRecord{Wins: 8, Losses: 3, WinPct: 0.727, Streak: -1, RestDays: 6},
		dogRecord: models.TeamRecord{Wins: 5, Losses: 6, WinPct: 0.455, Streak: 2, RestDays: 7},
	},
}

// FetchSchedule returns the fixture slate with kickoff times relative to now.
func (p *FixtureProvider) FetchSchedule(ctx context.Context, sport string, lookahead time.Duration) ([]RawGame, error) {
	now := p.Now().UTC()
	games := make([]RawGame, 0, len(fixtureGames))
	for _, fg := range fixtureGames {
		start := now.AddDate(0, 0, fg.daysOut).Truncate(time.Hour)
		if start.Sub(now) > lookahead {
			continue
		}
		underdog := fg.home
		if fg.favorite == fg.home {
			underdog = fg.away
		}
		favRecord := fg.favRecord
		dogRecord := fg.dogRecord
		games = append(games, RawGame{
			ID:             fg.id,
			Sport:          sport,
			HomeTeam:       fg.home,
			AwayTeam:       fg.away,
			Favorite:       fg.favorite,
			Underdog:       underdog,
			StartTime:      start,
			Week:           13,
			Season:         now.Year(),
			IsDivisional:   fg.divisional,
			FavoriteRecord: &favRecord,
			UnderdogRecord: &dogRecord,
		})
	}
	return games, nil
}

// FetchOdds returns lines drifting slightly toward the underdog so line
// movement features have something to chew on across snapshots.
func (p *FixtureProvider) FetchOdds(ctx context.Context, sport string) ([]RawOdds, error) {
	// Deterministic drift: half a point per elapsed hour-of-day quarter.
	drift := float64(p.Now().UTC().Hour()/6) * 0.5

	odds := make([]RawOdds, 0, len(fixtureGames))
	for _, fg := range fixtureGames {
		odds = append(odds, RawOdds{
			GameID: fg.id,
			Odds: models.OddsPayload{
				Bookmaker:         "fixture",
				Spread:            floatPtr(fg.spread + drift),
				FavoriteMoneyline: intPtr(fg.favoriteML),
				UnderdogMoneyline: intPtr(fg.underdogML),
				OverUnder:         floatPtr(44.5),
			},
		})
	}
	return odds, nil
}

// FetchInjuries returns a small static report touching two fixture teams.
func (p *FixtureProvider) FetchInjuries(ctx context.Context, sport string) ([]models.InjuryEntry, error) {
	return []models.InjuryEntry{
		{PlayerName: "Fixture QB One", Team: "PHI", Position: "QB", Status: "Questionable", InjuryType: "Ankle"},
		{PlayerName: "Fixture WR Two", Team: "KC", Position: "WR", Status: "Out", InjuryType: "Hamstring"},
		{PlayerName: "Fixture CB Three", Team: "BUF", Position: "CB", Status: "Doubtful", InjuryType: "Knee"},
	}, nil
}

// FetchTeamSentiment derives a stable pseudo-sentiment from the team name so
// repeated runs produce identical snapshots.
func (p *FixtureProvider) FetchTeamSentiment(ctx context.Context, sport, team string) (*models.TeamSentiment, error) {
	var sum int
	for _, r := range team {
		sum += int(r)
	}
	score := float64(sum%9)/10.0 - 0.4 // -0.4 .. 0.4
	return &models.TeamSentiment{
		Score:  score,
		Volume: 20 + sum%30,
		Origin: fmt.Sprintf("fixture:%s", sport),
	}, nil
}
