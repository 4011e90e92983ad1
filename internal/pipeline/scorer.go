package pipeline

import (
	"fmt"
	"math"
	"sort"

	"github.com/upsetiq/upsetiq/internal/models"
	"github.com/upsetiq/upsetiq/pkg/utils"
)

const signalGroupCount = 5

// ScorerWeights scales each signal group's contribution. DriverMin is the
// minimum absolute signal magnitude included in the driver list.
type ScorerWeights struct {
	Market      float64
	Injury      float64
	Sentiment   float64
	Form        float64
	Situational float64
	DriverMin   float64
}

func (w ScorerWeights) withDefaults() ScorerWeights {
	if w.Market == 0 {
		w.Market = 1.0
	}
	if w.Injury == 0 {
		w.Injury = 1.0
	}
	if w.Sentiment == 0 {
		w.Sentiment = 1.0
	}
	if w.Form == 0 {
		w.Form = 1.0
	}
	if w.Situational == 0 {
		w.Situational = 1.0
	}
	if w.DriverMin == 0 {
		w.DriverMin = 2.0
	}
	return w
}

// Scorer maps a feature vector to a Prediction. It is a pure function of its
// input: no clock, no randomness, so identical features always produce
// bit-identical output.
type Scorer struct {
	weights      ScorerWeights
	modelVersion string
}

func NewScorer(weights ScorerWeights, modelVersion string) *Scorer {
	if modelVersion == "" {
		modelVersion = "v2.1-pipeline"
	}
	return &Scorer{weights: weights.withDefaults(), modelVersion: modelVersion}
}

func (s *Scorer) ModelVersion() string { return s.modelVersion }

// groupResult is one signal group's evaluation.
type groupResult struct {
	available bool
	delta     float64
	signals   []models.Driver
}

// Score computes the UPS for one feature vector. Partial data never fails;
// unavailable groups are excluded from the weighted sum and lower the
// confidence band. The only error is a vector without identity fields.
func (s *Scorer) Score(features *models.GameFeatures) (*models.Prediction, error) {
	if features == nil || !features.HasIdentity() {
		return nil, fmt.Errorf("%w: feature vector lacks game/favorite/underdog identity", utils.ErrScoringInput)
	}

	groups := []struct {
		weight float64
		result groupResult
	}{
		{s.weights.Market, marketGroup(features)},
		{s.weights.Injury, injuryGroup(features)},
		{s.weights.Sentiment, sentimentGroup(features)},
		{s.weights.Form, formGroup(features)},
		{s.weights.Situational, situationalGroup(features)},
	}

	score := 50.0
	available := 0
	var signals []models.Driver
	for _, g := range groups {
		if !g.result.available {
			continue
		}
		available++
		score += g.weight * g.result.delta
		for _, sig := range g.result.signals {
			sig.Weight = roundTo(g.weight*sig.Weight, 1)
			signals = append(signals, sig)
		}
	}

	score = clampScore(score)
	confidence := float64(available) / float64(signalGroupCount)

	return &models.Prediction{
		GameID:         features.GameID,
		FeatureSetID:   features.ID,
		ModelVersion:   s.modelVersion,
		UPSScore:       roundTo(score, 1),
		ConfidenceBand: roundTo(confidence, 3),
		Drivers:        s.rankDrivers(signals),
	}, nil
}

// rankDrivers orders signals by descending magnitude, drops those below the
// inclusion threshold, and caps the list at six. A real score always carries
// at least one driver.
func (s *Scorer) rankDrivers(signals []models.Driver) models.DriverList {
	kept := make([]models.Driver, 0, len(signals))
	for _, sig := range signals {
		if math.Abs(sig.Weight) >= s.weights.DriverMin {
			kept = append(kept, sig)
		}
	}

	sort.SliceStable(kept, func(i, j int) bool {
		ai, aj := math.Abs(kept[i].Weight), math.Abs(kept[j].Weight)
		if ai != aj {
			return ai > aj
		}
		return kept[i].Label < kept[j].Label
	})

	if len(kept) > 6 {
		kept = kept[:6]
	}
	if len(kept) == 0 {
		kept = []models.Driver{{Label: "No single dominant signal; model confidence drives the score", Weight: 0}}
	}
	return models.DriverList(kept)
}

func marketGroup(f *models.GameFeatures) groupResult {
	r := groupResult{}
	if f.ImpliedProbability == nil && f.CurrentSpread == nil && f.SpreadMovement == nil {
		return r
	}
	r.available = true

	if f.ImpliedProbability != nil {
		delta := *f.ImpliedProbability*100 - 50
		r.delta += delta
		r.signals = append(r.signals, models.Driver{
			Label:  fmt.Sprintf("Underdog implied win probability %.0f%%", *f.ImpliedProbability*100),
			Weight: delta,
		})
	}

	if f.CurrentSpread != nil {
		absSpread := math.Abs(*f.CurrentSpread)
		switch {
		case absSpread <= 3:
			r.delta += 12
			r.signals = append(r.signals, models.Driver{Label: "Spread within a field goal", Weight: 12})
		case absSpread <= 6:
			r.delta += 8
			r.signals = append(r.signals, models.Driver{Label: "Single-score spread", Weight: 8})
		case absSpread <= 10:
			r.delta += 4
			r.signals = append(r.signals, models.Driver{Label: "Moderate spread", Weight: 4})
		case absSpread > 14:
			r.delta -= 5
			r.signals = append(r.signals, models.Driver{Label: "Heavy favorite on the spread", Weight: -5})
		}
	}

	if f.SpreadMovement != nil {
		movement := *f.SpreadMovement
		switch {
		case movement >= 1.5:
			r.delta += 8
			r.signals = append(r.signals, models.Driver{
				Label:  fmt.Sprintf("Line moved %.1f points toward underdog", movement),
				Weight: 8,
			})
		case movement >= 0.5:
			r.delta += 4
			r.signals = append(r.signals, models.Driver{Label: "Sharp money potentially on underdog", Weight: 4})
		case movement <= -1.5:
			r.delta -= 5
			r.signals = append(r.signals, models.Driver{Label: "Line moved heavily toward favorite", Weight: -5})
		}
	}

	return r
}

func injuryGroup(f *models.GameFeatures) groupResult {
	r := groupResult{}
	if f.FavoriteInjuryScore == nil && f.UnderdogInjuryScore == nil && f.QBOutFavorite == nil && f.QBOutUnderdog == nil {
		return r
	}
	r.available = true

	if f.QBOutFavorite != nil && *f.QBOutFavorite {
		r.delta += 15
		r.signals = append(r.signals, models.Driver{Label: "Favorite QB injured or out", Weight: 15})
	}
	if f.QBOutUnderdog != nil && *f.QBOutUnderdog {
		r.delta -= 10
		r.signals = append(r.signals, models.Driver{Label: "Underdog QB injured or out", Weight: -10})
	}

	if f.FavoriteInjuryScore != nil && f.UnderdogInjuryScore != nil {
		diff := *f.FavoriteInjuryScore - *f.UnderdogInjuryScore
		switch {
		case diff > 20:
			r.delta += 8
			r.signals = append(r.signals, models.Driver{Label: "Favorite heavily impacted by injuries", Weight: 8})
		case diff > 10:
			r.delta += 4
			r.signals = append(r.signals, models.Driver{Label: "Favorite carrying more injuries", Weight: 4})
		case diff < -20:
			r.delta -= 5
			r.signals = append(r.signals, models.Driver{Label: "Underdog heavily impacted by injuries", Weight: -5})
		}
	}

	return r
}

// sentimentGroup treats lopsided public sentiment as a contrarian signal.
// The differential is favorite minus underdog, so a large positive value
// means the public is piled onto the favorite.
func sentimentGroup(f *models.GameFeatures) groupResult {
	r := groupResult{}
	if f.FavoriteSentiment == nil && f.UnderdogSentiment == nil && f.SentimentDifferential == nil {
		return r
	}
	r.available = true

	if f.SentimentDifferential != nil {
		diff := *f.SentimentDifferential
		switch {
		case diff > 0.3:
			r.delta += 5
			r.signals = append(r.signals, models.Driver{Label: "Public sentiment heavily on favorite", Weight: 5})
		case diff < -0.3:
			r.delta -= 3
			r.signals = append(r.signals, models.Driver{Label: "Public sentiment already on underdog", Weight: -3})
		}
	}

	if f.FavoriteSentiment != nil && *f.FavoriteSentiment > 0.4 {
		r.delta += 3
		r.signals = append(r.signals, models.Driver{Label: "Extremely positive buzz around favorite", Weight: 3})
	}

	return r
}

func formGroup(f *models.GameFeatures) groupResult {
	r := groupResult{}
	if f.FavoriteWinPct == nil && f.UnderdogWinPct == nil && f.FavoriteStreak == nil && f.UnderdogStreak == nil {
		return r
	}
	r.available = true

	if f.FavoriteWinPct != nil && f.UnderdogWinPct != nil {
		diff := *f.UnderdogWinPct - *f.FavoriteWinPct
		switch {
		case diff >= 0:
			r.delta += 10
			r.signals = append(r.signals, models.Driver{Label: "Underdog has equal or better record", Weight: 10})
		case diff >= -0.15:
			r.delta += 4
			r.signals = append(r.signals, models.Driver{Label: "Teams have similar records", Weight: 4})
		}
	}

	if f.UnderdogStreak != nil && *f.UnderdogStreak >= 3 {
		r.delta += 5
		r.signals = append(r.signals, models.Driver{
			Label:  fmt.Sprintf("Underdog on %d-game win streak", *f.UnderdogStreak),
			Weight: 5,
		})
	}
	if f.FavoriteStreak != nil && *f.FavoriteStreak <= -3 {
		r.delta += 5
		r.signals = append(r.signals, models.Driver{
			Label:  fmt.Sprintf("Favorite on %d-game losing streak", -*f.FavoriteStreak),
			Weight: 5,
		})
	}

	return r
}

// situationalGroup is always available: the flags come from the schedule
// snapshot, which the builder requires.
func situationalGroup(f *models.GameFeatures) groupResult {
	r := groupResult{available: true}

	if f.IsPrimeTime {
		r.delta += 3
		r.signals = append(r.signals, models.Driver{Label: "Prime time game, historically more upsets", Weight: 3})
	}

	return r
}

func clampScore(score float64) float64 {
	if math.IsNaN(score) {
		return 50
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func roundTo(v float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(v*factor) / factor
}
