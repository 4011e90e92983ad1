package providers

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/upsetiq/upsetiq/internal/models"
)

const redditBaseURL = "https://www.reddit.com"

var sportSubreddits = map[string]string{
	"NFL": "nfl",
	"NBA": "nba",
	"MLB": "baseball",
	"NHL": "hockey",
	"CFB": "CFB",
}

// RedditSentimentClient aggregates fan sentiment for a team from recent
// subreddit posts. Scoring is a lexicon pass over titles; good enough for a
// contrarian signal, deliberately not a full NLP pipeline.
type RedditSentimentClient struct {
	*restClient
	userAgent string
}

func NewRedditSentimentClient(userAgent string, opts ClientOptions, logger *logrus.Logger) *RedditSentimentClient {
	return &RedditSentimentClient{
		restClient: newRestClient("reddit", opts, logger),
		userAgent:  userAgent,
	}
}

type redditListing struct {
	Data struct {
		Children []struct {
			Data struct {
				Title    string `json:"title"`
				Selftext string `json:"selftext"`
				Score    int    `json:"score"`
			} `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// FetchTeamSentiment searches the sport's subreddit for recent posts
// mentioning the team and aggregates a score in [-1, 1].
func (c *RedditSentimentClient) FetchTeamSentiment(ctx context.Context, sport, team string) (*models.TeamSentiment, error) {
	subreddit, ok := sportSubreddits[strings.ToUpper(sport)]
	if !ok {
		return nil, fmt.Errorf("unsupported sport: %s", sport)
	}

	endpoint := fmt.Sprintf("%s/r/%s/search.json?q=%s&restrict_sr=1&sort=new&limit=50",
		redditBaseURL, subreddit, url.QueryEscape(team))

	var listing redditListing
	headers := map[string]string{"User-Agent": c.userAgent}
	if err := c.getJSON(ctx, endpoint, headers, &listing); err != nil {
		return nil, fmt.Errorf("reddit request failed: %w", err)
	}

	var total float64
	var volume int
	for _, child := range listing.Data.Children {
		text := child.Data.Title + " " + child.Data.Selftext
		total += scoreText(text)
		volume++
	}

	sentiment := &models.TeamSentiment{Origin: "reddit", Volume: volume}
	if volume > 0 {
		sentiment.Score = clampScore(total / float64(volume))
	}

	c.logger.Debugf("Sentiment for %s: %.3f over %d posts", team, sentiment.Score, volume)
	return sentiment, nil
}

var positiveTerms = []string{
	"win", "dominant", "elite", "clutch", "unstoppable", "hot streak",
	"rolling", "great", "lock", "easy money", "confident", "healthy",
}

var negativeTerms = []string{
	"lose", "injury", "injured", "struggling", "terrible", "fade",
	"washed", "awful", "cold", "benched", "doubt", "collapse", "overrated",
}

// scoreText returns a crude per-post sentiment in [-1, 1].
func scoreText(text string) float64 {
	lower := strings.ToLower(text)
	var score float64
	for _, term := range positiveTerms {
		if strings.Contains(lower, term) {
			score += 0.25
		}
	}
	for _, term := range negativeTerms {
		if strings.Contains(lower, term) {
			score -= 0.25
		}
	}
	return clampScore(score)
}

func clampScore(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
