package reminders

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/dar-k-dev/p-progress/internal/httputil"
)

// Goal is a user's progress target.
type Goal struct {
	ID      string
	Title   string
	Current float64
	Target  float64
}

// Percent is the goal's completion, capped at 100.
func (g Goal) Percent() int {
	if g.Target <= 0 {
		return 0
	}
	p := int(g.Current / g.Target * 100)
	if p > 100 {
		return 100
	}
	if p < 0 {
		return 0
	}
	return p
}

// GoalSource lists a user's goals.
type GoalSource interface {
	Goals(ctx context.Context, userID string) ([]Goal, error)
}

// HTTPGoalSource reads goals from the app's API at
// {base}/api/v1/users/{id}/goals. The response is either an array of goals
// or an object with a "goals" array.
type HTTPGoalSource struct {
	BaseURL string
	Client  *http.Client
	Retry   httputil.RetryConfig
}

func NewHTTPGoalSource(baseURL string, timeout time.Duration) *HTTPGoalSource {
	return &HTTPGoalSource{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
		Retry:   httputil.DefaultRetryConfig(),
	}
}

func (s *HTTPGoalSource) Goals(ctx context.Context, userID string) ([]Goal, error) {
	target, err := url.JoinPath(s.BaseURL, "api", "v1", "users", url.PathEscape(userID), "goals")
	if err != nil {
		return nil, err
	}
	body, err := httputil.GetFresh(ctx, s.Client, target, 1<<20, s.Retry)
	if err != nil {
		return nil, fmt.Errorf("fetch goals: %w", err)
	}
	return parseGoals(body)
}

func parseGoals(body []byte) ([]Goal, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("goals response is not valid JSON")
	}
	list := gjson.ParseBytes(body)
	if !list.IsArray() {
		list = list.Get("goals")
	}

	var goals []Goal
	list.ForEach(func(_, g gjson.Result) bool {
		id := g.Get("id").String()
		if id == "" {
			return true
		}
		goals = append(goals, Goal{
			ID:      id,
			Title:   g.Get("title").String(),
			Current: g.Get("current").Float(),
			Target:  g.Get("target").Float(),
		})
		return true
	})
	return goals, nil
}
