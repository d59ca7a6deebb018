// Package slackalert sends sync failures to a Slack incoming webhook.
package slackalert

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"forumsync"
)

// Defaults for New: a burst of five alerts, then one a minute.
const (
	DefaultBurst = 5
	DefaultEvery = time.Minute
)

// Alerter is a forumsync.Alerter.
// Alerts beyond its rate limit are dropped.
type Alerter struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
}

var _ forumsync.Alerter = &Alerter{}

// New produces an Alerter posting to the given webhook URL.
func New(url string) *Alerter {
	return &Alerter{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(DefaultEvery), DefaultBurst),
	}
}

// WithLimit replaces the alert rate limit.
func (a *Alerter) WithLimit(every time.Duration, burst int) *Alerter {
	a.limiter = rate.NewLimiter(rate.Every(every), burst)
	return a
}

func (a *Alerter) Alert(ctx context.Context, op string, err error) {
	if !a.limiter.Allow() {
		return
	}
	msg := &slack.WebhookMessage{
		Text: "forumsync: " + op,
		Attachments: []slack.Attachment{{
			Color:  "danger",
			Title:  op,
			Text:   err.Error(),
			Footer: "forumsync",
			Ts:     json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
		}},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, a.url, a.client, msg); err != nil {
		log.Printf("slackalert: posting alert for %s: %s", op, err)
	}
}
