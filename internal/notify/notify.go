// Package notify delivers best-effort arrival notifications. A failed
// delivery is logged and dropped; notifications are never retried and never
// block the tracking pipeline.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vladgets/roadmate-tracker/internal/geo"
	"github.com/vladgets/roadmate-tracker/internal/httputil"
	"github.com/vladgets/roadmate-tracker/internal/monitoring"
)

// Arrival is the webhook body sent when a drive ends.
type Arrival struct {
	Message    string    `json:"message"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Notifier posts arrival notifications to a webhook URL. A Notifier with an
// empty URL is valid and discards everything.
type Notifier struct {
	client httputil.HTTPClient
	url    string
}

// NewNotifier returns a notifier posting to url via client.
func NewNotifier(client httputil.HTTPClient, url string) *Notifier {
	return &Notifier{client: client, url: url}
}

// NotifyArrival sends an arrival notification for the given position.
// Delivery failures are logged, never returned.
func (n *Notifier) NotifyArrival(at geo.Point, when time.Time) {
	if n.url == "" {
		return
	}

	arrival := Arrival{
		Message:    fmt.Sprintf("Arrived at %.5f, %.5f at %s", at.Lat, at.Lon, when.Format(time.Kitchen)),
		Lat:        at.Lat,
		Lon:        at.Lon,
		OccurredAt: when.UTC(),
	}
	body, err := json.Marshal(arrival)
	if err != nil {
		monitoring.Logf("notify: marshal arrival: %v", err)
		return
	}

	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		monitoring.Logf("notify: post arrival: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		monitoring.Logf("notify: webhook returned %d", resp.StatusCode)
	}
}
