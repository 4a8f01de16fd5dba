package notify

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladgets/roadmate-tracker/internal/geo"
	"github.com/vladgets/roadmate-tracker/internal/httputil"
)

func TestNotifyArrivalPostsWebhook(t *testing.T) {
	client := httputil.NewMockHTTPClient().AddResponse(200, `{}`)
	n := NewNotifier(client, "https://hooks.example.com/arrival")

	at := time.Date(2026, 3, 14, 17, 42, 0, 0, time.UTC)
	n.NotifyArrival(geo.Point{Lat: 37.80005, Lon: -122.27005}, at)

	require.Equal(t, 1, client.RequestCount())
	req := client.Request(0)
	assert.Equal(t, "https://hooks.example.com/arrival", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

	var got Arrival
	require.NoError(t, json.Unmarshal(client.RequestBody(0), &got))
	assert.Equal(t, 37.80005, got.Lat)
	assert.Equal(t, -122.27005, got.Lon)
	assert.True(t, at.Equal(got.OccurredAt))
	assert.Contains(t, got.Message, "37.80005")
	assert.Contains(t, got.Message, "5:42PM")
}

func TestNotifyArrivalFailureIsSwallowed(t *testing.T) {
	client := httputil.NewMockHTTPClient().AddErrorResponse(errors.New("connection refused"))
	n := NewNotifier(client, "https://hooks.example.com/arrival")

	// Must not panic or block; the failure is only logged.
	n.NotifyArrival(geo.Point{Lat: 37.8, Lon: -122.27}, time.Now())
	assert.Equal(t, 1, client.RequestCount())
}

func TestEmptyURLDisablesNotifier(t *testing.T) {
	client := httputil.NewMockHTTPClient()
	n := NewNotifier(client, "")

	n.NotifyArrival(geo.Point{Lat: 37.8, Lon: -122.27}, time.Now())
	assert.Equal(t, 0, client.RequestCount())
}
