package offgate

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// UpdateSource answers "is there new site content?". Implementations must
// treat errors as transient; the poller logs them and keeps polling.
type UpdateSource interface {
	Check(ctx context.Context) (UpdateCheckResult, error)
}

// HTTPUpdateSource polls a real check-updates endpoint.
type HTTPUpdateSource struct {
	url    string
	client *http.Client
}

func NewHTTPUpdateSource(url string, client *http.Client) *HTTPUpdateSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPUpdateSource{url: url, client: client}
}

func (u *HTTPUpdateSource) Check(ctx context.Context) (UpdateCheckResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.url, nil)
	if err != nil {
		return UpdateCheckResult{}, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := u.client.Do(req)
	if err != nil {
		return UpdateCheckResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 2048))
		return UpdateCheckResult{}, fmt.Errorf("check updates: unexpected status %d", resp.StatusCode)
	}

	var result UpdateCheckResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return UpdateCheckResult{}, fmt.Errorf("check updates: decode: %w", err)
	}
	return result, nil
}

// SimulatedUpdateSource stands in when no endpoint is configured: after a
// short delay it reports an update with fixed probability.
type SimulatedUpdateSource struct {
	delay  time.Duration
	chance float64
	data   UpdateData

	mu  sync.Mutex
	rng *rand.Rand
}

func NewSimulatedUpdateSource(delay time.Duration, chance float64) *SimulatedUpdateSource {
	return &SimulatedUpdateSource{
		delay:  delay,
		chance: chance,
		data:   defaultUpdateData(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (u *SimulatedUpdateSource) Check(ctx context.Context) (UpdateCheckResult, error) {
	if u.delay > 0 {
		t := time.NewTimer(u.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return UpdateCheckResult{}, ctx.Err()
		case <-t.C:
		}
	}

	u.mu.Lock()
	roll := u.rng.Float64()
	u.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	if roll < u.chance {
		data := u.data
		return UpdateCheckResult{HasUpdates: true, Data: &data, Timestamp: now}, nil
	}
	return UpdateCheckResult{HasUpdates: false, Message: "No updates available", Timestamp: now}, nil
}

func defaultUpdateData() UpdateData {
	return UpdateData{
		Version: "2.1.0",
		Features: []Feature{
			{
				ID:          "notification-system",
				Name:        "Advanced Notification System",
				Description: "Real-time notifications for updates and new content",
				Status:      "active",
			},
			{
				ID:          "offline-support",
				Name:        "Offline Support",
				Description: "App shell served from cache when the network is down",
				Status:      "active",
			},
			{
				ID:          "push-notifications",
				Name:        "Push Notifications",
				Description: "System notifications for new releases",
				Status:      "active",
			},
		},
		Changelog: []ChangelogEntry{
			{
				Version: "2.1.0",
				Date:    "2024-01-15",
				Changes: []string{
					"Added comprehensive notification system",
					"Improved offline caching",
					"Added update polling",
				},
			},
			{
				Version: "2.0.0",
				Date:    "2024-01-01",
				Changes: []string{
					"Complete website redesign",
					"Improved performance",
				},
			},
		},
	}
}
