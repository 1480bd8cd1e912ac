package offgate

import "net/http"

// CacheEntry is one cached origin response. StoredAt is recorded at write time
// so staleness never depends on origin Date headers.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// Notification kinds understood by the panel.
const (
	KindInfo    = "info"
	KindSuccess = "success"
	KindWarning = "warning"
	KindError   = "error"
	KindUpdate  = "update"
)

// InAppNotification is one transient entry in the notification panel.
type InAppNotification struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Kind      string `json:"kind"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// Permission is the system notification permission state.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Subscription is the push credential obtained from the platform once
// permission is granted.
type Subscription struct {
	Endpoint  string `json:"endpoint"`
	Token     string `json:"token"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds
}

// Feature describes one site feature in an update payload.
type Feature struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// ChangelogEntry is one released version in an update payload.
type ChangelogEntry struct {
	Version string   `json:"version"`
	Date    string   `json:"date"`
	Changes []string `json:"changes"`
}

// UpdateData carries the versioned description of new site content.
type UpdateData struct {
	Version   string           `json:"version"`
	Features  []Feature        `json:"features"`
	Changelog []ChangelogEntry `json:"changelog"`
}

// UpdateCheckResult is the update source's answer to one poll.
type UpdateCheckResult struct {
	HasUpdates bool        `json:"hasUpdates"`
	Data       *UpdateData `json:"data,omitempty"`
	Message    string      `json:"message,omitempty"`
	Timestamp  string      `json:"timestamp"`
}

// PushAction is one button on a system notification.
type PushAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// PushData is the deep-link payload carried by a system notification.
type PushData struct {
	URL       string `json:"url"`
	Timestamp int64  `json:"timestamp"`
}

// PushPayload is the full system notification request handed to the platform.
// Tag lets the platform replace an earlier notification with the same tag.
type PushPayload struct {
	Title              string       `json:"title"`
	Body               string       `json:"body"`
	Icon               string       `json:"icon,omitempty"`
	Badge              string       `json:"badge,omitempty"`
	Tag                string       `json:"tag,omitempty"`
	RequireInteraction bool         `json:"requireInteraction"`
	Actions            []PushAction `json:"actions,omitempty"`
	Data               PushData     `json:"data"`
}
