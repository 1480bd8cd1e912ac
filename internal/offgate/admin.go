package offgate

import (
	"encoding/json"
	"log"
	"net/http"
)

// Settings are the user's notification preference flags, persisted as plain
// key-value state. Only the push flag changes behavior today; the others are
// stored and echoed back.
type Settings struct {
	PushNotifications   bool `json:"pushNotifications"`
	UpdateNotifications bool `json:"updateNotifications"`
	SoundAlerts         bool `json:"soundAlerts"`
}

func defaultSettings() Settings {
	return Settings{PushNotifications: true, UpdateNotifications: true, SoundAlerts: true}
}

func (s *Service) loadSettings() Settings {
	out := defaultSettings()
	b, ok := s.store.GetState(stateSettings)
	if !ok {
		return out
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return defaultSettings()
	}
	return out
}

func (s *Service) saveSettings(v Settings) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.store.SetState(stateSettings, b)
}

// adminHandler is the gateway's own JSON surface: the notification panel,
// the update banner, settings and status.
func (s *Service) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/offgate/status", s.handleStatus)
	mux.HandleFunc("/offgate/notifications", s.handleNotifications)
	mux.HandleFunc("/offgate/notifications/dismiss", s.handleNotificationDismiss)
	mux.HandleFunc("/offgate/notifications/clear", s.handleNotificationClear)
	mux.HandleFunc("/offgate/banner", s.handleBanner)
	mux.HandleFunc("/offgate/banner/dismiss", s.handleBannerDismiss)
	mux.HandleFunc("/offgate/wake", s.handleWake)
	mux.HandleFunc("/offgate/permission", s.handlePermission)
	mux.HandleFunc("/offgate/settings", s.handleSettings)
	return mux
}

type statusResponse struct {
	Generation  string `json:"generation"`
	Installed   bool   `json:"installed"`
	Permission  string `json:"permission"`
	Subscribed  bool   `json:"subscribed"`
	CachedPaths int    `json:"cachedPaths"`
	RAMBytes    int64  `json:"ramBytes"`
	DiskBytes   int64  `json:"diskBytes"`
	CacheHits   uint64 `json:"cacheHits"`
	CacheMisses uint64 `json:"cacheMisses"`
	RSSBytes    uint64 `json:"rssBytes,omitempty"`
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	gen := s.store.Current()
	_, subscribed := s.pusher.Subscription()
	ss := s.stats.Snapshot()
	resp := statusResponse{
		Generation:  gen,
		Installed:   s.installed.Load(),
		Permission:  string(s.pusher.Permission()),
		Subscribed:  subscribed,
		CachedPaths: s.store.KeyCount(gen),
		RAMBytes:    s.ram.TotalSize(),
		DiskBytes:   s.store.TotalSize(),
		CacheHits:   ss.CacheHits,
		CacheMisses: ss.CacheMisses,
	}
	if rss, ok := processRSSBytes(); ok {
		resp.RSSBytes = rss
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	list := s.panel.Notifications()
	writeJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
		"badge":         len(list),
	})
}

func (s *Service) handleNotificationDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	s.panel.Remove(id)
	writeJSON(w, http.StatusOK, map[string]any{"badge": s.panel.Count()})
}

func (s *Service) handleNotificationClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.panel.ClearAll()
	writeJSON(w, http.StatusOK, map[string]any{"badge": 0})
}

func (s *Service) handleBanner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"visible": s.panel.BannerVisible()})
}

func (s *Service) handleBannerDismiss(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.panel.DismissBanner()
	writeJSON(w, http.StatusOK, map[string]any{"visible": false})
}

// handleWake triggers an out-of-cycle update check, the equivalent of a
// long-idle client becoming visible again.
func (s *Service) handleWake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	s.poller.Wake()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handlePermission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.pusher.RequestPermission(r.Context()); err != nil {
		log.Printf("notification permission: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"permission": string(s.pusher.Permission()),
		"supported":  s.pusher.Supported(),
	})
}

func (s *Service) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.loadSettings())
	case http.MethodPost:
		var v Settings
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			http.Error(w, "bad settings payload", http.StatusBadRequest)
			return
		}
		if err := s.saveSettings(v); err != nil {
			http.Error(w, "save failed", http.StatusInternalServerError)
			return
		}
		s.panel.Notify("Settings Saved!", "Your notification preferences have been updated.", KindSuccess)
		if v.PushNotifications && s.pusher.Permission() == PermissionDefault {
			if err := s.pusher.RequestPermission(r.Context()); err != nil {
				log.Printf("notification permission: %v", err)
			}
		}
		writeJSON(w, http.StatusOK, v)
	default:
		methodNotAllowed(w)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json response: %v", err)
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}
