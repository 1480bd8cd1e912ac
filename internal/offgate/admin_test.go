package offgate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func doPost(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatusEndpoint(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)

	rec := doGet(svc.Handler(), "/offgate/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp statusResponse
	decodeJSON(t, rec, &resp)

	if resp.Generation != "site-v1.0.0" {
		t.Errorf("generation = %q", resp.Generation)
	}
	if !resp.Installed {
		t.Error("installed = false after successful install")
	}
	// push is disabled in the test config, so notifications are unsupported
	if resp.Permission != string(PermissionDenied) {
		t.Errorf("permission = %q, want denied", resp.Permission)
	}
	if resp.Subscribed {
		t.Error("subscribed = true without a platform")
	}
	if resp.CachedPaths < 4 {
		t.Errorf("cachedPaths = %d, want at least the manifest", resp.CachedPaths)
	}
	if resp.DiskBytes <= 0 {
		t.Errorf("diskBytes = %d", resp.DiskBytes)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)
	h := svc.Handler()

	first := svc.panel.Notify("Saved", "first", KindSuccess)
	second := svc.panel.Notify("Heads up", "second", KindWarning)

	rec := doGet(h, "/offgate/notifications", nil)
	var list struct {
		Notifications []InAppNotification `json:"notifications"`
		Badge         int                 `json:"badge"`
	}
	decodeJSON(t, rec, &list)
	if list.Badge != 2 || len(list.Notifications) != 2 {
		t.Fatalf("badge = %d, len = %d", list.Badge, len(list.Notifications))
	}
	if list.Notifications[0].ID != second {
		t.Errorf("list is not newest-first: %+v", list.Notifications)
	}

	rec = doPost(h, "/offgate/notifications/dismiss?id="+first, "")
	var badge struct {
		Badge int `json:"badge"`
	}
	decodeJSON(t, rec, &badge)
	if badge.Badge != 1 {
		t.Errorf("badge after dismiss = %d", badge.Badge)
	}

	if rec := doPost(h, "/offgate/notifications/dismiss", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("dismiss without id: status = %d", rec.Code)
	}

	rec = doPost(h, "/offgate/notifications/clear", "")
	decodeJSON(t, rec, &badge)
	if badge.Badge != 0 || svc.panel.Count() != 0 {
		t.Errorf("badge after clear = %d, panel count = %d", badge.Badge, svc.panel.Count())
	}
}

func TestBannerEndpoints(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)
	h := svc.Handler()

	var resp struct {
		Visible bool `json:"visible"`
	}
	decodeJSON(t, doGet(h, "/offgate/banner", nil), &resp)
	if resp.Visible {
		t.Error("banner visible before any update")
	}

	svc.panel.ShowBanner()
	decodeJSON(t, doGet(h, "/offgate/banner", nil), &resp)
	if !resp.Visible {
		t.Error("banner not visible after ShowBanner")
	}

	decodeJSON(t, doPost(h, "/offgate/banner/dismiss", ""), &resp)
	if resp.Visible || svc.panel.BannerVisible() {
		t.Error("banner still visible after dismiss")
	}
}

func TestSettingsRoundtrip(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)
	h := svc.Handler()

	var got Settings
	decodeJSON(t, doGet(h, "/offgate/settings", nil), &got)
	if got != defaultSettings() {
		t.Fatalf("initial settings = %+v", got)
	}

	rec := doPost(h, "/offgate/settings", `{"pushNotifications":false,"updateNotifications":true,"soundAlerts":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST settings: status = %d, body %q", rec.Code, rec.Body.String())
	}

	decodeJSON(t, doGet(h, "/offgate/settings", nil), &got)
	want := Settings{PushNotifications: false, UpdateNotifications: true, SoundAlerts: false}
	if got != want {
		t.Errorf("settings = %+v, want %+v", got, want)
	}

	// saving settings drops a confirmation into the panel
	ns := svc.panel.Notifications()
	if len(ns) != 1 || ns[0].Title != "Settings Saved!" {
		t.Errorf("panel after save = %+v", ns)
	}

	if rec := doPost(h, "/offgate/settings", `{broken`); rec.Code != http.StatusBadRequest {
		t.Errorf("malformed payload: status = %d", rec.Code)
	}
}

func TestWakeAndPermissionEndpoints(t *testing.T) {
	origin := newTestOrigin(t)
	svc := newTestService(t, origin)
	h := svc.Handler()

	if rec := doPost(h, "/offgate/wake", ""); rec.Code != http.StatusAccepted {
		t.Errorf("wake: status = %d", rec.Code)
	}
	if rec := doGet(h, "/offgate/wake", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET wake: status = %d", rec.Code)
	}

	rec := doPost(h, "/offgate/permission", "")
	var resp struct {
		Permission string `json:"permission"`
		Supported  bool   `json:"supported"`
	}
	decodeJSON(t, rec, &resp)
	if resp.Supported || resp.Permission != string(PermissionDenied) {
		t.Errorf("permission response = %+v, want unsupported/denied", resp)
	}
}
