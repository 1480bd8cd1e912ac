package offgate

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const installRetryInterval = time.Minute

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}

type Service struct {
	cfg        Config
	originHost string

	httpClient *http.Client

	store *genStore
	ram   *ramCache

	panel  *Panel
	pusher *Pusher
	poller *Poller

	admin http.Handler

	installed atomic.Bool

	writeFailLog *rateLimitedLogger
	stats        *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config) (*Service, error) {
	ramMax, err := parseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return nil, err
	}
	diskMax, err := parseBytes(cfg.Storage.Disk.Max)
	if err != nil {
		return nil, err
	}
	originURL, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, err
	}

	writeFailLog := newRateLimitedLogger(1 * time.Minute)
	store, err := newGenStore(cfg.Storage.Path, diskMax, writeFailLog)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:          cfg,
		originHost:   originURL.Host,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		store:        store,
		ram:          newRAMCache(ramMax, writeFailLog),
		writeFailLog: writeFailLog,
		stats:        newStatsCollector(),
		stopCh:       make(chan struct{}),
	}

	s.panel = NewPanel(cfg.Notifications.defaultDur, cfg.Notifications.updateDur)

	var platform Platform
	if cfg.Push.Enabled {
		platform = newSimulatedPlatform(Permission(cfg.Push.SimulateResponse))
	}
	s.pusher = NewPusher(platform, store, cfg.Push.VAPIDPublicKey, s.panel)

	var source UpdateSource
	if cfg.Updates.Endpoint != "" {
		source = NewHTTPUpdateSource(cfg.Server.Origin+cfg.Updates.Endpoint, s.httpClient)
	} else {
		source = NewSimulatedUpdateSource(time.Second, 0.3)
	}
	s.poller = NewPoller(source, s.panel, s.pusher, store, cfg.Updates.pollEveryDur, cfg.Updates.minGapDur)
	s.poller.stats = s.stats

	s.admin = s.adminHandler()

	// Precache the shell before serving. A failed install leaves any previous
	// generation current and the gateway passing through; retries continue in
	// the background.
	installCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := s.installShell(installCtx); err != nil {
		log.Printf("shell install failed: %v (retrying every %s)", err, installRetryInterval)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.installRetryLoop()
		}()
	}
	cancel()

	if cfg.Push.Enabled {
		permCtx, permCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.pusher.RequestPermission(permCtx); err != nil {
			log.Printf("notification permission: %v", err)
		}
		permCancel()
	}

	s.poller.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.cleanupLoop(cfg.Cleanup.everyDur, cfg.Cleanup.maxAgeDur)
	}()

	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}

	return s, nil
}

func (s *Service) Close() {
	s.poller.Close()
	close(s.stopCh)
	s.wg.Wait()
	s.panel.Close()
	s.store.close()
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/offgate/") {
		s.admin.ServeHTTP(w, r)
		return
	}

	// Requests for foreign hosts pass through untouched and are never cached.
	if r.URL.IsAbs() && r.URL.Host != s.originHost {
		s.passThrough(w, r, "cross-origin")
		return
	}

	if r.Method != http.MethodGet {
		s.passThrough(w, r, "bypass")
		return
	}

	if isNavigation(r) {
		s.handleNavigation(w, r)
		return
	}
	s.handleSubresource(w, r)
}

// handleNavigation is network-first: origin, then the cached page, then the
// cached shell document, then the offline page.
func (s *Service) handleNavigation(w http.ResponseWriter, r *http.Request) {
	ent, _, err := s.fetchFromOrigin(r.Context(), r.URL.RequestURI(), r.Header)
	if err == nil {
		s.writeEntryWithStats(w, ent, "network")
		return
	}

	if cached, ok := s.cacheLookup(r.URL.RequestURI()); ok {
		s.writeEntryWithStats(w, cached, "offline-cache")
		return
	}
	if shell, ok := s.cacheLookup(s.cfg.Shell.Document); ok {
		s.writeEntryWithStats(w, shell, "shell-fallback")
		return
	}
	s.serveOffline(w)
}

// handleSubresource is cache-first with write-through population.
func (s *Service) handleSubresource(w http.ResponseWriter, r *http.Request) {
	if ent, ok := s.cacheLookup(r.URL.RequestURI()); ok {
		s.writeEntryWithStats(w, ent, "hit")
		return
	}

	ent, cacheable, err := s.fetchFromOrigin(r.Context(), r.URL.RequestURI(), r.Header)
	if err != nil {
		if isDocumentRequest(r) {
			s.serveOffline(w)
			return
		}
		setOffgateHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	if cacheable {
		s.storeEntry(r.URL.RequestURI(), ent)
	}
	s.writeEntryWithStats(w, ent, "miss")
}

// cacheLookup reads uri from the current generation, RAM first. The key is the
// full request URI including any query string, so variants of one path stay
// distinct entries. A hit in the store is promoted into RAM.
func (s *Service) cacheLookup(uri string) (CacheEntry, bool) {
	gen := s.store.Current()
	if gen == "" {
		return CacheEntry{}, false
	}
	key := gen + ":" + uri
	if ent, ok := s.ram.Get(key); ok {
		return ent, true
	}
	ent, ok := s.store.Get(gen, uri)
	if !ok {
		return CacheEntry{}, false
	}
	s.ram.Put(key, ent)
	return ent, true
}

// storeEntry populates the current generation. Failures never reach the
// in-flight response.
func (s *Service) storeEntry(uri string, ent CacheEntry) {
	gen := s.store.Current()
	if gen == "" {
		return
	}
	s.ram.Put(gen+":"+uri, ent)
	s.store.PutAsync(gen, uri, ent)
}

func (s *Service) serveOffline(w http.ResponseWriter) {
	if ent, ok := s.cacheLookup(s.cfg.Shell.Offline); ok {
		s.writeEntryWithStats(w, ent, "offline")
		return
	}
	setOffgateHeader(w.Header(), "offline-missing")
	http.Error(w, "offline", http.StatusServiceUnavailable)
}

func (s *Service) passThrough(w http.ResponseWriter, r *http.Request, label string) {
	target := s.cfg.Server.Origin + r.URL.RequestURI()
	if r.URL.IsAbs() {
		target = r.URL.String()
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		setOffgateHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyHeaders(req.Header, r.Header)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		setOffgateHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOffgateHeader(w.Header(), label)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// fetchFromOrigin GETs uri from the configured origin. cacheable reports
// whether the response may be written to the cache: only 2xx responses
// without a no-store/no-cache directive qualify.
func (s *Service) fetchFromOrigin(ctx context.Context, uri string, hdr http.Header) (CacheEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Server.Origin+uri, nil)
	if err != nil {
		return CacheEntry{}, false, err
	}
	if hdr != nil {
		copyHeaders(req.Header, hdr)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CacheEntry{}, false, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, false, err
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
	}
	ent.Header.Del("Content-Length")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ent, false, nil
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "no-cache") {
		return ent, false, nil
	}
	return ent, true, nil
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent CacheEntry, label string) {
	writeEntry(w, ent, label)
	switch label {
	case "hit", "offline-cache", "shell-fallback", "offline":
		s.stats.ObserveHit(len(ent.Body))
	case "miss", "network":
		s.stats.ObserveMiss(len(ent.Body))
	}
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, label string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-offgate") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOffgateHeader(w.Header(), label)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setOffgateHeader(h http.Header, label string) {
	if label != "" {
		h.Set("X-Offgate", label)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, "X-Offgate")
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// isNavigation reports whether the request is a top-level document load as
// opposed to a sub-resource fetch.
func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.HasPrefix(r.Header.Get("Accept"), "text/html")
}

// isDocumentRequest decides whether a failed sub-resource deserves the
// offline page; images, scripts and the like just fail.
func isDocumentRequest(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Dest") == "document" {
		return true
	}
	if strings.HasSuffix(r.URL.Path, ".html") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// cleanupLoop removes entries past their maximum age. Advisory only: a missed
// sweep just lets the cache grow.
func (s *Service) cleanupLoop(every, maxAge time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.sweepStale(maxAge)
		}
	}
}

func (s *Service) sweepStale(maxAge time.Duration) {
	gen := s.store.Current()
	if gen == "" {
		return
	}
	cutoff := time.Now().Add(-maxAge).Unix()
	paths := s.store.EntriesOlderThan(gen, cutoff)
	for _, p := range paths {
		s.store.Delete(gen, p)
		s.ram.Delete(gen + ":" + p)
	}
	if len(paths) > 0 {
		log.Printf("stale sweep removed %d entries", len(paths))
	}
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			gen := s.store.Current()
			mem := ""
			if rss, ok := processRSSBytes(); ok {
				mem = ", RSS: " + formatBytes(rss)
			}
			log.Printf(
				"Cached: Gen: %s, Paths: %d, RAM usage: %s, Disk usage: %s, Hits/Misses: %d/%d%s",
				gen,
				s.store.KeyCount(gen),
				formatBytes(uint64(s.ram.TotalSize())),
				formatBytes(uint64(s.store.TotalSize())),
				ss.CacheHits,
				ss.CacheMisses,
				mem,
			)
		}
	}
}
