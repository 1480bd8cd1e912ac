package offgate

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxDiscoveredPaths = 200

// installShell precaches the whole manifest into the configured generation
// and makes it current. Population is all-or-nothing: any fetch or write
// failure aborts before the pointer moves, so readers keep whatever
// generation was current before. After the flip, stale generations are
// deleted and sitemap-discovered pages are added best-effort.
func (s *Service) installShell(ctx context.Context) error {
	gen := s.cfg.Generation()

	type staged struct {
		path string
		ent  CacheEntry
	}
	fetched := make([]staged, 0, len(s.cfg.Shell.Manifest))
	for _, p := range s.cfg.Shell.Manifest {
		ent, cacheable, err := s.fetchFromOrigin(ctx, p, nil)
		if err != nil {
			return fmt.Errorf("precache %s: %w", p, err)
		}
		if !cacheable {
			return fmt.Errorf("precache %s: status %d is not cacheable", p, ent.Status)
		}
		fetched = append(fetched, staged{path: p, ent: ent})
	}

	for _, f := range fetched {
		if err := s.store.Put(gen, f.path, f.ent); err != nil {
			return fmt.Errorf("precache write %s: %w", f.path, err)
		}
	}

	if err := s.store.SetCurrent(gen); err != nil {
		return fmt.Errorf("activate generation %s: %w", gen, err)
	}
	s.installed.Store(true)
	log.Printf("shell installed: generation %s, %d resources", gen, len(fetched))

	s.activate(gen)
	s.precacheDiscovered(ctx, gen)
	return nil
}

// activate deletes every generation other than the current one. Exactly one
// generation survives.
func (s *Service) activate(current string) {
	for _, g := range s.store.Generations() {
		if g == current {
			continue
		}
		n, err := s.store.DeleteGeneration(g)
		if err != nil {
			log.Printf("delete stale generation %s: %v", g, err)
			continue
		}
		s.ram.DropPrefix(g + ":")
		log.Printf("deleted stale generation %s (%d entries)", g, n)
	}
}

func (s *Service) installRetryLoop() {
	t := time.NewTicker(installRetryInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			err := s.installShell(ctx)
			cancel()
			if err == nil {
				return
			}
			log.Printf("shell install retry failed: %v", err)
		}
	}
}

// precacheDiscovered augments the shell with pages listed in the configured
// sitemaps. Unlike the manifest this is best-effort: a page that fails to
// fetch is skipped, not fatal.
func (s *Service) precacheDiscovered(ctx context.Context, gen string) {
	if len(s.cfg.Shell.Sitemaps) == 0 {
		return
	}
	paths, err := s.discoverShellPaths(ctx)
	if err != nil {
		log.Printf("shell discovery: %v", err)
		return
	}

	stored := 0
	for _, p := range paths {
		if containsString(s.cfg.Shell.Manifest, p) {
			continue
		}
		ent, cacheable, err := s.fetchFromOrigin(ctx, p, nil)
		if err != nil || !cacheable {
			continue
		}
		s.store.PutAsync(gen, p, ent)
		stored++
	}
	if stored > 0 {
		log.Printf("shell discovery: precached %d additional pages", stored)
	}
}

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

func (s *Service) discoverShellPaths(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	var out []string

	queue := make([]string, 0, len(s.cfg.Shell.Sitemaps))
	for _, sm := range s.cfg.Shell.Sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, s.normalizeMaybeRelativeURL(sm))
	}

	for len(queue) > 0 && len(out) < maxDiscoveredPaths {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		default:
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}

		for _, nested := range doc.Sitemaps {
			nested = strings.TrimSpace(nested)
			if nested == "" {
				continue
			}
			queue = append(queue, s.normalizeMaybeRelativeURL(nested))
		}

		for _, loc := range doc.URLs {
			path := normalizePathFromLoc(loc)
			if path == "" {
				continue
			}
			if _, ok := seenPaths[path]; ok {
				continue
			}
			seenPaths[path] = struct{}{}
			out = append(out, path)
			if len(out) >= maxDiscoveredPaths {
				break
			}
		}
	}

	return out, nil
}

func (s *Service) normalizeMaybeRelativeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// Handle .gz or gzip magic header. Be tolerant: a .gz URL may also carry
	// Content-Encoding gzip, in which case Go already decompressed the body.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}

	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}

	return doc, nil
}

func normalizePathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		if !strings.HasPrefix(u.Path, "/") {
			return "/" + u.Path
		}
		return u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
