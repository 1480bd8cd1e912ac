package offgate

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"
)

const updateCheckTimeout = 30 * time.Second

const (
	updateTitle   = "New Updates Available!"
	updateMessage = "New content and features are ready to explore."
)

// Poller periodically asks the update source for new content and, on a
// positive answer, surfaces it through the panel, the banner and (when
// permitted) a system notification. Source errors count as "no update this
// cycle" and never stop the loop.
type Poller struct {
	source   UpdateSource
	panel    *Panel
	pusher   *Pusher
	store    *genStore
	stats    *statsCollector
	interval time.Duration
	minGap   time.Duration
	now      func() time.Time

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewPoller(source UpdateSource, panel *Panel, pusher *Pusher, store *genStore, interval, minGap time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Poller{
		source:   source,
		panel:    panel,
		pusher:   pusher,
		store:    store,
		interval: interval,
		minGap:   minGap,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the poll loop: one immediate check, then one per interval,
// plus one per Wake. It returns immediately.
func (p *Poller) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.checkOnce()
		t := time.NewTicker(p.interval)
		defer t.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-t.C:
				p.checkOnce()
			case <-p.wake:
				p.checkOnce()
			}
		}
	}()
}

func (p *Poller) Close() {
	close(p.stopCh)
	p.wg.Wait()
}

// Wake requests an extra check outside the regular cadence, e.g. when a
// long-idle client comes back. Coalesces if one is already pending.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Poller) checkOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), updateCheckTimeout)
	defer cancel()

	result, err := p.source.Check(ctx)
	if err != nil {
		log.Printf("update check failed: %v", err)
		return
	}
	if !result.HasUpdates {
		return
	}
	if !p.shouldShow() {
		log.Printf("update available, suppressed: shown within the last %s", p.minGap)
		return
	}
	p.recordShown()

	p.panel.Notify(updateTitle, updateMessage, KindUpdate)
	p.panel.ShowBanner()

	if err := p.pusher.ShowPushNotification(ctx, updateTitle, updateMessage, PushData{URL: "/"}); err != nil {
		log.Printf("push notification failed: %v", err)
	} else if p.stats != nil && p.pusher.Permission() == PermissionGranted {
		p.stats.ObservePush()
	}
}

// shouldShow enforces the minimum gap between repeat update banners. The gap
// applies to every source, real or simulated.
func (p *Poller) shouldShow() bool {
	if p.minGap <= 0 || p.store == nil {
		return true
	}
	b, ok := p.store.GetState(stateLastUpdateShown)
	if !ok {
		return true
	}
	last, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return true
	}
	return p.now().UnixMilli()-last >= p.minGap.Milliseconds()
}

func (p *Poller) recordShown() {
	if p.store == nil {
		return
	}
	v := strconv.FormatInt(p.now().UnixMilli(), 10)
	if err := p.store.SetState(stateLastUpdateShown, []byte(v)); err != nil {
		log.Printf("record last update shown: %v", err)
	}
}
