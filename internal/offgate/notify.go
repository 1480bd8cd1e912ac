package offgate

import (
	"strconv"
	"sync"
	"time"
)

// Panel holds the in-page notification list, newest first. It is the only
// owner of the list; other components go through Notify. Entries auto-expire
// after a per-kind duration unless removed earlier.
type Panel struct {
	mu            sync.Mutex
	notifications []InAppNotification
	timers        map[string]*time.Timer
	seq           uint64
	defaultDur    time.Duration
	updateDur     time.Duration
	banner        bool
	closed        bool
}

func NewPanel(defaultDur, updateDur time.Duration) *Panel {
	if defaultDur <= 0 {
		defaultDur = 5 * time.Second
	}
	if updateDur <= 0 {
		updateDur = defaultDur
	}
	return &Panel{
		timers:     map[string]*time.Timer{},
		defaultDur: defaultDur,
		updateDur:  updateDur,
	}
}

// Notify inserts a new notification at the front of the list and schedules
// its auto-removal. The returned id is time-derived and unique for this panel.
func (p *Panel) Notify(title, message, kind string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ""
	}

	p.seq++
	now := time.Now()
	id := strconv.FormatInt(now.UnixMilli(), 10) + "-" + strconv.FormatUint(p.seq, 10)
	n := InAppNotification{
		ID:        id,
		Title:     title,
		Message:   message,
		Kind:      kind,
		Timestamp: now.UnixMilli(),
	}
	p.notifications = append([]InAppNotification{n}, p.notifications...)

	dur := p.defaultDur
	if kind == KindUpdate {
		dur = p.updateDur
	}
	p.timers[id] = time.AfterFunc(dur, func() { p.Remove(id) })
	return id
}

// Remove deletes a notification by id. Unknown ids are a no-op.
func (p *Panel) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.timers[id]; ok {
		t.Stop()
		delete(p.timers, id)
	}
	for i, n := range p.notifications {
		if n.ID == id {
			p.notifications = append(p.notifications[:i], p.notifications[i+1:]...)
			return
		}
	}
}

func (p *Panel) ClearAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.notifications = nil
}

// Count is also the badge value: the badge always equals the list length.
func (p *Panel) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.notifications)
}

// Notifications returns a copy of the list, newest first.
func (p *Panel) Notifications() []InAppNotification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]InAppNotification, len(p.notifications))
	copy(out, p.notifications)
	return out
}

// ShowBanner reveals the persistent update banner. It stays visible until
// DismissBanner.
func (p *Panel) ShowBanner() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.banner = true
}

func (p *Panel) DismissBanner() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.banner = false
}

func (p *Panel) BannerVisible() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.banner
}

// Close stops every pending expiry timer. Further Notify calls are ignored.
func (p *Panel) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	p.notifications = nil
}
