package offgate

import (
	"testing"
	"time"
)

func TestNotifyCountAndBadge(t *testing.T) {
	p := NewPanel(time.Minute, time.Minute)
	defer p.Close()

	p.Notify("T", "M", KindSuccess)
	if got := p.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}
}

func TestNotifyNewestFirst(t *testing.T) {
	p := NewPanel(time.Minute, time.Minute)
	defer p.Close()

	first := p.Notify("first", "a", KindInfo)
	second := p.Notify("second", "b", KindInfo)
	if first == second {
		t.Fatalf("ids must be unique, both %q", first)
	}

	list := p.Notifications()
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].Title != "second" || list[1].Title != "first" {
		t.Errorf("ordering = [%s, %s], want newest first", list[0].Title, list[1].Title)
	}
}

func TestNotifyAutoExpires(t *testing.T) {
	p := NewPanel(30*time.Millisecond, 30*time.Millisecond)
	defer p.Close()

	p.Notify("T", "M", KindInfo)
	if got := p.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for p.Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("notification never auto-expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUpdateKindOutlivesDefaultKind(t *testing.T) {
	p := NewPanel(30*time.Millisecond, 10*time.Second)
	defer p.Close()

	p.Notify("plain", "m", KindInfo)
	p.Notify("release", "m", KindUpdate)

	deadline := time.Now().Add(2 * time.Second)
	for p.Count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("default-kind notification never expired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if list := p.Notifications(); list[0].Kind != KindUpdate {
		t.Errorf("survivor kind = %s, want update", list[0].Kind)
	}
}

func TestRemoveIdempotent(t *testing.T) {
	p := NewPanel(time.Minute, time.Minute)
	defer p.Close()

	id := p.Notify("T", "M", KindWarning)
	p.Remove(id)
	if got := p.Count(); got != 0 {
		t.Fatalf("Count after Remove = %d, want 0", got)
	}

	// removing again, or removing an unknown id, is a no-op
	p.Remove(id)
	p.Remove("no-such-id")
	if got := p.Count(); got != 0 {
		t.Fatalf("Count = %d, want 0", got)
	}
}

func TestClearAll(t *testing.T) {
	p := NewPanel(time.Minute, time.Minute)
	defer p.Close()

	for i := 0; i < 5; i++ {
		p.Notify("T", "M", KindError)
	}
	p.ClearAll()
	if got := p.Count(); got != 0 {
		t.Fatalf("Count after ClearAll = %d, want 0", got)
	}

	p.ClearAll()
	if got := p.Count(); got != 0 {
		t.Fatalf("Count after second ClearAll = %d, want 0", got)
	}
}

func TestBannerLifecycle(t *testing.T) {
	p := NewPanel(time.Minute, time.Minute)
	defer p.Close()

	if p.BannerVisible() {
		t.Fatal("banner visible before ShowBanner")
	}
	p.ShowBanner()
	if !p.BannerVisible() {
		t.Fatal("banner not visible after ShowBanner")
	}
	p.DismissBanner()
	if p.BannerVisible() {
		t.Fatal("banner visible after DismissBanner")
	}
}

func TestClosedPanelIgnoresNotify(t *testing.T) {
	p := NewPanel(time.Minute, time.Minute)
	p.Close()
	if id := p.Notify("T", "M", KindInfo); id != "" {
		t.Errorf("Notify on closed panel returned id %q", id)
	}
	if got := p.Count(); got != 0 {
		t.Errorf("Count = %d, want 0", got)
	}
}
