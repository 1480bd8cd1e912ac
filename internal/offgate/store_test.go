package offgate

import (
	"net/http"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *genStore {
	t.Helper()
	d, err := newGenStore(filepath.Join(t.TempDir(), "db"), 0, nil)
	if err != nil {
		t.Fatalf("newGenStore: %v", err)
	}
	t.Cleanup(d.close)
	return d
}

func testEntry(body string) CacheEntry {
	return CacheEntry{
		Status:   200,
		Header:   http.Header{"Content-Type": []string{"text/html"}},
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
	}
}

func TestStorePutPeek(t *testing.T) {
	d := newTestStore(t)

	ent := testEntry("<html>index</html>")
	if err := d.Put("site-v1", "/index.html", ent); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := d.Peek("site-v1", "/index.html")
	if !ok {
		t.Fatal("Peek: entry missing")
	}
	if got.Status != 200 || string(got.Body) != "<html>index</html>" {
		t.Errorf("Peek returned %+v", got)
	}
	if !reflect.DeepEqual(got.Header, ent.Header) {
		t.Errorf("Header = %v, want %v", got.Header, ent.Header)
	}

	if _, ok := d.Peek("site-v2", "/index.html"); ok {
		t.Error("entry visible under wrong generation")
	}
	if d.KeyCount("site-v1") != 1 {
		t.Errorf("KeyCount = %d, want 1", d.KeyCount("site-v1"))
	}
}

func TestStorePutAsyncEventuallyVisible(t *testing.T) {
	d := newTestStore(t)

	d.PutAsync("site-v1", "/app.js", testEntry("js"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := d.Peek("site-v1", "/app.js"); ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("async put never became visible")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStoreDeleteGeneration(t *testing.T) {
	d := newTestStore(t)

	for _, p := range []string{"/", "/a.css", "/b.js"} {
		if err := d.Put("site-v1", p, testEntry("old")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := d.Put("site-v2", "/", testEntry("new")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if got := d.Generations(); !reflect.DeepEqual(got, []string{"site-v1", "site-v2"}) {
		t.Fatalf("Generations = %v", got)
	}

	n, err := d.DeleteGeneration("site-v1")
	if err != nil {
		t.Fatalf("DeleteGeneration: %v", err)
	}
	if n != 3 {
		t.Errorf("deleted %d entries, want 3", n)
	}
	if got := d.Generations(); !reflect.DeepEqual(got, []string{"site-v2"}) {
		t.Errorf("Generations after delete = %v", got)
	}
	if _, ok := d.Peek("site-v1", "/"); ok {
		t.Error("deleted generation still readable")
	}
	if _, ok := d.Peek("site-v2", "/"); !ok {
		t.Error("surviving generation lost")
	}
}

func TestStoreCurrentSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")

	d, err := newGenStore(path, 0, nil)
	if err != nil {
		t.Fatalf("newGenStore: %v", err)
	}
	if d.Current() != "" {
		t.Errorf("fresh store Current = %q, want empty", d.Current())
	}
	if err := d.Put("site-v1", "/", testEntry("x")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.SetCurrent("site-v1"); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}
	d.close()

	d2, err := newGenStore(path, 0, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.close()
	if d2.Current() != "site-v1" {
		t.Errorf("Current after reopen = %q, want site-v1", d2.Current())
	}
	if d2.KeyCount("site-v1") != 1 {
		t.Errorf("KeyCount after reopen = %d, want 1", d2.KeyCount("site-v1"))
	}
	if d2.TotalSize() <= 0 {
		t.Errorf("TotalSize after reopen = %d, want > 0", d2.TotalSize())
	}
}

func TestStoreStateRoundtrip(t *testing.T) {
	d := newTestStore(t)

	if _, ok := d.GetState(stateLastUpdateShown); ok {
		t.Fatal("unexpected state value in fresh store")
	}
	if err := d.SetState(stateLastUpdateShown, []byte("12345")); err != nil {
		t.Fatalf("SetState: %v", err)
	}
	b, ok := d.GetState(stateLastUpdateShown)
	if !ok || string(b) != "12345" {
		t.Fatalf("GetState = %q, %v", b, ok)
	}
}

func TestStoreEntriesOlderThan(t *testing.T) {
	d := newTestStore(t)

	old := testEntry("old")
	old.StoredAt = time.Now().Add(-40 * 24 * time.Hour).Unix()
	fresh := testEntry("fresh")

	if err := d.Put("site-v1", "/old.css", old); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := d.Put("site-v1", "/fresh.css", fresh); err != nil {
		t.Fatalf("Put: %v", err)
	}

	cutoff := time.Now().Add(-30 * 24 * time.Hour).Unix()
	got := d.EntriesOlderThan("site-v1", cutoff)
	if !reflect.DeepEqual(got, []string{"/old.css"}) {
		t.Errorf("EntriesOlderThan = %v, want [/old.css]", got)
	}
}
