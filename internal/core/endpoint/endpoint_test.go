package endpoint

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/trymwestin/dvrsession/internal/core/state"
	"github.com/trymwestin/dvrsession/internal/settings"
)

type recorder struct{ events []state.Event }

func (r *recorder) Publish(evt state.Event) { r.events = append(r.events, evt) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNormalizePort(t *testing.T) {
	for in, want := range map[int]int{0: 7001, -3: 7001, 7001: 7001, 443: 443} {
		if got := NormalizePort(in); got != want {
			t.Errorf("NormalizePort(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	e := Load(1, settings.NewMemoryStore(), &recorder{}, discard())
	if e.ServerPort() != DefaultPort || e.StreamPort() != DefaultPort+1 {
		t.Errorf("ports = %d/%d", e.ServerPort(), e.StreamPort())
	}
	if !e.AutoConnect() {
		t.Error("auto connect should default to true")
	}
	if e.CanAutoConnect() {
		t.Error("CanAutoConnect without hostname and username")
	}
}

func TestSettersPersistAndNotify(t *testing.T) {
	store := settings.NewMemoryStore()
	rec := &recorder{}
	e := Load(4, store, rec, discard())

	e.SetDisplayName("Warehouse")
	e.SetDisplayName("Warehouse")
	e.SetHostname("10.1.1.2")
	e.SetPort(0)
	e.SetUsername("admin")
	e.SetPassword("secret")
	e.SetAutoConnect(false)

	if len(rec.events) != 6 {
		t.Fatalf("changed events = %d, want 6 (unchanged name is a no-op)", len(rec.events))
	}
	for _, evt := range rec.events {
		if evt.Type != state.EventChanged || evt.ServerID != 4 {
			t.Errorf("unexpected event %+v", evt)
		}
	}

	reloaded := Load(4, store, rec, discard())
	want := Info{
		ID:          4,
		DisplayName: "Warehouse",
		Hostname:    "10.1.1.2",
		Port:        7001,
		StreamPort:  7002,
		Username:    "admin",
		AutoConnect: false,
	}
	if diff := cmp.Diff(want, reloaded.Info()); diff != "" {
		t.Errorf("reloaded info (-want +got):\n%s", diff)
	}
	if reloaded.Password() != "secret" {
		t.Error("password not persisted")
	}
	if store.Read(4, settings.KeyPort, "") != "7001" {
		t.Errorf("stored port = %q, want normalized 7001", store.Read(4, settings.KeyPort, ""))
	}
}

func TestCanAutoConnect(t *testing.T) {
	e := Load(1, settings.NewMemoryStore(), &recorder{}, discard())
	e.SetHostname("dvr")
	if e.CanAutoConnect() {
		t.Error("missing username should block auto connect")
	}
	e.SetUsername("admin")
	if !e.CanAutoConnect() {
		t.Error("expected auto connect")
	}
	e.SetAutoConnect(false)
	if e.CanAutoConnect() {
		t.Error("flag off should block auto connect")
	}
}

func TestPinnedDigest(t *testing.T) {
	e := Load(1, settings.NewMemoryStore(), &recorder{}, discard())
	if e.PinnedDigest() != nil {
		t.Fatal("fresh endpoint has a pinned digest")
	}
	d := []byte{0xde, 0xad, 0xbe, 0xef}
	e.SetPinnedDigest(d)
	if !bytes.Equal(e.PinnedDigest(), d) {
		t.Errorf("PinnedDigest = %x", e.PinnedDigest())
	}
	if e.Info().PinnedDigest != "deadbeef" {
		t.Errorf("Info digest = %q", e.Info().PinnedDigest)
	}
	e.SetPinnedDigest(nil)
	if e.PinnedDigest() != nil {
		t.Error("digest not cleared")
	}
}

type failingStore struct{ *settings.MemoryStore }

func (failingStore) Write(int, string, string) error { return errors.New("disk full") }

func TestStoreFailureKeepsMemoryValue(t *testing.T) {
	rec := &recorder{}
	e := Load(1, failingStore{settings.NewMemoryStore()}, rec, discard())
	e.SetHostname("dvr.local")
	if e.Hostname() != "dvr.local" {
		t.Errorf("Hostname = %q, want in-memory value", e.Hostname())
	}
	if len(rec.events) != 1 {
		t.Errorf("events = %d, want 1", len(rec.events))
	}
}

func TestRemove(t *testing.T) {
	store := settings.NewMemoryStore()
	rec := &recorder{}
	e := Load(2, store, rec, discard())
	e.SetHostname("dvr")
	rec.events = nil

	e.Remove()
	if len(store.IDs()) != 0 {
		t.Errorf("settings not erased: %v", store.IDs())
	}
	if len(rec.events) != 1 || rec.events[0].Type != state.EventServerRemoved {
		t.Errorf("events = %+v", rec.events)
	}
}
