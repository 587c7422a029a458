package camera

import (
	"errors"
	"testing"

	"github.com/trymwestin/dvrsession/internal/core/wire"
)

func TestApply(t *testing.T) {
	c := New(1, 4)
	err := c.Apply(map[string]string{
		"device_name": " Lobby ",
		"protocol":    "IP-RTSP",
		"resolutionX": "1280",
		"resolutionY": "720",
		"disabled":    "1",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if c.Name != "Lobby" || c.Protocol != "IP-RTSP" || c.ResolutionX != 1280 || c.ResolutionY != 720 || !c.Disabled {
		t.Errorf("unexpected camera %+v", c)
	}
	if c.Fields["protocol"] != "IP-RTSP" {
		t.Errorf("raw fields not kept: %v", c.Fields)
	}
}

func TestApplyDefaultsName(t *testing.T) {
	c := New(1, 9)
	if err := c.Apply(map[string]string{}); err != nil {
		t.Fatal(err)
	}
	if c.Name != "Camera 9" {
		t.Errorf("Name = %q", c.Name)
	}
}

func TestApplyRejectsBadNumber(t *testing.T) {
	c := New(1, 2)
	if err := c.Apply(map[string]string{"device_name": "old"}); err != nil {
		t.Fatal(err)
	}

	err := c.Apply(map[string]string{"device_name": "new", "resolutionY": "tall"})
	if !errors.Is(err, wire.ErrMalformedEntry) {
		t.Fatalf("err = %v, want ErrMalformedEntry", err)
	}
	if c.Name != "old" {
		t.Errorf("camera modified by failed Apply: %+v", c)
	}
}

func TestSameAttributes(t *testing.T) {
	a := New(1, 1)
	_ = a.Apply(map[string]string{"device_name": "A"})
	b := a
	b.Online = true
	if !SameAttributes(a, b) {
		t.Error("online flag should not count as an attribute")
	}
	_ = b.Apply(map[string]string{"device_name": "B"})
	if SameAttributes(a, b) {
		t.Error("renamed camera reported as unchanged")
	}
}

func TestStreamURL(t *testing.T) {
	c := New(1, 12)
	if got, want := c.StreamURL("dvr.local", 7002), "rtsp://dvr.local:7002/live/12"; got != want {
		t.Errorf("StreamURL = %q, want %q", got, want)
	}
	if got, want := c.StreamURL("::1", 7002), "rtsp://[::1]:7002/live/12"; got != want {
		t.Errorf("StreamURL = %q, want %q", got, want)
	}
}
