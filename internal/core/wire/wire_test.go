package wire

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDevices(t *testing.T) {
	doc := `<?xml version="1.0" encoding="UTF-8"?>
<devices>
  <device id="1">
    <device_name>Front door</device_name>
    <protocol>IP-RTSP</protocol>
    <resolutionX>1920</resolutionX>
  </device>
  <note>ignored</note>
  <device id="2"><device_name>Garage</device_name></device>
</devices>`

	list, err := ParseDevices([]byte(doc))
	if err != nil {
		t.Fatalf("ParseDevices: %v", err)
	}
	want := []DeviceEntry{
		{ID: 1, Fields: map[string]string{"device_name": "Front door", "protocol": "IP-RTSP", "resolutionX": "1920"}},
		{ID: 2, Fields: map[string]string{"device_name": "Garage"}},
	}
	if diff := cmp.Diff(want, list.Entries); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	if len(list.Rejected) != 0 {
		t.Errorf("unexpected rejected entries: %v", list.Rejected)
	}
}

func TestParseDevicesEmptyContainer(t *testing.T) {
	list, err := ParseDevices([]byte(`<devices/>`))
	if err != nil {
		t.Fatalf("ParseDevices: %v", err)
	}
	if len(list.Entries) != 0 {
		t.Errorf("entries = %v, want none", list.Entries)
	}
}

func TestParseDevicesRejectsBadEntries(t *testing.T) {
	doc := `<devices>
  <device><device_name>no id</device_name></device>
  <device id="abc"/>
  <device id="-4"/>
  <device id="5"><device_name>ok</device_name></device>
  <device id="6"><device_name><b>nested</b></device_name></device>
</devices>`

	list, err := ParseDevices([]byte(doc))
	if err != nil {
		t.Fatalf("ParseDevices: %v", err)
	}
	if len(list.Rejected) != 3 {
		t.Fatalf("rejected = %d, want 3: %v", len(list.Rejected), list.Rejected)
	}
	for _, r := range list.Rejected {
		if !errors.Is(r, ErrMalformedEntry) {
			t.Errorf("%v does not wrap ErrMalformedEntry", r)
		}
	}
	if got := list.Rejected[1].ID; got != "abc" {
		t.Errorf("rejected[1].ID = %q, want abc", got)
	}
	if len(list.Entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(list.Entries))
	}
	if list.Entries[0].ID != 5 || list.Entries[0].Err != nil {
		t.Errorf("entry 5 = %+v", list.Entries[0])
	}
	if list.Entries[1].ID != 6 || !errors.Is(list.Entries[1].Err, ErrMalformedEntry) {
		t.Errorf("entry 6 should carry a malformed-entry error, got %+v", list.Entries[1])
	}
}

func TestParseDevicesMalformedDocument(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ``},
		{"no devices element", `<cameras><device id="1"/></cameras>`},
		{"truncated", `<devices><device id="1"><device_name>x</device_name>`},
		{"broken markup", `<devices><device id="1"></devices>`},
		{"not xml", `<html>500 internal error`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDevices([]byte(tt.doc))
			if !errors.Is(err, ErrMalformedDocument) {
				t.Fatalf("err = %v, want ErrMalformedDocument", err)
			}
		})
	}
}

func TestParseStats(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want Stats
	}{
		{
			name: "message only",
			doc:  `<stats><message>Disk almost full</message></stats>`,
			want: Stats{HasMessage: true, Message: "Disk almost full", Values: map[string]string{}},
		},
		{
			name: "last non-empty message wins",
			doc:  `<stats><message>first</message><message>second</message><message></message></stats>`,
			want: Stats{HasMessage: true, Message: "second", Values: map[string]string{}},
		},
		{
			name: "server down",
			doc:  `<stats><message>OK</message><bc-server-running> down </bc-server-running></stats>`,
			want: Stats{HasMessage: true, Message: "OK", ServerDown: true, Values: map[string]string{}},
		},
		{
			name: "values collected",
			doc:  `<stats><CPUUsagePercent> 12 </CPUUsagePercent><bc-server-running>up</bc-server-running></stats>`,
			want: Stats{Values: map[string]string{"CPUUsagePercent": "12"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStats([]byte(tt.doc))
			if err != nil {
				t.Fatalf("ParseStats: %v", err)
			}
			if diff := cmp.Diff(&tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseStatsMalformed(t *testing.T) {
	for _, doc := range []string{``, `<status/>`, `<stats><message>x</stats>`} {
		if _, err := ParseStats([]byte(doc)); !errors.Is(err, ErrMalformedDocument) {
			t.Errorf("ParseStats(%q) err = %v, want ErrMalformedDocument", doc, err)
		}
	}
}
