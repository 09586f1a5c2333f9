package groupcall

import (
	"reflect"
	"testing"
)

func TestFilterValidDevices_DropsExpiredAndMalformed(t *testing.T) {
	now := ms(10_000)

	devices := []DeviceAdvertisement{
		newAdvertisement("D1", "s1", 20_000),
		newAdvertisement("D2", "s2", 5_000),              // expired
		{DeviceID: "", SessionID: "s3", ExpiresTs: 20_000, Feeds: []DeviceFeedEntry{}}, // missing device_id
		{DeviceID: "D4", SessionID: "", ExpiresTs: 20_000, Feeds: []DeviceFeedEntry{}}, // missing session_id
		{DeviceID: "D5", SessionID: "s5", ExpiresTs: 20_000, Feeds: nil},               // feeds not a sequence
	}

	got := filterValidDevices(devices, now)

	if len(got) != 1 || got[0].DeviceID != "D1" {
		t.Fatalf("filterValidDevices = %+v, want only D1", got)
	}
}

// Applying the filter to an already-valid list is the identity (§8).
func TestFilterValidDevices_IdentityOnAlreadyValid(t *testing.T) {
	now := ms(0)

	devices := []DeviceAdvertisement{
		newAdvertisement("D1", "s1", 20_000),
		newAdvertisement("D2", "s2", 30_000),
	}

	got := filterValidDevices(devices, now)

	if !reflect.DeepEqual(got, devices) {
		t.Fatalf("filterValidDevices(valid) = %+v, want identity %+v", got, devices)
	}
}

func TestEntryForCall_SelectsMatchingCallID(t *testing.T) {
	content := MemberCallStateContent{Calls: []MemberCallEntry{
		{CallID: "G", Devices: []DeviceAdvertisement{newAdvertisement("D1", "s1", 1)}},
		{CallID: "H", Devices: []DeviceAdvertisement{newAdvertisement("D2", "s2", 1)}},
	}}

	entry, ok := entryForCall(content, "H")
	if !ok || len(entry.Devices) != 1 || entry.Devices[0].DeviceID != "D2" {
		t.Fatalf("entryForCall(H) = %+v, want the H entry", entry)
	}

	if _, ok := entryForCall(content, "missing"); ok {
		t.Fatal("entryForCall(missing) should report not found")
	}
}

func TestMinExpiresTs(t *testing.T) {
	devices := []DeviceAdvertisement{
		newAdvertisement("D1", "s1", 500),
		newAdvertisement("D2", "s2", 100),
		newAdvertisement("D3", "s3", 300),
	}

	min, ok := minExpiresTs(devices)
	if !ok || min != 100 {
		t.Fatalf("minExpiresTs = %d, ok=%v, want 100, true", min, ok)
	}

	if _, ok := minExpiresTs(nil); ok {
		t.Fatal("minExpiresTs(nil) should report not found")
	}
}
