package provisioning

import (
	"strings"
	"testing"

	"openenterprise/wifimgr/settings"
)

func TestSeedBlobParsesIntoStore(t *testing.T) {
	blob := SeedBlob()
	store := settings.Parse(blob)
	if v, ok := store.Lookup("ssid1"); !ok || v != SSID() {
		t.Fatalf("ssid1 = %q, %v", v, ok)
	}
	if v, ok := store.Lookup("update_secret"); !ok || v != UpdateSecret() {
		t.Fatalf("update_secret = %q, %v", v, ok)
	}
	if strings.Contains(SSID(), "\n") {
		t.Fatalf("SSID should be trimmed of trailing newline")
	}
}
