// Package provisioning supplies the first-boot seed content written into
// an empty Settings Store: an SSID, a password, and the remote service's
// shared secret, baked in at compile time via go:embed.
package provisioning

import (
	_ "embed"
	"strings"
)

var (
	//go:embed ssid1.text
	ssid1 string
	//go:embed pass1.text
	pass1 string
	//go:embed update_secret.text
	updateSecret string
)

// SSID returns the contents of ssid1.text predefined at build time.
// This package is NOT meant to be imported outside of first-boot
// provisioning in this repo's own examples.
//
// Deprecated: marked as deprecated so IDEs warn users against its use.
// Real deployments should provision WiFi credentials and the remote
// service's shared secret over the authenticated remote channel or a
// setup tool, not bake them into the firmware image.
func SSID() string { return strings.TrimSpace(ssid1) }

// Password returns the contents of pass1.text predefined at build time.
//
// Deprecated: see SSID.
func Password() string { return strings.TrimSpace(pass1) }

// UpdateSecret returns the contents of update_secret.text predefined at
// build time.
//
// Deprecated: see SSID.
func UpdateSecret() string { return strings.TrimSpace(updateSecret) }

// SeedBlob assembles the embedded values into the key=value lines
// settings.Parse expects, ready to be written into a freshly-erased,
// otherwise empty Settings Store.
func SeedBlob() []byte {
	var b strings.Builder
	if s := SSID(); s != "" {
		b.WriteString("ssid1=")
		b.WriteString(s)
		b.WriteByte('\n')
	}
	if p := Password(); p != "" {
		b.WriteString("pass1=")
		b.WriteString(p)
		b.WriteByte('\n')
	}
	if s := UpdateSecret(); s != "" {
		b.WriteString("update_secret=")
		b.WriteString(s)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
