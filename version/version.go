// Package version carries build metadata injected at link time:
//
//	-ldflags "-X openenterprise/wifimgr/version.Version=... (GitSHA, BuildDate)"
//
// None of the variables have defaults so a binary built without the
// flags is recognizably unstamped.
package version

var (
	Version   string
	GitSHA    string
	BuildDate string
)

// BuildMarker is a hardcoded marker printed at boot; bump it to verify
// the firmware actually flashed is the one just built.
const BuildMarker = "wifimgr-b007"
