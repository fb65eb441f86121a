package version

// Name is the service name reported by /health and secctl.
const Name = "BookGuard"

var (
	Version   = "0.1.0"
	BuildTime = "unknown" // set via ldflags
	GitCommit = "unknown" // set via ldflags
)

// Full returns the version with build metadata when it was stamped.
func Full() string {
	if BuildTime == "unknown" || GitCommit == "unknown" {
		return Version
	}
	return Version + " (commit: " + GitCommit + ", built: " + BuildTime + ")"
}

// UserAgent identifies outbound requests (CAPTCHA verification, webhooks).
func UserAgent() string {
	return Name + "/" + Version
}
