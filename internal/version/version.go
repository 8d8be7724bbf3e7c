package version

// Version is overridden at build time with -ldflags "-X copilot2api-go/internal/version.Version=...".
var Version = "dev"
