package version

// Version is set at build time via -ldflags.
var Version = "0.0.0-dev"
