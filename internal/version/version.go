package version

// Value is overridden at build time with -ldflags "-X .../internal/version.Value=v1.2.3".
var Value = "dev"
