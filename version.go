package tricortex

// Version information for the tricortex fabric
const (
	// Version is the current fabric version
	Version = "development"

	// APIVersion is the current API version
	APIVersion = "v1alpha1"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
