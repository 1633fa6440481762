package build

// DeploymentType selects between the dev and prod flavours of the binaries.
type DeploymentType byte

const (
	// Development builds log every subsystem to stdout when built with
	// the stdlog tag.
	Development DeploymentType = iota

	// Production builds always route logging through the sub-logger
	// manager and the log rotator.
	Production
)

// String returns the name printed in the startup banner.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}
