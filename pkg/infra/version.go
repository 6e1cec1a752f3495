package infra

import (
	"fmt"
	"runtime"
)

const programName = "fabtx"

var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuiltTime = "unknown"
)

// GetVersionInfo returns the version information of the program
func GetVersionInfo() string {
	return fmt.Sprintf("%s:\n Version: %s\n Go version: %s\n Git commit: %s\n Built: %s\n OS/Arch: %s\n",
		programName,
		Version,
		runtime.Version(),
		CommitSHA,
		BuiltTime,
		fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	)
}
