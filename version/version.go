// Package version provides utilities for extracting build and dependency information
package version

import (
	"runtime/debug"
)

const modulePath = "zrm.evalgo.org"

// GetZRMVersion returns the version of the ZRM module being used.
// Returns "dev" for a devel build of the module itself and "unknown" if ZRM
// is not found in the dependency graph.
func GetZRMVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	// Check if this IS the ZRM module
	if info.Main.Path == modulePath {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
		return "dev"
	}

	// Otherwise, look for ZRM in dependencies
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			if dep.Replace != nil {
				return dep.Replace.Version + " (replaced)"
			}
			return dep.Version
		}
	}

	return "unknown"
}

// GetDependency returns the resolved version of a specific dependency, or
// the empty string when the module is not part of the build.
func GetDependency(path string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}

	for _, dep := range info.Deps {
		if dep.Path == path {
			if dep.Replace != nil {
				return dep.Replace.Path + "@" + dep.Replace.Version
			}
			return dep.Version
		}
	}

	return ""
}
