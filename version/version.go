// Package version exposes the build metadata embedded by the Go toolchain.
package version

import (
	"runtime/debug"
	"sort"
)

// DependencyInfo is one module dependency of the running binary.
type DependencyInfo struct {
	Path    string `json:"path"`
	Version string `json:"version"`
	Replace string `json:"replace,omitempty"`
}

// BuildInfo is the build-time information reported on the health endpoints.
type BuildInfo struct {
	GoVersion    string           `json:"go_version"`
	MainModule   string           `json:"main_module"`
	MainVersion  string           `json:"main_version"`
	Dependencies []DependencyInfo `json:"dependencies"`
}

// GetBuildInfo reads the module information embedded at build time. A binary
// built without module support reports "unknown" throughout.
func GetBuildInfo() *BuildInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return &BuildInfo{
			GoVersion:    "unknown",
			MainModule:   "unknown",
			MainVersion:  "unknown",
			Dependencies: []DependencyInfo{},
		}
	}

	build := &BuildInfo{
		GoVersion:    info.GoVersion,
		MainModule:   info.Path,
		MainVersion:  mainVersion(info),
		Dependencies: make([]DependencyInfo, 0, len(info.Deps)),
	}
	for _, dep := range info.Deps {
		entry := DependencyInfo{Path: dep.Path, Version: dep.Version}
		if dep.Replace != nil {
			entry.Replace = dep.Replace.Path + "@" + dep.Replace.Version
		}
		build.Dependencies = append(build.Dependencies, entry)
	}
	sort.Slice(build.Dependencies, func(i, j int) bool {
		return build.Dependencies[i].Path < build.Dependencies[j].Path
	})
	return build
}

// GetDependency returns version information for one dependency, or nil when
// the module is not linked in.
func GetDependency(modulePath string) *DependencyInfo {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return nil
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			entry := &DependencyInfo{Path: dep.Path, Version: dep.Version}
			if dep.Replace != nil {
				entry.Replace = dep.Replace.Path + "@" + dep.Replace.Version
			}
			return entry
		}
	}
	return nil
}

func mainVersion(info *debug.BuildInfo) string {
	if info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "dev"
	}
	return info.Main.Version
}
