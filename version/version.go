// Package version reports the running build, read from the module
// information embedded in the binary.
package version

import "runtime/debug"

// Info describes the running build.
type Info struct {
	Version   string `json:"version"`
	GoVersion string `json:"go_version"`
}

// Get reads build information from the binary. Binaries built outside
// module mode report "dev".
func Get() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Info{Version: "dev", GoVersion: "unknown"}
	}

	v := info.Main.Version
	if v == "" || v == "(devel)" {
		v = "dev"
	}
	return Info{Version: v, GoVersion: info.GoVersion}
}

// Dependency returns the resolved version of one module dependency, or
// an empty string when the module is not linked in.
func Dependency(modulePath string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			if dep.Replace != nil {
				return dep.Replace.Version
			}
			return dep.Version
		}
	}
	return ""
}
