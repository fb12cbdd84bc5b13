// Package buildinfo carries values stamped at link time with
// -ldflags "-X roadside/internal/buildinfo.Version=...".
package buildinfo

import "runtime"

var (
	Version = "dev"
	Commit  = ""
	BuiltAt = ""
)

func Info() map[string]string {
	return map[string]string{
		"version":   Version,
		"commit":    Commit,
		"builtAt":   BuiltAt,
		"goVersion": runtime.Version(),
	}
}

// String is the one-line form printed by the version command.
func String() string {
	s := Version
	if Commit != "" {
		s += " (" + Commit + ")"
	}
	if BuiltAt != "" {
		s += " built " + BuiltAt
	}
	return s
}
