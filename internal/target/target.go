// Package target discovers the simulators and devices an app can be run on.
package target

import (
	"strconv"
	"strings"
)

// Kind says which backend owns a target.
type Kind string

const (
	KindEmulated Kind = "emulated"
	KindPhysical Kind = "physical"
)

// Target is a run destination from one catalog snapshot.
type Target struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Kind      Kind   `json:"kind"`
	State     string `json:"state"`
	Platform  string `json:"platform"`
	OSVersion string `json:"osVersion"`
	Available bool   `json:"available"`
}

// IsEmulated reports whether t is a simulator.
func (t Target) IsEmulated() bool {
	return t.Kind == KindEmulated
}

// IsBooted reports whether the backend says t is running.
func (t Target) IsBooted() bool {
	return strings.EqualFold(t.State, "Booted")
}

// Label is a short human readable description, e.g. "iPhone 15 (iOS 17.2)".
func (t Target) Label() string {
	if t.OSVersion == "" {
		return t.Name
	}
	return t.Name + " (" + strings.TrimSpace(t.Platform+" "+t.OSVersion) + ")"
}

// version is a numeric major.minor pair; missing parts are zero.
type version struct {
	major, minor int
}

func parseVersion(s string) version {
	parts := strings.SplitN(strings.TrimSpace(s), ".", 3)
	var v version
	if len(parts) > 0 {
		v.major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		v.minor, _ = strconv.Atoi(parts[1])
	}
	return v
}

func (v version) compare(o version) int {
	switch {
	case v.major != o.major:
		return v.major - o.major
	default:
		return v.minor - o.minor
	}
}
