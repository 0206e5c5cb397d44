package build

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const genericFailure = "build failed"

var (
	phaseRe  = regexp.MustCompile(`^(CodeSign|Compile|Link|Copy|Process|Sign|Build|Analyze)`)
	errorRe  = regexp.MustCompile(`(?m)error:[ \t]*(.+?)[ \t\r]*$`)
	escapeRe = regexp.MustCompile(`\\(.)`)
)

// phaseOf returns the build phase keyword a line starts with, or "".
func phaseOf(line string) string {
	m := phaseRe.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return m[1]
}

// phaseTracker reports only phase transitions.
type phaseTracker struct {
	current string
}

func (p *phaseTracker) observe(line string) (string, bool) {
	phase := phaseOf(line)
	if phase == "" || phase == p.current {
		return "", false
	}
	p.current = phase
	return phase, true
}

// extractError returns the first "error: <message>" text in stderr.
func extractError(stderr string) string {
	m := errorRe.FindStringSubmatch(stderr)
	if m == nil || m[1] == "" {
		return genericFailure
	}
	return m[1]
}

// appPathFromOutput finds the built .app for scheme in xcodebuild stdout.
// The path must start a word, so a path containing an unescaped space is
// skipped rather than cut short. Backslash-escaped and quoted paths are
// returned unescaped.
func appPathFromOutput(stdout, scheme string) string {
	tail := `-iphone(?:simulator|os)/` + regexp.QuoteMeta(scheme) + `\.app`
	re, err := regexp.Compile(`(?m)(?:^|[\s=(])(/(?:\\.|[^\s"'\\])*` + tail + `)(?:[\s"':,)]|$)` +
		`|"(/[^"\n]*` + tail + `)"` +
		`|'(/[^'\n]*` + tail + `)'`)
	if err != nil {
		return ""
	}
	m := re.FindStringSubmatch(stdout)
	if m == nil {
		return ""
	}
	switch {
	case m[1] != "":
		return escapeRe.ReplaceAllString(m[1], "$1")
	case m[2] != "":
		return m[2]
	}
	return m[3]
}

// appPathInDerivedData looks for <root>/<Scheme|Project>-<hash>/Build/Products/<dir>/<Scheme>.app,
// newest build folder first.
func appPathInDerivedData(root string, prefixes []string, productDir, scheme string) string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return ""
	}

	type candidate struct {
		path    string
		modTime int64
	}
	var candidates []candidate
	for _, e := range entries {
		if !e.IsDir() || !hasAnyPrefix(e.Name(), prefixes) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{
			path:    filepath.Join(root, e.Name()),
			modTime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].modTime > candidates[j].modTime
	})

	for _, c := range candidates {
		app := canonicalAppPath(c.path, productDir, scheme)
		if _, err := os.Stat(app); err == nil {
			return app
		}
	}
	return ""
}

func canonicalAppPath(derivedData, productDir, scheme string) string {
	return filepath.Join(derivedData, "Build", "Products", productDir, scheme+".app")
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(name, p+"-") {
			return true
		}
	}
	return false
}

// DefaultDerivedDataRoot is Xcode's default build output root.
func DefaultDerivedDataRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Developer", "Xcode", "DerivedData")
}
