package target

import (
	"bufio"
	"bytes"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	runtimeRe = regexp.MustCompile(`SimRuntime\.([A-Za-z]+)-(\d+)(?:-(\d+))?`)
	legacyRe  = regexp.MustCompile(`^(.+?) \(([0-9][0-9.]*)\) \(([0-9A-Za-z-]+)\)$`)
)

// legacyExcludeKeyword marks simulator lines in xctrace output.
const legacyExcludeKeyword = "Simulator"

// parseSimctl reads `simctl list devices --json` output. Unavailable and
// malformed entries are dropped.
func parseSimctl(data []byte) []Target {
	if !gjson.ValidBytes(data) {
		return nil
	}
	devices := gjson.GetBytes(data, "devices")
	if !devices.IsObject() {
		return nil
	}

	var targets []Target
	devices.ForEach(func(runtime, list gjson.Result) bool {
		platform, osVersion := parseRuntime(runtime.String())
		if !list.IsArray() {
			return true
		}
		list.ForEach(func(_, dev gjson.Result) bool {
			if t, ok := simctlTarget(dev, platform, osVersion); ok {
				targets = append(targets, t)
			}
			return true
		})
		return true
	})
	return targets
}

func simctlTarget(dev gjson.Result, platform, osVersion string) (Target, bool) {
	if !dev.IsObject() {
		return Target{}, false
	}
	udid := dev.Get("udid").String()
	name := dev.Get("name").String()
	if udid == "" || name == "" {
		return Target{}, false
	}
	if avail := dev.Get("isAvailable"); avail.Exists() && !avail.Bool() {
		return Target{}, false
	}
	if dev.Get("availabilityError").String() != "" {
		return Target{}, false
	}
	return Target{
		ID:        udid,
		Name:      name,
		Kind:      KindEmulated,
		State:     dev.Get("state").String(),
		Platform:  platform,
		OSVersion: osVersion,
		Available: true,
	}, true
}

// parseRuntime turns "com.apple.CoreSimulator.SimRuntime.iOS-17-2" into ("iOS", "17.2").
func parseRuntime(key string) (platform, osVersion string) {
	m := runtimeRe.FindStringSubmatch(key)
	if m == nil {
		return "", ""
	}
	osVersion = m[2]
	if m[3] != "" {
		osVersion += "." + m[3]
	}
	return m[1], osVersion
}

// parseDevicectl reads the JSON file written by `devicectl list devices --json-output`.
func parseDevicectl(data []byte) []Target {
	if !gjson.ValidBytes(data) {
		return nil
	}
	devices := gjson.GetBytes(data, "result.devices")
	if !devices.IsArray() {
		return nil
	}

	var targets []Target
	devices.ForEach(func(_, dev gjson.Result) bool {
		id := dev.Get("hardwareProperties.udid").String()
		if id == "" {
			id = dev.Get("identifier").String()
		}
		name := dev.Get("deviceProperties.name").String()
		if id == "" || name == "" {
			return true
		}
		state := dev.Get("connectionProperties.tunnelState").String()
		if state == "unavailable" {
			return true
		}
		platform := dev.Get("hardwareProperties.platform").String()
		if platform == "" {
			platform = "iOS"
		}
		targets = append(targets, Target{
			ID:        id,
			Name:      name,
			Kind:      KindPhysical,
			State:     state,
			Platform:  platform,
			OSVersion: dev.Get("deviceProperties.osVersionNumber").String(),
			Available: true,
		})
		return true
	})
	return targets
}

// parseXctrace reads `xctrace list devices` text output, keeping only physical
// devices of the form "<name> (<version>) (<identifier>)".
func parseXctrace(data []byte) []Target {
	var targets []Target
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "== Simulators") {
			break
		}
		if strings.Contains(line, legacyExcludeKeyword) {
			continue
		}
		m := legacyRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		targets = append(targets, Target{
			ID:        m[3],
			Name:      m[1],
			Kind:      KindPhysical,
			State:     "connected",
			Platform:  "iOS",
			OSVersion: m[2],
			Available: true,
		})
	}
	return targets
}
