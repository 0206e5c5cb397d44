package build

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoProject is returned when a directory holds no Xcode project or workspace.
var ErrNoProject = errors.New("no .xcworkspace or .xcodeproj found")

// DiscoverProject locates the project to build. path may name a project or
// workspace directly, or a directory containing one. A workspace wins over a
// project; ties are broken by name.
func DiscoverProject(path string) (Project, error) {
	switch filepath.Ext(path) {
	case ".xcworkspace":
		return Project{Path: path, Kind: KindWorkspace}, nil
	case ".xcodeproj":
		return Project{Path: path, Kind: KindProject}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return Project{}, fmt.Errorf("discover project: %w", err)
	}
	var workspaces, projects []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".xcworkspace":
			workspaces = append(workspaces, e.Name())
		case ".xcodeproj":
			projects = append(projects, e.Name())
		}
	}
	sort.Strings(workspaces)
	sort.Strings(projects)

	if len(workspaces) > 0 {
		return Project{Path: filepath.Join(path, workspaces[0]), Kind: KindWorkspace}, nil
	}
	if len(projects) > 0 {
		return Project{Path: filepath.Join(path, projects[0]), Kind: KindProject}, nil
	}
	return Project{}, fmt.Errorf("%w in %s", ErrNoProject, path)
}
