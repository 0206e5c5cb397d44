package build

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"devrun/internal/proc"
)

// ErrNoSchemes is returned when a project lists no schemes.
var ErrNoSchemes = errors.New("no schemes found")

// ListSchemes asks xcodebuild for the schemes of project.
func (s *Session) ListSchemes(ctx context.Context, project Project) ([]string, error) {
	out, err := s.runner.Run(ctx, proc.Command{
		Name: "xcodebuild",
		Args: []string{"-list", "-json", project.flag(), project.Path},
	})
	if err != nil {
		return nil, fmt.Errorf("list schemes: %w", err)
	}
	schemes := parseSchemes(out.Stdout)
	if len(schemes) == 0 {
		return nil, ErrNoSchemes
	}
	return schemes, nil
}

func parseSchemes(data []byte) []string {
	if !gjson.ValidBytes(data) {
		return nil
	}
	res := gjson.GetBytes(data, "project.schemes")
	if !res.Exists() {
		res = gjson.GetBytes(data, "workspace.schemes")
	}
	var schemes []string
	for _, v := range res.Array() {
		if name := v.String(); name != "" {
			schemes = append(schemes, name)
		}
	}
	return schemes
}

// PickScheme returns the scheme to build without asking: the sole scheme when
// autoPick is set. ok is false when the caller has to choose.
func PickScheme(schemes []string, autoPick bool) (scheme string, ok bool) {
	if autoPick && len(schemes) == 1 {
		return schemes[0], true
	}
	return "", false
}
