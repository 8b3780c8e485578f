package worker

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
)

// fileFilter selects which produced files are uploaded.
type fileFilter struct {
	include []string
	exclude []string
}

func newFileFilter(include, exclude []string) (*fileFilter, error) {
	for _, p := range append(append([]string{}, include...), exclude...) {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid glob pattern %q", p)
		}
	}
	return &fileFilter{include: include, exclude: exclude}, nil
}

// Match reports whether the slash-separated relative path should be kept.
// An empty include list keeps everything not excluded.
func (f *fileFilter) Match(rel string) bool {
	if len(f.include) > 0 && !matchAny(f.include, rel) {
		return false
	}
	return !matchAny(f.exclude, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}
