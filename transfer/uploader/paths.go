package uploader

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
)

// ExpandPatterns resolves glob patterns into concrete file paths for
// callers assembling an ingestion request. Non-pattern entries pass
// through untouched, patterns without a match are skipped with a warning.
func ExpandPatterns(patterns []string, pathModifier pathutil.PathModifier, logger log.Logger) ([]string, error) {
	var expandedPaths []string
	for _, pattern := range patterns {
		if !strings.Contains(pattern, "*") {
			expandedPaths = append(expandedPaths, pattern)
			continue
		}

		base, glob := doublestar.SplitPattern(pattern)
		absBase, err := pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), glob, doublestar.WithNoFollow())
		if err != nil {
			logger.Warnf("Error in path pattern '%s': %s", pattern, err)
			continue
		}
		if len(matches) == 0 {
			logger.Warnf("No match for path pattern: %s", pattern)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	return expandedPaths, nil
}
