package pyramid

import (
	"fmt"
	"path/filepath"

	"github.com/blang/semver"
)

// Version is the version of this pipeline software.
var Version = semver.MustParse("0.3.0")

// ConvertToAbsolute returns an absolute path for the given path.  Relative paths
// are interpreted relative to the given directory.
func ConvertToAbsolute(path, relativeTo string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("cannot convert empty path to absolute path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	return filepath.Abs(filepath.Join(relativeTo, path))
}
