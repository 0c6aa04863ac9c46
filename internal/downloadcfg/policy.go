package downloadcfg

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// CollisionPolicy defines how to handle existing target files.
// Values: "error" | "overwrite" | "rename".
type CollisionPolicy string

const (
	CollisionError     CollisionPolicy = "error"
	CollisionOverwrite CollisionPolicy = "overwrite"
	CollisionRename    CollisionPolicy = "rename"
)

// maxRenameAttempts bounds the suffix search for CollisionRename.
const maxRenameAttempts = 10000

var ErrExists = errors.New("destination already exists")

// ParseCollisionPolicy converts a string to a CollisionPolicy with default.
func ParseCollisionPolicy(s string) CollisionPolicy {
	switch CollisionPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case CollisionOverwrite:
		return CollisionOverwrite
	case CollisionError:
		return CollisionError
	case CollisionRename:
		fallthrough
	default:
		return CollisionRename
	}
}

// Resolve returns the path a finished download should be moved to. With
// CollisionRename the name gets a numeric suffix before its extension
// ("movie_1.mkv") until exists reports a free slot.
func Resolve(want string, policy CollisionPolicy, exists func(string) bool) (string, error) {
	if !exists(want) {
		return want, nil
	}
	switch policy {
	case CollisionOverwrite:
		return want, nil
	case CollisionRename:
		dir, file := filepath.Split(want)
		ext := filepath.Ext(file)
		base := strings.TrimSuffix(file, ext)
		for i := 1; i <= maxRenameAttempts; i++ {
			cand := filepath.Join(dir, fmt.Sprintf("%s_%d%s", base, i, ext))
			if !exists(cand) {
				return cand, nil
			}
		}
		return "", fmt.Errorf("%s: no free name after %d attempts: %w", want, maxRenameAttempts, ErrExists)
	default:
		return "", fmt.Errorf("%s: %w", want, ErrExists)
	}
}
