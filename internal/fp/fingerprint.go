package fp

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// NormalizePath trims whitespace and cleans the remote path into an
// absolute, slash-separated form. Remote paths are case-sensitive.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return p
	}
	return path.Clean("/" + strings.ReplaceAll(p, `\`, "/"))
}

// NormalizeDestination trims whitespace. An empty destination means memory.
func NormalizeDestination(d string) string {
	d = strings.TrimSpace(d)
	if d == "" {
		return "memory"
	}
	return d
}

// Fingerprint computes a stable hex-encoded SHA-256 over the task kind and
// the normalized path and destination. Two live tasks with the same
// fingerprint would race on the same remote object.
func Fingerprint(kind, remotePath, destination string) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(kind)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizePath(remotePath)))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeDestination(destination)))
	return hex.EncodeToString(h.Sum(nil))
}
