package process

import (
	"fmt"
	"os"
	"strings"
)

// DefaultBinaryCandidates are searched in order: a local debug build
// first, then the release build inside the container image.
var DefaultBinaryCandidates = []string{
	"target/debug/syncserver",
	"/app/bin/syncserver",
}

// LocateError is returned when no candidate binary exists.
type LocateError struct {
	Candidates []string
}

func (e *LocateError) Error() string {
	return fmt.Sprintf("server binary not found (searched: %s)", strings.Join(e.Candidates, ", "))
}

// Locate returns the first candidate that is an executable regular file.
func Locate(candidates ...string) (string, error) {
	if len(candidates) == 0 {
		candidates = DefaultBinaryCandidates
	}
	for _, c := range candidates {
		if c == "" {
			continue
		}
		info, err := os.Stat(c)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if info.Mode().Perm()&0o111 == 0 {
			continue
		}
		return c, nil
	}
	return "", &LocateError{Candidates: append([]string(nil), candidates...)}
}
