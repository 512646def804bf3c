package task

import (
	"path"
	"runtime"
	"strings"
)

// lockTable is the global file-level exclusion table. It is owned by the
// task registry and mutated only under the registry's lock.
type lockTable struct {
	held map[string]string // canonical path -> holding task id
}

func newLockTable() *lockTable {
	return &lockTable{held: make(map[string]string)}
}

// tryAcquire takes exclusive locks on every path for the task, or none of
// them. On conflict it reports the first conflicting path and holder.
func (lt *lockTable) tryAcquire(taskID string, paths []string) (conflictPath, holder string, ok bool) {
	canonical := make([]string, 0, len(paths))
	for _, p := range paths {
		c := canonicalPath(p)
		if owner, taken := lt.held[c]; taken && owner != taskID {
			return c, owner, false
		}
		canonical = append(canonical, c)
	}
	for _, c := range canonical {
		lt.held[c] = taskID
	}
	return "", "", true
}

// release drops every lock held by the task and returns the freed paths.
func (lt *lockTable) release(taskID string) []string {
	var freed []string
	for p, owner := range lt.held {
		if owner == taskID {
			delete(lt.held, p)
			freed = append(freed, p)
		}
	}
	return freed
}

// holder returns the task holding a path, if any.
func (lt *lockTable) holder(p string) (string, bool) {
	owner, ok := lt.held[canonicalPath(p)]
	return owner, ok
}

// canonicalPath normalizes a path for lock comparison: dot segments are
// resolved, repeated slashes collapse, and on case-insensitive systems the
// path is lowercased.
func canonicalPath(p string) string {
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		cleaned = strings.ToLower(cleaned)
	}
	return cleaned
}
