package store

import (
	"fmt"
	"strings"
)

// Open selects a backend from a SESSION_STORE value: "" or "file" uses the
// session file at path, "memory" keeps values in process, and a redis:// or
// rediss:// URL uses Redis.
func Open(backend, path, profile string) (Store, error) {
	switch {
	case backend == "" || backend == "file":
		return NewFile(path, profile), nil
	case backend == "memory":
		return NewMemory(), nil
	case strings.HasPrefix(backend, "redis://"), strings.HasPrefix(backend, "rediss://"):
		return OpenRedis(backend, profile)
	default:
		return nil, fmt.Errorf("unsupported session store %q", backend)
	}
}
