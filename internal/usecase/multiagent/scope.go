package multiagent

import (
	"fmt"
	"strings"

	"orchestra-ai/internal/domain"
)

// withinPrefix reports whether p equals prefix or lies beneath it. Matching is
// segment-aware: "/src" covers "/src/a" but not "/srcfoo". Both arguments must
// already be cleaned.
func withinPrefix(p, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(p, "/")
	}
	if prefix == "." {
		return !strings.HasPrefix(p, "/") && p != ".." && !strings.HasPrefix(p, "../")
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// checkScope enforces the agent's path restrictions for a requested path.
// The path must lie under an allowed prefix, so an agent with an empty
// allow-list accepts no path. Forbidden prefixes take precedence.
func checkScope(def domain.AgentDefinition, requested string) error {
	p := cleanPath(requested)

	for _, f := range def.ForbiddenPaths {
		if withinPrefix(p, f) {
			return domain.NewSubSystemError("dispatcher", "Dispatcher.checkScope", domain.ErrPathNotAllowed,
				fmt.Sprintf("agent %s: %s is under forbidden prefix %s", def.ID, p, f))
		}
	}
	for _, a := range def.AllowedPaths {
		if withinPrefix(p, a) {
			return nil
		}
	}
	return domain.NewSubSystemError("dispatcher", "Dispatcher.checkScope", domain.ErrPathNotAllowed,
		fmt.Sprintf("agent %s: %s is outside allowed paths", def.ID, p))
}
