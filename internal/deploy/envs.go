package deploy

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/orbitdeploy/orbit/internal/hosting"
)

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ProcessEnvs validates KEY=VALUE pairs and returns them as a map. Values
// may be anything including empty; keys must be identifier-shaped. A single
// malformed entry fails the whole set before any network call.
func ProcessEnvs(envs []string) (map[string]string, error) {
	processed := make(map[string]string, len(envs))
	for _, env := range envs {
		key, value, found := strings.Cut(env, "=")
		if !found {
			return nil, fmt.Errorf("%w: invalid env format %q, should be <key>=<value>", hosting.ErrInvalidArgument, env)
		}
		if !envKeyPattern.MatchString(key) {
			return nil, fmt.Errorf("%w: invalid env name %q, should start with a letter or underscore, followed by letters, digits, or underscores", hosting.ErrInvalidArgument, key)
		}
		processed[key] = value
	}
	return processed, nil
}
