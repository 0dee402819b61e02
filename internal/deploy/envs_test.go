package deploy

import (
	"errors"
	"testing"

	"github.com/orbitdeploy/orbit/internal/hosting"
)

func TestProcessEnvsParsesPairs(t *testing.T) {
	envs, err := ProcessEnvs([]string{"k1=v1", "k2=v2"})
	if err != nil {
		t.Fatalf("ProcessEnvs returned error: %v", err)
	}
	if len(envs) != 2 || envs["k1"] != "v1" || envs["k2"] != "v2" {
		t.Fatalf("unexpected envs: %+v", envs)
	}
}

func TestProcessEnvsAllowsEmptyValueAndEqualsInValue(t *testing.T) {
	envs, err := ProcessEnvs([]string{"EMPTY=", "_KEY=a=b=c"})
	if err != nil {
		t.Fatalf("ProcessEnvs returned error: %v", err)
	}
	if envs["EMPTY"] != "" {
		t.Fatalf("expected empty value allowed, got %q", envs["EMPTY"])
	}
	if envs["_KEY"] != "a=b=c" {
		t.Fatalf("value should keep everything after the first separator, got %q", envs["_KEY"])
	}
}

func TestProcessEnvsRejectsMissingSeparator(t *testing.T) {
	if _, err := ProcessEnvs([]string{"bad"}); !errors.Is(err, hosting.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestProcessEnvsRejectsBadKey(t *testing.T) {
	for _, input := range []string{"1x=v", "a-b=v", "=v"} {
		if _, err := ProcessEnvs([]string{input}); !errors.Is(err, hosting.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument for %q, got %v", input, err)
		}
	}
}
