package secrets

import (
	"context"
	"fmt"
	"os"
)

// EnvProvider resolves references from the process environment, with an
// optional variable-name prefix.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment provider. prefix is prepended to
// every reference when looking up the variable.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Name implements Provider.
func (p *EnvProvider) Name() string { return "env" }

// Resolve reads prefix+ref from the environment. An unset variable is an
// error; an empty value is returned as-is.
func (p *EnvProvider) Resolve(_ context.Context, ref string, _ Options) (string, error) {
	name := p.prefix + ref
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", name)
	}
	return value, nil
}
