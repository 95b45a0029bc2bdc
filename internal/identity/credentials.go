package identity

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvCredentials resolves "env:NAME" references from the process
// environment. Secret material stays out of config files and pool
// state; only the reference travels with the identity.
type EnvCredentials struct{}

func (EnvCredentials) Resolve(_ context.Context, credentialRef string) (string, error) {
	name, ok := strings.CutPrefix(credentialRef, "env:")
	if !ok {
		return "", fmt.Errorf("credential ref %q: expected env:NAME", credentialRef)
	}
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return "", fmt.Errorf("credential env %s is not set", name)
	}
	return v, nil
}
