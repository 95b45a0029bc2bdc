package identity

import (
	"context"
	"testing"
)

func TestEnvCredentials(t *testing.T) {
	t.Setenv("DROVER_TEST_CRED", "hunter2")

	var store CredentialStore = EnvCredentials{}
	got, err := store.Resolve(context.Background(), "env:DROVER_TEST_CRED")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("secret = %q", got)
	}

	if _, err := store.Resolve(context.Background(), "vault:whatever"); err == nil {
		t.Fatal("non-env scheme must error")
	}
	if _, err := store.Resolve(context.Background(), "env:DROVER_TEST_MISSING"); err == nil {
		t.Fatal("unset env must error")
	}
}
