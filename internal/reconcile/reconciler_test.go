package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/cloud"
	"github.com/canonical/github-runner-image-builder/internal/cloud/fake"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/keys"
)

const fixtureFingerprint = "7f:3a:72:12:bd:9e:7b:ff:ef:c7:5f:a2:90:b4:73:a8"

type memoryKeys struct {
	data  []byte
	saves int
}

func (m *memoryKeys) Load() ([]byte, bool, error) {
	return m.data, m.data != nil, nil
}

func (m *memoryKeys) Save(data []byte) error {
	m.data = data
	m.saves++
	return nil
}

func fixtureKey(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "keys", "testdata", "builder_key"))
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return data
}

func newFakeCloud() *fake.Cloud {
	c := fake.New("test")
	c.KeyFingerprint = func(publicKey string) string {
		fp, _ := keys.FingerprintPublic(publicKey)
		return fp
	}
	return c
}

func TestReconcileIsIdempotentOnCleanState(t *testing.T) {
	t.Parallel()

	c := newFakeCloud()
	c.AddKeypair(cloud.Keypair{Name: "t1-image-builder-ssh-key", Fingerprint: fixtureFingerprint})
	c.AddSecurityGroup(config.SharedSecurityGroupName)
	store := &memoryKeys{data: fixtureKey(t)}

	r := &Reconciler{Keys: store}
	identity, err := r.Reconcile(context.Background(), c, "t1-jammy-x64-builder", "t1-image-builder-ssh-key")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls := c.Calls(); len(calls) != 0 {
		t.Fatalf("expected no mutating calls, got %v", calls)
	}
	if identity.Fingerprint != fixtureFingerprint {
		t.Fatalf("unexpected fingerprint: got %q want %q", identity.Fingerprint, fixtureFingerprint)
	}
	if store.saves != 0 {
		t.Fatalf("unexpected key saves: %d", store.saves)
	}
}

func TestReconcileFromEmptyCloudThenNoop(t *testing.T) {
	t.Parallel()

	c := newFakeCloud()
	c.AddSecurityGroup(config.SharedSecurityGroupName)
	c.AddSecurityGroup(config.SharedSecurityGroupName)
	c.AddServer("t1-jammy-x64-builder")
	c.AddServer("t1-jammy-x64-builder")
	c.AddServer("unrelated")

	generated := 0
	store := &memoryKeys{}
	r := &Reconciler{Keys: store, GenerateKey: func() ([]byte, error) {
		generated++
		return fixtureKey(t), nil
	}}

	if _, err := r.Reconcile(context.Background(), c, "t1-jammy-x64-builder", "t1-image-builder-ssh-key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if generated != 1 || store.saves != 1 {
		t.Fatalf("unexpected key generation: generated=%d saves=%d", generated, store.saves)
	}
	if got := c.Keypairs()["t1-image-builder-ssh-key"].Fingerprint; got != fixtureFingerprint {
		t.Fatalf("unexpected keypair fingerprint: got %q want %q", got, fixtureFingerprint)
	}
	groups := c.SecurityGroupsNamed(config.SharedSecurityGroupName)
	if len(groups) != 1 {
		t.Fatalf("unexpected security groups: %d", len(groups))
	}
	if len(groups[0].Rules) != 2 {
		t.Fatalf("unexpected rules: %+v", groups[0].Rules)
	}
	servers := c.Servers()
	if len(servers) != 1 || servers[0].Name != "unrelated" {
		t.Fatalf("unexpected servers: %+v", servers)
	}

	c.ResetCalls()
	if _, err := r.Reconcile(context.Background(), c, "t1-jammy-x64-builder", "t1-image-builder-ssh-key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls := c.Calls(); len(calls) != 0 {
		t.Fatalf("expected second run to be a no-op, got %v", calls)
	}
}

func TestReconcileReplacesMismatchedKeypair(t *testing.T) {
	t.Parallel()

	c := newFakeCloud()
	c.AddKeypair(cloud.Keypair{Name: "key", Fingerprint: "00:11"})
	c.AddSecurityGroup(config.SharedSecurityGroupName)

	r := &Reconciler{Keys: &memoryKeys{data: fixtureKey(t)}}
	if _, err := r.Reconcile(context.Background(), c, "vm", "key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(c.CallsTo("DeleteKeypair")); got != 1 {
		t.Fatalf("unexpected delete calls: %d", got)
	}
	if got := c.Keypairs()["key"].Fingerprint; got != fixtureFingerprint {
		t.Fatalf("unexpected fingerprint: got %q want %q", got, fixtureFingerprint)
	}
}

func TestReconcileWrapsProviderErrors(t *testing.T) {
	t.Parallel()

	c := newFakeCloud()
	c.Failures = map[string]error{"ListSecurityGroups": errors.New("neutron down")}
	c.AddKeypair(cloud.Keypair{Name: "key", Fingerprint: fixtureFingerprint})

	r := &Reconciler{Keys: &memoryKeys{data: fixtureKey(t)}}
	_, err := r.Reconcile(context.Background(), c, "vm", "key")
	if !builderr.Is(err, builderr.ResourceReconcileFail) {
		t.Fatalf("unexpected error: %v", err)
	}
}
