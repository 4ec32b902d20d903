// Package reconcile restores the shared cloud resources a build depends on
// to a known-good state before each build.
package reconcile

import (
	"context"
	"log/slog"

	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/cloud"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/keys"
)

// API is the part of the cloud the reconciler touches.
type API interface {
	cloud.Keypairs
	cloud.SecurityGroups
	ListServersByName(ctx context.Context, name string) ([]cloud.Server, error)
	DeleteServer(ctx context.Context, id string) error
}

// KeyStore persists the local builder private key.
type KeyStore interface {
	Load() ([]byte, bool, error)
	Save(privateKeyPEM []byte) error
}

// Rules applied to the shared security group.
var builderRules = []cloud.SecurityGroupRule{
	{Direction: "ingress", EtherType: "IPv4", Protocol: "icmp"},
	{Direction: "ingress", EtherType: "IPv4", Protocol: "tcp", PortRangeMin: 22, PortRangeMax: 22},
}

// Reconciler ensures the keypair, the shared security group and the absence
// of stray build VMs. It never mutates anything that is already correct.
type Reconciler struct {
	Logger            *slog.Logger
	Keys              KeyStore
	GenerateKey       func() ([]byte, error)
	SecurityGroupName string
}

// Reconcile brings api to a clean baseline for a build VM named vmName.
func (r *Reconciler) Reconcile(ctx context.Context, api API, vmName, keyName string) (keys.Identity, error) {
	logger := r.logger().With("vm", vmName, "keypair", keyName)

	identity, err := r.ensureKeypair(ctx, api, keyName, logger)
	if err != nil {
		return keys.Identity{}, err
	}
	if err := r.ensureSecurityGroup(ctx, api, logger); err != nil {
		return keys.Identity{}, err
	}
	if err := r.removeStrayServers(ctx, api, vmName, logger); err != nil {
		return keys.Identity{}, err
	}
	return identity, nil
}

func (r *Reconciler) ensureKeypair(ctx context.Context, api API, keyName string, logger *slog.Logger) (keys.Identity, error) {
	if r.Keys == nil {
		return keys.Identity{}, builderr.New(builderr.ResourceReconcileFail, "key store is not configured")
	}

	privateKey, haveLocal, err := r.Keys.Load()
	if err != nil {
		return keys.Identity{}, builderr.Wrap(builderr.ResourceReconcileFail, err, "load builder key")
	}

	var localFingerprint string
	if haveLocal {
		localFingerprint, err = keys.Fingerprint(privateKey)
		if err != nil {
			// An unreadable key is replaced like a mismatched one.
			logger.Warn("local builder key is unusable, regenerating", "error", err)
			haveLocal = false
		}
	}

	remote, err := api.GetKeypair(ctx, keyName)
	if err != nil {
		return keys.Identity{}, builderr.Wrap(builderr.ResourceReconcileFail, err, "get keypair").WithResource(keyName)
	}
	if haveLocal && remote != nil && remote.Fingerprint == localFingerprint {
		logger.Debug("keypair is up to date", "fingerprint", localFingerprint)
		return keys.Identity{Name: keyName, PrivateKey: privateKey, Fingerprint: localFingerprint}, nil
	}

	if remote != nil {
		logger.Info("removing mismatched keypair", "remote_fingerprint", remote.Fingerprint, "local_fingerprint", localFingerprint)
		if err := api.DeleteKeypair(ctx, keyName); err != nil {
			return keys.Identity{}, builderr.Wrap(builderr.ResourceReconcileFail, err, "delete keypair").WithResource(keyName)
		}
	}

	if !haveLocal {
		privateKey, err = r.generate()
		if err != nil {
			return keys.Identity{}, builderr.Wrap(builderr.ResourceReconcileFail, err, "generate builder key")
		}
		if err := r.Keys.Save(privateKey); err != nil {
			return keys.Identity{}, builderr.Wrap(builderr.ResourceReconcileFail, err, "store builder key")
		}
		localFingerprint, err = keys.Fingerprint(privateKey)
		if err != nil {
			return keys.Identity{}, builderr.Wrap(builderr.ResourceReconcileFail, err, "fingerprint builder key")
		}
	}

	publicKey, err := keys.AuthorizedKey(privateKey)
	if err != nil {
		return keys.Identity{}, builderr.Wrap(builderr.ResourceReconcileFail, err, "derive public key")
	}
	if _, err := api.CreateKeypair(ctx, keyName, publicKey); err != nil {
		return keys.Identity{}, builderr.Wrap(builderr.ResourceReconcileFail, err, "import keypair").WithResource(keyName)
	}
	logger.Info("keypair imported", "fingerprint", localFingerprint)
	return keys.Identity{Name: keyName, PrivateKey: privateKey, Fingerprint: localFingerprint}, nil
}

func (r *Reconciler) ensureSecurityGroup(ctx context.Context, api API, logger *slog.Logger) error {
	name := r.SecurityGroup()
	groups, err := api.ListSecurityGroups(ctx, name)
	if err != nil {
		return builderr.Wrap(builderr.ResourceReconcileFail, err, "list security groups").WithResource(name)
	}
	if len(groups) == 1 {
		return nil
	}

	for _, group := range groups {
		logger.Info("removing duplicate security group", "security_group", group.ID)
		if err := api.DeleteSecurityGroup(ctx, group.ID); err != nil {
			return builderr.Wrap(builderr.ResourceReconcileFail, err, "delete security group").WithResource(group.ID)
		}
	}

	group, err := api.CreateSecurityGroup(ctx, name, "For servers managed by the github-runner-image-builder.")
	if err != nil {
		return builderr.Wrap(builderr.ResourceReconcileFail, err, "create security group").WithResource(name)
	}
	for _, rule := range builderRules {
		if err := api.CreateSecurityGroupRule(ctx, group.ID, rule); err != nil {
			return builderr.Wrap(builderr.ResourceReconcileFail, err, "create security group rule").WithResource(group.ID)
		}
	}
	logger.Info("security group created", "security_group", group.ID)
	return nil
}

func (r *Reconciler) removeStrayServers(ctx context.Context, api API, vmName string, logger *slog.Logger) error {
	servers, err := api.ListServersByName(ctx, vmName)
	if err != nil {
		return builderr.Wrap(builderr.ResourceReconcileFail, err, "list servers").WithResource(vmName)
	}
	for _, server := range servers {
		logger.Info("removing stray build vm", "server", server.ID)
		if err := api.DeleteServer(ctx, server.ID); err != nil {
			return builderr.Wrap(builderr.ResourceReconcileFail, err, "delete server").WithResource(server.ID)
		}
	}
	return nil
}

func (r *Reconciler) generate() ([]byte, error) {
	if r.GenerateKey != nil {
		return r.GenerateKey()
	}
	return keys.Generate(keys.DefaultBits)
}

// SecurityGroup is the name of the shared group build VMs join.
func (r *Reconciler) SecurityGroup() string {
	if r.SecurityGroupName != "" {
		return r.SecurityGroupName
	}
	return config.SharedSecurityGroupName
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger.With("component", "reconcile")
	}
	return slog.Default().With("component", "reconcile")
}
