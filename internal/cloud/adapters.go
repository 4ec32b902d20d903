// Package cloud defines the narrow slice of the cloud control plane used by
// the image builder. Lookups that find nothing return a nil value and a nil
// error; errors are reserved for transport, auth and provider failures.
package cloud

import (
	"context"
	"io"
)

// Compute manages build servers.
type Compute interface {
	CreateServer(ctx context.Context, opts CreateServerOpts) (Server, error)
	GetServer(ctx context.Context, id string) (*Server, error)
	ListServersByName(ctx context.Context, name string) ([]Server, error)
	DeleteServer(ctx context.Context, id string) error
	StopServer(ctx context.Context, id string) error
	ConsoleOutput(ctx context.Context, id string) (string, error)
	CreateServerImage(ctx context.Context, serverID, name string) (Image, error)
}

// Placement exposes the catalogues a build VM is placed from.
type Placement interface {
	ListFlavors(ctx context.Context) ([]Flavor, error)
	GetFlavorByName(ctx context.Context, name string) (*Flavor, error)
	ListNetworks(ctx context.Context) ([]Network, error)
	GetNetworkByName(ctx context.Context, name string) (*Network, error)
	ListSubnets(ctx context.Context) ([]Subnet, error)
}

// Keypairs manages registered SSH keys.
type Keypairs interface {
	GetKeypair(ctx context.Context, name string) (*Keypair, error)
	CreateKeypair(ctx context.Context, name, publicKey string) (Keypair, error)
	DeleteKeypair(ctx context.Context, name string) error
}

// SecurityGroups manages the shared builder security group.
type SecurityGroups interface {
	ListSecurityGroups(ctx context.Context, name string) ([]SecurityGroup, error)
	CreateSecurityGroup(ctx context.Context, name, description string) (SecurityGroup, error)
	CreateSecurityGroupRule(ctx context.Context, groupID string, rule SecurityGroupRule) error
	DeleteSecurityGroup(ctx context.Context, id string) error
}

// Images manages stored image revisions.
type Images interface {
	ListImages(ctx context.Context, name string) ([]Image, error)
	GetImage(ctx context.Context, id string) (*Image, error)
	UploadImage(ctx context.Context, opts UploadImageOpts) (Image, error)
	DownloadImage(ctx context.Context, id string) (io.ReadCloser, error)
	// DeleteImage reports false when the provider accepted the call but the
	// image was not removed.
	DeleteImage(ctx context.Context, id string) (bool, error)
}

// Cloud is a single authenticated connection to one cloud account.
type Cloud interface {
	Compute
	Placement
	Keypairs
	SecurityGroups
	Images

	Name() string
	Close() error
}

// Connector opens scoped cloud connections. Callers must Close the returned
// Cloud on every path.
type Connector interface {
	Connect(ctx context.Context, cloudName string) (Cloud, error)
}
