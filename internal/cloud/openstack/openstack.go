// Package openstack implements cloud.Cloud on top of gophercloud.
package openstack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/keypairs"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/imagedata"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/groups"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/security/rules"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/networks"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/subnets"

	"github.com/canonical/github-runner-image-builder/internal/cloud"
	"github.com/canonical/github-runner-image-builder/internal/config"
	"github.com/canonical/github-runner-image-builder/internal/retry"
)

const (
	consoleOutputLines = 200
	deletePollInterval = 5 * time.Second
	// deletePollAttempts bounds deletion polling when the caller's context
	// carries no deadline.
	deletePollAttempts = 240
)

var errStillPresent = errors.New("resource still present")

// Connector authenticates against the clouds declared in a clouds.yaml.
type Connector struct {
	Clouds config.CloudsFile
	Logger *slog.Logger
}

var _ cloud.Connector = (*Connector)(nil)

// Connect authenticates against cloudName and builds the compute, network
// and image clients.
func (c *Connector) Connect(ctx context.Context, cloudName string) (cloud.Cloud, error) {
	entry, err := c.Clouds.Get(cloudName)
	if err != nil {
		return nil, err
	}

	provider, err := openstack.AuthenticatedClient(ctx, AuthOptions(entry))
	if err != nil {
		return nil, fmt.Errorf("authenticate to %s: %w", cloudName, err)
	}
	endpoint := EndpointOptions(entry)

	compute, err := openstack.NewComputeV2(provider, endpoint)
	if err != nil {
		return nil, fmt.Errorf("compute client for %s: %w", cloudName, err)
	}
	network, err := openstack.NewNetworkV2(provider, endpoint)
	if err != nil {
		return nil, fmt.Errorf("network client for %s: %w", cloudName, err)
	}
	image, err := openstack.NewImageV2(provider, endpoint)
	if err != nil {
		return nil, fmt.Errorf("image client for %s: %w", cloudName, err)
	}

	c.logger().Debug("connected to cloud", "cloud", cloudName, "region", entry.RegionName)
	return &Cloud{name: cloudName, compute: compute, network: network, image: image}, nil
}

func (c *Connector) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger.With("component", "openstack")
	}
	return slog.Default().With("component", "openstack")
}

// AuthOptions maps a clouds.yaml entry to gophercloud auth options.
// Application credentials win over password auth when both are present.
func AuthOptions(entry config.CloudEntry) gophercloud.AuthOptions {
	auth := entry.Auth
	opts := gophercloud.AuthOptions{
		IdentityEndpoint: auth.AuthURL,
		AllowReauth:      true,
	}
	if auth.ApplicationCredentialID != "" {
		opts.ApplicationCredentialID = auth.ApplicationCredentialID
		opts.ApplicationCredentialSecret = auth.ApplicationCredentialSecret
		return opts
	}

	opts.Username = auth.Username
	opts.Password = auth.Password
	opts.DomainName = firstNonEmpty(auth.UserDomainName, auth.DomainName)
	if auth.ProjectID != "" || auth.ProjectName != "" {
		opts.Scope = &gophercloud.AuthScope{
			ProjectID:   auth.ProjectID,
			ProjectName: auth.ProjectName,
		}
		if auth.ProjectID == "" {
			opts.Scope.DomainName = firstNonEmpty(auth.ProjectDomainName, auth.DomainName, auth.UserDomainName)
		}
	}
	return opts
}

// EndpointOptions selects the region and interface of the service catalog.
func EndpointOptions(entry config.CloudEntry) gophercloud.EndpointOpts {
	opts := gophercloud.EndpointOpts{Region: entry.RegionName, Availability: gophercloud.AvailabilityPublic}
	switch strings.ToLower(entry.Interface) {
	case "internal":
		opts.Availability = gophercloud.AvailabilityInternal
	case "admin":
		opts.Availability = gophercloud.AvailabilityAdmin
	}
	return opts
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Cloud is an authenticated connection to one OpenStack project.
type Cloud struct {
	name    string
	compute *gophercloud.ServiceClient
	network *gophercloud.ServiceClient
	image   *gophercloud.ServiceClient
}

var _ cloud.Cloud = (*Cloud)(nil)

func (c *Cloud) Name() string { return c.name }

// Close releases idle connections held by the provider client.
func (c *Cloud) Close() error {
	if c.compute == nil || c.compute.ProviderClient == nil {
		return nil
	}
	if t, ok := c.compute.HTTPClient.Transport.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func isNotFound(err error) bool {
	return gophercloud.ResponseCodeIs(err, http.StatusNotFound)
}

// CreateServer boots a server and waits for it to become ACTIVE.
func (c *Cloud) CreateServer(ctx context.Context, opts cloud.CreateServerOpts) (cloud.Server, error) {
	var create servers.CreateOptsBuilder = servers.CreateOpts{
		Name:           opts.Name,
		ImageRef:       opts.ImageID,
		FlavorRef:      opts.FlavorID,
		SecurityGroups: []string{opts.SecurityGroup},
		UserData:       opts.UserData,
		Networks:       []servers.Network{{UUID: opts.NetworkID}},
	}
	if opts.KeyName != "" {
		create = keypairs.CreateOptsExt{CreateOptsBuilder: create, KeyName: opts.KeyName}
	}

	created, err := servers.Create(ctx, c.compute, create, nil).Extract()
	if err != nil {
		return cloud.Server{}, fmt.Errorf("create server %s: %w", opts.Name, err)
	}
	if err := servers.WaitForStatus(ctx, c.compute, created.ID, cloud.ServerStatusActive); err != nil {
		// Callers only own servers returned to them.
		_ = servers.Delete(context.WithoutCancel(ctx), c.compute, created.ID).ExtractErr()
		return cloud.Server{}, fmt.Errorf("wait for server %s: %w", created.ID, err)
	}
	server, err := c.GetServer(ctx, created.ID)
	if err != nil {
		return cloud.Server{}, err
	}
	if server == nil {
		return cloud.Server{}, fmt.Errorf("server %s vanished after creation", created.ID)
	}
	return *server, nil
}

func (c *Cloud) GetServer(ctx context.Context, id string) (*cloud.Server, error) {
	s, err := servers.Get(ctx, c.compute, id).Extract()
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get server %s: %w", id, err)
	}
	server := toServer(*s)
	return &server, nil
}

func (c *Cloud) ListServersByName(ctx context.Context, name string) ([]cloud.Server, error) {
	// The name filter is a regular expression on the server side.
	pages, err := servers.List(c.compute, servers.ListOpts{Name: "^" + regexp.QuoteMeta(name) + "$"}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers %s: %w", name, err)
	}
	found, err := servers.ExtractServers(pages)
	if err != nil {
		return nil, fmt.Errorf("list servers %s: %w", name, err)
	}
	out := make([]cloud.Server, 0, len(found))
	for _, s := range found {
		if s.Name == name {
			out = append(out, toServer(s))
		}
	}
	return out, nil
}

// DeleteServer deletes the server and waits until the compute service no
// longer reports it.
func (c *Cloud) DeleteServer(ctx context.Context, id string) error {
	if err := servers.Delete(ctx, c.compute, id).ExtractErr(); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete server %s: %w", id, err)
	}
	return c.waitGone(ctx, func(ctx context.Context) (bool, error) {
		s, err := c.GetServer(ctx, id)
		return s == nil, err
	})
}

// StopServer requests a shutdown without waiting for SHUTOFF.
func (c *Cloud) StopServer(ctx context.Context, id string) error {
	if err := servers.Stop(ctx, c.compute, id).ExtractErr(); err != nil {
		return fmt.Errorf("stop server %s: %w", id, err)
	}
	return nil
}

func (c *Cloud) ConsoleOutput(ctx context.Context, id string) (string, error) {
	out, err := servers.ShowConsoleOutput(ctx, c.compute, id, servers.ShowConsoleOutputOpts{Length: consoleOutputLines}).Extract()
	if err != nil {
		return "", fmt.Errorf("console output for %s: %w", id, err)
	}
	return out, nil
}

func (c *Cloud) CreateServerImage(ctx context.Context, serverID, name string) (cloud.Image, error) {
	imageID, err := servers.CreateImage(ctx, c.compute, serverID, servers.CreateImageOpts{Name: name}).ExtractImageID()
	if err != nil {
		return cloud.Image{}, fmt.Errorf("snapshot server %s: %w", serverID, err)
	}
	image, err := c.GetImage(ctx, imageID)
	if err != nil {
		return cloud.Image{}, err
	}
	if image == nil {
		return cloud.Image{ID: imageID, Name: name, Status: cloud.ImageStatusQueued}, nil
	}
	return *image, nil
}

func (c *Cloud) ListFlavors(ctx context.Context) ([]cloud.Flavor, error) {
	pages, err := flavors.ListDetail(c.compute, flavors.ListOpts{}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list flavors: %w", err)
	}
	found, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return nil, fmt.Errorf("list flavors: %w", err)
	}
	out := make([]cloud.Flavor, 0, len(found))
	for _, f := range found {
		out = append(out, cloud.Flavor{ID: f.ID, Name: f.Name, VCPUs: f.VCPUs, RAMMB: f.RAM, DiskGB: f.Disk})
	}
	return out, nil
}

func (c *Cloud) GetFlavorByName(ctx context.Context, name string) (*cloud.Flavor, error) {
	all, err := c.ListFlavors(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range all {
		if f.Name == name {
			return &f, nil
		}
	}
	return nil, nil
}

func (c *Cloud) ListNetworks(ctx context.Context) ([]cloud.Network, error) {
	return c.listNetworks(ctx, networks.ListOpts{})
}

func (c *Cloud) GetNetworkByName(ctx context.Context, name string) (*cloud.Network, error) {
	found, err := c.listNetworks(ctx, networks.ListOpts{Name: name})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

func (c *Cloud) listNetworks(ctx context.Context, opts networks.ListOpts) ([]cloud.Network, error) {
	pages, err := networks.List(c.network, opts).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	found, err := networks.ExtractNetworks(pages)
	if err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	out := make([]cloud.Network, 0, len(found))
	for _, n := range found {
		out = append(out, cloud.Network{ID: n.ID, Name: n.Name, SubnetIDs: n.Subnets})
	}
	return out, nil
}

func (c *Cloud) ListSubnets(ctx context.Context) ([]cloud.Subnet, error) {
	pages, err := subnets.List(c.network, subnets.ListOpts{}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subnets: %w", err)
	}
	found, err := subnets.ExtractSubnets(pages)
	if err != nil {
		return nil, fmt.Errorf("list subnets: %w", err)
	}
	out := make([]cloud.Subnet, 0, len(found))
	for _, s := range found {
		out = append(out, cloud.Subnet{ID: s.ID, Name: s.Name, NetworkID: s.NetworkID})
	}
	return out, nil
}

func (c *Cloud) GetKeypair(ctx context.Context, name string) (*cloud.Keypair, error) {
	kp, err := keypairs.Get(ctx, c.compute, name, nil).Extract()
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get keypair %s: %w", name, err)
	}
	return &cloud.Keypair{Name: kp.Name, Fingerprint: kp.Fingerprint, PublicKey: kp.PublicKey}, nil
}

func (c *Cloud) CreateKeypair(ctx context.Context, name, publicKey string) (cloud.Keypair, error) {
	kp, err := keypairs.Create(ctx, c.compute, keypairs.CreateOpts{Name: name, PublicKey: publicKey}).Extract()
	if err != nil {
		return cloud.Keypair{}, fmt.Errorf("create keypair %s: %w", name, err)
	}
	return cloud.Keypair{Name: kp.Name, Fingerprint: kp.Fingerprint, PublicKey: kp.PublicKey}, nil
}

func (c *Cloud) DeleteKeypair(ctx context.Context, name string) error {
	err := keypairs.Delete(ctx, c.compute, name, nil).ExtractErr()
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete keypair %s: %w", name, err)
	}
	return nil
}

func (c *Cloud) ListSecurityGroups(ctx context.Context, name string) ([]cloud.SecurityGroup, error) {
	pages, err := groups.List(c.network, groups.ListOpts{Name: name}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list security groups %s: %w", name, err)
	}
	found, err := groups.ExtractGroups(pages)
	if err != nil {
		return nil, fmt.Errorf("list security groups %s: %w", name, err)
	}
	out := make([]cloud.SecurityGroup, 0, len(found))
	for _, g := range found {
		group := cloud.SecurityGroup{ID: g.ID, Name: g.Name}
		for _, r := range g.Rules {
			group.Rules = append(group.Rules, cloud.SecurityGroupRule{
				Direction:    r.Direction,
				EtherType:    r.EtherType,
				Protocol:     r.Protocol,
				PortRangeMin: r.PortRangeMin,
				PortRangeMax: r.PortRangeMax,
			})
		}
		out = append(out, group)
	}
	return out, nil
}

func (c *Cloud) CreateSecurityGroup(ctx context.Context, name, description string) (cloud.SecurityGroup, error) {
	g, err := groups.Create(ctx, c.network, groups.CreateOpts{Name: name, Description: description}).Extract()
	if err != nil {
		return cloud.SecurityGroup{}, fmt.Errorf("create security group %s: %w", name, err)
	}
	return cloud.SecurityGroup{ID: g.ID, Name: g.Name}, nil
}

func (c *Cloud) CreateSecurityGroupRule(ctx context.Context, groupID string, rule cloud.SecurityGroupRule) error {
	_, err := rules.Create(ctx, c.network, rules.CreateOpts{
		SecGroupID:   groupID,
		Direction:    rules.RuleDirection(rule.Direction),
		EtherType:    rules.RuleEtherType(rule.EtherType),
		Protocol:     rules.RuleProtocol(rule.Protocol),
		PortRangeMin: rule.PortRangeMin,
		PortRangeMax: rule.PortRangeMax,
	}).Extract()
	if err != nil {
		return fmt.Errorf("create rule on security group %s: %w", groupID, err)
	}
	return nil
}

func (c *Cloud) DeleteSecurityGroup(ctx context.Context, id string) error {
	err := groups.Delete(ctx, c.network, id).ExtractErr()
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete security group %s: %w", id, err)
	}
	return nil
}

func (c *Cloud) ListImages(ctx context.Context, name string) ([]cloud.Image, error) {
	pages, err := images.List(c.image, images.ListOpts{Name: name}).AllPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list images %s: %w", name, err)
	}
	found, err := images.ExtractImages(pages)
	if err != nil {
		return nil, fmt.Errorf("list images %s: %w", name, err)
	}
	out := make([]cloud.Image, 0, len(found))
	for _, img := range found {
		out = append(out, toImage(img))
	}
	return out, nil
}

func (c *Cloud) GetImage(ctx context.Context, id string) (*cloud.Image, error) {
	img, err := images.Get(ctx, c.image, id).Extract()
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get image %s: %w", id, err)
	}
	image := toImage(*img)
	return &image, nil
}

// UploadImage creates the image record and streams the file at opts.Path
// into it.
func (c *Cloud) UploadImage(ctx context.Context, opts cloud.UploadImageOpts) (cloud.Image, error) {
	f, err := os.Open(opts.Path)
	if err != nil {
		return cloud.Image{}, fmt.Errorf("open %s: %w", opts.Path, err)
	}
	defer f.Close()

	visibility := images.ImageVisibilityPrivate
	created, err := images.Create(ctx, c.image, images.CreateOpts{
		Name:            opts.Name,
		DiskFormat:      opts.DiskFormat,
		ContainerFormat: opts.ContainerFormat,
		Visibility:      &visibility,
		Properties:      opts.Properties,
	}).Extract()
	if err != nil {
		return cloud.Image{}, fmt.Errorf("create image %s: %w", opts.Name, err)
	}
	if err := imagedata.Upload(ctx, c.image, created.ID, f).ExtractErr(); err != nil {
		// Leave no empty queued record behind.
		_ = images.Delete(context.WithoutCancel(ctx), c.image, created.ID).ExtractErr()
		return cloud.Image{}, fmt.Errorf("upload image data %s: %w", opts.Name, err)
	}

	image, err := c.GetImage(ctx, created.ID)
	if err != nil {
		return cloud.Image{}, err
	}
	if image == nil {
		return cloud.Image{}, fmt.Errorf("image %s vanished after upload", created.ID)
	}
	return *image, nil
}

func (c *Cloud) DownloadImage(ctx context.Context, id string) (io.ReadCloser, error) {
	body, err := imagedata.Download(ctx, c.image, id).Extract()
	if err != nil {
		return nil, fmt.Errorf("download image %s: %w", id, err)
	}
	return body, nil
}

// DeleteImage deletes the image and reports whether the image service
// stopped returning it.
func (c *Cloud) DeleteImage(ctx context.Context, id string) (bool, error) {
	if err := images.Delete(ctx, c.image, id).ExtractErr(); err != nil {
		if isNotFound(err) {
			return true, nil
		}
		return false, fmt.Errorf("delete image %s: %w", id, err)
	}
	image, err := c.GetImage(ctx, id)
	if err != nil {
		return false, err
	}
	return image == nil || image.Status == cloud.ImageStatusDeleted || image.Status == cloud.ImageStatusPendingDelete, nil
}

// waitGone polls gone until it reports true or ctx ends.
func (c *Cloud) waitGone(ctx context.Context, gone func(context.Context) (bool, error)) error {
	policy := retry.Policy{MaxAttempts: deletePollAttempts, BaseDelay: deletePollInterval, Multiplier: 1}
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		ok, err := gone(ctx)
		if err != nil {
			return retry.Permanent(err)
		}
		if !ok {
			return errStillPresent
		}
		return nil
	})
}

func toServer(s servers.Server) cloud.Server {
	return cloud.Server{
		ID:        s.ID,
		Name:      s.Name,
		Status:    s.Status,
		Addresses: parseAddresses(s.Addresses),
	}
}

// parseAddresses flattens the compute service's address map, which is keyed
// by network name and holds lists of {"addr", "version"} objects.
func parseAddresses(raw map[string]any) []cloud.Address {
	var out []cloud.Address
	for _, network := range slices.Sorted(maps.Keys(raw)) {
		list, ok := raw[network].([]any)
		if !ok {
			continue
		}
		for _, entry := range list {
			fields, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			addr, _ := fields["addr"].(string)
			version := 4
			if v, ok := fields["version"].(float64); ok {
				version = int(v)
			}
			out = append(out, cloud.Address{Network: network, IP: addr, Version: version})
		}
	}
	return out
}

func toImage(img images.Image) cloud.Image {
	props := map[string]string{}
	for k, v := range img.Properties {
		if s, ok := v.(string); ok {
			props[k] = s
		}
	}
	return cloud.Image{
		ID:         img.ID,
		Name:       img.Name,
		Status:     string(img.Status),
		CreatedAt:  img.CreatedAt,
		Properties: props,
	}
}
