// Package fake provides an in-memory cloud used by tests across the module.
package fake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/canonical/github-runner-image-builder/internal/cloud"
)

// Cloud is an in-memory cloud.Cloud. Exported fields may be set before use;
// after that, use the methods since they take the lock.
type Cloud struct {
	CloudName string

	// ServerIPs are assigned to every created server.
	ServerIPs []string
	// Console is returned by ConsoleOutput.
	Console string
	// SnapshotStatuses is the sequence of statuses a newly snapshotted image
	// reports on successive GetImage calls. The last value sticks. Empty
	// means the image is active immediately.
	SnapshotStatuses []string
	// UploadStatuses does the same for uploaded images.
	UploadStatuses []string
	// SnapshotData is the content of snapshotted images.
	SnapshotData []byte
	// Failures injects an error for the named method on every call.
	Failures map[string]error
	// RefuseDelete lists image ids whose deletion reports false.
	RefuseDelete map[string]bool
	// KeyFingerprint derives the fingerprint of imported keypairs.
	KeyFingerprint func(publicKey string) string

	mu             sync.Mutex
	seq            int
	clock          time.Time
	calls          []string
	closed         int
	servers        map[string]*cloud.Server
	images         map[string]*fakeImage
	flavors        []cloud.Flavor
	networks       []cloud.Network
	subnets        []cloud.Subnet
	keypairs       map[string]cloud.Keypair
	securityGroups map[string]*cloud.SecurityGroup
}

type fakeImage struct {
	image    cloud.Image
	statuses []string
	data     []byte
}

// New creates an empty cloud.
func New(name string) *Cloud {
	return &Cloud{
		CloudName:      name,
		clock:          time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		servers:        map[string]*cloud.Server{},
		images:         map[string]*fakeImage{},
		keypairs:       map[string]cloud.Keypair{},
		securityGroups: map[string]*cloud.SecurityGroup{},
	}
}

var _ cloud.Cloud = (*Cloud)(nil)

// AddFlavor registers a flavor.
func (c *Cloud) AddFlavor(f cloud.Flavor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.ID == "" {
		f.ID = c.nextID("flavor")
	}
	c.flavors = append(c.flavors, f)
}

// AddNetwork registers a network with a single subnet.
func (c *Cloud) AddNetwork(name string) cloud.Network {
	c.mu.Lock()
	defer c.mu.Unlock()
	network := cloud.Network{ID: c.nextID("net"), Name: name}
	subnet := cloud.Subnet{ID: c.nextID("subnet"), Name: name + "-subnet", NetworkID: network.ID}
	network.SubnetIDs = []string{subnet.ID}
	c.networks = append(c.networks, network)
	c.subnets = append(c.subnets, subnet)
	return network
}

// AddNetworkWithoutSubnet registers a network that has no subnets.
func (c *Cloud) AddNetworkWithoutSubnet(name string) cloud.Network {
	c.mu.Lock()
	defer c.mu.Unlock()
	network := cloud.Network{ID: c.nextID("net"), Name: name}
	c.networks = append(c.networks, network)
	return network
}

// AddServer seeds a server without recording a mutation.
func (c *Cloud) AddServer(name string) cloud.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	server := cloud.Server{ID: c.nextID("server"), Name: name, Status: cloud.ServerStatusActive}
	c.servers[server.ID] = &server
	return server
}

// AddImage seeds an active image with the given creation time.
func (c *Cloud) AddImage(name string, createdAt time.Time) cloud.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	image := cloud.Image{ID: c.nextID("image"), Name: name, Status: cloud.ImageStatusActive, CreatedAt: createdAt}
	c.images[image.ID] = &fakeImage{image: image}
	// Images created later always sort after seeded ones.
	if createdAt.After(c.clock) {
		c.clock = createdAt
	}
	return image
}

// AddKeypair seeds a keypair.
func (c *Cloud) AddKeypair(kp cloud.Keypair) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keypairs[kp.Name] = kp
}

// AddSecurityGroup seeds a security group.
func (c *Cloud) AddSecurityGroup(name string, rules ...cloud.SecurityGroupRule) cloud.SecurityGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	group := cloud.SecurityGroup{ID: c.nextID("sg"), Name: name, Rules: rules}
	c.securityGroups[group.ID] = &group
	return group
}

// Calls returns the mutating calls issued so far, formatted "Method:arg".
func (c *Cloud) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

// CallsTo returns the mutating calls of a single method.
func (c *Cloud) CallsTo(method string) []string {
	var out []string
	for _, call := range c.Calls() {
		if strings.HasPrefix(call, method+":") {
			out = append(out, call)
		}
	}
	return out
}

// ResetCalls clears the mutation log.
func (c *Cloud) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// Closed reports how many times Close was called.
func (c *Cloud) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Servers returns all servers.
func (c *Cloud) Servers() []cloud.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cloud.Server, 0, len(c.servers))
	for _, s := range c.servers {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Images returns all images with the given name, oldest first.
func (c *Cloud) Images(name string) []cloud.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.imagesByName(name)
}

// ImageData returns the stored bytes of an image.
func (c *Cloud) ImageData(id string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if img, ok := c.images[id]; ok {
		return append([]byte(nil), img.data...)
	}
	return nil
}

// Keypairs returns all registered keypairs.
func (c *Cloud) Keypairs() map[string]cloud.Keypair {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]cloud.Keypair, len(c.keypairs))
	for k, v := range c.keypairs {
		out[k] = v
	}
	return out
}

// SecurityGroupsNamed returns the security groups with the given name.
func (c *Cloud) SecurityGroupsNamed(name string) []cloud.SecurityGroup {
	groups, _ := c.ListSecurityGroups(context.Background(), name)
	return groups
}

func (c *Cloud) Name() string { return c.CloudName }

func (c *Cloud) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *Cloud) CreateServer(ctx context.Context, opts cloud.CreateServerOpts) (cloud.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutate("CreateServer", opts.Name); err != nil {
		return cloud.Server{}, err
	}
	server := cloud.Server{ID: c.nextID("server"), Name: opts.Name, Status: cloud.ServerStatusActive}
	for _, ip := range c.ServerIPs {
		server.Addresses = append(server.Addresses, cloud.Address{Network: opts.NetworkID, IP: ip, Version: 4})
	}
	c.servers[server.ID] = &server
	return server, nil
}

func (c *Cloud) GetServer(ctx context.Context, id string) (*cloud.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("GetServer"); err != nil {
		return nil, err
	}
	server, ok := c.servers[id]
	if !ok {
		return nil, nil
	}
	copied := *server
	return &copied, nil
}

func (c *Cloud) ListServersByName(ctx context.Context, name string) ([]cloud.Server, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("ListServersByName"); err != nil {
		return nil, err
	}
	var out []cloud.Server
	for _, s := range c.servers {
		if s.Name == name {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Cloud) DeleteServer(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutate("DeleteServer", id); err != nil {
		return err
	}
	delete(c.servers, id)
	return nil
}

func (c *Cloud) StopServer(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutate("StopServer", id); err != nil {
		return err
	}
	server, ok := c.servers[id]
	if !ok {
		return fmt.Errorf("server %s not found", id)
	}
	server.Status = cloud.ServerStatusShutoff
	return nil
}

func (c *Cloud) ConsoleOutput(ctx context.Context, id string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("ConsoleOutput"); err != nil {
		return "", err
	}
	return c.Console, nil
}

func (c *Cloud) CreateServerImage(ctx context.Context, serverID, name string) (cloud.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutate("CreateServerImage", name); err != nil {
		return cloud.Image{}, err
	}
	if _, ok := c.servers[serverID]; !ok {
		return cloud.Image{}, fmt.Errorf("server %s not found", serverID)
	}
	image := cloud.Image{ID: c.nextID("image"), Name: name, Status: cloud.ImageStatusActive, CreatedAt: c.tick()}
	statuses := append([]string(nil), c.SnapshotStatuses...)
	if len(statuses) > 0 {
		image.Status = statuses[0]
	}
	c.images[image.ID] = &fakeImage{image: image, statuses: statuses, data: append([]byte(nil), c.SnapshotData...)}
	return image, nil
}

func (c *Cloud) ListFlavors(ctx context.Context) ([]cloud.Flavor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("ListFlavors"); err != nil {
		return nil, err
	}
	return append([]cloud.Flavor(nil), c.flavors...), nil
}

func (c *Cloud) GetFlavorByName(ctx context.Context, name string) (*cloud.Flavor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("GetFlavorByName"); err != nil {
		return nil, err
	}
	for _, f := range c.flavors {
		if f.Name == name {
			copied := f
			return &copied, nil
		}
	}
	return nil, nil
}

func (c *Cloud) ListNetworks(ctx context.Context) ([]cloud.Network, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("ListNetworks"); err != nil {
		return nil, err
	}
	return append([]cloud.Network(nil), c.networks...), nil
}

func (c *Cloud) GetNetworkByName(ctx context.Context, name string) (*cloud.Network, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("GetNetworkByName"); err != nil {
		return nil, err
	}
	for _, n := range c.networks {
		if n.Name == name {
			copied := n
			return &copied, nil
		}
	}
	return nil, nil
}

func (c *Cloud) ListSubnets(ctx context.Context) ([]cloud.Subnet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("ListSubnets"); err != nil {
		return nil, err
	}
	return append([]cloud.Subnet(nil), c.subnets...), nil
}

func (c *Cloud) GetKeypair(ctx context.Context, name string) (*cloud.Keypair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("GetKeypair"); err != nil {
		return nil, err
	}
	kp, ok := c.keypairs[name]
	if !ok {
		return nil, nil
	}
	return &kp, nil
}

func (c *Cloud) CreateKeypair(ctx context.Context, name, publicKey string) (cloud.Keypair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutate("CreateKeypair", name); err != nil {
		return cloud.Keypair{}, err
	}
	kp := cloud.Keypair{Name: name, PublicKey: publicKey}
	if c.KeyFingerprint != nil {
		kp.Fingerprint = c.KeyFingerprint(publicKey)
	}
	c.keypairs[name] = kp
	return kp, nil
}

func (c *Cloud) DeleteKeypair(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutate("DeleteKeypair", name); err != nil {
		return err
	}
	delete(c.keypairs, name)
	return nil
}

func (c *Cloud) ListSecurityGroups(ctx context.Context, name string) ([]cloud.SecurityGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("ListSecurityGroups"); err != nil {
		return nil, err
	}
	var out []cloud.SecurityGroup
	for _, g := range c.securityGroups {
		if g.Name == name {
			copied := *g
			copied.Rules = append([]cloud.SecurityGroupRule(nil), g.Rules...)
			out = append(out, copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Cloud) CreateSecurityGroup(ctx context.Context, name, description string) (cloud.SecurityGroup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutate("CreateSecurityGroup", name); err != nil {
		return cloud.SecurityGroup{}, err
	}
	group := cloud.SecurityGroup{ID: c.nextID("sg"), Name: name}
	c.securityGroups[group.ID] = &group
	return group, nil
}

func (c *Cloud) CreateSecurityGroupRule(ctx context.Context, groupID string, rule cloud.SecurityGroupRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutate("CreateSecurityGroupRule", groupID); err != nil {
		return err
	}
	group, ok := c.securityGroups[groupID]
	if !ok {
		return fmt.Errorf("security group %s not found", groupID)
	}
	group.Rules = append(group.Rules, rule)
	return nil
}

func (c *Cloud) DeleteSecurityGroup(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutate("DeleteSecurityGroup", id); err != nil {
		return err
	}
	delete(c.securityGroups, id)
	return nil
}

func (c *Cloud) ListImages(ctx context.Context, name string) ([]cloud.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("ListImages"); err != nil {
		return nil, err
	}
	return c.imagesByName(name), nil
}

func (c *Cloud) GetImage(ctx context.Context, id string) (*cloud.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("GetImage"); err != nil {
		return nil, err
	}
	img, ok := c.images[id]
	if !ok {
		return nil, nil
	}
	if len(img.statuses) > 0 {
		img.image.Status = img.statuses[0]
		if len(img.statuses) > 1 {
			img.statuses = img.statuses[1:]
		}
	}
	copied := img.image
	return &copied, nil
}

func (c *Cloud) UploadImage(ctx context.Context, opts cloud.UploadImageOpts) (cloud.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutate("UploadImage", opts.Name); err != nil {
		return cloud.Image{}, err
	}
	data, err := os.ReadFile(opts.Path)
	if err != nil {
		return cloud.Image{}, err
	}
	props := map[string]string{}
	for k, v := range opts.Properties {
		props[k] = v
	}
	image := cloud.Image{ID: c.nextID("image"), Name: opts.Name, Status: cloud.ImageStatusActive, CreatedAt: c.tick(), Properties: props}
	statuses := append([]string(nil), c.UploadStatuses...)
	if len(statuses) > 0 {
		image.Status = statuses[0]
	}
	c.images[image.ID] = &fakeImage{image: image, statuses: statuses, data: data}
	return image, nil
}

func (c *Cloud) DownloadImage(ctx context.Context, id string) (io.ReadCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("DownloadImage"); err != nil {
		return nil, err
	}
	img, ok := c.images[id]
	if !ok {
		return nil, fmt.Errorf("image %s not found", id)
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), img.data...))), nil
}

func (c *Cloud) DeleteImage(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mutate("DeleteImage", id); err != nil {
		return false, err
	}
	if c.RefuseDelete[id] {
		return false, nil
	}
	delete(c.images, id)
	return true, nil
}

func (c *Cloud) imagesByName(name string) []cloud.Image {
	var out []cloud.Image
	for _, img := range c.images {
		if img.image.Name == name {
			out = append(out, img.image)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (c *Cloud) mutate(method, arg string) error {
	c.calls = append(c.calls, method+":"+arg)
	return c.fail(method)
}

func (c *Cloud) fail(method string) error {
	if err, ok := c.Failures[method]; ok {
		return err
	}
	return nil
}

func (c *Cloud) nextID(kind string) string {
	c.seq++
	return fmt.Sprintf("%s-%d", kind, c.seq)
}

func (c *Cloud) tick() time.Time {
	c.clock = c.clock.Add(time.Minute)
	return c.clock
}

// Connector hands out registered fake clouds by name.
type Connector struct {
	mu     sync.Mutex
	clouds map[string]*Cloud
	opened []string
}

// NewConnector registers the given clouds under their names.
func NewConnector(clouds ...*Cloud) *Connector {
	connector := &Connector{clouds: map[string]*Cloud{}}
	for _, c := range clouds {
		connector.clouds[c.CloudName] = c
	}
	return connector
}

func (c *Connector) Connect(ctx context.Context, cloudName string) (cloud.Cloud, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = append(c.opened, cloudName)
	target, ok := c.clouds[cloudName]
	if !ok {
		return nil, fmt.Errorf("cloud %q is not configured", cloudName)
	}
	return target, nil
}

// Opened returns the cloud names passed to Connect, in order.
func (c *Connector) Opened() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.opened...)
}
