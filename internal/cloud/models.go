package cloud

import "time"

// Server statuses reported by the compute service.
const (
	ServerStatusBuild   = "BUILD"
	ServerStatusActive  = "ACTIVE"
	ServerStatusShutoff = "SHUTOFF"
	ServerStatusError   = "ERROR"
)

// Image statuses reported by the image service.
const (
	ImageStatusQueued        = "queued"
	ImageStatusSaving        = "saving"
	ImageStatusActive        = "active"
	ImageStatusKilled        = "killed"
	ImageStatusDeleted       = "deleted"
	ImageStatusPendingDelete = "pending_delete"
)

// Address is one network address attached to a server.
type Address struct {
	Network string
	IP      string
	Version int
}

// Server is a compute instance as seen by the control plane.
type Server struct {
	ID        string
	Name      string
	Status    string
	Addresses []Address
}

// IPs returns the server's IPv4 addresses followed by any others, in the
// order reported.
func (s Server) IPs() []string {
	var v4, other []string
	for _, addr := range s.Addresses {
		if addr.IP == "" {
			continue
		}
		if addr.Version == 6 {
			other = append(other, addr.IP)
			continue
		}
		v4 = append(v4, addr.IP)
	}
	return append(v4, other...)
}

// Image is a stored image revision.
type Image struct {
	ID         string
	Name       string
	Status     string
	CreatedAt  time.Time
	Properties map[string]string
}

// Flavor is a compute sizing profile.
type Flavor struct {
	ID     string
	Name   string
	VCPUs  int
	RAMMB  int
	DiskGB int
}

// Network is a tenant network and the subnets attached to it.
type Network struct {
	ID        string
	Name      string
	SubnetIDs []string
}

// Subnet is an address range on a network.
type Subnet struct {
	ID        string
	Name      string
	NetworkID string
}

// Keypair is a registered SSH public key.
type Keypair struct {
	Name        string
	Fingerprint string
	PublicKey   string
}

// SecurityGroup is a named set of ingress/egress rules.
type SecurityGroup struct {
	ID    string
	Name  string
	Rules []SecurityGroupRule
}

// SecurityGroupRule is a single allow rule. Zero ports mean any port.
type SecurityGroupRule struct {
	Direction    string
	EtherType    string
	Protocol     string
	PortRangeMin int
	PortRangeMax int
}

// CreateServerOpts describes a server creation request.
type CreateServerOpts struct {
	Name          string
	ImageID       string
	FlavorID      string
	NetworkID     string
	KeyName       string
	SecurityGroup string
	UserData      []byte
	Timeout       time.Duration
}

// UploadImageOpts describes an image upload.
type UploadImageOpts struct {
	Name            string
	Path            string
	DiskFormat      string
	ContainerFormat string
	Properties      map[string]string
}
