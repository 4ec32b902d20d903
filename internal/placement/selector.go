// Package placement picks the flavor and network a build VM runs on.
package placement

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"github.com/samber/lo"

	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/cloud"
)

// Minimum resources a build VM needs.
const (
	MinVCPUs  = 2
	MinRAMMB  = 1024
	MinDiskGB = 20
)

// Selection is where the build VM will be placed.
type Selection struct {
	FlavorID  string
	NetworkID string
}

// Selector chooses placement from the cloud catalogue.
type Selector struct {
	Logger *slog.Logger
	API    cloud.Placement
}

// Select resolves both the flavor and the network.
func (s *Selector) Select(ctx context.Context, flavor, network string) (Selection, error) {
	flavorID, err := s.SelectFlavor(ctx, flavor)
	if err != nil {
		return Selection{}, err
	}
	networkID, err := s.SelectNetwork(ctx, network)
	if err != nil {
		return Selection{}, err
	}
	s.logger().Info("placement selected", "flavor", flavorID, "network", networkID)
	return Selection{FlavorID: flavorID, NetworkID: networkID}, nil
}

// SelectFlavor returns the id of the named flavor after checking it meets the
// minimums, or the smallest qualifying flavor when name is empty.
func (s *Selector) SelectFlavor(ctx context.Context, name string) (string, error) {
	if name != "" {
		flavor, err := s.API.GetFlavorByName(ctx, name)
		if err != nil {
			return "", builderr.Wrap(builderr.FlavorNotFound, err, "look up flavor %q", name)
		}
		if flavor == nil {
			return "", builderr.New(builderr.FlavorNotFound, "flavor %q not found", name)
		}
		if !qualifies(*flavor) {
			return "", builderr.New(builderr.FlavorRequirementsNotMet,
				"flavor %q does not meet the minimum requirements: required vcpu=%d ram=%dMB disk=%dGB, got vcpu=%d ram=%dMB disk=%dGB",
				name, MinVCPUs, MinRAMMB, MinDiskGB, flavor.VCPUs, flavor.RAMMB, flavor.DiskGB)
		}
		return flavor.ID, nil
	}

	flavors, err := s.API.ListFlavors(ctx)
	if err != nil {
		return "", builderr.Wrap(builderr.FlavorNotFound, err, "list flavors")
	}
	slices.SortStableFunc(flavors, compareFlavors)
	flavor, ok := lo.Find(flavors, qualifies)
	if !ok {
		return "", builderr.New(builderr.FlavorNotFound,
			"no flavor meets the minimum requirements: vcpu=%d ram=%dMB disk=%dGB", MinVCPUs, MinRAMMB, MinDiskGB)
	}
	s.logger().Debug("smallest qualifying flavor", "flavor", flavor.Name, "vcpus", flavor.VCPUs, "ram_mb", flavor.RAMMB, "disk_gb", flavor.DiskGB)
	return flavor.ID, nil
}

// SelectNetwork returns the id of the named network, or the network owning
// the first subnet when name is empty.
func (s *Selector) SelectNetwork(ctx context.Context, name string) (string, error) {
	if name != "" {
		network, err := s.API.GetNetworkByName(ctx, name)
		if err != nil {
			return "", builderr.Wrap(builderr.NetworkNotFound, err, "look up network %q", name)
		}
		if network == nil {
			return "", builderr.New(builderr.NetworkNotFound, "network %q not found", name)
		}
		return network.ID, nil
	}

	subnets, err := s.API.ListSubnets(ctx)
	if err != nil {
		return "", builderr.Wrap(builderr.NetworkNotFound, err, "list subnets")
	}
	if len(subnets) == 0 {
		return "", builderr.New(builderr.NetworkNotFound, "no subnets available")
	}
	subnet := subnets[0]

	networks, err := s.API.ListNetworks(ctx)
	if err != nil {
		return "", builderr.Wrap(builderr.NetworkNotFound, err, "list networks")
	}
	network, ok := lo.Find(networks, func(n cloud.Network) bool {
		return lo.Contains(n.SubnetIDs, subnet.ID)
	})
	if !ok {
		return "", builderr.New(builderr.NetworkNotFound, "no network owns subnet %q", subnet.ID)
	}
	return network.ID, nil
}

func qualifies(f cloud.Flavor) bool {
	return f.VCPUs >= MinVCPUs && f.RAMMB >= MinRAMMB && f.DiskGB >= MinDiskGB
}

func compareFlavors(a, b cloud.Flavor) int {
	return cmp.Or(
		cmp.Compare(a.VCPUs, b.VCPUs),
		cmp.Compare(a.RAMMB, b.RAMMB),
		cmp.Compare(a.DiskGB, b.DiskGB),
	)
}

func (s *Selector) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
