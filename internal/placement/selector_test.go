package placement

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/canonical/github-runner-image-builder/internal/builderr"
	"github.com/canonical/github-runner-image-builder/internal/cloud"
	"github.com/canonical/github-runner-image-builder/internal/cloud/fake"
)

func TestSelectFlavorPicksSmallestQualifying(t *testing.T) {
	t.Parallel()

	c := fake.New("test")
	c.AddFlavor(cloud.Flavor{ID: "large", Name: "large", VCPUs: 8, RAMMB: 16384, DiskGB: 100})
	c.AddFlavor(cloud.Flavor{ID: "tiny", Name: "tiny", VCPUs: 1, RAMMB: 512, DiskGB: 10})
	c.AddFlavor(cloud.Flavor{ID: "small-disk", Name: "small-disk", VCPUs: 2, RAMMB: 2048, DiskGB: 10})
	c.AddFlavor(cloud.Flavor{ID: "medium", Name: "medium", VCPUs: 2, RAMMB: 4096, DiskGB: 40})
	c.AddFlavor(cloud.Flavor{ID: "small", Name: "small", VCPUs: 2, RAMMB: 2048, DiskGB: 20})

	s := &Selector{API: c}
	got, err := s.SelectFlavor(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "small" {
		t.Fatalf("unexpected flavor: got %q want %q", got, "small")
	}
}

func TestSelectFlavorNoneQualify(t *testing.T) {
	t.Parallel()

	c := fake.New("test")
	c.AddFlavor(cloud.Flavor{ID: "tiny", Name: "tiny", VCPUs: 1, RAMMB: 512, DiskGB: 10})

	s := &Selector{API: c}
	if _, err := s.SelectFlavor(context.Background(), ""); !builderr.Is(err, builderr.FlavorNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSelectNamedFlavor(t *testing.T) {
	t.Parallel()

	c := fake.New("test")
	c.AddFlavor(cloud.Flavor{ID: "f-1", Name: "m1.tiny", VCPUs: 1, RAMMB: 512, DiskGB: 10})
	c.AddFlavor(cloud.Flavor{ID: "f-2", Name: "m1.builder", VCPUs: 4, RAMMB: 8192, DiskGB: 40})
	s := &Selector{API: c}

	if _, err := s.SelectFlavor(context.Background(), "missing"); !builderr.Is(err, builderr.FlavorNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := s.SelectFlavor(context.Background(), "m1.tiny")
	if !builderr.Is(err, builderr.FlavorRequirementsNotMet) {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, fragment := range []string{"required vcpu=2 ram=1024MB disk=20GB", "got vcpu=1 ram=512MB disk=10GB"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Fatalf("expected %q in %q", fragment, err.Error())
		}
	}

	got, err := s.SelectFlavor(context.Background(), "m1.builder")
	if err != nil || got != "f-2" {
		t.Fatalf("unexpected selection: got %q err %v", got, err)
	}
}

func TestSelectNetwork(t *testing.T) {
	t.Parallel()

	c := fake.New("test")
	s := &Selector{API: c}

	if _, err := s.SelectNetwork(context.Background(), ""); !builderr.Is(err, builderr.NetworkNotFound) {
		t.Fatalf("expected NetworkNotFound with no subnets, got %v", err)
	}

	c.AddNetworkWithoutSubnet("empty")
	first := c.AddNetwork("primary")
	c.AddNetwork("secondary")

	got, err := s.SelectNetwork(context.Background(), "")
	if err != nil || got != first.ID {
		t.Fatalf("unexpected network: got %q err %v want %q", got, err, first.ID)
	}

	if _, err := s.SelectNetwork(context.Background(), "nope"); !builderr.Is(err, builderr.NetworkNotFound) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSelect(t *testing.T) {
	t.Parallel()

	c := fake.New("test")
	c.AddFlavor(cloud.Flavor{ID: "f", Name: "builder", VCPUs: 2, RAMMB: 1024, DiskGB: 20})
	network := c.AddNetwork("net")

	selection, err := (&Selector{API: c}).Select(context.Background(), "", "net")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if selection != (Selection{FlavorID: "f", NetworkID: network.ID}) {
		t.Fatalf("unexpected selection: %+v", selection)
	}
}

func TestSelectClassifiesProviderErrors(t *testing.T) {
	t.Parallel()

	cause := errors.New("compute unavailable")
	tests := []struct {
		method string
		call   func(s *Selector) error
		kind   builderr.Kind
	}{
		{"ListFlavors", func(s *Selector) error { _, err := s.SelectFlavor(context.Background(), ""); return err }, builderr.FlavorNotFound},
		{"GetFlavorByName", func(s *Selector) error { _, err := s.SelectFlavor(context.Background(), "builder"); return err }, builderr.FlavorNotFound},
		{"ListSubnets", func(s *Selector) error { _, err := s.SelectNetwork(context.Background(), ""); return err }, builderr.NetworkNotFound},
		{"ListNetworks", func(s *Selector) error { _, err := s.SelectNetwork(context.Background(), ""); return err }, builderr.NetworkNotFound},
		{"GetNetworkByName", func(s *Selector) error { _, err := s.SelectNetwork(context.Background(), "net"); return err }, builderr.NetworkNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			t.Parallel()

			c := fake.New("test")
			c.AddFlavor(cloud.Flavor{ID: "f", Name: "builder", VCPUs: 2, RAMMB: 1024, DiskGB: 20})
			c.AddNetwork("net")
			c.Failures = map[string]error{tt.method: cause}

			err := tt.call(&Selector{API: c})
			if !builderr.Is(err, tt.kind) {
				t.Fatalf("unexpected error kind: %v", err)
			}
			if !errors.Is(err, cause) {
				t.Fatalf("cause not reachable: %v", err)
			}
		})
	}
}
