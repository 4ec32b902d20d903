package openstack

import (
	"testing"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/github-runner-image-builder/internal/config"
)

func TestAuthOptionsPassword(t *testing.T) {
	t.Parallel()

	opts := AuthOptions(config.CloudEntry{Auth: config.CloudAuth{
		AuthURL:           "https://keystone.example.com:5000/v3",
		Username:          "builder",
		Password:          "secret",
		ProjectName:       "runners",
		UserDomainName:    "users",
		ProjectDomainName: "projects",
	}})

	assert.Equal(t, "https://keystone.example.com:5000/v3", opts.IdentityEndpoint)
	assert.Equal(t, "builder", opts.Username)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, "users", opts.DomainName)
	assert.True(t, opts.AllowReauth)
	require.NotNil(t, opts.Scope)
	assert.Equal(t, "runners", opts.Scope.ProjectName)
	assert.Equal(t, "projects", opts.Scope.DomainName)
}

func TestAuthOptionsProjectIDNeedsNoDomain(t *testing.T) {
	t.Parallel()

	opts := AuthOptions(config.CloudEntry{Auth: config.CloudAuth{
		AuthURL:    "https://keystone",
		Username:   "builder",
		ProjectID:  "abc123",
		DomainName: "default",
	}})
	require.NotNil(t, opts.Scope)
	assert.Equal(t, "abc123", opts.Scope.ProjectID)
	assert.Empty(t, opts.Scope.DomainName)
	assert.Equal(t, "default", opts.DomainName)
}

func TestAuthOptionsApplicationCredential(t *testing.T) {
	t.Parallel()

	opts := AuthOptions(config.CloudEntry{Auth: config.CloudAuth{
		AuthURL:                     "https://keystone",
		Username:                    "ignored",
		ApplicationCredentialID:     "app-id",
		ApplicationCredentialSecret: "app-secret",
	}})
	assert.Equal(t, "app-id", opts.ApplicationCredentialID)
	assert.Equal(t, "app-secret", opts.ApplicationCredentialSecret)
	assert.Empty(t, opts.Username)
	assert.Nil(t, opts.Scope)
}

func TestEndpointOptions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		iface string
		want  gophercloud.Availability
	}{
		{"", gophercloud.AvailabilityPublic},
		{"public", gophercloud.AvailabilityPublic},
		{"Internal", gophercloud.AvailabilityInternal},
		{"admin", gophercloud.AvailabilityAdmin},
	}
	for _, tt := range tests {
		opts := EndpointOptions(config.CloudEntry{RegionName: "RegionOne", Interface: tt.iface})
		assert.Equal(t, "RegionOne", opts.Region)
		assert.Equal(t, tt.want, opts.Availability, "interface %q", tt.iface)
	}
}

func TestParseAddresses(t *testing.T) {
	t.Parallel()

	raw := map[string]any{
		"z-net": []any{
			map[string]any{"addr": "fd00::5", "version": float64(6)},
		},
		"a-net": []any{
			map[string]any{"addr": "10.0.0.5", "version": float64(4)},
			"garbage",
		},
		"broken": "not a list",
	}
	addrs := parseAddresses(raw)
	require.Len(t, addrs, 2)
	assert.Equal(t, "a-net", addrs[0].Network)
	assert.Equal(t, "10.0.0.5", addrs[0].IP)
	assert.Equal(t, 6, addrs[1].Version)
}

func TestToImageKeepsStringProperties(t *testing.T) {
	t.Parallel()

	img := toImage(images.Image{
		ID:         "img-1",
		Name:       "jammy-x64",
		Status:     images.ImageStatusActive,
		Properties: map[string]any{"architecture": "x86_64", "size_hint": 3},
	})
	assert.Equal(t, "active", img.Status)
	assert.Equal(t, map[string]string{"architecture": "x86_64"}, img.Properties)
}
