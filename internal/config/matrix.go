package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/canonical/github-runner-image-builder/arch"
	"github.com/canonical/github-runner-image-builder/internal/builderr"
)

// BuildMatrix is the varying part of a batch: one job per base image.
type BuildMatrix struct {
	Arch         arch.Architecture
	Bases        []BaseImage
	UploadClouds []string
}

// StaticConfig is shared by every job of a batch.
type StaticConfig struct {
	CloudName     string
	ImageName     string
	Prefix        string
	RunnerVersion string
	Script        ScriptConfig
	Retention     int
	Proxy         string
	Flavor        string
	Network       string
}

// Validate checks values shared by every job.
func (s StaticConfig) Validate() error {
	if s.CloudName == "" {
		return builderr.New(builderr.InvalidConfig, "cloud name is required")
	}
	if s.Retention < 1 {
		return builderr.New(builderr.InvalidConfig, "retention must be at least 1, got %d", s.Retention)
	}
	return nil
}

// MatrixFile is the YAML representation of a batch.
type MatrixFile struct {
	Arch          string   `yaml:"arch"`
	Bases         []string `yaml:"bases"`
	UploadClouds  []string `yaml:"upload_clouds"`
	Cloud         string   `yaml:"cloud"`
	ImageName     string   `yaml:"image_name"`
	Prefix        string   `yaml:"prefix"`
	Flavor        string   `yaml:"flavor"`
	Network       string   `yaml:"network"`
	Proxy         string   `yaml:"proxy"`
	RunnerVersion string   `yaml:"runner_version"`
	ScriptURL     string   `yaml:"script_url"`
	KeepRevisions int      `yaml:"keep_revisions"`
}

// LoadMatrixFile reads and resolves a matrix file. Secrets are never read
// from the file; callers attach them from the environment.
func LoadMatrixFile(path string) (BuildMatrix, StaticConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BuildMatrix{}, StaticConfig{}, fmt.Errorf("read matrix file: %w", err)
	}
	return ParseMatrixFile(data)
}

// ParseMatrixFile resolves matrix file content into typed configuration.
func ParseMatrixFile(data []byte) (BuildMatrix, StaticConfig, error) {
	var file MatrixFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return BuildMatrix{}, StaticConfig{}, builderr.Wrap(builderr.InvalidConfig, err, "parse matrix file")
	}

	architecture := arch.X64
	if file.Arch != "" {
		parsed, err := arch.Parse(file.Arch)
		if err != nil {
			return BuildMatrix{}, StaticConfig{}, builderr.Wrap(builderr.InvalidConfig, err, "parse matrix file")
		}
		architecture = parsed
	}

	bases, err := ParseBases(file.Bases)
	if err != nil {
		return BuildMatrix{}, StaticConfig{}, builderr.Wrap(builderr.InvalidConfig, err, "parse matrix file")
	}
	if len(bases) == 0 {
		return BuildMatrix{}, StaticConfig{}, builderr.New(builderr.InvalidConfig, "matrix file lists no bases")
	}

	retention := file.KeepRevisions
	if retention == 0 {
		retention = DefaultRetention
	}

	matrix := BuildMatrix{Arch: architecture, Bases: bases, UploadClouds: file.UploadClouds}
	static := StaticConfig{
		CloudName:     file.Cloud,
		ImageName:     file.ImageName,
		Prefix:        file.Prefix,
		RunnerVersion: file.RunnerVersion,
		Script:        ScriptConfig{URL: file.ScriptURL},
		Retention:     retention,
		Proxy:         file.Proxy,
		Flavor:        file.Flavor,
		Network:       file.Network,
	}
	return matrix, static, nil
}
