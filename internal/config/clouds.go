package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/canonical/github-runner-image-builder/internal/builderr"
)

// CloudAuth is the auth block of a clouds.yaml entry.
type CloudAuth struct {
	AuthURL                     string `yaml:"auth_url"`
	Username                    string `yaml:"username,omitempty"`
	Password                    string `yaml:"password,omitempty"`
	ProjectName                 string `yaml:"project_name,omitempty"`
	ProjectID                   string `yaml:"project_id,omitempty"`
	UserDomainName              string `yaml:"user_domain_name,omitempty"`
	ProjectDomainName           string `yaml:"project_domain_name,omitempty"`
	DomainName                  string `yaml:"domain_name,omitempty"`
	ApplicationCredentialID     string `yaml:"application_credential_id,omitempty"`
	ApplicationCredentialSecret string `yaml:"application_credential_secret,omitempty"`
}

// CloudEntry is one named cloud in clouds.yaml.
type CloudEntry struct {
	Auth       CloudAuth `yaml:"auth"`
	RegionName string    `yaml:"region_name,omitempty"`
	Interface  string    `yaml:"interface,omitempty"`
}

// CloudsFile is a parsed clouds.yaml that remembers the declaration order of
// its clouds.
type CloudsFile struct {
	Path   string
	Names  []string
	Clouds map[string]CloudEntry
}

type cloudsDocument struct {
	Clouds yaml.Node `yaml:"clouds"`
}

// ParseClouds decodes clouds.yaml content.
func ParseClouds(data []byte) (CloudsFile, error) {
	var doc cloudsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return CloudsFile{}, builderr.Wrap(builderr.CloudsConfigFail, err, "parse clouds.yaml")
	}
	if doc.Clouds.Kind != yaml.MappingNode {
		return CloudsFile{}, builderr.New(builderr.CloudsConfigFail, "clouds.yaml has no clouds mapping")
	}

	file := CloudsFile{Clouds: map[string]CloudEntry{}}
	for i := 0; i+1 < len(doc.Clouds.Content); i += 2 {
		name := doc.Clouds.Content[i].Value
		var entry CloudEntry
		if err := doc.Clouds.Content[i+1].Decode(&entry); err != nil {
			return CloudsFile{}, builderr.Wrap(builderr.CloudsConfigFail, err, "parse cloud %q", name)
		}
		file.Names = append(file.Names, name)
		file.Clouds[name] = entry
	}
	if len(file.Names) == 0 {
		return CloudsFile{}, builderr.New(builderr.CloudsConfigFail, "clouds.yaml declares no clouds")
	}
	return file, nil
}

// LoadClouds reads clouds.yaml from path.
func LoadClouds(path string) (CloudsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CloudsFile{}, builderr.Wrap(builderr.CloudsConfigFail, err, "read clouds.yaml")
	}
	file, err := ParseClouds(data)
	if err != nil {
		return CloudsFile{}, err
	}
	file.Path = path
	return file, nil
}

// DefaultCloudsPaths lists the locations searched for clouds.yaml, in order.
func DefaultCloudsPaths() []string {
	paths := []string{"clouds.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, "clouds.yaml"),
			filepath.Join(home, ".config", "openstack", "clouds.yaml"),
		)
	}
	return append(paths, "/etc/openstack/clouds.yaml")
}

// FindClouds loads the first existing file among paths.
func FindClouds(paths []string) (CloudsFile, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return CloudsFile{}, builderr.Wrap(builderr.CloudsConfigFail, err, "stat %s", path)
		}
		return LoadClouds(path)
	}
	return CloudsFile{}, builderr.New(builderr.CloudsConfigFail, "no clouds.yaml found (searched %v)", paths)
}

// Get returns the named cloud.
func (f CloudsFile) Get(name string) (CloudEntry, error) {
	entry, ok := f.Clouds[name]
	if !ok {
		return CloudEntry{}, builderr.New(builderr.CloudsConfigFail, "cloud %q not found in %s", name, f.Path)
	}
	return entry, nil
}

// First returns the name of the first declared cloud.
func (f CloudsFile) First() string {
	if len(f.Names) == 0 {
		return ""
	}
	return f.Names[0]
}

// Resolve returns name when set, otherwise the first declared cloud.
func (f CloudsFile) Resolve(name string) (string, error) {
	if name != "" {
		if _, err := f.Get(name); err != nil {
			return "", err
		}
		return name, nil
	}
	if first := f.First(); first != "" {
		return first, nil
	}
	return "", builderr.New(builderr.CloudsConfigFail, "no cloud configured")
}

// Write stores the file as YAML with mode 0600, preserving declaration order.
func (f CloudsFile) Write(path string) error {
	var clouds yaml.Node
	clouds.Kind = yaml.MappingNode
	for _, name := range f.Names {
		var value yaml.Node
		if err := value.Encode(f.Clouds[name]); err != nil {
			return fmt.Errorf("encode cloud %q: %w", name, err)
		}
		clouds.Content = append(clouds.Content, &yaml.Node{Kind: yaml.ScalarNode, Value: name}, &value)
	}
	data, err := yaml.Marshal(cloudsDocument{Clouds: clouds})
	if err != nil {
		return fmt.Errorf("encode clouds.yaml: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create clouds.yaml directory: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
