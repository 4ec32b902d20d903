package config

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/samber/lo"
)

// SecretEnvPrefix marks environment variables forwarded to the customization
// script. The prefix is stripped from the exported name.
const SecretEnvPrefix = "IMAGE_BUILDER_SECRET_"

// Environment holds defaults read from the process environment. Command-line
// flags override them.
type Environment struct {
	CloudName     string   `env:"IMAGE_BUILDER_CLOUD_NAME"`
	Prefix        string   `env:"IMAGE_BUILDER_PREFIX"`
	Flavor        string   `env:"IMAGE_BUILDER_FLAVOR"`
	Network       string   `env:"IMAGE_BUILDER_NETWORK"`
	Proxy         string   `env:"IMAGE_BUILDER_PROXY"`
	RunnerVersion string   `env:"IMAGE_BUILDER_RUNNER_VERSION"`
	ScriptURL     string   `env:"IMAGE_BUILDER_SCRIPT_URL"`
	Retention     int      `env:"IMAGE_BUILDER_KEEP_REVISIONS" envDefault:"5"`
	UploadClouds  []string `env:"IMAGE_BUILDER_UPLOAD_CLOUDS" envSeparator:","`
	Parallelism   int      `env:"IMAGE_BUILDER_PARALLELISM"`
	KeyPath       string   `env:"IMAGE_BUILDER_KEY_PATH" envDefault:"/home/ubuntu/.ssh/builder_key"`
	KeyOwner      string   `env:"IMAGE_BUILDER_KEY_OWNER"`
	CloudsYAML    string   `env:"IMAGE_BUILDER_CLOUDS_YAML"`
	StateDir      string   `env:"IMAGE_BUILDER_STATE_DIR" envDefault:"/var/lib/github-runner-image-builder"`
}

// LoadEnvironment parses the process environment.
func LoadEnvironment() (Environment, error) {
	cfg, err := env.ParseAs[Environment]()
	if err != nil {
		return Environment{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// LoadEnvironmentFrom parses the given variables instead of the process
// environment.
func LoadEnvironmentFrom(vars map[string]string) (Environment, error) {
	cfg, err := env.ParseAsWithOptions[Environment](env.Options{Environment: vars})
	if err != nil {
		return Environment{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// LoadSecrets collects IMAGE_BUILDER_SECRET_* variables from environ (in
// os.Environ format) keyed by their unprefixed name.
func LoadSecrets(environ []string) map[string]string {
	vars := lo.PickBy(env.ToMap(environ), func(key, _ string) bool {
		return strings.HasPrefix(key, SecretEnvPrefix) && len(key) > len(SecretEnvPrefix)
	})
	return lo.MapKeys(vars, func(_ string, key string) string {
		return strings.TrimPrefix(key, SecretEnvPrefix)
	})
}

// ProcessSecrets is LoadSecrets over os.Environ.
func ProcessSecrets() map[string]string {
	return LoadSecrets(os.Environ())
}

func sortedKeys(m map[string]string) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
