// Package config centralizes environment-variable driven configuration for
// the instance manager API, read once at process startup.
package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the service's runtime configuration, per spec.md §6
// "Environment variables consumed".
type Config struct {
	// KubernetesNamespace is the namespace all orchestrator objects live in.
	KubernetesNamespace string

	// BaseDomain is the host used to build instance URLs and the ingress rule.
	BaseDomain string

	// Registry is the configured container registry, used for both push
	// and pull unless the node-IP dual-address resolver (internal/registry)
	// finds a more specific push address at startup.
	Registry string

	// DockerHost is the address of the Docker daemon the Image Builder
	// talks to (e.g. "tcp://docker-dind-service:2375").
	DockerHost string

	// APIPort is the port the HTTP server listens on.
	APIPort string

	// LogLevel is the zerolog level name ("debug", "info", "warn", "error").
	LogLevel string

	// LogPretty selects human-readable console output over JSON.
	LogPretty bool
}

const (
	defaultNamespace  = "vscode-system"
	defaultBaseDomain = "vscode.local"
	defaultRegistry   = "localhost:32000"
	defaultDockerHost = "tcp://docker-dind-service:2375"
	defaultAPIPort    = "8000"
	defaultLogLevel   = "info"
)

// fileOverlay mirrors Config's fields for an optional YAML config file,
// every field a pointer so an absent key leaves the environment/default
// value untouched.
type fileOverlay struct {
	KubernetesNamespace *string `yaml:"kubernetes_namespace"`
	BaseDomain          *string `yaml:"base_domain"`
	Registry            *string `yaml:"registry"`
	DockerHost          *string `yaml:"docker_host"`
	APIPort             *string `yaml:"api_port"`
	LogLevel            *string `yaml:"log_level"`
	LogPretty           *bool   `yaml:"log_pretty"`
}

// Load reads configuration from the environment, applying the spec's
// documented defaults for anything unset. When CONFIG_FILE points at a
// YAML file, its values overlay the defaults before the environment is
// consulted, so an operator can ship a base config file and still
// override individual fields per deployment via the environment.
func Load() Config {
	cfg := Config{
		KubernetesNamespace: defaultNamespace,
		BaseDomain:          defaultBaseDomain,
		Registry:            defaultRegistry,
		DockerHost:          defaultDockerHost,
		APIPort:             defaultAPIPort,
		LogLevel:            defaultLogLevel,
		LogPretty:           false,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		applyFileOverlay(&cfg, path)
	}

	cfg.KubernetesNamespace = getEnv("KUBERNETES_NAMESPACE", cfg.KubernetesNamespace)
	cfg.BaseDomain = getEnv("BASE_DOMAIN", cfg.BaseDomain)
	cfg.Registry = getEnv("REGISTRY", cfg.Registry)
	cfg.DockerHost = getEnv("DOCKER_HOST", cfg.DockerHost)
	cfg.APIPort = getEnv("API_PORT", cfg.APIPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	if _, set := os.LookupEnv("LOG_PRETTY"); set {
		cfg.LogPretty = os.Getenv("LOG_PRETTY") == "true"
	}

	return cfg
}

func applyFileOverlay(cfg *Config, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Printf("config: could not read CONFIG_FILE %q, ignoring: %v", path, err)
		return
	}

	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		log.Printf("config: could not parse CONFIG_FILE %q, ignoring: %v", path, err)
		return
	}

	if overlay.KubernetesNamespace != nil {
		cfg.KubernetesNamespace = *overlay.KubernetesNamespace
	}
	if overlay.BaseDomain != nil {
		cfg.BaseDomain = *overlay.BaseDomain
	}
	if overlay.Registry != nil {
		cfg.Registry = *overlay.Registry
	}
	if overlay.DockerHost != nil {
		cfg.DockerHost = *overlay.DockerHost
	}
	if overlay.APIPort != nil {
		cfg.APIPort = *overlay.APIPort
	}
	if overlay.LogLevel != nil {
		cfg.LogLevel = *overlay.LogLevel
	}
	if overlay.LogPretty != nil {
		cfg.LogPretty = *overlay.LogPretty
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
