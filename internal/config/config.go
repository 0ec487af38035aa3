// Package config loads the controller's typed configuration from a YAML
// file laid over built-in defaults; environment variables are not read
// (following the teacher's nested ServerConfig shape:
// Server/DataStorage/Processing become Server/Kubernetes/Images/Lab/
// FileServer/Prepuller here).
package config

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Config is the root configuration tree for the lab controller process.
type Config struct {
	Server     ServerSettings     `json:"server"`
	Kubernetes KubernetesSettings `json:"kubernetes"`
	Images     ImagesSettings     `json:"images"`
	Lab        LabSettings        `json:"lab"`
	FileServer FileServerSettings `json:"fileServer"`
	Prepuller  PrepullerSettings  `json:"prepuller"`
}

// ServerSettings configures the HTTP surface (pkg/api).
type ServerSettings struct {
	ListenAddr   string        `json:"listenAddr"`
	ReadTimeout  time.Duration `json:"readTimeout"`
	WriteTimeout time.Duration `json:"writeTimeout"`
	IdleTimeout  time.Duration `json:"idleTimeout"`
	MetricsAddr  string        `json:"metricsAddr"`
}

// KubernetesSettings configures the Kubernetes Adapter.
type KubernetesSettings struct {
	Kubeconfig      string        `json:"kubeconfig"` // empty = in-cluster
	NamespacePrefix string        `json:"namespacePrefix"`
	RequestTimeout  time.Duration `json:"requestTimeout"`
	WatchTimeout    time.Duration `json:"watchTimeout"`
}

// ImagesSettings configures the Image Service (Component C) and its
// source (Component A).
type ImagesSettings struct {
	RefreshInterval   time.Duration     `json:"refreshInterval"`
	SourceKind        string            `json:"sourceKind"` // "registry" | "gar"
	RegistryHost      string            `json:"registryHost"`
	Repository        string            `json:"repository"`
	TokenEndpoints    []string          `json:"tokenEndpoints"`
	RecommendedTag    string            `json:"recommendedTag"`
	NumReleases       int               `json:"numReleases"`
	NumWeeklies       int               `json:"numWeeklies"`
	NumDailies        int               `json:"numDailies"`
	Pins              []string          `json:"pins"`
	CycleFilter       *int              `json:"cycleFilter,omitempty"`
	NodeSelector      map[string]string `json:"nodeSelector"`
	Tolerations       []Toleration      `json:"tolerations"`
	CircuitBreakerMax uint32            `json:"circuitBreakerMaxFailures"`
}

// Toleration is the subset of corev1.Toleration the controller needs to
// configure without importing k8s types into the config package.
type Toleration struct {
	Key      string `json:"key"`
	Operator string `json:"operator"`
	Value    string `json:"value,omitempty"`
	Effect   string `json:"effect,omitempty"`
}

// LabSettings configures the Lab Manager (Component E).
type LabSettings struct {
	NamespacePrefix   string             `json:"namespacePrefix"`
	Sizes             map[string]Size    `json:"sizes"`
	SpawnTimeout      time.Duration      `json:"spawnTimeout"`
	DeleteTimeout     time.Duration      `json:"deleteTimeout"`
	ReconcileInterval time.Duration      `json:"reconcileInterval"`
	Env               map[string]string  `json:"env"`
	Labels            map[string]string  `json:"labels"`
	Annotations       map[string]string  `json:"annotations"`
	SecretSources     []SecretProjection `json:"secretSources"`
	PullSecretName    string             `json:"pullSecretName"`
	EventBufferSize   int                `json:"eventBufferSize"`
	Privileged        bool               `json:"privileged"`
	NSSBasePasswd     string             `json:"nssBasePasswd"`
	NSSBaseGroup      string             `json:"nssBaseGroup"`
}

// Size is one entry in the named size table.
type Size struct {
	CPULimit    float64 `json:"cpuLimit"`
	CPUFraction float64 `json:"cpuGuaranteeFraction"`
	MemLimit    int64   `json:"memLimitBytes"`
	MemFraction float64 `json:"memGuaranteeFraction"`
}

// SecretProjection copies one key from a controller-namespace secret into
// the user's namespace, either as an env var or a mounted file.
type SecretProjection struct {
	SourceSecret string `json:"sourceSecret"`
	SourceKey    string `json:"sourceKey"`
	AsEnvVar     string `json:"asEnvVar,omitempty"`
	AsFile       string `json:"asFile,omitempty"`
}

// FileServerSettings configures the File-Server Manager (Component F).
type FileServerSettings struct {
	NamespacePrefix   string        `json:"namespacePrefix"`
	Image             string        `json:"image"`
	IdleTimeout       time.Duration `json:"idleTimeout"`
	CreationTimeout   time.Duration `json:"creationTimeout"`
	ReconcileInterval time.Duration `json:"reconcileInterval"`
	IngressClass      string        `json:"ingressClass"`
}

// PrepullerSettings configures the Prepuller (Component D).
type PrepullerSettings struct {
	ConcurrencyLimit int           `json:"concurrencyLimit"`
	Tick             time.Duration `json:"tick"`
	PodTimeout       time.Duration `json:"podTimeout"`
	MaxBackoff       time.Duration `json:"maxBackoff"`
}

// Load reads and parses a YAML config file, applying defaults for any
// zero-valued duration/interval fields so a minimal file is usable.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with conservative defaults for every
// timeout and interval, matching the teacher's DefaultRetrySettings()-style
// "safe to run with just this" philosophy.
func Default() *Config {
	return &Config{
		Server: ServerSettings{
			ListenAddr:   ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // SSE streams must not be write-deadlined
			IdleTimeout:  120 * time.Second,
			MetricsAddr:  ":8081",
		},
		Kubernetes: KubernetesSettings{
			NamespacePrefix: "userlabs",
			RequestTimeout:  30 * time.Second,
			WatchTimeout:    10 * time.Minute,
		},
		Images: ImagesSettings{
			RefreshInterval:   5 * time.Minute,
			SourceKind:        "registry",
			NumReleases:       3,
			NumWeeklies:       3,
			NumDailies:        3,
			CircuitBreakerMax: 5,
		},
		Lab: LabSettings{
			NamespacePrefix:   "userlabs",
			SpawnTimeout:      90 * time.Second,
			DeleteTimeout:     60 * time.Second,
			ReconcileInterval: 30 * time.Second,
			EventBufferSize:   1000,
		},
		FileServer: FileServerSettings{
			NamespacePrefix:   "fileservers",
			IdleTimeout:       30 * time.Minute,
			CreationTimeout:   60 * time.Second,
			ReconcileInterval: time.Minute,
		},
		Prepuller: PrepullerSettings{
			ConcurrencyLimit: 10,
			Tick:             30 * time.Second,
			PodTimeout:       5 * time.Minute,
			MaxBackoff:       5 * time.Minute,
		},
	}
}
