/*
Package config handles loading and validating per-environment configuration.
configuration lives in configs/<environment>.yaml and can be overridden with
ARENA_DEPLOY_* environment variables. values are read once at startup and
passed through the app via dependency injection; no global config variable
is used, so dependencies stay visible and the code stays testable.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// AllowedEnvironments is the fixed allow-list of deploy targets. the
// environment validator rejects anything not matching an entry exactly.
var AllowedEnvironments = []string{"staging", "production"}

// Component describes one buildable container image: where its build context
// lives and which repository it is pushed to.
type Component struct {
	// Name is the logical component name, e.g. "web" or "worker"
	Name string `mapstructure:"name"`

	// Context is the docker build context directory
	Context string `mapstructure:"context"`

	// Dockerfile is the path of the Dockerfile relative to the context
	Dockerfile string `mapstructure:"dockerfile"`

	// Repository is the target repository name within the registry,
	// e.g. "arena/web" (without the registry host)
	Repository string `mapstructure:"repository"`
}

// Service describes one logical service managed by the orchestration API.
type Service struct {
	// Name is the logical service name; it must match a component name so
	// the rollout controller knows which pushed artifact to bind.
	Name string `mapstructure:"name"`

	// Cluster is the orchestration cluster the service runs in
	Cluster string `mapstructure:"cluster"`
}

// Config is the explicit configuration value object handed to the controller
// at construction. every recognized key from the environment config file has
// a field here; nothing reads the environment after startup.
type Config struct {
	// Environment is the target environment name, set from the CLI argument
	// (not from the file) so the file cannot contradict the invocation.
	Environment string `mapstructure:"-"`

	// Region is the cloud region the orchestration and registry APIs live in
	Region string `mapstructure:"region"`

	// VersionTagPattern validates the shape of release tags, e.g. ^v\d+\.\d+\.\d+$
	VersionTagPattern string `mapstructure:"version_tag_pattern"`

	Components []Component `mapstructure:"components"`
	Services   []Service   `mapstructure:"services"`

	// RegistryHost is the registry all component repositories live under
	RegistryHost string `mapstructure:"registry_host"`

	// ParallelBuilds runs independent component builds concurrently.
	// set false for resource-constrained environments.
	ParallelBuilds bool `mapstructure:"parallel_builds"`

	// PushAttempts bounds push retries per artifact (default 3)
	PushAttempts int `mapstructure:"push_attempts"`

	// PushBackoffBase is the first retry delay; it doubles per attempt
	PushBackoffBase time.Duration `mapstructure:"push_backoff_base"`

	// PushBackoffCap caps the doubled delay
	PushBackoffCap time.Duration `mapstructure:"push_backoff_cap"`

	// ApplyTimeout is the overall deadline for one infrastructure apply
	ApplyTimeout time.Duration `mapstructure:"apply_timeout"`

	// RolloutTimeout is the per-service deadline for a rollout to stabilize
	RolloutTimeout time.Duration `mapstructure:"rollout_timeout"`

	// RolloutPollInterval is the fixed re-check interval while waiting
	RolloutPollInterval time.Duration `mapstructure:"rollout_poll_interval"`

	// HealthRetries is how many times the whole verification battery runs
	// before verification is declared failed
	HealthRetries int `mapstructure:"health_retries"`

	// HealthRetryInterval is the fixed delay between battery attempts
	HealthRetryInterval time.Duration `mapstructure:"health_retry_interval"`

	// APIHealthURL is the endpoint the synthetic end-to-end check calls
	APIHealthURL string `mapstructure:"api_health_url"`

	// APILatencyThreshold fails the API check when exceeded (default 2000ms)
	APILatencyThreshold time.Duration `mapstructure:"api_latency_threshold"`

	// APIProcessingThreshold is the secondary threshold applied when the
	// response carries processing-time metadata
	APIProcessingThreshold time.Duration `mapstructure:"api_processing_threshold"`

	// DatastoreDSN is the Postgres connection string for the datastore probe
	DatastoreDSN string `mapstructure:"datastore_dsn"`

	// DatastoreMinFreePercent fails the datastore check when free capacity
	// drops below this percentage
	DatastoreMinFreePercent float64 `mapstructure:"datastore_min_free_percent"`

	// CacheAddr is the Redis address for the cache-layer probe
	CacheAddr string `mapstructure:"cache_addr"`

	// CacheMaxMemoryPercent fails the cache check when memory utilization
	// exceeds this percentage
	CacheMaxMemoryPercent float64 `mapstructure:"cache_max_memory_percent"`

	// CPUThreshold / MemoryThreshold bound the advisory utilization check
	CPUThreshold    float64 `mapstructure:"cpu_threshold"`
	MemoryThreshold float64 `mapstructure:"memory_threshold"`

	// TerraformDir is the directory holding the declarative resource definitions.
	// the controller treats its contents as an opaque blob; it only runs the
	// provisioning tool against it.
	TerraformDir string `mapstructure:"terraform_dir"`

	// StateBackupDir is where pre-apply state snapshots are written
	StateBackupDir string `mapstructure:"state_backup_dir"`

	// StateBackupBucket optionally names an S3 bucket for snapshot durability
	// copies. empty disables the upload.
	StateBackupBucket string `mapstructure:"state_backup_bucket"`

	// SnapshotRetention is how many local snapshots to keep per environment;
	// older ones are pruned when a new snapshot is taken
	SnapshotRetention int `mapstructure:"snapshot_retention"`

	// DataRestoreCommand is the opaque external command the rollback
	// controller runs when a data restore is flagged. empty means the
	// environment has no restore facility wired.
	DataRestoreCommand string `mapstructure:"data_restore_command"`

	// ReportPath is the well-known path the JSON health report is written to
	ReportPath string `mapstructure:"report_path"`

	// DBPath is the SQLite file holding attempts, audit records and snapshots
	DBPath string `mapstructure:"db_path"`

	// AuditLogPath is the append-only JSON-lines audit log file
	AuditLogPath string `mapstructure:"audit_log_path"`

	// ServeAddr is the listen address for the read-only status API
	ServeAddr string `mapstructure:"serve_addr"`
}

// Load reads configs/<environment>.yaml (or the explicit file passed via
// --config), applies ARENA_DEPLOY_* environment overrides, fills defaults,
// and returns a validated Config.
func Load(environment string, explicitFile string) (*Config, error) {
	v := viper.New()

	if explicitFile != "" {
		v.SetConfigFile(explicitFile)
	} else {
		v.SetConfigName(environment)
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("ARENA_DEPLOY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config for environment %q: %w", environment, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config for environment %q: %w", environment, err)
	}
	cfg.Environment = environment

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers operational defaults so a minimal config file
// only has to say what is specific to the environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("version_tag_pattern", `^v[0-9]+\.[0-9]+\.[0-9]+$`)
	v.SetDefault("parallel_builds", true)
	v.SetDefault("push_attempts", 3)
	v.SetDefault("push_backoff_base", "2s")
	v.SetDefault("push_backoff_cap", "30s")
	v.SetDefault("apply_timeout", "600s")
	v.SetDefault("rollout_timeout", "600s")
	v.SetDefault("rollout_poll_interval", "10s")
	v.SetDefault("health_retries", 3)
	v.SetDefault("health_retry_interval", "30s")
	v.SetDefault("api_latency_threshold", "2000ms")
	v.SetDefault("api_processing_threshold", "1500ms")
	v.SetDefault("datastore_min_free_percent", 10)
	v.SetDefault("cache_max_memory_percent", 90)
	v.SetDefault("cpu_threshold", 80)
	v.SetDefault("memory_threshold", 80)
	v.SetDefault("snapshot_retention", 10)
	v.SetDefault("state_backup_dir", "./state-backups")
	v.SetDefault("report_path", "./health-report.json")
	v.SetDefault("db_path", "./arena-deploy.db")
	v.SetDefault("audit_log_path", "./audit.log")
	v.SetDefault("serve_addr", "127.0.0.1:8844")
}

// Validate checks the loaded values for internal consistency. it does not
// probe anything external; live probes (credentials, registries, daemons)
// belong to the environment validator, which runs per attempt.
func (config *Config) Validate() error {
	allowed := false
	for _, name := range AllowedEnvironments {
		if config.Environment == name {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("environment %q is not in the allow-list %v", config.Environment, AllowedEnvironments)
	}

	if len(config.Components) == 0 {
		return fmt.Errorf("config for %q declares no components", config.Environment)
	}
	if len(config.Services) == 0 {
		return fmt.Errorf("config for %q declares no services", config.Environment)
	}
	if config.RegistryHost == "" {
		return fmt.Errorf("config for %q has no registry_host", config.Environment)
	}
	if config.Region == "" {
		return fmt.Errorf("config for %q has no region", config.Environment)
	}

	// every service must map to a component so the rollout controller can
	// bind the freshly pushed artifact.
	componentNames := make(map[string]bool, len(config.Components))
	for _, component := range config.Components {
		if component.Name == "" || component.Context == "" || component.Repository == "" {
			return fmt.Errorf("component %+v is missing name, context or repository", component)
		}
		componentNames[component.Name] = true
	}
	for _, service := range config.Services {
		if !componentNames[service.Name] {
			return fmt.Errorf("service %q has no matching component", service.Name)
		}
		if service.Cluster == "" {
			return fmt.Errorf("service %q has no cluster", service.Name)
		}
	}

	if config.PushAttempts < 1 {
		return fmt.Errorf("push_attempts must be at least 1, got %d", config.PushAttempts)
	}
	if config.RolloutPollInterval <= 0 {
		return fmt.Errorf("rollout_poll_interval must be positive, got %s", config.RolloutPollInterval)
	}
	if config.HealthRetries < 1 {
		return fmt.Errorf("health_retries must be at least 1, got %d", config.HealthRetries)
	}
	return nil
}

// RepositoryFor returns the registry-qualified repository for a component
// name, e.g. "123.dkr.ecr.../arena/web", and whether the component exists.
func (config *Config) RepositoryFor(component string) (string, bool) {
	for _, candidate := range config.Components {
		if candidate.Name == component {
			return config.RegistryHost + "/" + candidate.Repository, true
		}
	}
	return "", false
}

// NewLogger constructs the application logger. production JSON output by
// default; verbose switches to the human-readable development encoder.
func NewLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}
