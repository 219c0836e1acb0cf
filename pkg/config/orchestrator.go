package config

import "time"

// OrchestratorConfig holds runtime configuration for the control-plane daemon.
type OrchestratorConfig struct {
	Environment   string
	Addr          string
	LogLevel      string
	DatabaseURL   string
	MigrationsDir string
	DockerHost    string

	EnvSealKey string

	MaxConcurrentProcesses int
	HealthCheckInterval    time.Duration
	ResourceCheckInterval  time.Duration
	CleanupGracePeriod     time.Duration
	RecoveryThreshold      int
	EscalationThreshold    int

	ContainerMonitorInterval time.Duration
	CommandTimeout           time.Duration

	RolloutWaitTimeout  time.Duration
	CanaryWindow        time.Duration
	CanaryHealthyRatio  float64
	AutoscaleInterval   time.Duration
	InstanceStopTimeout time.Duration

	MaxRiskScore       float64
	RiskDecayPerMinute float64
	RiskScoreCeiling   float64
	CommandRateLimit   int
	DangerousModeTTL   time.Duration
	SweepInterval      time.Duration

	RiskRedisAddr string
	RiskRedisPass string
	RiskRedisDB   int
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("ORCHESTRATOR_ADDR", ":6000"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://agenttool:agenttool@db:5432/agenttool?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "../db/migrations"),
		DockerHost:    GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),

		EnvSealKey: GetString("ENV_SEAL_KEY", "supersecuresecret"),

		MaxConcurrentProcesses: GetInt("MAX_CONCURRENT_PROCESSES", 10),
		HealthCheckInterval:    time.Duration(GetInt("HEALTH_CHECK_SECONDS", 30)) * time.Second,
		ResourceCheckInterval:  time.Duration(GetInt("RESOURCE_CHECK_SECONDS", 10)) * time.Second,
		CleanupGracePeriod:     time.Duration(GetInt("CLEANUP_GRACE_SECONDS", 5)) * time.Second,
		RecoveryThreshold:      GetInt("RECOVERY_FAILURE_THRESHOLD", 3),
		EscalationThreshold:    GetInt("ESCALATION_FAILURE_THRESHOLD", 5),

		ContainerMonitorInterval: time.Duration(GetInt("CONTAINER_MONITOR_SECONDS", 15)) * time.Second,
		CommandTimeout:           time.Duration(GetInt("COMMAND_TIMEOUT_SECONDS", 120)) * time.Second,

		RolloutWaitTimeout:  time.Duration(GetInt("ROLLOUT_WAIT_SECONDS", 120)) * time.Second,
		CanaryWindow:        time.Duration(GetInt("CANARY_WINDOW_SECONDS", 300)) * time.Second,
		CanaryHealthyRatio:  GetFloat("CANARY_HEALTHY_RATIO", 0.8),
		AutoscaleInterval:   time.Duration(GetInt("AUTOSCALE_SECONDS", 60)) * time.Second,
		InstanceStopTimeout: time.Duration(GetInt("INSTANCE_STOP_SECONDS", 30)) * time.Second,

		MaxRiskScore:       GetFloat("MAX_RISK_SCORE", 100),
		RiskDecayPerMinute: GetFloat("RISK_DECAY_PER_MINUTE", 1),
		RiskScoreCeiling:   GetFloat("RISK_SCORE_CEILING", 75),
		CommandRateLimit:   GetInt("COMMAND_RATE_LIMIT_PER_MINUTE", 30),
		DangerousModeTTL:   time.Duration(GetInt("DANGEROUS_MODE_TTL_SECONDS", 1800)) * time.Second,
		SweepInterval:      time.Duration(GetInt("RISK_SWEEP_SECONDS", 30)) * time.Second,

		RiskRedisAddr: GetString("RISK_REDIS_ADDR", ""),
		RiskRedisPass: GetString("RISK_REDIS_PASSWORD", ""),
		RiskRedisDB:   GetInt("RISK_REDIS_DB", 0),
	}
}
