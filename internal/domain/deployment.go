package domain

import "time"

// RolloutStrategy selects how new instances replace or join the running set.
type RolloutStrategy string

const (
	StrategyRolling   RolloutStrategy = "rolling"
	StrategyBlueGreen RolloutStrategy = "blue-green"
	StrategyCanary    RolloutStrategy = "canary"
)

// Deployment status values.
const (
	DeploymentPending  = "pending"
	DeploymentRunning  = "running"
	DeploymentDegraded = "degraded"
	DeploymentFailed   = "failed"
	DeploymentStopped  = "stopped"
)

// HealthCheckSpec configures the in-sandbox health probe for a service.
type HealthCheckSpec struct {
	Command  []string
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// ServiceDefinition is a named, replicated unit within a deployment.
type ServiceDefinition struct {
	Name          string
	Image         string
	Replicas      int
	PolicyName    string
	Resources     ResourceLimits
	Environment   map[string]string
	Ports         []PortMapping
	HealthCheck   HealthCheckSpec
	RestartPolicy string
	MaxRestarts   int
}

// PortMapping publishes a container port on the host. Protocol defaults to
// tcp when empty.
type PortMapping struct {
	ContainerPort int
	HostPort      int
	Protocol      string
}

// InstanceState tracks one service instance's condition.
type InstanceState string

const (
	InstanceCreating  InstanceState = "creating"
	InstanceRunning   InstanceState = "running"
	InstanceUnhealthy InstanceState = "unhealthy"
	InstanceFailed    InstanceState = "failed"
	InstanceStopped   InstanceState = "stopped"
)

// ServiceInstance is one running (or failed) copy of a ServiceDefinition.
type ServiceInstance struct {
	ID           string
	DeploymentID string
	ServiceName  string
	Index        int
	SandboxID    string
	SessionID    string
	State        InstanceState
	Healthy      bool
	RestartCount int
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Deployment is a named, versioned group of service definitions.
type Deployment struct {
	ID              string
	Name            string
	Namespace       string
	Strategy        RolloutStrategy
	Services        []ServiceDefinition
	Version         int
	Status          string
	Error           string
	DesiredReplicas int
	RunningReplicas int
	ReadyReplicas   int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ScalingPolicy bounds autoscaling for one service within a deployment.
type ScalingPolicy struct {
	DeploymentID      string
	ServiceName       string
	MinReplicas       int
	MaxReplicas       int
	TargetCPUPercent  float64
	TargetMemoryPct   float64
	ScaleUpCooldown   time.Duration
	ScaleDownCooldown time.Duration
}

// DeploymentStatusUpdate captures mutable deployment fields for persistence.
type DeploymentStatusUpdate struct {
	DeploymentID    string
	Status          string
	Error           string
	Version         int
	DesiredReplicas int
	RunningReplicas int
	ReadyReplicas   int
	CompletedAt     *time.Time
}
