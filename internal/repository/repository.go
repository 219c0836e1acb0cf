package repository

import (
	"context"
	"time"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
)

// PolicyRepository persists registered isolation policies.
type PolicyRepository interface {
	UpsertPolicy(ctx context.Context, policy *domain.IsolationPolicy) error
	GetPolicyByName(ctx context.Context, name string) (*domain.IsolationPolicy, error)
	ListPolicies(ctx context.Context) ([]domain.IsolationPolicy, error)
}

// DeploymentRepository stores deployment records and status history.
type DeploymentRepository interface {
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error
	GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, namespace string, limit int) ([]domain.Deployment, error)
	DeleteDeployment(ctx context.Context, deploymentID string) error
}

// ScalingPolicyRepository stores autoscaling policies keyed by deployment and service.
type ScalingPolicyRepository interface {
	UpsertScalingPolicy(ctx context.Context, policy domain.ScalingPolicy) error
	ListScalingPolicies(ctx context.Context) ([]domain.ScalingPolicy, error)
	DeleteScalingPolicy(ctx context.Context, deploymentID, serviceName string) error
}

// AuditRepository appends structured security/audit events.
type AuditRepository interface {
	InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error
	ListAuditEvents(ctx context.Context, sessionID string, since time.Time, limit int) ([]domain.AuditEvent, error)
}

// AlertRepository stores monitoring alerts until acknowledged.
type AlertRepository interface {
	InsertAlert(ctx context.Context, alert *domain.MonitoringAlert) error
	AcknowledgeAlert(ctx context.Context, alertID string) error
	ListAlerts(ctx context.Context, onlyUnacknowledged bool, limit int) ([]domain.MonitoringAlert, error)
}
