package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MichaelAyles/AgentTool-sub003/internal/domain"
	"github.com/MichaelAyles/AgentTool-sub003/internal/repository"
	"github.com/MichaelAyles/AgentTool-sub003/pkg/crypto"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool    *pgxpool.Pool
	sealKey string
}

// New constructs a Repository. When sealKey is non-empty, service environment
// variables are encrypted before they reach the deployments table.
func New(pool *pgxpool.Pool, sealKey string) *Repository {
	return &Repository{pool: pool, sealKey: sealKey}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.PolicyRepository        = (*Repository)(nil)
	_ repository.DeploymentRepository    = (*Repository)(nil)
	_ repository.ScalingPolicyRepository = (*Repository)(nil)
	_ repository.AuditRepository         = (*Repository)(nil)
	_ repository.AlertRepository         = (*Repository)(nil)
)

// UpsertPolicy registers or replaces an isolation policy by name.
func (r *Repository) UpsertPolicy(ctx context.Context, policy *domain.IsolationPolicy) error {
	bundle, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("marshal policy bundle: %w", err)
	}
	const query = `INSERT INTO isolation_policies (name, fingerprint, bundle, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO UPDATE SET fingerprint = $2, bundle = $3, registered_at = $4`
	_, err = r.pool.Exec(ctx, query, policy.Name, policy.Fingerprint, bundle, policy.RegisteredAt)
	return err
}

// GetPolicyByName fetches a registered policy.
func (r *Repository) GetPolicyByName(ctx context.Context, name string) (*domain.IsolationPolicy, error) {
	const query = `SELECT bundle FROM isolation_policies WHERE name = $1`
	var bundle []byte
	if err := r.pool.QueryRow(ctx, query, name).Scan(&bundle); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	var policy domain.IsolationPolicy
	if err := json.Unmarshal(bundle, &policy); err != nil {
		return nil, fmt.Errorf("unmarshal policy bundle: %w", err)
	}
	return &policy, nil
}

// ListPolicies returns every registered policy.
func (r *Repository) ListPolicies(ctx context.Context) ([]domain.IsolationPolicy, error) {
	const query = `SELECT bundle FROM isolation_policies ORDER BY name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []domain.IsolationPolicy
	for rows.Next() {
		var bundle []byte
		if err := rows.Scan(&bundle); err != nil {
			return nil, err
		}
		var policy domain.IsolationPolicy
		if err := json.Unmarshal(bundle, &policy); err != nil {
			return nil, fmt.Errorf("unmarshal policy bundle: %w", err)
		}
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

// CreateDeployment inserts a deployment record.
func (r *Repository) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	services, err := r.encodeServices(deployment.Services)
	if err != nil {
		return fmt.Errorf("marshal services: %w", err)
	}
	const query = `INSERT INTO deployments
		(id, name, namespace, strategy, services, version, status, error, desired_replicas, running_replicas, ready_replicas, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err = r.pool.Exec(ctx, query,
		deployment.ID, deployment.Name, deployment.Namespace, string(deployment.Strategy), services,
		deployment.Version, deployment.Status, deployment.Error,
		deployment.DesiredReplicas, deployment.RunningReplicas, deployment.ReadyReplicas,
		deployment.CreatedAt, deployment.UpdatedAt)
	return err
}

// UpdateDeploymentStatus applies a status update to an existing deployment.
func (r *Repository) UpdateDeploymentStatus(ctx context.Context, update domain.DeploymentStatusUpdate) error {
	const query = `UPDATE deployments SET
		status = $2, error = $3, version = $4,
		desired_replicas = $5, running_replicas = $6, ready_replicas = $7,
		completed_at = $8, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.DeploymentID, update.Status, update.Error, update.Version,
		update.DesiredReplicas, update.RunningReplicas, update.ReadyReplicas,
		update.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// GetDeploymentByID retrieves a deployment by identifier.
func (r *Repository) GetDeploymentByID(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	const query = `SELECT id, name, namespace, strategy, services, version, status, error,
		desired_replicas, running_replicas, ready_replicas, created_at, updated_at
		FROM deployments WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, deploymentID)
	deployment, err := r.scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return deployment, nil
}

// ListDeployments returns deployments, optionally filtered by namespace.
func (r *Repository) ListDeployments(ctx context.Context, namespace string, limit int) ([]domain.Deployment, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, name, namespace, strategy, services, version, status, error,
		desired_replicas, running_replicas, ready_replicas, created_at, updated_at
		FROM deployments
		WHERE ($1 = '' OR namespace = $1)
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, namespace, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployments []domain.Deployment
	for rows.Next() {
		deployment, err := r.scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}
	return deployments, rows.Err()
}

// DeleteDeployment removes a deployment record.
func (r *Repository) DeleteDeployment(ctx context.Context, deploymentID string) error {
	const query = `DELETE FROM deployments WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, deploymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpsertScalingPolicy stores an autoscaling policy for a deployment service.
func (r *Repository) UpsertScalingPolicy(ctx context.Context, policy domain.ScalingPolicy) error {
	const query = `INSERT INTO scaling_policies
		(deployment_id, service_name, min_replicas, max_replicas, target_cpu_percent, target_memory_percent, scale_up_cooldown_ms, scale_down_cooldown_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (deployment_id, service_name) DO UPDATE SET
			min_replicas = $3, max_replicas = $4, target_cpu_percent = $5,
			target_memory_percent = $6, scale_up_cooldown_ms = $7, scale_down_cooldown_ms = $8`
	_, err := r.pool.Exec(ctx, query,
		policy.DeploymentID, policy.ServiceName, policy.MinReplicas, policy.MaxReplicas,
		policy.TargetCPUPercent, policy.TargetMemoryPct,
		policy.ScaleUpCooldown.Milliseconds(), policy.ScaleDownCooldown.Milliseconds())
	return err
}

// ListScalingPolicies returns every stored scaling policy.
func (r *Repository) ListScalingPolicies(ctx context.Context) ([]domain.ScalingPolicy, error) {
	const query = `SELECT deployment_id, service_name, min_replicas, max_replicas,
		target_cpu_percent, target_memory_percent, scale_up_cooldown_ms, scale_down_cooldown_ms
		FROM scaling_policies`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []domain.ScalingPolicy
	for rows.Next() {
		var policy domain.ScalingPolicy
		var upMS, downMS int64
		if err := rows.Scan(&policy.DeploymentID, &policy.ServiceName, &policy.MinReplicas, &policy.MaxReplicas,
			&policy.TargetCPUPercent, &policy.TargetMemoryPct, &upMS, &downMS); err != nil {
			return nil, err
		}
		policy.ScaleUpCooldown = time.Duration(upMS) * time.Millisecond
		policy.ScaleDownCooldown = time.Duration(downMS) * time.Millisecond
		policies = append(policies, policy)
	}
	return policies, rows.Err()
}

// DeleteScalingPolicy removes a scaling policy.
func (r *Repository) DeleteScalingPolicy(ctx context.Context, deploymentID, serviceName string) error {
	const query = `DELETE FROM scaling_policies WHERE deployment_id = $1 AND service_name = $2`
	tag, err := r.pool.Exec(ctx, query, deploymentID, serviceName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// InsertAuditEvent appends a structured audit record.
func (r *Repository) InsertAuditEvent(ctx context.Context, event *domain.AuditEvent) error {
	const query = `INSERT INTO audit_events (id, session_id, category, action, severity, outcome, detail, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		event.ID, event.SessionID, event.Category, event.Action,
		string(event.Severity), event.Outcome, event.Detail, event.OccurredAt)
	return err
}

// ListAuditEvents returns audit events for a session since a point in time.
func (r *Repository) ListAuditEvents(ctx context.Context, sessionID string, since time.Time, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, session_id, category, action, severity, outcome, detail, occurred_at
		FROM audit_events
		WHERE session_id = $1 AND occurred_at >= $2
		ORDER BY occurred_at DESC LIMIT $3`
	rows, err := r.pool.Query(ctx, query, sessionID, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var event domain.AuditEvent
		var severity string
		if err := rows.Scan(&event.ID, &event.SessionID, &event.Category, &event.Action,
			&severity, &event.Outcome, &event.Detail, &event.OccurredAt); err != nil {
			return nil, err
		}
		event.Severity = domain.ViolationSeverity(severity)
		events = append(events, event)
	}
	return events, rows.Err()
}

// InsertAlert stores a monitoring alert.
func (r *Repository) InsertAlert(ctx context.Context, alert *domain.MonitoringAlert) error {
	const query = `INSERT INTO monitoring_alerts (id, session_id, rule, severity, action, message, acknowledged, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.pool.Exec(ctx, query,
		alert.ID, alert.SessionID, alert.Rule, string(alert.Severity),
		string(alert.Action), alert.Message, alert.Acknowledged, alert.CreatedAt)
	return err
}

// AcknowledgeAlert marks an alert acknowledged.
func (r *Repository) AcknowledgeAlert(ctx context.Context, alertID string) error {
	const query = `UPDATE monitoring_alerts SET acknowledged = TRUE WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, alertID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListAlerts returns stored alerts, newest first.
func (r *Repository) ListAlerts(ctx context.Context, onlyUnacknowledged bool, limit int) ([]domain.MonitoringAlert, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, session_id, rule, severity, action, message, acknowledged, created_at
		FROM monitoring_alerts
		WHERE ($1 = FALSE OR acknowledged = FALSE)
		ORDER BY created_at DESC LIMIT $2`
	rows, err := r.pool.Query(ctx, query, onlyUnacknowledged, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []domain.MonitoringAlert
	for rows.Next() {
		var alert domain.MonitoringAlert
		var severity, action string
		if err := rows.Scan(&alert.ID, &alert.SessionID, &alert.Rule, &severity,
			&action, &alert.Message, &alert.Acknowledged, &alert.CreatedAt); err != nil {
			return nil, err
		}
		alert.Severity = domain.ViolationSeverity(severity)
		alert.Action = domain.AlertAction(action)
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

func (r *Repository) scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var deployment domain.Deployment
	var strategy string
	var services []byte
	if err := row.Scan(&deployment.ID, &deployment.Name, &deployment.Namespace, &strategy, &services,
		&deployment.Version, &deployment.Status, &deployment.Error,
		&deployment.DesiredReplicas, &deployment.RunningReplicas, &deployment.ReadyReplicas,
		&deployment.CreatedAt, &deployment.UpdatedAt); err != nil {
		return nil, err
	}
	deployment.Strategy = domain.RolloutStrategy(strategy)
	decoded, err := r.decodeServices(services)
	if err != nil {
		return nil, err
	}
	deployment.Services = decoded
	return &deployment, nil
}

// storedService is the persisted shape of a service definition. The plaintext
// environment map is replaced with an AES-GCM payload when sealing is on.
type storedService struct {
	domain.ServiceDefinition
	SealedEnvironment []byte `json:"sealed_environment,omitempty"`
}

func (r *Repository) encodeServices(services []domain.ServiceDefinition) ([]byte, error) {
	if r.sealKey == "" {
		return json.Marshal(services)
	}
	stored := make([]storedService, 0, len(services))
	for _, svc := range services {
		sealed, err := crypto.SealMap(r.sealKey, svc.Environment)
		if err != nil {
			return nil, fmt.Errorf("seal environment for %s: %w", svc.Name, err)
		}
		svc.Environment = nil
		stored = append(stored, storedService{ServiceDefinition: svc, SealedEnvironment: sealed})
	}
	return json.Marshal(stored)
}

func (r *Repository) decodeServices(payload []byte) ([]domain.ServiceDefinition, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if r.sealKey == "" {
		var services []domain.ServiceDefinition
		if err := json.Unmarshal(payload, &services); err != nil {
			return nil, fmt.Errorf("unmarshal services: %w", err)
		}
		return services, nil
	}
	var stored []storedService
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, fmt.Errorf("unmarshal services: %w", err)
	}
	services := make([]domain.ServiceDefinition, 0, len(stored))
	for _, entry := range stored {
		env, err := crypto.OpenMap(r.sealKey, entry.SealedEnvironment)
		if err != nil {
			return nil, fmt.Errorf("open environment for %s: %w", entry.Name, err)
		}
		svc := entry.ServiceDefinition
		svc.Environment = env
		services = append(services, svc)
	}
	return services, nil
}
