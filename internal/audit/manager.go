package audit

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager handles audit logging operations. A Manager without a store
// accepts events and drops them.
type Manager struct {
	store  Store
	logger *logrus.Logger
}

// NewManager creates a new audit manager; store may be nil to disable auditing
func NewManager(store Store, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{
		store:  store,
		logger: logger,
	}
}

// Enabled reports whether events are persisted
func (m *Manager) Enabled() bool {
	return m != nil && m.store != nil
}

// LogEvent records an audit event
func (m *Manager) LogEvent(ctx context.Context, event *AuditEvent) error {
	if !m.Enabled() || event == nil {
		return nil
	}

	if event.Action == "" || event.Status == "" {
		m.logger.WithField("action", event.Action).Warn("Audit event missing action or status")
		return nil
	}

	if err := m.store.LogEvent(ctx, event); err != nil {
		m.logger.WithError(err).WithFields(logrus.Fields{
			"user_id": event.UserID,
			"action":  event.Action,
			"status":  event.Status,
		}).Error("Failed to log audit event")
		return err
	}

	m.logger.WithFields(logrus.Fields{
		"user_id": event.UserID,
		"email":   event.Email,
		"action":  event.Action,
		"bucket":  event.Bucket,
		"key":     event.Key,
		"status":  event.Status,
	}).Debug("Audit event logged")

	return nil
}

// GetLogs retrieves audit logs, newest first
func (m *Manager) GetLogs(ctx context.Context, filters *AuditLogFilters) ([]*AuditLog, error) {
	if !m.Enabled() {
		return []*AuditLog{}, nil
	}

	logs, err := m.store.GetLogs(ctx, filters)
	if err != nil {
		m.logger.WithError(err).Error("Failed to retrieve audit logs")
		return nil, err
	}
	return logs, nil
}

// PurgeLogs deletes logs older than specified days
func (m *Manager) PurgeLogs(ctx context.Context, olderThanDays int) (int, error) {
	if !m.Enabled() || olderThanDays <= 0 {
		return 0, nil
	}

	count, err := m.store.PurgeLogs(ctx, olderThanDays)
	if err != nil {
		m.logger.WithError(err).WithField("retention_days", olderThanDays).Error("Failed to purge old audit logs")
		return 0, err
	}

	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"deleted_count":  count,
			"retention_days": olderThanDays,
		}).Info("Purged old audit logs")
	}
	return count, nil
}

// StartRetentionJob purges old logs now and then once a day until ctx ends
func (m *Manager) StartRetentionJob(ctx context.Context, retentionDays int) {
	if !m.Enabled() || retentionDays <= 0 {
		m.logger.Info("Audit log retention disabled")
		return
	}

	m.logger.WithField("retention_days", retentionDays).Info("Starting audit log retention job")

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		m.PurgeLogs(ctx, retentionDays)

		for {
			select {
			case <-ctx.Done():
				m.logger.Info("Stopping audit log retention job")
				return
			case <-ticker.C:
				m.PurgeLogs(ctx, retentionDays)
			}
		}
	}()
}
