package logging

import (
	"errors"
	"fmt"

	"github.com/s3desk/s3desk/internal/config"
	"github.com/sirupsen/logrus"
)

// Manager owns the external log outputs attached to a logger
type Manager struct {
	logger  *logrus.Logger
	hook    *DispatchHook
	outputs []Output
}

// NewManager attaches the outputs enabled in cfg to logger. Outputs that
// cannot be reached at startup are skipped with a warning rather than
// failing the server.
func NewManager(logger *logrus.Logger, cfg config.LoggingConfig) (*Manager, error) {
	m := &Manager{
		logger: logger,
		hook:   NewDispatchHook(),
	}

	var targets []target

	if cfg.Syslog.Enable {
		level, err := parseLevel(cfg.Syslog.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid syslog level: %w", err)
		}
		out, err := NewSyslogOutput(cfg.Syslog.Protocol, cfg.Syslog.Address, cfg.Syslog.Tag)
		if err != nil {
			logger.WithError(err).Warn("Syslog output disabled")
		} else {
			targets = append(targets, target{output: out, minLevel: level})
			m.outputs = append(m.outputs, out)
			logger.WithFields(logrus.Fields{
				"protocol": cfg.Syslog.Protocol,
				"address":  cfg.Syslog.Address,
				"level":    level.String(),
			}).Info("Shipping logs to syslog")
		}
	}

	if cfg.HTTP.Enable {
		level, err := parseLevel(cfg.HTTP.Level)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("invalid http log level: %w", err)
		}
		out := NewHTTPOutput(cfg.HTTP.URL, cfg.HTTP.AuthToken, cfg.HTTP.BatchSize, cfg.HTTP.FlushInterval)
		targets = append(targets, target{output: out, minLevel: level})
		m.outputs = append(m.outputs, out)
		logger.WithFields(logrus.Fields{
			"url":   cfg.HTTP.URL,
			"level": level.String(),
		}).Info("Shipping logs to HTTP collector")
	}

	m.hook.setTargets(targets)
	if len(targets) > 0 {
		logger.AddHook(m.hook)
	}
	return m, nil
}

// Outputs returns the number of active outputs
func (m *Manager) Outputs() int {
	return len(m.outputs)
}

// Close detaches every output and flushes what they buffered. logrus has
// no RemoveHook, so the hook stays registered with an empty target list.
func (m *Manager) Close() error {
	m.hook.setTargets(nil)

	var errs []error
	for _, out := range m.outputs {
		if err := out.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.outputs = nil
	return errors.Join(errs...)
}
