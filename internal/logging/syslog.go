package logging

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Syslog severities (RFC 5424 section 6.2.1)
const (
	severityCritical = 2
	severityError    = 3
	severityWarning  = 4
	severityInfo     = 6
	severityDebug    = 7
)

// facilityDaemon is LOG_DAEMON
const facilityDaemon = 3

const syslogDialTimeout = 5 * time.Second

// SyslogOutput writes RFC 3164 messages with a JSON body over a raw
// UDP or TCP connection
type SyslogOutput struct {
	mu       sync.Mutex
	conn     net.Conn
	protocol string
	addr     string
	tag      string
	hostname string
	pid      int
}

// NewSyslogOutput dials the collector at addr
func NewSyslogOutput(protocol, addr, tag string) (*SyslogOutput, error) {
	conn, err := net.DialTimeout(protocol, addr, syslogDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to syslog %s://%s: %w", protocol, addr, err)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "-"
	}

	return &SyslogOutput{
		conn:     conn,
		protocol: protocol,
		addr:     addr,
		tag:      tag,
		hostname: hostname,
		pid:      os.Getpid(),
	}, nil
}

func severityFor(level string) int {
	switch level {
	case "trace", "debug":
		return severityDebug
	case "warning", "warn":
		return severityWarning
	case "error":
		return severityError
	case "fatal", "panic":
		return severityCritical
	default:
		return severityInfo
	}
}

func (s *SyslogOutput) format(entry *LogEntry) ([]byte, error) {
	body, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal log entry: %w", err)
	}

	priority := facilityDaemon*8 + severityFor(entry.Level)
	line := fmt.Sprintf("<%d>%s %s %s[%d]: %s\n",
		priority,
		entry.Timestamp.Format(time.Stamp),
		s.hostname,
		s.tag,
		s.pid,
		body,
	)
	return []byte(line), nil
}

// Write sends one entry, redialing once if the connection broke
func (s *SyslogOutput) Write(entry *LogEntry) error {
	msg, err := s.format(entry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		if _, err = s.conn.Write(msg); err == nil {
			return nil
		}
		s.conn.Close()
		s.conn = nil
	}

	conn, dialErr := net.DialTimeout(s.protocol, s.addr, syslogDialTimeout)
	if dialErr != nil {
		return fmt.Errorf("failed to reconnect to syslog: %w", dialErr)
	}
	s.conn = conn

	if _, err := s.conn.Write(msg); err != nil {
		return fmt.Errorf("failed to write to syslog: %w", err)
	}
	return nil
}

// Close closes the connection
func (s *SyslogOutput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}
