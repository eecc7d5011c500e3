// Package health provides health tracking for gateway components and systems
package health

import (
	"regexp"
	"strings"
	"time"

	"github.com/c360/relaygate/component"
)

// Status level values reported in Status.Status.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Pre-compiled regexes for error message sanitization
var (
	httpURLRegex     = regexp.MustCompile(`https?://[^\s]+`)
	natsURLRegex     = regexp.MustCompile(`nats://[^\s]+`)
	wsURLRegex       = regexp.MustCompile(`wss?://[^\s]+`)
	postgresURLRegex = regexp.MustCompile(`postgres(?:ql)?://[^\s]+`)
	unixPathRegex    = regexp.MustCompile(`/[a-zA-Z0-9/_.-]+`)
	windowsPathRegex = regexp.MustCompile(`[A-Z]:\\[^:\s]+`)
	ipAddrRegex      = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	portRegex        = regexp.MustCompile(`:\d{2,5}\b`)
	credentialRegex  = regexp.MustCompile(`(?i)(password|token|key|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status represents the health state of a component or of the whole gateway
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries operational counters attached to a health status
type Metrics struct {
	Uptime          time.Duration `json:"uptime"`
	ErrorCount      int           `json:"error_count"`
	EventsProcessed int64         `json:"events_processed,omitempty"`
	LastActivity    time.Time     `json:"last_activity,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == StatusHealthy
}

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool {
	return s.Status == StatusDegraded
}

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool {
	return s.Status == StatusUnhealthy
}

// WithMetrics returns a copy of the status with metrics attached
func (s Status) WithMetrics(metrics *Metrics) Status {
	s.Metrics = metrics
	return s
}

// WithSubStatus returns a copy of the status with an added sub-status
func (s Status) WithSubStatus(subStatus Status) Status {
	// New slice, so the copy never shares the underlying array
	newSubStatuses := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(newSubStatuses, s.SubStatuses)
	s.SubStatuses = append(newSubStatuses, subStatus)
	return s
}

// sanitizeErrorMessage strips connection targets and credentials from error
// text before it reaches the status API. Relay endpoints, the postgres DSN,
// and NATS URLs all routinely appear in transport errors.
//
// Patterns:
//   - URLs (http://, https://, nats://, ws://, wss://, postgres://) -> [URL]
//   - File paths (Unix and Windows) -> [PATH]
//   - IP addresses -> [IP]
//   - Port numbers -> [PORT]
//   - Credentials (password=X, token=X, key=X, secret=X) -> [REDACTED]
func sanitizeErrorMessage(err string) string {
	if err == "" {
		return ""
	}

	sanitized := err

	// URLs first, they contain paths, hosts and ports
	sanitized = httpURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = natsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = wsURLRegex.ReplaceAllString(sanitized, "[URL]")
	sanitized = postgresURLRegex.ReplaceAllString(sanitized, "[URL]")

	sanitized = unixPathRegex.ReplaceAllString(sanitized, "[PATH]")
	sanitized = windowsPathRegex.ReplaceAllString(sanitized, "[PATH]")

	sanitized = ipAddrRegex.ReplaceAllString(sanitized, "[IP]")
	sanitized = portRegex.ReplaceAllString(sanitized, "[PORT]")

	// Credentials last; the keyword check keeps the regex off clean text
	lowerSanitized := strings.ToLower(sanitized)
	if strings.Contains(lowerSanitized, "password") || strings.Contains(lowerSanitized, "token") ||
		strings.Contains(lowerSanitized, "key") || strings.Contains(lowerSanitized, "secret") ||
		strings.Contains(lowerSanitized, "credential") {
		sanitized = credentialRegex.ReplaceAllString(sanitized, "[REDACTED]")
	}

	return sanitized
}

// FromComponentHealth converts a component.HealthStatus into a health.Status,
// sanitizing the last error message on the way.
func FromComponentHealth(name string, ch component.HealthStatus) Status {
	status := StatusUnhealthy
	message := "Component unhealthy"
	if ch.Healthy {
		status = StatusHealthy
		message = "Component healthy"
	}
	if ch.LastError != "" {
		message = sanitizeErrorMessage(ch.LastError)
	}

	metrics := &Metrics{
		Uptime:          ch.Uptime,
		ErrorCount:      ch.ErrorCount,
		EventsProcessed: ch.EventsProcessed,
		LastActivity:    ch.LastCheck,
	}

	return Status{
		Component: name,
		Healthy:   ch.Healthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Metrics:   metrics,
	}
}
