package health

import "time"

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   true,
		Status:    StatusHealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    StatusUnhealthy,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return Status{
		Component: component,
		Healthy:   false,
		Status:    StatusDegraded,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate folds sub-statuses into one status for the parent component.
// Any unhealthy sub-status makes the aggregate unhealthy; otherwise any
// degraded sub-status makes it degraded; otherwise it is healthy.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	hasUnhealthy := false
	hasDegraded := false

	for _, sub := range subStatuses {
		if sub.IsUnhealthy() {
			hasUnhealthy = true
		} else if sub.IsDegraded() {
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "One or more sub-components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "One or more sub-components are degraded")
	default:
		status = NewHealthy(component, "All sub-components are healthy")
	}

	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)

	return status
}
