package subscription

import (
	"errors"
	"fmt"
)

// DuplicateSubscriptionError is returned when the id is already subscribed
type DuplicateSubscriptionError struct {
	ID string
}

func (e *DuplicateSubscriptionError) Error() string {
	return fmt.Sprintf("subscription %q already exists", e.ID)
}

// NoSuchSubscriptionError is returned when unsubscribing an unknown id
type NoSuchSubscriptionError struct {
	ID string
}

func (e *NoSuchSubscriptionError) Error() string {
	return fmt.Sprintf("subscription %q does not exist", e.ID)
}

// InvalidDestinationError is returned for an unusable callback address
type InvalidDestinationError struct {
	URI    string
	Reason string
}

func (e *InvalidDestinationError) Error() string {
	return fmt.Sprintf("invalid destination %q: %s", e.URI, e.Reason)
}

// ScheduleRangeError names the schedule field holding an out-of-range value
type ScheduleRangeError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ScheduleRangeError) Error() string {
	return fmt.Sprintf("invalid schedule %s %q: %s", e.Field, e.Value, e.Reason)
}

// IsNoSuchSubscription reports whether err is or wraps a NoSuchSubscriptionError
func IsNoSuchSubscription(err error) bool {
	var target *NoSuchSubscriptionError
	return errors.As(err, &target)
}

// IsDuplicateSubscription reports whether err is or wraps a DuplicateSubscriptionError
func IsDuplicateSubscription(err error) bool {
	var target *DuplicateSubscriptionError
	return errors.As(err, &target)
}
