package flowengine

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/flowlite-go/flowlite/flow/persist"
)

// NotRegisteredError is returned by every facade operation keyed on a
// flowId that was never registered. It is a programmer error: callers are
// expected to register every flow they intend to drive before using it.
type NotRegisteredError struct {
	FlowID string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("flowengine: flow %q is not registered", e.FlowID)
}

// AlreadyRegisteredError is returned by RegisterFlow when flowId was
// already claimed by an earlier registration.
type AlreadyRegisteredError struct {
	FlowID string
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("flowengine: flow %q is already registered", e.FlowID)
}

// MissingInstanceError wraps persist.ErrNotFound with the flow and
// instance identity that produced it.
type MissingInstanceError struct {
	FlowID     string
	InstanceID uuid.UUID
	Cause      error
}

func (e *MissingInstanceError) Error() string {
	return fmt.Sprintf("flowengine: instance %s of flow %q not found: %v", e.InstanceID, e.FlowID, e.Cause)
}

func (e *MissingInstanceError) Unwrap() error { return e.Cause }

// IllegalOperationForStatusError is returned when an operation is attempted
// against an instance whose current status does not permit it, e.g. retry
// on anything but Error.
type IllegalOperationForStatusError struct {
	FlowID     string
	InstanceID uuid.UUID
	Operation  string
	Status     persist.StageStatus
}

func (e *IllegalOperationForStatusError) Error() string {
	return fmt.Sprintf("flowengine: %s is illegal for instance %s of flow %q in status %s", e.Operation, e.InstanceID, e.FlowID, e.Status)
}
