package jade

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongPin ...
	ErrWrongPin = errors.New("wrong pin")
	// ErrLockedOut is returned once the device wiped its keys after too many
	// wrong PINs.
	ErrLockedOut = errors.New("device is locked out")
	// ErrTimeout is returned when the user didn't complete the PIN entry in
	// time.
	ErrTimeout = errors.New("pin entry timed out")

	// ErrDeviceUnreachable is returned once every attempt to exchange a
	// message with the device failed.
	ErrDeviceUnreachable = errors.New("device unreachable")
	// ErrRejected is returned when the user refused the request on the
	// device, or the device returned an unusable signature.
	ErrRejected = errors.New("request rejected by device")

	// ErrPolicyConflict is returned when a different multisig policy is
	// already registered under the same name.
	ErrPolicyConflict = errors.New("a different policy is registered with the same name")
	// ErrCancelled is returned when the caller context is done while the
	// device is signing.
	ErrCancelled = errors.New("signing cancelled")
	// ErrInvalidState is returned for operations not allowed in the current
	// session state.
	ErrInvalidState = errors.New("operation not allowed in current state")
	// ErrMissingPinServer ...
	ErrMissingPinServer = errors.New("device requires a pin server round trip")
	// ErrMissingPolicyName ...
	ErrMissingPolicyName = errors.New("multisig policy name must not be empty")
	// ErrUnsupportedPolicy is returned for policies that can't be registered
	// on the device, like those with non extended keys.
	ErrUnsupportedPolicy = errors.New("policy is not supported by the device")

	// ErrTransient marks transport faults worth retrying.
	ErrTransient = errors.New("transient transport fault")
)

// AuthError is returned by Unlock. Its Kind is one of ErrWrongPin,
// ErrLockedOut or ErrTimeout.
type AuthError struct {
	Kind error
	// RemainingAttempts is set for ErrWrongPin.
	RemainingAttempts int
	// Err is the fault behind ErrTimeout, if any.
	Err error
}

func (e *AuthError) Error() string {
	if e.Kind == ErrWrongPin {
		return fmt.Sprintf("%s, %d attempts left", e.Kind, e.RemainingAttempts)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err)
	}
	return e.Kind.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Kind
}

// SignError is returned by Sign when the signing session could not be
// completed. Kind is one of ErrDeviceUnreachable or ErrRejected.
type SignError struct {
	Kind  error
	Input int
	Err   error
}

func (e *SignError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("input %d: %s", e.Input, e.Kind)
	}
	return fmt.Sprintf("input %d: %s: %s", e.Input, e.Kind, e.Err)
}

func (e *SignError) Unwrap() error {
	return e.Kind
}

// Device error codes.
const (
	CodeInvalidRequest  = -32600
	CodeUnknownMethod   = -32601
	CodeBadParameters   = -32602
	CodeInternalError   = -32603
	CodeUserCancelled   = -32000
	CodeProtocolError   = -32001
	CodeHwLocked        = -32002
	CodeNetworkMismatch = -32003
)

// DeviceError is an error reply of the device.
type DeviceError struct {
	Code    int    `cbor:"code"`
	Message string `cbor:"message"`
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error %d: %s", e.Code, e.Message)
}

// TransientError wraps a transport fault worth retrying.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %s", ErrTransient, e.Err)
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient ...
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
