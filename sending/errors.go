package sending

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/ids"
)

// ErrUnauthorizedDevice is raised on a 401 from the message submit endpoint.
// The local credentials are suspect; the send is not retried.
var ErrUnauthorizedDevice = errors.New("sending: unauthorized device")

// errUDAuthFailed marks a rejected unidentified-delivery credential on a
// request which could not fail over in place. Retrying re-runs with basic
// auth.
var errUDAuthFailed = errors.New("sending: unidentified auth rejected")

type ThreadMissingError struct {
	ThreadID ids.ID
}

func (e *ThreadMissingError) Error() string {
	return fmt.Sprintf("sending: thread %s no longer exists", e.ThreadID)
}

type BlockedContactError struct {
	Address Address
}

func (e *BlockedContactError) Error() string {
	return fmt.Sprintf("sending: refusing to send to blocked contact %s", e.Address)
}

type UntrustedIdentityError struct {
	Address     Address
	IdentityKey []byte
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("sending: identity for %s is not trusted for sending", e.Address)
}

type MissingDeviceError struct {
	Address  Address
	DeviceID uint32
}

func (e *MissingDeviceError) Error() string {
	return fmt.Sprintf("sending: no such device %d for %s", e.DeviceID, e.Address)
}

type PrekeyRateLimitError struct {
	Address Address
}

func (e *PrekeyRateLimitError) Error() string {
	return fmt.Sprintf("sending: prekey fetches for %s are rate limited", e.Address)
}

// NoSuchRecipientError is raised on a 404 from the message submit endpoint.
// Group sends treat it as a partial success.
type NoSuchRecipientError struct {
	Address Address
}

func (e *NoSuchRecipientError) Error() string {
	return fmt.Sprintf("sending: recipient %s is not registered", e.Address)
}

func (e *NoSuchRecipientError) IgnorableForGroups() bool {
	return true
}

type MismatchedDevicesError struct {
	ExtraDevices   []uint32
	MissingDevices []uint32
}

func (e *MismatchedDevicesError) Error() string {
	return fmt.Sprintf("sending: mismatched devices extra=%v missing=%v", e.ExtraDevices, e.MissingDevices)
}

type StaleDevicesError struct {
	StaleDevices []uint32
}

func (e *StaleDevicesError) Error() string {
	return fmt.Sprintf("sending: stale devices %v", e.StaleDevices)
}

// DiscoveryError wraps a contact discovery failure, surfacing the service's
// retry suggestion.
type DiscoveryError struct {
	Err            error
	RetrySuggested bool
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("sending: contact discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Retryable classifies an error from the send pipeline. Mismatched and stale
// device errors are retryable after their local corrections have been
// applied; transport and unclassified errors are retryable up to the send's
// attempt budget.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorizedDevice) {
		return false
	}
	var (
		threadMissing *ThreadMissingError
		blocked       *BlockedContactError
		untrusted     *UntrustedIdentityError
		missingDev    *MissingDeviceError
		noRecipient   *NoSuchRecipientError
		discovery     *DiscoveryError
	)
	switch {
	case errors.As(err, &threadMissing),
		errors.As(err, &blocked),
		errors.As(err, &untrusted),
		errors.As(err, &missingDev),
		errors.As(err, &noRecipient):
		return false
	case errors.As(err, &discovery):
		return discovery.RetrySuggested
	default:
		return true
	}
}
