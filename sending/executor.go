package sending

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"
)

type sendExecutor struct {
	log  *zap.SugaredLogger
	db   *database
	deps *Dependencies
	m    *Manager
}

type messageSubmitBody struct {
	Timestamp uint64           `json:"timestamp"`
	Messages  []*DeviceMessage `json:"messages"`
	Online    bool             `json:"online"`
}

// deviceListResponse is the structured body carried by 409 and 410
// responses from the submit endpoint.
type deviceListResponse struct {
	Code           int      `json:"code"`
	ExtraDevices   []uint32 `json:"extraDevices"`
	MissingDevices []uint32 `json:"missingDevices"`
	StaleDevices   []uint32 `json:"staleDevices"`
}

// PerformSend submits the per-device ciphertexts for one send and applies
// the local corrections its response demands. Mismatched and stale device
// responses are reconciled and surfaced as retryable errors; the caller
// re-drives EnsureSessions and PerformSend within the send's attempt budget.
func (e *sendExecutor) PerformSend(ctx context.Context, send *MessageSend, deviceMessages []*DeviceMessage) error {
	if len(deviceMessages) == 0 && !send.IsLocalAddress {
		return fmt.Errorf("sending: no device messages for non-local send to %s", send.Recipient.Address)
	}

	body, err := json.Marshal(&messageSubmitBody{
		Timestamp: send.Message.Timestamp,
		Messages:  deviceMessages,
	})
	if err != nil {
		return fmt.Errorf("sending: error encoding submit body for %s: %w", send.Recipient.Address, err)
	}

	path := fmt.Sprintf("/v1/messages/%s", send.Recipient.Address.ServiceID())
	resp, err := e.m.makeRequest(ctx, send, http.MethodPut, path, body, false)
	if err != nil {
		return err
	}

	switch {
	case resp.OK():
		return e.recordSuccess(send, deviceMessages)
	case resp.Status == http.StatusUnauthorized:
		return ErrUnauthorizedDevice
	case resp.Status == http.StatusNotFound:
		return e.failSendForUnregisteredRecipient(send)
	case resp.Status == http.StatusConflict:
		parsed, err := parseDeviceListResponse(resp.Body)
		if err != nil {
			return err
		}
		if err := e.handleMismatchedDevices(parsed, send); err != nil {
			return err
		}
		if send.IsLocalAddress {
			// the websocket's cached view of our own devices may be stale
			send.hasWebsocketSendFailed = true
		}
		return &MismatchedDevicesError{ExtraDevices: parsed.ExtraDevices, MissingDevices: parsed.MissingDevices}
	case resp.Status == http.StatusGone:
		parsed, err := parseDeviceListResponse(resp.Body)
		if err != nil {
			return err
		}
		if err := e.handleStaleDevices(parsed, send); err != nil {
			return err
		}
		if send.IsLocalAddress {
			send.hasWebsocketSendFailed = true
		}
		return &StaleDevicesError{StaleDevices: parsed.StaleDevices}
	default:
		return fmt.Errorf("sending: message submit for %s failed with status %d", send.Recipient.Address, resp.Status)
	}
}

func parseDeviceListResponse(body []byte) (*deviceListResponse, error) {
	parsed := &deviceListResponse{}
	if len(body) == 0 {
		return parsed, nil
	}
	if err := json.Unmarshal(body, parsed); err != nil {
		return nil, fmt.Errorf("sending: error parsing device list response: %w", err)
	}
	return parsed, nil
}

func (e *sendExecutor) recordSuccess(send *MessageSend, deviceMessages []*DeviceMessage) error {
	wasSentByUD := send.UDSendingAccess != nil && !send.hasUDAuthFailed
	addr := send.Recipient.Address

	if send.IsLocalAddress && len(deviceMessages) == 0 {
		e.deps.Devices.SetMayHaveLinkedDevices(false)
	}

	return e.db.Run("record send success", func() error {
		if err := e.db.markMessageRecipientState(send.Message.Timestamp, addr.Key(), MessageRecipientStateSent, wasSentByUD); err != nil {
			return err
		}
		if err := e.db.markRegistered(send.Recipient.AccountID, true); err != nil {
			return err
		}
		send.Recipient.Registered = true
		e.db.AfterCommit(func() {
			e.deps.Profiles.DidSendMessage(addr)
		})
		return nil
	})
}

// handleMismatchedDevices applies a 409: devices the server knows but we
// don't are added, devices we know but the server doesn't are removed and
// their sessions deleted.
func (e *sendExecutor) handleMismatchedDevices(resp *deviceListResponse, send *MessageSend) error {
	if len(resp.MissingDevices) > 0 && send.IsLocalAddress {
		e.deps.Devices.SetMayHaveLinkedDevices(true)
	}

	accountID := send.Recipient.AccountID
	return e.db.Run("reconcile mismatched devices", func() error {
		for _, deviceID := range resp.MissingDevices {
			if err := e.db.addDeviceID(accountID, deviceID); err != nil {
				return err
			}
		}
		for _, deviceID := range resp.ExtraDevices {
			if err := e.db.removeDeviceID(accountID, deviceID); err != nil {
				return err
			}
			if err := e.db.deleteSession(accountID, deviceID); err != nil {
				return err
			}
		}
		deviceIDs, err := e.db.deviceIDs(accountID)
		if err != nil {
			return err
		}
		send.Recipient.DeviceIDs = deviceIDs
		send.DeviceIDs = deviceIDs
		return nil
	})
}

// handleStaleDevices applies a 410: the devices still exist but their
// sessions must be rebuilt, so only the sessions are deleted.
func (e *sendExecutor) handleStaleDevices(resp *deviceListResponse, send *MessageSend) error {
	accountID := send.Recipient.AccountID
	return e.db.Run("discard stale sessions", func() error {
		for _, deviceID := range resp.StaleDevices {
			if err := e.db.deleteSession(accountID, deviceID); err != nil {
				return err
			}
		}
		return nil
	})
}

// failSendForUnregisteredRecipient handles a 404 on submit. For non-sync
// group sends the recipient is marked skipped and unregistered; the
// resulting error is ignorable for groups so the surrounding fanout treats
// it as a partial success.
func (e *sendExecutor) failSendForUnregisteredRecipient(send *MessageSend) error {
	addr := send.Recipient.Address
	if !send.Message.IsSync && send.Thread.Group {
		if err := e.db.Run("mark recipient unregistered", func() error {
			if err := e.db.markMessageRecipientState(send.Message.Timestamp, addr.Key(), MessageRecipientStateSkipped, false); err != nil {
				return err
			}
			if send.Recipient.Registered {
				if err := e.db.markRegistered(send.Recipient.AccountID, false); err != nil {
					return err
				}
				send.Recipient.Registered = false
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return &NoSuchRecipientError{Address: addr}
}
