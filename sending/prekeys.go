package sending

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/meow-io/go-courier/ids"
	"go.uber.org/zap"
)

// PreKeyBundle is the key material downloaded for one (recipient, device)
// pair. IdentityKey retains its wire type byte; consumers strip it.
type PreKeyBundle struct {
	DeviceID              uint32
	RegistrationID        uint32
	IdentityKey           []byte
	SignedPreKeyID        uint32
	SignedPreKey          []byte
	SignedPreKeySignature []byte
	PreKeyID              *uint32
	PreKey                []byte
}

type preKeyEntity struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}

type signedPreKeyEntity struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

type preKeyDeviceEntity struct {
	DeviceID       uint32              `json:"deviceId"`
	RegistrationID uint32              `json:"registrationId"`
	SignedPreKey   *signedPreKeyEntity `json:"signedPreKey"`
	PreKey         *preKeyEntity       `json:"preKey"`
}

type preKeyResponse struct {
	IdentityKey []byte               `json:"identityKey"`
	Devices     []preKeyDeviceEntity `json:"devices"`
}

type prekeyClient struct {
	log   *zap.SugaredLogger
	db    *database
	cache *NegativeCache
	m     *Manager
}

// fetch downloads a prekey bundle for one device of a send's recipient. The
// negative caches are consulted first so fetches known to be futile fail
// without touching the network.
func (p *prekeyClient) fetch(ctx context.Context, send *MessageSend, deviceID uint32) (*PreKeyBundle, error) {
	addr := send.Recipient.Address
	accountID := send.Recipient.AccountID

	var gateErr error
	if err := p.db.RunReadOnly("prekey preflight", func() error {
		if !p.cache.DeviceNotMissing(addr, deviceID) {
			gateErr = &MissingDeviceError{Address: addr, DeviceID: deviceID}
			return nil
		}
		untrusted, err := p.cache.IdentityLikelyUntrusted(accountID, addr)
		if err != nil {
			return err
		}
		if untrusted {
			gateErr = &UntrustedIdentityError{Address: addr}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if gateErr != nil {
		p.log.Debugf("prekey fetch for %s:%d short-circuited: %v", addr, deviceID, gateErr)
		return nil, gateErr
	}

	path := fmt.Sprintf("/v2/keys/%s/%d", addr.ServiceID(), deviceID)
	resp, err := p.m.makeRequest(ctx, send, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}

	switch {
	case resp.OK():
		// fall through to parsing
	case resp.Status == http.StatusNotFound:
		p.cache.RecordMissingDevice(addr, deviceID)
		return nil, &MissingDeviceError{Address: addr, DeviceID: deviceID}
	case resp.Status == http.StatusRequestEntityTooLarge:
		return nil, &PrekeyRateLimitError{Address: addr}
	default:
		return nil, fmt.Errorf("sending: prekey fetch for %s:%d failed with status %d", addr, deviceID, resp.Status)
	}

	var parsed preKeyResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("sending: error parsing prekey response for %s:%d: %w", addr, deviceID, err)
	}
	return bundleForDevice(&parsed, accountID, deviceID)
}

func bundleForDevice(resp *preKeyResponse, accountID ids.ID, deviceID uint32) (*PreKeyBundle, error) {
	for i := range resp.Devices {
		device := &resp.Devices[i]
		if device.DeviceID != deviceID {
			continue
		}
		if device.SignedPreKey == nil {
			return nil, fmt.Errorf("sending: prekey response for %s:%d lacks a signed prekey", accountID, deviceID)
		}
		bundle := &PreKeyBundle{
			DeviceID:              device.DeviceID,
			RegistrationID:        device.RegistrationID,
			IdentityKey:           resp.IdentityKey,
			SignedPreKeyID:        device.SignedPreKey.KeyID,
			SignedPreKey:          device.SignedPreKey.PublicKey,
			SignedPreKeySignature: device.SignedPreKey.Signature,
		}
		if device.PreKey != nil {
			keyID := device.PreKey.KeyID
			bundle.PreKeyID = &keyID
			bundle.PreKey = device.PreKey.PublicKey
		}
		return bundle, nil
	}
	return nil, fmt.Errorf("sending: prekey response for %s missing device %d", accountID, deviceID)
}
