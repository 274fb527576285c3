package sending

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/meow-io/go-courier/ids"
	"go.uber.org/zap"
)

type sessionEstablisher struct {
	log     *zap.SugaredLogger
	db      *database
	cache   *NegativeCache
	prekeys *prekeyClient
	builder SessionBuilder
	account AccountManager
}

type deviceJob struct {
	send     *MessageSend
	deviceID uint32
}

// EnsureSessions guarantees a session exists for every (recipient, device)
// pair about to be sent to. Device needs are computed under one read
// transaction; per-device prekey fetches then proceed concurrently, each
// session write being its own idempotent transaction. A missing device is
// pruned from the recipient and the send before its error propagates. With
// ignoreErrors set, per-device failures are logged and swallowed.
func (s *sessionEstablisher) EnsureSessions(ctx context.Context, sends []*MessageSend, ignoreErrors bool) error {
	var jobs []deviceJob
	if err := s.db.RunReadOnly("scan for missing sessions", func() error {
		for _, send := range sends {
			for _, deviceID := range send.DeviceIDs {
				if send.IsLocalAddress && deviceID == s.account.LocalDeviceID() {
					continue
				}
				has, err := s.db.hasSession(send.Recipient.AccountID, deviceID)
				if err != nil {
					return err
				}
				if !has {
					jobs = append(jobs, deviceJob{send: send, deviceID: deviceID})
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	errs := make(chan error, len(jobs))
	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job deviceJob) {
			defer wg.Done()
			errs <- s.establish(ctx, job.send, job.deviceID)
		}(job)
	}
	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if err == nil {
			continue
		}
		if ignoreErrors {
			s.log.Debugf("ignoring session establishment error: %v", err)
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *sessionEstablisher) establish(ctx context.Context, send *MessageSend, deviceID uint32) error {
	bundle, err := s.prekeys.fetch(ctx, send, deviceID)
	if err != nil {
		var missing *MissingDeviceError
		if errors.As(err, &missing) {
			if pruneErr := s.pruneDevice(send, deviceID); pruneErr != nil {
				return pruneErr
			}
		}
		return err
	}

	var untrusted *UntrustedIdentityError
	if err := s.db.Run("create session", func() error {
		err := s.createSession(bundle, send.Recipient.AccountID, send.Recipient.Address, deviceID)
		if errors.As(err, &untrusted) {
			// commit the persisted identity the stale-identity cache revalidates against
			return nil
		}
		return err
	}); err != nil {
		return err
	}
	if untrusted != nil {
		return untrusted
	}
	return nil
}

// pruneDevice removes a device the service no longer knows from the
// recipient's device set and from the in-flight send. The send mutation
// happens under the database lock, which serializes concurrent establishers
// working the same send.
func (s *sessionEstablisher) pruneDevice(send *MessageSend, deviceID uint32) error {
	return s.db.Run("prune missing device", func() error {
		if err := s.db.removeDeviceID(send.Recipient.AccountID, deviceID); err != nil {
			return err
		}
		send.Recipient.DeviceIDs = removeDevice(send.Recipient.DeviceIDs, deviceID)
		send.DeviceIDs = removeDevice(send.DeviceIDs, deviceID)
		return nil
	})
}

// createSession is race-safe: a session created by a concurrent establisher
// makes it a no-op. Must run inside a write transaction. On an untrusted
// identity the new key is persisted, the refreshed identity is recorded in
// the stale-identity cache, and the error propagates.
func (s *sessionEstablisher) createSession(bundle *PreKeyBundle, accountID ids.ID, addr Address, deviceID uint32) error {
	has, err := s.db.hasSession(accountID, deviceID)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	if err := s.builder.Process(bundle, accountID, deviceID); err != nil {
		var untrusted *UntrustedIdentityError
		if errors.As(err, &untrusted) {
			untrusted.Address = addr
			if err := s.db.saveIdentity(accountID, untrusted.IdentityKey); err != nil {
				return err
			}
			row, err := s.db.identity(accountID)
			if err != nil {
				return err
			}
			if row == nil {
				return fmt.Errorf("sending: identity for %s missing after save", accountID)
			}
			s.cache.RecordStaleIdentity(addr, row.IdentityKey, untrusted.IdentityKey)
			return untrusted
		}
		return err
	}

	has, err = s.db.hasSession(accountID, deviceID)
	if err != nil {
		return err
	}
	if !has {
		return fmt.Errorf("sending: session for %s:%d missing after successful build", accountID, deviceID)
	}
	return nil
}

func removeDevice(deviceIDs []uint32, deviceID uint32) []uint32 {
	// the recipient's and the send's lists may alias, so never compact in place
	out := make([]uint32, 0, len(deviceIDs))
	for _, d := range deviceIDs {
		if d != deviceID {
			out = append(out, d)
		}
	}
	return out
}
