package sending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/ids"
	db "github.com/meow-io/go-courier/internal/db"
	"go.uber.org/zap"
)

// Manager owns the delivery pipeline: recipient resolution, session
// establishment, negative caching and the submit lifecycle. Each in-flight
// send is driven by exactly one goroutine, which serializes its state
// transitions and retries.
type Manager struct {
	config    *config.Config
	log       *zap.SugaredLogger
	db        *database
	clock     clock.Clock
	cache     *NegativeCache
	transport RequestPerformer
	deps      *Dependencies

	resolver    *recipientResolver
	establisher *sessionEstablisher
	executor    *sendExecutor
}

func NewManager(c *config.Config, d *db.Database, cl clock.Clock, tr RequestPerformer, deps *Dependencies) (*Manager, error) {
	log := c.Logger("sending/manager")
	sdb, err := newDatabase(d, cl)
	if err != nil {
		return nil, fmt.Errorf("sending: error making manager: %w", err)
	}

	cache := newNegativeCache(cl, sdb)
	builder := deps.Builder
	if builder == nil {
		builder = newRatchetSessionBuilder(sdb, deps.Account)
	}

	m := &Manager{
		config:    c,
		log:       log,
		db:        sdb,
		clock:     cl,
		cache:     cache,
		transport: tr,
		deps:      deps,
	}
	m.resolver = &recipientResolver{log: c.Logger("sending/resolver"), db: sdb, cache: cache, deps: deps}
	prekeys := &prekeyClient{log: c.Logger("sending/prekeys"), db: sdb, cache: cache, m: m}
	m.establisher = &sessionEstablisher{
		log:     c.Logger("sending/sessions"),
		db:      sdb,
		cache:   cache,
		prekeys: prekeys,
		builder: builder,
		account: deps.Account,
	}
	m.executor = &sendExecutor{log: c.Logger("sending/executor"), db: sdb, deps: deps, m: m}
	return m, nil
}

// PrepareSend resolves a message into its recipient set and sender
// certificates.
func (m *Manager) PrepareSend(ctx context.Context, msg *OutgoingMessage) (*SendInfo, error) {
	return m.resolver.PrepareSend(ctx, msg)
}

// EnsureSessions establishes sessions for every device of every pending
// send which lacks one.
func (m *Manager) EnsureSessions(ctx context.Context, sends []*MessageSend, ignoreErrors bool) error {
	return m.establisher.EnsureSessions(ctx, sends, ignoreErrors)
}

// PerformSend submits one send's device messages and applies response
// corrections.
func (m *Manager) PerformSend(ctx context.Context, send *MessageSend, deviceMessages []*DeviceMessage) error {
	return m.executor.PerformSend(ctx, send, deviceMessages)
}

// TrustIdentity marks the persisted identity for an account as trusted for
// sending, clearing the block recorded by an identity change.
func (m *Manager) TrustIdentity(accountID ids.ID) error {
	return m.db.Run("trust identity", func() error {
		return m.db.trustIdentity(accountID)
	})
}

// NewMessageSend builds the work item for delivering a message to one
// resolved address: the persisted recipient (created on first contact), its
// device list, and unidentified-delivery access when the recipient's profile
// key is known.
func (m *Manager) NewMessageSend(info *SendInfo, msg *OutgoingMessage, addr Address) (*MessageSend, error) {
	local := m.deps.Account.LocalAddress()
	isLocal := addr.Equal(local)

	var recipient *Recipient
	if err := m.db.Run("resolve recipient", func() error {
		row, err := m.db.upsertRecipient(addr)
		if err != nil {
			return err
		}
		accountID := ids.IDFromBytes(row.AccountID)
		deviceIDs, err := m.db.deviceIDs(accountID)
		if err != nil {
			return err
		}
		rowAddr, err := row.address()
		if err != nil {
			return err
		}
		recipient = &Recipient{
			AccountID:  accountID,
			Address:    rowAddr,
			DeviceIDs:  deviceIDs,
			Registered: row.Registered,
		}
		return nil
	}); err != nil {
		return nil, err
	}

	deviceIDs := make([]uint32, 0, len(recipient.DeviceIDs))
	for _, deviceID := range recipient.DeviceIDs {
		if isLocal && deviceID == m.deps.Account.LocalDeviceID() {
			continue
		}
		deviceIDs = append(deviceIDs, deviceID)
	}
	if len(deviceIDs) == 0 && !isLocal {
		deviceIDs = []uint32{PrimaryDeviceID}
	}

	send := &MessageSend{
		Message:           msg,
		Thread:            info.Thread,
		Recipient:         recipient,
		DeviceIDs:         deviceIDs,
		RemainingAttempts: m.config.MaxSendAttempts,
		IsLocalAddress:    isLocal,
	}

	if !isLocal {
		if profileKey := m.deps.Profiles.ProfileKey(addr); profileKey != nil {
			accessKey, err := crypto.DeriveAccessKey(profileKey)
			if err != nil {
				return nil, fmt.Errorf("sending: error deriving access key for %s: %w", addr, err)
			}
			var cert []byte
			if info.SenderCertificates != nil {
				cert = info.SenderCertificates.Certificate
			}
			send.UDSendingAccess = &UDAccess{Key: accessKey, SenderCertificate: cert}
		}
	}
	return send, nil
}

// SendOutcome is the terminal result for one recipient of a message.
type SendOutcome struct {
	Address Address
	Err     error
}

// SendMessage delivers a message to every resolved recipient. Recipients are
// driven concurrently; the returned error is the first failure which cannot
// be treated as a partial success (unregistered recipients on group sends
// are ignorable).
func (m *Manager) SendMessage(ctx context.Context, msg *OutgoingMessage) ([]SendOutcome, error) {
	info, err := m.PrepareSend(ctx, msg)
	if err != nil {
		return nil, err
	}

	sends := make([]*MessageSend, 0, len(info.Recipients))
	for _, addr := range info.Recipients {
		send, err := m.NewMessageSend(info, msg, addr)
		if err != nil {
			return nil, err
		}
		sends = append(sends, send)
	}

	// pre-warm sessions for the whole batch; real failures surface per-send
	if err := m.EnsureSessions(ctx, sends, true); err != nil {
		return nil, err
	}

	outcomes := make([]SendOutcome, len(sends))
	var wg sync.WaitGroup
	for i, send := range sends {
		wg.Add(1)
		go func(i int, send *MessageSend) {
			defer wg.Done()
			outcomes[i] = SendOutcome{Address: send.Recipient.Address, Err: m.driveSend(ctx, send)}
		}(i, send)
	}
	wg.Wait()

	var firstErr error
	for _, outcome := range outcomes {
		if outcome.Err == nil {
			continue
		}
		var noRecipient *NoSuchRecipientError
		if info.Thread.Group && errors.As(outcome.Err, &noRecipient) && noRecipient.IgnorableForGroups() {
			m.log.Debugf("ignoring unregistered group recipient %s", outcome.Address)
			continue
		}
		if firstErr == nil {
			firstErr = outcome.Err
		}
	}
	return outcomes, firstErr
}

// driveSend is the retry loop for one send: sessions, encryption, submit.
// All send state mutations happen on this goroutine.
func (m *Manager) driveSend(ctx context.Context, send *MessageSend) error {
	bo := backoff.NewExponentialBackOff()
	for {
		if err := m.establisher.EnsureSessions(ctx, []*MessageSend{send}, false); err != nil {
			var missing *MissingDeviceError
			if errors.As(err, &missing) && !send.IsLocalAddress && len(send.DeviceIDs) == 0 {
				return err
			}
			if !errors.As(err, &missing) && !Retryable(err) {
				return err
			}
			if send.RemainingAttempts <= 0 {
				return err
			}
			send.RemainingAttempts--
			m.backoffIfRateLimited(err, bo)
			continue
		}

		if !send.IsLocalAddress && len(send.DeviceIDs) == 0 {
			// every device was pruned out from under the send
			return &MissingDeviceError{Address: send.Recipient.Address, DeviceID: PrimaryDeviceID}
		}

		deviceMessages, err := m.encryptAll(send)
		if err != nil {
			return err
		}

		err = m.executor.PerformSend(ctx, send, deviceMessages)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if send.RemainingAttempts <= 0 {
			return err
		}
		send.RemainingAttempts--
		m.backoffIfRateLimited(err, bo)
	}
}

func (m *Manager) backoffIfRateLimited(err error, bo *backoff.ExponentialBackOff) {
	var rateLimited *PrekeyRateLimitError
	if !errors.As(err, &rateLimited) {
		return
	}
	next := bo.NextBackOff()
	if next == backoff.Stop {
		return
	}
	m.log.Debugf("prekey rate limited, backing off %s", next)
	time.Sleep(next)
}

func (m *Manager) encryptAll(send *MessageSend) ([]*DeviceMessage, error) {
	deviceMessages := make([]*DeviceMessage, 0, len(send.DeviceIDs))
	for _, deviceID := range send.DeviceIDs {
		if send.IsLocalAddress && deviceID == m.deps.Account.LocalDeviceID() {
			continue
		}
		deviceMessage, err := m.deps.Encryptor.Encrypt(send.Message, send.Recipient, deviceID)
		if err != nil {
			return nil, fmt.Errorf("sending: error encrypting for %s:%d: %w", send.Recipient.Address, deviceID, err)
		}
		deviceMessages = append(deviceMessages, deviceMessage)
	}
	return deviceMessages, nil
}
