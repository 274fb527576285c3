// This package provides a high-level interface to the courier implementation:
// the outgoing delivery core of an end-to-end-encrypted messaging client. It
// owns the encrypted database, the service transport, and the sending
// pipeline, and exposes message delivery and identity trust decisions.
package courier

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/sending"
	"github.com/meow-io/go-courier/transport"
	"go.uber.org/zap"
)

const (
	// Constants for application state.
	StateNew = iota
	StateInitialized
	StateRunning
	StateClosed
)

type Courier struct {
	DB *db.Database

	config    *config.Config
	log       *zap.SugaredLogger
	state     int
	clock     clock.Clock
	deps      *sending.Dependencies
	transport *transport.Manager
	sending   *sending.Manager
}

// Create a courier instance. The sending manager is constructed on Open,
// once the database is unlocked.
func NewCourier(c *config.Config, deps *sending.Dependencies) (*Courier, error) {
	log := c.Logger("")
	absRootPath, err := filepath.Abs(c.RootDir)
	if err != nil {
		return nil, err
	}
	c.RootDir = absRootPath
	log.Debugf("making courier, using root path of %s", c.RootDir)

	if err := os.MkdirAll(c.RootDir, 0o700); err != nil {
		return nil, err
	}
	database, err := db.NewDatabase(c, path.Join(c.RootDir, "data"))
	if err != nil {
		return nil, err
	}

	state := StateNew
	if database.Initialized() {
		state = StateInitialized
	}

	return &Courier{
		DB:     database,
		config: c,
		log:    log,
		state:  state,
		clock:  clock.NewSystemClock(),
		deps:   deps,
	}, nil
}

func (c *Courier) State() int {
	return c.state
}

// Initialize creates the encrypted database with the given 32-byte key.
func (c *Courier) Initialize(key []byte) error {
	if c.state != StateNew {
		return fmt.Errorf("courier: wrong state, expected %d got %d", StateNew, c.state)
	}
	if err := c.DB.Initialize(key); err != nil {
		return err
	}
	c.state = StateInitialized
	return nil
}

// Open unlocks the database and wires the transport and sending managers.
func (c *Courier) Open(key []byte) error {
	if c.state != StateInitialized {
		return fmt.Errorf("courier: wrong state, expected %d got %d", StateInitialized, c.state)
	}
	if err := c.DB.Open(key); err != nil {
		return err
	}

	transportManager, err := transport.NewManager(c.config)
	if err != nil {
		return err
	}
	sendingManager, err := sending.NewManager(c.config, c.DB, c.clock, transportManager, c.deps)
	if err != nil {
		return err
	}
	c.transport = transportManager
	c.sending = sendingManager
	c.state = StateRunning
	return nil
}

func (c *Courier) Shutdown() error {
	if c.state != StateRunning {
		return nil
	}
	if err := c.transport.Shutdown(); err != nil {
		return err
	}
	if err := c.DB.Shutdown(); err != nil {
		return err
	}
	c.state = StateClosed
	return nil
}

// Send delivers an outgoing message to every device of every resolved
// recipient, establishing sessions on demand.
func (c *Courier) Send(ctx context.Context, msg *sending.OutgoingMessage) ([]sending.SendOutcome, error) {
	if c.state != StateRunning {
		return nil, fmt.Errorf("courier: wrong state, expected %d got %d", StateRunning, c.state)
	}
	return c.sending.SendMessage(ctx, msg)
}

// SyncProbe sends an empty device-message list to the local account to learn
// whether linked devices exist.
func (c *Courier) SyncProbe(ctx context.Context) error {
	if c.state != StateRunning {
		return fmt.Errorf("courier: wrong state, expected %d got %d", StateRunning, c.state)
	}
	msg := &sending.OutgoingMessage{
		Timestamp: c.clock.CurrentTimeMs(),
		IsSync:    true,
	}
	// probes carry no thread; the send targets the local address directly
	info := &sending.SendInfo{Thread: &sending.Thread{}}
	send, err := c.sending.NewMessageSend(info, msg, c.deps.Account.LocalAddress())
	if err != nil {
		return err
	}
	return c.sending.PerformSend(ctx, send, nil)
}

// TrustIdentity approves the current identity key for an account, clearing
// the untrusted-for-sending block after the user has re-verified.
func (c *Courier) TrustIdentity(accountID ids.ID) error {
	if c.state != StateRunning {
		return fmt.Errorf("courier: wrong state, expected %d got %d", StateRunning, c.state)
	}
	return c.sending.TrustIdentity(accountID)
}
