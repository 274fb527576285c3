package sending

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/ids"
)

const (
	missingDeviceTTLMs  = 60 * 1000
	staleIdentityTTLMs  = 5 * 60 * 1000
	undiscoverableTTLMs = 10 * 60 * 1000
)

type staleIdentityEntry struct {
	currentIdentityKey []byte
	newIdentityKey     []byte
	recordedAtMs       uint64
}

// NegativeCache suppresses work known to be futile: prekey fetches for
// devices which recently 404'd, session builds against identities which
// recently failed trust, and directory lookups for numbers which recently
// failed to resolve. All maps are guarded by a single mutex; expiry is
// clock-based so tests can advance time.
type NegativeCache struct {
	lock           sync.Mutex
	clock          clock.Clock
	db             *database
	missing        map[string]uint64
	stale          map[string]staleIdentityEntry
	undiscoverable map[string]uint64
}

func newNegativeCache(cl clock.Clock, d *database) *NegativeCache {
	return &NegativeCache{
		clock:          cl,
		db:             d,
		missing:        make(map[string]uint64),
		stale:          make(map[string]staleIdentityEntry),
		undiscoverable: make(map[string]uint64),
	}
}

func missingDeviceKey(addr Address, deviceID uint32) string {
	return fmt.Sprintf("%s:%d", addr.Key(), deviceID)
}

// RecordMissingDevice notes a 404 on a prekey fetch. Only the primary device
// is recorded; linked devices are self-healing via server device-list
// corrections.
func (c *NegativeCache) RecordMissingDevice(addr Address, deviceID uint32) {
	if deviceID != PrimaryDeviceID {
		return
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.missing[missingDeviceKey(addr, deviceID)] = c.clock.CurrentTimeMs()
}

// DeviceNotMissing reports whether a prekey fetch for the device is
// permitted: true when no fresh missing-device entry exists.
func (c *NegativeCache) DeviceNotMissing(addr Address, deviceID uint32) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	at, ok := c.missing[missingDeviceKey(addr, deviceID)]
	if !ok {
		return true
	}
	if c.clock.CurrentTimeMs()-at >= missingDeviceTTLMs {
		delete(c.missing, missingDeviceKey(addr, deviceID))
		return true
	}
	return false
}

// RecordStaleIdentity notes a failed trust decision. currentIdentityKey is
// the identity persisted after the failure; newIdentityKey is the key the
// bundle presented.
func (c *NegativeCache) RecordStaleIdentity(addr Address, currentIdentityKey, newIdentityKey []byte) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.stale[addr.Key()] = staleIdentityEntry{
		currentIdentityKey: currentIdentityKey,
		newIdentityKey:     newIdentityKey,
		recordedAtMs:       c.clock.CurrentTimeMs(),
	}
}

// IdentityLikelyUntrusted reports whether a prekey fetch for the account
// should short-circuit to an untrusted-identity failure. It revalidates the
// cached verdict against persisted state, so it must be called inside a read
// transaction. Rotation of the current key or a now-trusted new key permits
// the retry.
func (c *NegativeCache) IdentityLikelyUntrusted(accountID ids.ID, addr Address) (bool, error) {
	c.lock.Lock()
	entry, ok := c.stale[addr.Key()]
	if ok && c.clock.CurrentTimeMs()-entry.recordedAtMs >= staleIdentityTTLMs {
		delete(c.stale, addr.Key())
		ok = false
	}
	c.lock.Unlock()
	if !ok {
		return false, nil
	}

	row, err := c.db.identity(accountID)
	if err != nil {
		return false, err
	}
	if row == nil || !bytes.Equal(row.IdentityKey, entry.currentIdentityKey) {
		return false, nil
	}
	return c.db.untrustedForSending(accountID, entry.newIdentityKey)
}

func (c *NegativeCache) RecordUndiscoverable(e164 string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.undiscoverable[e164] = c.clock.CurrentTimeMs()
}

func (c *NegativeCache) RecentlyUndiscoverable(e164 string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	at, ok := c.undiscoverable[e164]
	if !ok {
		return false
	}
	if c.clock.CurrentTimeMs()-at >= undiscoverableTTLMs {
		delete(c.undiscoverable, e164)
		return false
	}
	return true
}
