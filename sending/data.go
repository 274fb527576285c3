package sending

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
)

const (
	// identity trust levels
	TrustUntrusted = 0
	TrustTrusted   = 1

	// per-recipient message delivery states
	MessageRecipientStateSent    = 0
	MessageRecipientStateSkipped = 1
)

type recipientRow struct {
	AccountID  []byte  `db:"account_id"`
	UUID       *string `db:"uuid"`
	E164       *string `db:"e164"`
	Registered bool    `db:"registered"`
}

func (r *recipientRow) address() (Address, error) {
	var addr Address
	if r.UUID != nil {
		u, err := uuid.Parse(*r.UUID)
		if err != nil {
			return addr, fmt.Errorf("sending: bad uuid on recipient %x: %w", r.AccountID, err)
		}
		addr.UUID = u
	}
	if r.E164 != nil {
		addr.E164 = *r.E164
	}
	return addr, nil
}

type identityRow struct {
	AccountID   []byte `db:"account_id"`
	IdentityKey []byte `db:"identity_key"`
	Trust       int    `db:"trust"`
	UpdatedAtMs uint64 `db:"updated_at_ms"`
}

type messageRecipientRow struct {
	MessageTimestamp uint64 `db:"message_timestamp"`
	AddressKey       string `db:"address_key"`
	State            int    `db:"state"`
	WasSentByUD      bool   `db:"was_sent_by_ud"`
}

type ratchetState struct {
	ID                       []byte `db:"id"`
	Dhr                      []byte `db:"dhr"`
	DhsPub                   []byte `db:"dhs_pub"`
	DhsPriv                  []byte `db:"dhs_priv"`
	RootChKey                []byte `db:"root_ch_key"`
	SendChKey                []byte `db:"send_ch_key"`
	SendChCount              uint32 `db:"send_ch_count"`
	RecvChKey                []byte `db:"recv_ch_key"`
	RecvChCount              uint32 `db:"recv_ch_count"`
	PN                       uint32 `db:"pn"`
	MaxSkip                  uint   `db:"max_skip"`
	HKr                      []byte `db:"hkr"`
	NHKr                     []byte `db:"nhkr"`
	HKs                      []byte `db:"hks"`
	NHKs                     []byte `db:"nhks"`
	MaxKeep                  uint   `db:"max_keep"`
	MaxMessageKeysPerSession int    `db:"mmk_per_session"`
	Step                     uint   `db:"step"`
	KeysCount                uint   `db:"keys_count"`
}

type ratchetKey struct {
	SessionID      []byte `db:"session_id"`
	PublicKey      []byte `db:"pub_key"`
	MessageKey     []byte `db:"message_key"`
	MessageNumber  uint   `db:"msg_num"`
	SequenceNumber uint   `db:"seq_num"`
}

type database struct {
	*db.Database
	clock clock.Clock
}

func newDatabase(d *db.Database, cl clock.Clock) (*database, error) {
	if err := d.Migrate("_sending", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
CREATE TABLE _recipients (
	account_id BLOB PRIMARY KEY,
	uuid TEXT,
	e164 TEXT,
	registered INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX _recipients_uuid ON _recipients (uuid) WHERE uuid IS NOT NULL;
CREATE UNIQUE INDEX _recipients_e164 ON _recipients (e164) WHERE e164 IS NOT NULL;
CREATE TABLE _recipient_devices (
	account_id BLOB NOT NULL,
	device_id INTEGER NOT NULL,
	PRIMARY KEY (account_id, device_id)
);
CREATE TABLE _recipient_identities (
	account_id BLOB PRIMARY KEY,
	identity_key BLOB NOT NULL,
	trust INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE TABLE _ratchet_states (
	id BLOB PRIMARY KEY,
	dhr BLOB,
	dhs_pub BLOB,
	dhs_priv BLOB,
	root_ch_key BLOB,
	send_ch_key BLOB,
	send_ch_count INTEGER,
	recv_ch_key BLOB,
	recv_ch_count INTEGER,
	pn INTEGER,
	max_skip INTEGER,
	hkr BLOB,
	nhkr BLOB,
	hks BLOB,
	nhks BLOB,
	max_keep INTEGER,
	mmk_per_session INTEGER,
	step INTEGER,
	keys_count INTEGER
);
CREATE TABLE _ratchet_keys (
	session_id BLOB NOT NULL,
	pub_key BLOB NOT NULL,
	msg_num INTEGER NOT NULL,
	message_key BLOB NOT NULL,
	seq_num INTEGER NOT NULL,
	PRIMARY KEY (session_id, pub_key, msg_num)
);
CREATE TABLE _message_recipient_state (
	message_timestamp INTEGER NOT NULL,
	address_key TEXT NOT NULL,
	state INTEGER NOT NULL,
	was_sent_by_ud INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (message_timestamp, address_key)
);
						`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return &database{Database: d, clock: cl}, nil
}

// sessionID derives the ratchet state key for one (account, device) pair.
func sessionID(accountID ids.ID, deviceID uint32) []byte {
	id := make([]byte, 20)
	copy(id, accountID[:])
	binary.BigEndian.PutUint32(id[16:], deviceID)
	return id
}

func (d *database) recipient(accountID ids.ID) (*recipientRow, error) {
	r := recipientRow{}
	if err := d.Tx.Get(&r, "SELECT * FROM _recipients WHERE account_id = $1", accountID[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sending: error getting recipient %s: %w", accountID, err)
	}
	return &r, nil
}

func (d *database) recipientByAddress(addr Address) (*recipientRow, error) {
	r := recipientRow{}
	var err error
	if addr.Valid() {
		err = d.Tx.Get(&r, "SELECT * FROM _recipients WHERE uuid = $1", addr.UUID.String())
	} else {
		err = d.Tx.Get(&r, "SELECT * FROM _recipients WHERE e164 = $1", addr.E164)
	}
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sending: error getting recipient for %s: %w", addr, err)
	}
	return &r, nil
}

// upsertRecipient resolves an address to its persisted recipient, creating
// one (with the primary device) on first contact, and backfilling a
// discovered uuid or phone number onto an existing row.
func (d *database) upsertRecipient(addr Address) (*recipientRow, error) {
	r, err := d.recipientByAddress(addr)
	if err != nil {
		return nil, err
	}
	if r == nil && addr.Valid() && addr.E164 != "" {
		// a discovery hit may land on a row previously keyed by number alone
		if r, err = d.recipientByAddress(Address{E164: addr.E164}); err != nil {
			return nil, err
		}
	}
	if r == nil {
		accountID := ids.NewID()
		r = &recipientRow{AccountID: accountID[:]}
		if addr.Valid() {
			u := addr.UUID.String()
			r.UUID = &u
		}
		if addr.E164 != "" {
			e := addr.E164
			r.E164 = &e
		}
		if _, err := d.Tx.NamedExec("INSERT INTO _recipients (account_id, uuid, e164, registered) VALUES (:account_id, :uuid, :e164, :registered)", r); err != nil {
			return nil, fmt.Errorf("sending: error inserting recipient for %s: %w", addr, err)
		}
		if err := d.addDeviceID(ids.IDFromBytes(r.AccountID), PrimaryDeviceID); err != nil {
			return nil, err
		}
		return r, nil
	}
	if addr.Valid() && r.UUID == nil {
		u := addr.UUID.String()
		r.UUID = &u
		if _, err := d.Tx.Exec("UPDATE _recipients SET uuid = $1 WHERE account_id = $2", u, r.AccountID); err != nil {
			return nil, fmt.Errorf("sending: error backfilling uuid for %s: %w", addr, err)
		}
	}
	return r, nil
}

func (d *database) deviceIDs(accountID ids.ID) ([]uint32, error) {
	var deviceIDs []uint32
	if err := d.Tx.Select(&deviceIDs, "SELECT device_id FROM _recipient_devices WHERE account_id = $1 ORDER BY device_id", accountID[:]); err != nil {
		return nil, fmt.Errorf("sending: error getting devices for %s: %w", accountID, err)
	}
	return deviceIDs, nil
}

func (d *database) addDeviceID(accountID ids.ID, deviceID uint32) error {
	if _, err := d.Tx.Exec("INSERT INTO _recipient_devices (account_id, device_id) VALUES ($1, $2) ON CONFLICT DO NOTHING", accountID[:], deviceID); err != nil {
		return fmt.Errorf("sending: error adding device %d for %s: %w", deviceID, accountID, err)
	}
	return nil
}

func (d *database) removeDeviceID(accountID ids.ID, deviceID uint32) error {
	if _, err := d.Tx.Exec("DELETE FROM _recipient_devices WHERE account_id = $1 AND device_id = $2", accountID[:], deviceID); err != nil {
		return fmt.Errorf("sending: error removing device %d for %s: %w", deviceID, accountID, err)
	}
	return nil
}

func (d *database) markRegistered(accountID ids.ID, registered bool) error {
	if _, err := d.Tx.Exec("UPDATE _recipients SET registered = $1 WHERE account_id = $2", registered, accountID[:]); err != nil {
		return fmt.Errorf("sending: error marking registered for %s: %w", accountID, err)
	}
	return nil
}

func (d *database) identity(accountID ids.ID) (*identityRow, error) {
	row := identityRow{}
	if err := d.Tx.Get(&row, "SELECT * FROM _recipient_identities WHERE account_id = $1", accountID[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sending: error getting identity for %s: %w", accountID, err)
	}
	return &row, nil
}

// saveIdentity records a remote identity key. First-seen keys are trusted; a
// changed key is persisted immediately but untrusted for sending until
// trustIdentity is called.
func (d *database) saveIdentity(accountID ids.ID, key []byte) error {
	existing, err := d.identity(accountID)
	if err != nil {
		return err
	}
	now := d.clock.CurrentTimeMs()
	if existing == nil {
		if _, err := d.Tx.Exec("INSERT INTO _recipient_identities (account_id, identity_key, trust, updated_at_ms) VALUES ($1, $2, $3, $4)", accountID[:], key, TrustTrusted, now); err != nil {
			return fmt.Errorf("sending: error inserting identity for %s: %w", accountID, err)
		}
		return nil
	}
	if bytes.Equal(existing.IdentityKey, key) {
		return nil
	}
	if _, err := d.Tx.Exec("UPDATE _recipient_identities SET identity_key = $1, trust = $2, updated_at_ms = $3 WHERE account_id = $4", key, TrustUntrusted, now, accountID[:]); err != nil {
		return fmt.Errorf("sending: error updating identity for %s: %w", accountID, err)
	}
	return nil
}

func (d *database) trustIdentity(accountID ids.ID) error {
	if _, err := d.Tx.Exec("UPDATE _recipient_identities SET trust = $1 WHERE account_id = $2", TrustTrusted, accountID[:]); err != nil {
		return fmt.Errorf("sending: error trusting identity for %s: %w", accountID, err)
	}
	return nil
}

// untrustedForSending reports whether key is the currently persisted identity
// for the account and is not trusted for the outgoing direction.
func (d *database) untrustedForSending(accountID ids.ID, key []byte) (bool, error) {
	row, err := d.identity(accountID)
	if err != nil {
		return false, err
	}
	if row == nil {
		return false, nil
	}
	return bytes.Equal(row.IdentityKey, key) && row.Trust == TrustUntrusted, nil
}

func (d *database) hasSession(accountID ids.ID, deviceID uint32) (bool, error) {
	var count int
	if err := d.Tx.Get(&count, "SELECT count(*) FROM _ratchet_states WHERE id = $1", sessionID(accountID, deviceID)); err != nil {
		return false, fmt.Errorf("sending: error checking session for %s:%d: %w", accountID, deviceID, err)
	}
	return count != 0, nil
}

func (d *database) deleteSession(accountID ids.ID, deviceID uint32) error {
	id := sessionID(accountID, deviceID)
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_states WHERE id = $1", id); err != nil {
		return fmt.Errorf("sending: error deleting session for %s:%d: %w", accountID, deviceID, err)
	}
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1", id); err != nil {
		return fmt.Errorf("sending: error deleting session keys for %s:%d: %w", accountID, deviceID, err)
	}
	return nil
}

func (d *database) ratchetState(id []byte) (*ratchetState, error) {
	s := ratchetState{}
	if err := d.Tx.Get(&s, "SELECT * FROM _ratchet_states WHERE id = $1", id); err != nil {
		return nil, fmt.Errorf("sending: error getting ratchet state %x: %w", id, err)
	}
	return &s, nil
}

func (d *database) upsertRatchetState(s *ratchetState) error {
	if _, err := d.Tx.NamedExec(`INSERT INTO _ratchet_states
		(id, dhr, dhs_pub, dhs_priv, root_ch_key, send_ch_key, send_ch_count, recv_ch_key, recv_ch_count, pn, max_skip, hkr, nhkr, hks, nhks, max_keep, mmk_per_session, step, keys_count)
		VALUES (:id, :dhr, :dhs_pub, :dhs_priv, :root_ch_key, :send_ch_key, :send_ch_count, :recv_ch_key, :recv_ch_count, :pn, :max_skip, :hkr, :nhkr, :hks, :nhks, :max_keep, :mmk_per_session, :step, :keys_count)
		ON CONFLICT(id) DO UPDATE SET dhr = :dhr, dhs_pub = :dhs_pub, dhs_priv = :dhs_priv, root_ch_key = :root_ch_key, send_ch_key = :send_ch_key, send_ch_count = :send_ch_count, recv_ch_key = :recv_ch_key, recv_ch_count = :recv_ch_count, pn = :pn, max_skip = :max_skip, hkr = :hkr, nhkr = :nhkr, hks = :hks, nhks = :nhks, max_keep = :max_keep, mmk_per_session = :mmk_per_session, step = :step, keys_count = :keys_count`, s); err != nil {
		return fmt.Errorf("sending: error upserting ratchet state %x: %w", s.ID, err)
	}
	return nil
}

func (d *database) ratchetKeyByMsgNum(sessionID, pubKey []byte, msgNum uint) (*ratchetKey, bool, error) {
	k := ratchetKey{}
	if err := d.Tx.Get(&k, "SELECT * FROM _ratchet_keys WHERE session_id = $1 AND pub_key = $2 AND msg_num = $3", sessionID, pubKey, msgNum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sending: error getting ratchet key: %w", err)
	}
	return &k, true, nil
}

func (d *database) upsertRatchetKey(k *ratchetKey) error {
	if _, err := d.Tx.NamedExec("INSERT INTO _ratchet_keys (session_id, pub_key, msg_num, message_key, seq_num) VALUES (:session_id, :pub_key, :msg_num, :message_key, :seq_num) ON CONFLICT(session_id, pub_key, msg_num) DO UPDATE SET message_key = :message_key, seq_num = :seq_num", k); err != nil {
		return fmt.Errorf("sending: error upserting ratchet key: %w", err)
	}
	return nil
}

func (d *database) deleteRatchetKey(sessionID, pubKey []byte, msgNum uint) error {
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1 AND pub_key = $2 AND msg_num = $3", sessionID, pubKey, msgNum); err != nil {
		return fmt.Errorf("sending: error deleting ratchet key: %w", err)
	}
	return nil
}

func (d *database) deleteOldRatchetKeys(sessionID []byte, deleteUntilSeqKey uint) error {
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1 AND seq_num < $2", sessionID, deleteUntilSeqKey); err != nil {
		return fmt.Errorf("sending: error deleting old ratchet keys: %w", err)
	}
	return nil
}

func (d *database) truncateRatchetKeys(sessionID []byte, maxKeys int) error {
	if _, err := d.Tx.Exec("DELETE FROM _ratchet_keys WHERE session_id = $1 AND seq_num NOT IN (SELECT seq_num FROM _ratchet_keys WHERE session_id = $1 ORDER BY seq_num DESC LIMIT $2)", sessionID, maxKeys); err != nil {
		return fmt.Errorf("sending: error truncating ratchet keys: %w", err)
	}
	return nil
}

func (d *database) countRatchetKeys(pubKey []byte) (uint, error) {
	var count uint
	if err := d.Tx.Get(&count, "SELECT count(*) FROM _ratchet_keys WHERE pub_key = $1", pubKey); err != nil {
		return 0, fmt.Errorf("sending: error counting ratchet keys: %w", err)
	}
	return count, nil
}

func (d *database) markMessageRecipientState(timestamp uint64, addressKey string, state int, wasSentByUD bool) error {
	if _, err := d.Tx.Exec("INSERT INTO _message_recipient_state (message_timestamp, address_key, state, was_sent_by_ud) VALUES ($1, $2, $3, $4) ON CONFLICT(message_timestamp, address_key) DO UPDATE SET state = $3, was_sent_by_ud = $4", timestamp, addressKey, state, wasSentByUD); err != nil {
		return fmt.Errorf("sending: error marking message state for %s: %w", addressKey, err)
	}
	return nil
}

func (d *database) messageRecipientState(timestamp uint64, addressKey string) (*messageRecipientRow, error) {
	row := messageRecipientRow{}
	if err := d.Tx.Get(&row, "SELECT * FROM _message_recipient_state WHERE message_timestamp = $1 AND address_key = $2", timestamp, addressKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sending: error getting message state for %s: %w", addressKey, err)
	}
	return &row, nil
}
