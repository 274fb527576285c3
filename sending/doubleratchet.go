package sending

import (
	"bytes"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"

	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-courier/crypto"
	"github.com/meow-io/go-courier/ids"
	"github.com/status-im/doubleratchet"
)

type dhPairImpl struct {
	privateKey [32]byte
	publicKey  [32]byte
}

func (pair dhPairImpl) PrivateKey() doubleratchet.Key {
	return pair.privateKey[:]
}

func (pair dhPairImpl) PublicKey() doubleratchet.Key {
	return pair.publicKey[:]
}

type sessionStorageImpl struct {
	db *database
}

func (ss *sessionStorageImpl) Load(id []byte) (*doubleratchet.State, error) {
	s, err := ss.db.ratchetState(id)
	if err != nil {
		return nil, err
	}

	drc := ss.db.ratchetCrypto()

	return &doubleratchet.State{
		Crypto: drc,
		DHr:    s.Dhr,
		DHs:    dhPairImpl{privateKey: *crypto.SliceToKey(s.DhsPriv), publicKey: *crypto.SliceToKey(s.DhsPub)},
		RootCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
		}{Crypto: drc, CK: s.RootChKey},
		SendCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.SendChKey, N: s.SendChCount},
		RecvCh: struct {
			Crypto doubleratchet.KDFer
			CK     doubleratchet.Key
			N      uint32
		}{Crypto: drc, CK: s.RecvChKey, N: s.RecvChCount},
		PN:                       s.PN,
		MkSkipped:                keysStorageImpl{sessionID: id, db: ss.db},
		MaxSkip:                  s.MaxSkip,
		HKr:                      s.HKr,
		NHKr:                     s.NHKr,
		HKs:                      s.HKs,
		NHKs:                     s.NHKs,
		MaxKeep:                  s.MaxKeep,
		MaxMessageKeysPerSession: s.MaxMessageKeysPerSession,
		Step:                     s.Step,
		KeysCount:                s.KeysCount,
	}, nil
}

func (ss *sessionStorageImpl) Save(id []byte, state *doubleratchet.State) error {
	s := &ratchetState{
		ID:                       id,
		Dhr:                      state.DHr,
		DhsPub:                   state.DHs.PublicKey(),
		DhsPriv:                  state.DHs.PrivateKey(),
		RootChKey:                state.RootCh.CK,
		SendChKey:                state.SendCh.CK,
		SendChCount:              state.SendCh.N,
		RecvChKey:                state.RecvCh.CK,
		RecvChCount:              state.RecvCh.N,
		PN:                       state.PN,
		MaxSkip:                  state.MaxSkip,
		HKr:                      state.HKr,
		NHKr:                     state.NHKr,
		HKs:                      state.HKs,
		NHKs:                     state.NHKs,
		MaxKeep:                  state.MaxKeep,
		MaxMessageKeysPerSession: state.MaxMessageKeysPerSession,
		Step:                     state.Step,
		KeysCount:                state.KeysCount,
	}
	return ss.db.upsertRatchetState(s)
}

type cryptoImpl struct {
	defaultCrypto doubleratchet.DefaultCrypto
}

func (c *cryptoImpl) GenerateDH() (doubleratchet.DHPair, error) {
	pubk, privk, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return nil, err
	}

	return dhPairImpl{privateKey: *privk, publicKey: *pubk}, nil
}

func (c *cryptoImpl) DH(dhPair doubleratchet.DHPair, dhPub doubleratchet.Key) (doubleratchet.Key, error) {
	dhPairKey := crypto.SliceToKey(dhPair.PrivateKey())
	dhPubKey := crypto.SliceToKey(dhPub)
	out := box.Precompute(dhPubKey, dhPairKey)
	return out[:], nil
}

func (c *cryptoImpl) Encrypt(mk doubleratchet.Key, plaintext, ad []byte) ([]byte, error) {
	return crypto.EncryptWithKey(mk, plaintext, ad)
}

func (c *cryptoImpl) Decrypt(mk doubleratchet.Key, ciphertext, ad []byte) ([]byte, error) {
	return crypto.DecryptWithKey(mk, ciphertext, ad)
}

func (c *cryptoImpl) KdfRK(rk, dhOut doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfRK(rk, dhOut)
}

func (c *cryptoImpl) KdfCK(ck doubleratchet.Key) (doubleratchet.Key, doubleratchet.Key) {
	return c.defaultCrypto.KdfCK(ck)
}

type keysStorageImpl struct {
	sessionID []byte
	db        *database
}

func (ks keysStorageImpl) Get(k doubleratchet.Key, msgNum uint) (doubleratchet.Key, bool, error) {
	kr, ok, err := ks.db.ratchetKeyByMsgNum(ks.sessionID, k, msgNum)
	if !ok || err != nil {
		return doubleratchet.Key{}, ok, err
	}
	return kr.MessageKey, ok, err
}

func (ks keysStorageImpl) Put(sessionID []byte, k doubleratchet.Key, msgNum uint, mk doubleratchet.Key, keySeqNum uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.upsertRatchetKey(&ratchetKey{
		SessionID:      sessionID,
		PublicKey:      k,
		MessageKey:     mk,
		MessageNumber:  msgNum,
		SequenceNumber: keySeqNum,
	})
}

func (ks keysStorageImpl) DeleteMk(k doubleratchet.Key, msgNum uint) error {
	return ks.db.deleteRatchetKey(ks.sessionID, k, msgNum)
}

func (ks keysStorageImpl) DeleteOldMks(sessionID []byte, deleteUntilSeqKey uint) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.deleteOldRatchetKeys(sessionID, deleteUntilSeqKey)
}

func (ks keysStorageImpl) TruncateMks(sessionID []byte, maxKeys int) error {
	if !bytes.Equal(sessionID, ks.sessionID) {
		return fmt.Errorf("expected %x to equal %x", sessionID, ks.sessionID)
	}
	return ks.db.truncateRatchetKeys(sessionID, maxKeys)
}

func (ks keysStorageImpl) Count(k doubleratchet.Key) (uint, error) {
	return ks.db.countRatchetKeys(k)
}

func (ks keysStorageImpl) All() (map[string]map[uint]doubleratchet.Key, error) {
	return nil, errors.New("not implemented")
}

func (d *database) ratchetSessionStorage() doubleratchet.SessionStorage {
	return &sessionStorageImpl{db: d}
}

func (d *database) ratchetKeysStorage(sessionID []byte) doubleratchet.KeysStorage {
	return keysStorageImpl{sessionID: sessionID, db: d}
}

func (d *database) ratchetCrypto() doubleratchet.Crypto {
	return &cryptoImpl{}
}

// ratchetSessionBuilder is the default SessionBuilder: it verifies and
// strips the bundle's key material, enforces the identity trust decision,
// runs the key agreement, and initializes a persisted ratchet session keyed
// by the signed prekey as the remote ratchet key.
type ratchetSessionBuilder struct {
	db      *database
	account AccountManager
}

func newRatchetSessionBuilder(db *database, account AccountManager) *ratchetSessionBuilder {
	return &ratchetSessionBuilder{db: db, account: account}
}

func (b *ratchetSessionBuilder) Process(bundle *PreKeyBundle, accountID ids.ID, deviceID uint32) error {
	remoteIdentity, err := crypto.StripKeyType(bundle.IdentityKey)
	if err != nil {
		return fmt.Errorf("sending: bad bundle identity key for %s:%d: %w", accountID, deviceID, err)
	}
	signedPreKey, err := crypto.StripKeyType(bundle.SignedPreKey)
	if err != nil {
		return fmt.Errorf("sending: bad bundle signed prekey for %s:%d: %w", accountID, deviceID, err)
	}
	if !ed25519.Verify(ed25519.PublicKey(remoteIdentity), signedPreKey, bundle.SignedPreKeySignature) {
		return fmt.Errorf("sending: bad signed prekey signature for %s:%d", accountID, deviceID)
	}

	existing, err := b.db.identity(accountID)
	if err != nil {
		return err
	}
	if existing != nil && (!bytes.Equal(existing.IdentityKey, remoteIdentity) || existing.Trust != TrustTrusted) {
		return &UntrustedIdentityError{IdentityKey: remoteIdentity}
	}
	if existing == nil {
		// trust on first use
		if err := b.db.saveIdentity(accountID, remoteIdentity); err != nil {
			return err
		}
	}

	var oneTimePreKey []byte
	if bundle.PreKey != nil {
		if oneTimePreKey, err = crypto.StripKeyType(bundle.PreKey); err != nil {
			return fmt.Errorf("sending: bad bundle one-time prekey for %s:%d: %w", accountID, deviceID, err)
		}
	}

	_, ephemeralPriv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		return err
	}
	_, identityPriv := b.account.IdentityKeyPair()
	secret, err := crypto.AgreeSessionSecret(identityPriv, ephemeralPriv[:], remoteIdentity, signedPreKey, oneTimePreKey)
	if err != nil {
		return fmt.Errorf("sending: error agreeing session secret for %s:%d: %w", accountID, deviceID, err)
	}

	id := sessionID(accountID, deviceID)
	if _, err := doubleratchet.NewWithRemoteKey(id, secret, signedPreKey, b.db.ratchetSessionStorage(), doubleratchet.WithCrypto(b.db.ratchetCrypto()), doubleratchet.WithKeysStorage(b.db.ratchetKeysStorage(id))); err != nil {
		return fmt.Errorf("sending: error initializing ratchet for %s:%d: %w", accountID, deviceID, err)
	}
	return nil
}
