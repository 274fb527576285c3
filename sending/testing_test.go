package sending

import (
	"context"
	"crypto/ed25519"
	crypto_rand "crypto/rand"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kevinburke/nacl/box"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/transport"
)

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

type testClock struct {
	offsetMs uint64
}

func (tc *testClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli()) + tc.offsetMs
}

func (tc *testClock) CurrentTimeSec() uint64 {
	return tc.CurrentTimeMs() / 1000
}

func (tc *testClock) Now() time.Time {
	return time.Now().Add(time.Duration(tc.offsetMs) * time.Millisecond)
}

func (tc *testClock) AdvanceMs(a uint64) {
	tc.offsetMs += a
}

type fakeTransport struct {
	lock     sync.Mutex
	requests []*transport.Request
	handler  func(req *transport.Request) (*transport.Response, error)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handler: func(req *transport.Request) (*transport.Response, error) {
			return &transport.Response{Status: 200, Body: []byte("{}")}, nil
		},
	}
}

func (t *fakeTransport) Perform(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	t.lock.Lock()
	t.requests = append(t.requests, req)
	handler := t.handler
	t.lock.Unlock()
	return handler(req)
}

func (t *fakeTransport) setHandler(h func(req *transport.Request) (*transport.Response, error)) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.handler = h
}

func (t *fakeTransport) requestCount() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.requests)
}

func (t *fakeTransport) requestsFor(pathPrefix string) []*transport.Request {
	t.lock.Lock()
	defer t.lock.Unlock()
	var out []*transport.Request
	for _, req := range t.requests {
		if strings.HasPrefix(req.Path, pathPrefix) {
			out = append(out, req)
		}
	}
	return out
}

type fakeCerts struct{}

func (f *fakeCerts) Ensure(policy ExpirationPolicy) (*SenderCertificates, error) {
	return &SenderCertificates{Certificate: []byte("sender-certificate")}, nil
}

type fakeDiscovery struct {
	lock     sync.Mutex
	calls    int
	byNumber map[string]uuid.UUID
	err      error
}

func (f *fakeDiscovery) Perform(ctx context.Context, phoneNumbers []string) ([]DiscoveredRecipient, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []DiscoveredRecipient
	for _, number := range phoneNumbers {
		if id, ok := f.byNumber[number]; ok {
			out = append(out, DiscoveredRecipient{UUID: id, E164: number})
		}
	}
	return out, nil
}

func (f *fakeDiscovery) callCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls
}

type fakeBlocking struct {
	blocked []Address
}

func (f *fakeBlocking) IsBlocked(addr Address) bool {
	for _, b := range f.blocked {
		if b.Equal(addr) {
			return true
		}
	}
	return false
}

func (f *fakeBlocking) BlockedAddresses() []Address {
	return f.blocked
}

type fakeProfiles struct {
	lock         sync.Mutex
	keys         map[string][]byte
	interactions chan Address
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{keys: make(map[string][]byte), interactions: make(chan Address, 16)}
}

func (f *fakeProfiles) ProfileKey(addr Address) []byte {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.keys[addr.Key()]
}

func (f *fakeProfiles) DidSendMessage(addr Address) {
	f.interactions <- addr
}

func (f *fakeProfiles) setKey(addr Address, key []byte) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.keys[addr.Key()] = key
}

type fakeDevices struct {
	lock   sync.Mutex
	linked bool
}

func (f *fakeDevices) MayHaveLinkedDevices() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.linked
}

func (f *fakeDevices) SetMayHaveLinkedDevices(v bool) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.linked = v
}

type fakeAccount struct {
	local        Address
	identityPub  []byte
	identityPriv []byte
}

func newFakeAccount() *fakeAccount {
	pub, priv, err := box.GenerateKey(crypto_rand.Reader)
	if err != nil {
		panic(err)
	}
	return &fakeAccount{
		local:        NewAddress(uuid.New(), "+12025550100"),
		identityPub:  pub[:],
		identityPriv: priv[:],
	}
}

func (f *fakeAccount) LocalAddress() Address {
	return f.local
}

func (f *fakeAccount) LocalDeviceID() uint32 {
	return PrimaryDeviceID
}

func (f *fakeAccount) Credentials() transport.BasicAuth {
	return transport.BasicAuth{Username: f.local.UUID.String(), Password: "hunter2"}
}

func (f *fakeAccount) IdentityKeyPair() (pub, priv []byte) {
	return f.identityPub, f.identityPriv
}

type fakeThreads struct {
	lock    sync.Mutex
	threads map[ids.ID]*Thread
}

func newFakeThreads() *fakeThreads {
	return &fakeThreads{threads: make(map[ids.ID]*Thread)}
}

func (f *fakeThreads) Thread(id ids.ID) (*Thread, bool, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	t, ok := f.threads[id]
	return t, ok, nil
}

func (f *fakeThreads) add(t *Thread) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.threads[t.ID] = t
}

type fakeEncryptor struct{}

func (f *fakeEncryptor) Encrypt(msg *OutgoingMessage, recipient *Recipient, deviceID uint32) (*DeviceMessage, error) {
	return &DeviceMessage{
		Type:                      1,
		DestinationDeviceID:       deviceID,
		DestinationRegistrationID: 42,
		Content:                   []byte("ciphertext"),
	}, nil
}

type testHarness struct {
	m         *Manager
	clock     *testClock
	transport *fakeTransport
	discovery *fakeDiscovery
	blocking  *fakeBlocking
	profiles  *fakeProfiles
	devices   *fakeDevices
	account   *fakeAccount
	threads   *fakeThreads
}

func newTestManager(t *testing.T) *testHarness {
	t.Helper()
	c := config.NewConfig(config.WithLoggingPrefix("test"))
	d := test.NewTestDatabase(c)
	t.Cleanup(func() {
		if err := d.Shutdown(); err != nil {
			panic(err)
		}
	})

	h := &testHarness{
		clock:     &testClock{},
		transport: newFakeTransport(),
		discovery: &fakeDiscovery{byNumber: make(map[string]uuid.UUID)},
		blocking:  &fakeBlocking{},
		profiles:  newFakeProfiles(),
		devices:   &fakeDevices{},
		account:   newFakeAccount(),
		threads:   newFakeThreads(),
	}
	deps := &Dependencies{
		Certificates: &fakeCerts{},
		Discovery:    h.discovery,
		Blocking:     h.blocking,
		Profiles:     h.profiles,
		Devices:      h.devices,
		Account:      h.account,
		Threads:      h.threads,
		Encryptor:    &fakeEncryptor{},
	}
	m, err := NewManager(c, d, h.clock, h.transport, deps)
	if err != nil {
		t.Fatal(err)
	}
	h.m = m
	return h
}

// testPeer holds the remote key material a scripted prekey response is built
// from. The identity doubles as the ed25519 signing key for the signed
// prekey.
type testPeer struct {
	addr         Address
	identityPub  ed25519.PublicKey
	identityPriv ed25519.PrivateKey
	signedPreKey [32]byte
	signature    []byte
}

func newTestPeer(e164 string) *testPeer {
	pub, priv, err := ed25519.GenerateKey(crypto_rand.Reader)
	if err != nil {
		panic(err)
	}
	p := &testPeer{
		addr:         NewAddress(uuid.New(), e164),
		identityPub:  pub,
		identityPriv: priv,
	}
	if _, err := crypto_rand.Read(p.signedPreKey[:]); err != nil {
		panic(err)
	}
	p.signature = ed25519.Sign(priv, p.signedPreKey[:])
	return p
}

func (p *testPeer) prekeyResponse(deviceID uint32) []byte {
	resp := &preKeyResponse{
		IdentityKey: p.identityPub,
		Devices: []preKeyDeviceEntity{
			{
				DeviceID:       deviceID,
				RegistrationID: 42,
				SignedPreKey: &signedPreKeyEntity{
					KeyID:     7,
					PublicKey: p.signedPreKey[:],
					Signature: p.signature,
				},
			},
		},
	}
	body, err := json.Marshal(resp)
	if err != nil {
		panic(err)
	}
	return body
}

// prekeyHandler answers prekey fetches for a set of peers and hands message
// submits to submit, answering them with 200 when submit is nil. Device ids
// are parsed from the request path.
func prekeyHandler(peers map[string]*testPeer, submit func(req *transport.Request) (*transport.Response, error)) func(req *transport.Request) (*transport.Response, error) {
	return func(req *transport.Request) (*transport.Response, error) {
		if strings.HasPrefix(req.Path, "/v2/keys/") {
			parts := strings.Split(strings.TrimPrefix(req.Path, "/v2/keys/"), "/")
			if len(parts) != 2 {
				return &transport.Response{Status: 400}, nil
			}
			peer, ok := peers[parts[0]]
			if !ok {
				return &transport.Response{Status: 404}, nil
			}
			deviceID, err := strconv.ParseUint(parts[1], 10, 32)
			if err != nil {
				return &transport.Response{Status: 400}, nil
			}
			return &transport.Response{Status: 200, Body: peer.prekeyResponse(uint32(deviceID))}, nil
		}
		if strings.HasPrefix(req.Path, "/v1/messages/") && submit != nil {
			return submit(req)
		}
		return &transport.Response{Status: 200, Body: []byte("{}")}, nil
	}
}

func ok200() (*transport.Response, error) {
	return &transport.Response{Status: 200, Body: []byte("{}")}, nil
}

func jsonResponse(status int, v interface{}) (*transport.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &transport.Response{Status: status, Body: body}, nil
}

func (h *testHarness) contactThread(peer Address) *Thread {
	t := &Thread{ID: ids.NewID(), Contact: peer}
	h.threads.add(t)
	return t
}

func (h *testHarness) groupThread(full, invited []Address) *Thread {
	t := &Thread{ID: ids.NewID(), Group: true, FullMembers: full, InvitedMembers: invited}
	h.threads.add(t)
	return t
}

func (h *testHarness) newSendTo(t *testing.T, thread *Thread, msg *OutgoingMessage, addr Address) *MessageSend {
	t.Helper()
	send, err := h.m.NewMessageSend(&SendInfo{Thread: thread}, msg, addr)
	if err != nil {
		t.Fatal(err)
	}
	return send
}

func (h *testHarness) hasSession(t *testing.T, accountID ids.ID, deviceID uint32) bool {
	t.Helper()
	var has bool
	if err := h.m.db.RunReadOnly("check session", func() error {
		var err error
		has, err = h.m.db.hasSession(accountID, deviceID)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	return has
}

func (h *testHarness) seedSession(t *testing.T, accountID ids.ID, deviceID uint32) {
	t.Helper()
	if err := h.m.db.Run("seed session", func() error {
		return h.m.db.upsertRatchetState(&ratchetState{ID: sessionID(accountID, deviceID)})
	}); err != nil {
		t.Fatal(err)
	}
}

func (h *testHarness) deviceList(t *testing.T, accountID ids.ID) []uint32 {
	t.Helper()
	var deviceIDs []uint32
	if err := h.m.db.RunReadOnly("list devices", func() error {
		var err error
		deviceIDs, err = h.m.db.deviceIDs(accountID)
		return err
	}); err != nil {
		t.Fatal(err)
	}
	return deviceIDs
}

func (h *testHarness) messageState(t *testing.T, timestamp uint64, addr Address) *messageRecipientRow {
	t.Helper()
	var row *messageRecipientRow
	if err := h.m.db.RunReadOnly("message state", func() error {
		var err error
		row, err = h.m.db.messageRecipientState(timestamp, addr.Key())
		return err
	}); err != nil {
		t.Fatal(err)
	}
	return row
}

func (h *testHarness) saveIdentityKey(t *testing.T, accountID ids.ID, key []byte) {
	t.Helper()
	if err := h.m.db.Run("save identity", func() error {
		return h.m.db.saveIdentity(accountID, key)
	}); err != nil {
		t.Fatal(err)
	}
}

func newOutgoingMessage(thread *Thread, recipients []Address) *OutgoingMessage {
	return &OutgoingMessage{
		Timestamp:  uint64(time.Now().UnixMilli()),
		ThreadID:   thread.ID,
		Recipients: recipients,
		Body:       []byte("hi"),
	}
}
