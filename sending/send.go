// Package sending implements the outgoing message delivery core: recipient
// resolution, on-demand session establishment, negative-result caching, and
// the message submission lifecycle with device-list reconciliation.
package sending

import (
	"context"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/transport"
)

// PrimaryDeviceID identifies the account's primary installation.
const PrimaryDeviceID uint32 = 1

// Thread is the conversation a message belongs to: either a contact thread
// with a single peer, or a group thread carrying a membership snapshot.
// FullMembers and InvitedMembers are disjoint.
type Thread struct {
	ID             ids.ID
	Group          bool
	Contact        Address
	FullMembers    []Address
	InvitedMembers []Address
}

// OutgoingMessage is an application-level message queued for delivery.
// Recipients is the sending snapshot taken when the message was composed.
type OutgoingMessage struct {
	Timestamp uint64
	ThreadID  ids.ID
	IsSync    bool
	// RequiresPendingMemberUpdate marks message classes which must also be
	// delivered to invited group members.
	RequiresPendingMemberUpdate bool
	Recipients                  []Address
	Body                        []byte
}

// Recipient is the persisted view of one account: its address and the set of
// device ids known for it. Mutated only inside write transactions.
type Recipient struct {
	AccountID  ids.ID
	Address    Address
	DeviceIDs  []uint32
	Registered bool
}

// SenderCertificates are opaque sealed-sender credentials bundled into a
// prepared send.
type SenderCertificates struct {
	Certificate []byte
}

// UDAccess carries the unidentified-delivery material for one recipient.
type UDAccess struct {
	Key               []byte
	SenderCertificate []byte
}

// SendInfo is the result of resolving a message against its thread.
type SendInfo struct {
	Thread             *Thread
	Recipients         []Address
	SenderCertificates *SenderCertificates
}

// MessageSend is one in-flight delivery attempt to one recipient. The
// unexported flags and RemainingAttempts are mutated only by the send's
// owning goroutine; that serialization is what makes them safe.
type MessageSend struct {
	Message           *OutgoingMessage
	Thread            *Thread
	Recipient         *Recipient
	DeviceIDs         []uint32
	UDSendingAccess   *UDAccess
	RemainingAttempts int
	IsLocalAddress    bool

	hasWebsocketSendFailed bool
	hasUDAuthFailed        bool
}

// DeviceMessage is one encrypted per-device payload, produced by the
// Encryptor collaborator and opaque to this package.
type DeviceMessage struct {
	Type                      int    `json:"type"`
	DestinationDeviceID       uint32 `json:"destinationDeviceId"`
	DestinationRegistrationID uint32 `json:"destinationRegistrationId"`
	Content                   []byte `json:"content"`
}

// ExpirationPolicy controls how close to expiry a sender certificate may be
// and still be used.
type ExpirationPolicy int

const (
	ExpirationPolicyStrict ExpirationPolicy = iota
	ExpirationPolicyPermissive
)

type SenderCertificateProvider interface {
	Ensure(policy ExpirationPolicy) (*SenderCertificates, error)
}

// DiscoveredRecipient is one directory hit for a phone number.
type DiscoveredRecipient struct {
	UUID uuid.UUID
	E164 string
}

type ContactDiscovery interface {
	Perform(ctx context.Context, phoneNumbers []string) ([]DiscoveredRecipient, error)
}

type BlockingManager interface {
	IsBlocked(addr Address) bool
	BlockedAddresses() []Address
}

type ProfileManager interface {
	// ProfileKey returns the recipient's profile key, or nil when unknown.
	ProfileKey(addr Address) []byte
	DidSendMessage(addr Address)
}

type DeviceManager interface {
	MayHaveLinkedDevices() bool
	SetMayHaveLinkedDevices(v bool)
}

type AccountManager interface {
	LocalAddress() Address
	LocalDeviceID() uint32
	Credentials() transport.BasicAuth
	// IdentityKeyPair returns the account's 32-byte identity public and
	// private keys.
	IdentityKeyPair() (pub, priv []byte)
}

type ThreadStore interface {
	Thread(id ids.ID) (*Thread, bool, error)
}

type Encryptor interface {
	Encrypt(msg *OutgoingMessage, recipient *Recipient, deviceID uint32) (*DeviceMessage, error)
}

// SessionBuilder processes a prekey bundle into a persisted session. It runs
// inside a write transaction and fails with *UntrustedIdentityError when the
// bundle's identity cannot be trusted for sending.
type SessionBuilder interface {
	Process(bundle *PreKeyBundle, accountID ids.ID, deviceID uint32) error
}

// RequestPerformer is the transport seam; satisfied by transport.Manager.
type RequestPerformer interface {
	Perform(ctx context.Context, req *transport.Request) (*transport.Response, error)
}

// Dependencies aggregates the collaborator singletons the core needs. Tests
// substitute fakes. Builder may be nil, in which case the built-in ratchet
// session builder is used.
type Dependencies struct {
	Certificates SenderCertificateProvider
	Discovery    ContactDiscovery
	Blocking     BlockingManager
	Profiles     ProfileManager
	Devices      DeviceManager
	Account      AccountManager
	Threads      ThreadStore
	Encryptor    Encryptor
	Builder      SessionBuilder
}
