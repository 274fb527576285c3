package sending

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/meow-io/go-courier/transport"
	"github.com/stretchr/testify/require"
)

// scriptedSubmit answers message submits from a queue of canned responses,
// then 200s.
type scriptedSubmit struct {
	lock      sync.Mutex
	responses []*transport.Response
	bodies    []messageSubmitBody
}

func (s *scriptedSubmit) handle(req *transport.Request) (*transport.Response, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var body messageSubmitBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		panic(err)
	}
	s.bodies = append(s.bodies, body)
	if len(s.responses) == 0 {
		return &transport.Response{Status: 200, Body: []byte("{}")}, nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedSubmit) submitCount() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.bodies)
}

func mustJSON(v interface{}) []byte {
	body, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return body
}

func TestSendMessageHappyPath(t *testing.T) {
	h := newTestManager(t)
	bob := newTestPeer("+12025550140")
	h.profiles.setKey(bob.addr, make([]byte, 32))
	submit := &scriptedSubmit{}
	h.transport.setHandler(prekeyHandler(map[string]*testPeer{bob.addr.UUID.String(): bob}, submit.handle))

	thread := h.contactThread(bob.addr)
	msg := newOutgoingMessage(thread, []Address{bob.addr})

	outcomes, err := h.m.SendMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.NoError(t, outcomes[0].Err)

	// one prekey fetch, one session write, one submit
	require.Len(t, h.transport.requestsFor("/v2/keys/"), 1)
	require.Equal(t, 1, submit.submitCount())

	state := h.messageState(t, msg.Timestamp, bob.addr)
	require.Equal(t, MessageRecipientStateSent, state.State)
	require.True(t, state.WasSentByUD)
	waitForInteraction(t, h, bob.addr)
}

func TestSendMessageMismatchReconcilesAndRetries(t *testing.T) {
	h := newTestManager(t)
	bob := newTestPeer("+12025550141")
	submit := &scriptedSubmit{
		responses: []*transport.Response{
			{Status: 409, Body: mustJSON(&deviceListResponse{ExtraDevices: []uint32{3}, MissingDevices: []uint32{2}})},
		},
	}
	h.transport.setHandler(prekeyHandler(map[string]*testPeer{bob.addr.UUID.String(): bob}, submit.handle))

	thread := h.contactThread(bob.addr)
	msg := newOutgoingMessage(thread, []Address{bob.addr})

	// seed the stale device view: we believe in devices 1 and 3
	send := h.newSendTo(t, thread, msg, bob.addr)
	accountID := send.Recipient.AccountID
	require.NoError(t, h.m.db.Run("seed device", func() error {
		return h.m.db.addDeviceID(accountID, 3)
	}))
	h.seedSession(t, accountID, 3)

	outcomes, err := h.m.SendMessage(context.Background(), msg)
	require.NoError(t, err)
	require.NoError(t, outcomes[0].Err)

	// device set corrected, extra session deleted, missing session built
	require.Equal(t, []uint32{1, 2}, h.deviceList(t, accountID))
	require.False(t, h.hasSession(t, accountID, 3))
	require.True(t, h.hasSession(t, accountID, 2))
	require.Equal(t, 2, submit.submitCount())

	// the second submit covered the corrected devices
	second := submit.bodies[1]
	deviceIDs := make([]uint32, 0, len(second.Messages))
	for _, dm := range second.Messages {
		deviceIDs = append(deviceIDs, dm.DestinationDeviceID)
	}
	require.ElementsMatch(t, []uint32{1, 2}, deviceIDs)
}

func TestSendMessageStaleSessionRebuilds(t *testing.T) {
	h := newTestManager(t)
	bob := newTestPeer("+12025550142")
	submit := &scriptedSubmit{
		responses: []*transport.Response{
			{Status: 410, Body: mustJSON(&deviceListResponse{StaleDevices: []uint32{1}})},
		},
	}
	h.transport.setHandler(prekeyHandler(map[string]*testPeer{bob.addr.UUID.String(): bob}, submit.handle))

	thread := h.contactThread(bob.addr)
	msg := newOutgoingMessage(thread, []Address{bob.addr})

	send := h.newSendTo(t, thread, msg, bob.addr)
	accountID := send.Recipient.AccountID
	h.seedSession(t, accountID, PrimaryDeviceID)

	outcomes, err := h.m.SendMessage(context.Background(), msg)
	require.NoError(t, err)
	require.NoError(t, outcomes[0].Err)

	// the stale session was deleted and rebuilt via a prekey fetch
	require.Equal(t, []uint32{1}, h.deviceList(t, accountID))
	require.True(t, h.hasSession(t, accountID, PrimaryDeviceID))
	require.Len(t, h.transport.requestsFor("/v2/keys/"), 1)
	require.Equal(t, 2, submit.submitCount())
}

func TestSendMessageGroupWithBlockedMember(t *testing.T) {
	h := newTestManager(t)
	local := h.account.LocalAddress()
	bob := newTestPeer("+12025550143")
	eve := newTestPeer("+12025550144")
	h.blocking.blocked = []Address{eve.addr}

	submit := &scriptedSubmit{}
	h.transport.setHandler(prekeyHandler(map[string]*testPeer{
		bob.addr.UUID.String(): bob,
		eve.addr.UUID.String(): eve,
	}, submit.handle))

	thread := h.groupThread([]Address{local, bob.addr, eve.addr}, nil)
	msg := newOutgoingMessage(thread, []Address{local, bob.addr, eve.addr})

	outcomes, err := h.m.SendMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Address.Equal(bob.addr))

	// no request ever targeted the blocked member
	for _, req := range h.transport.requestsFor("/") {
		require.NotContains(t, req.Path, eve.addr.UUID.String())
	}
	state := h.messageState(t, msg.Timestamp, eve.addr)
	require.Equal(t, MessageRecipientStateSkipped, state.State)
}

func TestSendMessageGroupUnregisteredRecipientIsPartialSuccess(t *testing.T) {
	h := newTestManager(t)
	bob := newTestPeer("+12025550145")
	gone := newTestPeer("+12025550146")

	h.transport.setHandler(func(req *transport.Request) (*transport.Response, error) {
		base := prekeyHandler(map[string]*testPeer{
			bob.addr.UUID.String():  bob,
			gone.addr.UUID.String(): gone,
		}, func(req *transport.Request) (*transport.Response, error) {
			if req.Path == "/v1/messages/"+gone.addr.UUID.String() {
				return &transport.Response{Status: 404}, nil
			}
			return ok200()
		})
		return base(req)
	})

	thread := h.groupThread([]Address{bob.addr, gone.addr}, nil)
	msg := newOutgoingMessage(thread, []Address{bob.addr, gone.addr})

	outcomes, err := h.m.SendMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, outcome := range outcomes {
		if outcome.Address.Equal(gone.addr) {
			var noRecipient *NoSuchRecipientError
			require.ErrorAs(t, outcome.Err, &noRecipient)
		} else {
			require.NoError(t, outcome.Err)
		}
	}

	state := h.messageState(t, msg.Timestamp, gone.addr)
	require.Equal(t, MessageRecipientStateSkipped, state.State)
}

func TestSendMessageMissingPrimaryDeviceFailsFast(t *testing.T) {
	h := newTestManager(t)
	carol := newTestPeer("+12025550147")
	h.transport.setHandler(func(req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Status: 404}, nil
	})

	thread := h.contactThread(carol.addr)
	msg := newOutgoingMessage(thread, []Address{carol.addr})

	_, err := h.m.SendMessage(context.Background(), msg)
	var missing *MissingDeviceError
	require.ErrorAs(t, err, &missing)
	requests := h.transport.requestCount()

	// within the cache window the same failure repeats with no network calls
	msg2 := newOutgoingMessage(thread, []Address{carol.addr})
	_, err = h.m.SendMessage(context.Background(), msg2)
	require.ErrorAs(t, err, &missing)
	require.Equal(t, requests, h.transport.requestCount())
}

func TestSendMessageRetriesExhaustAttempts(t *testing.T) {
	h := newTestManager(t)
	bob := newTestPeer("+12025550148")
	h.transport.setHandler(prekeyHandler(map[string]*testPeer{bob.addr.UUID.String(): bob}, func(req *transport.Request) (*transport.Response, error) {
		return &transport.Response{Status: 500}, nil
	}))

	thread := h.contactThread(bob.addr)
	msg := newOutgoingMessage(thread, []Address{bob.addr})

	outcomes, err := h.m.SendMessage(context.Background(), msg)
	require.Error(t, err)
	require.Error(t, outcomes[0].Err)
	require.True(t, Retryable(outcomes[0].Err))

	// attempts are bounded: one initial try plus MaxSendAttempts retries
	require.Len(t, h.transport.requestsFor("/v1/messages/"), 1+h.m.config.MaxSendAttempts)
}
