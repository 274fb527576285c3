package sending

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

type recipientResolver struct {
	log   *zap.SugaredLogger
	db    *database
	cache *NegativeCache
	deps  *Dependencies
}

// PrepareSend expands a message into the exact set of addresses that should
// receive a copy: sender certificates are acquired, the thread is resolved,
// membership, blocking and sync rules applied, and addresses lacking a
// service uuid reconciled through directory discovery. Addresses present in
// the message's original snapshot but absent from the resolved set are
// persistently marked skipped.
func (r *recipientResolver) PrepareSend(ctx context.Context, msg *OutgoingMessage) (*SendInfo, error) {
	certs, err := r.deps.Certificates.Ensure(ExpirationPolicyPermissive)
	if err != nil {
		return nil, err
	}

	thread, ok, err := r.deps.Threads.Thread(msg.ThreadID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &ThreadMissingError{ThreadID: msg.ThreadID}
	}

	recipients, err := r.enumerate(msg, thread)
	if err != nil {
		return nil, err
	}

	recipients, err = r.reconcile(ctx, recipients)
	if err != nil {
		return nil, err
	}

	if err := r.markSkipped(msg, recipients); err != nil {
		return nil, err
	}

	return &SendInfo{Thread: thread, Recipients: recipients, SenderCertificates: certs}, nil
}

func (r *recipientResolver) enumerate(msg *OutgoingMessage, thread *Thread) ([]Address, error) {
	local := r.deps.Account.LocalAddress()

	if msg.IsSync {
		return []Address{local}, nil
	}

	if thread.Group {
		membership := make(map[string]bool, len(thread.FullMembers))
		for _, m := range thread.FullMembers {
			membership[m.Key()] = true
		}
		if msg.RequiresPendingMemberUpdate {
			for _, m := range thread.InvitedMembers {
				membership[m.Key()] = true
			}
		}

		set := make(map[string]Address, len(msg.Recipients))
		for _, addr := range msg.Recipients {
			if membership[addr.Key()] {
				set[addr.Key()] = addr
			}
		}
		delete(set, local.Key())
		for _, blocked := range r.deps.Blocking.BlockedAddresses() {
			delete(set, blocked.Key())
		}

		keys := maps.Keys(set)
		sort.Strings(keys)
		recipients := make([]Address, 0, len(keys))
		for _, k := range keys {
			recipients = append(recipients, set[k])
		}
		return recipients, nil
	}

	peer := thread.Contact
	if peer.Equal(local) {
		return []Address{local}, nil
	}
	if r.deps.Blocking.IsBlocked(peer) {
		return nil, &BlockedContactError{Address: peer}
	}
	return []Address{peer}, nil
}

// reconcile replaces addresses lacking a uuid with their directory
// discoveries. When every invalid address was recently undiscoverable they
// are dropped without a round trip.
func (r *recipientResolver) reconcile(ctx context.Context, recipients []Address) ([]Address, error) {
	var valid, invalid []Address
	for _, addr := range recipients {
		if addr.Valid() {
			valid = append(valid, addr)
		} else {
			invalid = append(invalid, addr)
		}
	}
	if len(invalid) == 0 {
		return recipients, nil
	}

	allCached := true
	for _, addr := range invalid {
		if !r.cache.RecentlyUndiscoverable(addr.E164) {
			allCached = false
			break
		}
	}
	if allCached {
		r.log.Debugf("dropping %d recently undiscoverable recipients", len(invalid))
		return valid, nil
	}

	numbers := make([]string, 0, len(invalid))
	for _, addr := range invalid {
		numbers = append(numbers, addr.E164)
	}
	discovered, err := r.deps.Discovery.Perform(ctx, numbers)
	if err != nil {
		var de *DiscoveryError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, &DiscoveryError{Err: err, RetrySuggested: true}
	}

	found := make(map[string]Address, len(discovered))
	for _, d := range discovered {
		found[d.E164] = NewAddress(d.UUID, d.E164)
	}
	for _, addr := range invalid {
		if hit, ok := found[addr.E164]; ok {
			valid = append(valid, hit)
		} else {
			r.cache.RecordUndiscoverable(addr.E164)
		}
	}
	return valid, nil
}

func (r *recipientResolver) markSkipped(msg *OutgoingMessage, recipients []Address) error {
	resolved := make(map[string]bool, len(recipients))
	for _, addr := range recipients {
		resolved[addr.Key()] = true
	}
	var skipped []Address
	for _, addr := range msg.Recipients {
		if !resolved[addr.Key()] {
			skipped = append(skipped, addr)
		}
	}
	if len(skipped) == 0 {
		return nil
	}

	return r.db.Run("mark skipped recipients", func() error {
		for _, addr := range skipped {
			if err := r.db.markMessageRecipientState(msg.Timestamp, addr.Key(), MessageRecipientStateSkipped, false); err != nil {
				return err
			}
		}
		return nil
	})
}
