package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"chanrelay/internal/core/domain"
	"chanrelay/internal/core/ports"
	"chanrelay/internal/core/session"
	"chanrelay/internal/infrastructure/monitoring"
	"chanrelay/internal/infrastructure/repositories/memory"
	apperrors "chanrelay/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testSignalingID domain.SignalingID = "abcd1234"

type signalingFixture struct {
	svc   *SignalingService
	store ports.SignalingStore
	pub   *recordingPublisher
}

func newSignalingFixture(t *testing.T) *signalingFixture {
	t.Helper()
	store := memory.NewSignalingStore()
	pub := &recordingPublisher{}
	svc := NewSignalingService(store, pub, monitoring.NopMetrics{}, 8, zaptest.NewLogger(t).Sugar())
	svc.SetIDGenerator(func() domain.SignalingID { return testSignalingID })
	return &signalingFixture{svc: svc, store: store, pub: pub}
}

// seed writes a connection initiated by the first participant.
func (f *signalingFixture) seed(t *testing.T, initiator domain.ConnectionID, statuses map[domain.ConnectionID]domain.SignalStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.SetInitiator(ctx, testSignalingID, initiator))
	for conn, status := range statuses {
		require.NoError(t, f.store.SetStatus(ctx, testSignalingID, conn, status))
	}
}

func (f *signalingFixture) status(t *testing.T, conn domain.ConnectionID) domain.SignalStatus {
	t.Helper()
	status, err := f.store.Status(context.Background(), testSignalingID, conn)
	require.NoError(t, err)
	return status
}

func signalEvent(action domain.Action, opponent domain.ConnectionID) *domain.Event {
	return &domain.Event{
		Action:       action,
		ConnectionID: testSignalingID,
		OpponentID:   opponent,
		Content:      json.RawMessage(`{"k":"v"}`),
	}
}

func TestSignaling_OfferRequiresSubscription(t *testing.T) {
	f := newSignalingFixture(t)

	err := f.svc.Offer(context.Background(), newFakePeer("1:a"), &domain.Event{Action: domain.ActionOfferFile, Channel: "5"})
	assert.True(t, apperrors.IsValidation(err))
	assert.Empty(t, f.pub.All())

	statuses, err := f.store.Statuses(context.Background(), testSignalingID)
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestSignaling_Offer(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	peer := newFakePeer("1:a", "5")

	err := f.svc.Offer(ctx, peer, &domain.Event{
		Action:   domain.ActionOfferCall,
		Channel:  "5",
		QueuedID: "q-1",
		Content:  json.RawMessage(`{"audio":true}`),
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusReady, f.status(t, "1:a"))
	initiator, err := f.store.Initiator(ctx, testSignalingID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionID("1:a"), initiator)

	sent := peer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, domain.ActionSetConnectionID, sent[0].Action)
	assert.Equal(t, testSignalingID, sent[0].ConnectionID)
	assert.Equal(t, "q-1", sent[0].QueuedID)

	msgs := f.pub.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ChannelID("5"), msgs[0].Channel)
	assert.True(t, msgs[0].Parsable)
	assert.Equal(t, domain.ActionOfferCall, msgs[0].Event.Action)
	assert.Equal(t, domain.ConnectionID("1:a"), msgs[0].Event.OpponentID)
	assert.Equal(t, domain.HandlerWebRTC, msgs[0].Event.HandlerName)
	assert.JSONEq(t, `{"audio":true}`, string(msgs[0].Event.Content))
}

func TestSignaling_MarkOffered(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	f.seed(t, "1:a", map[domain.ConnectionID]domain.SignalStatus{"1:a": domain.StatusReady})
	offer := &domain.Event{Action: domain.ActionOfferFile, ConnectionID: testSignalingID, OpponentID: "1:a"}

	outcome, err := f.svc.MarkOffered(ctx, newFakePeer("1:a"), offer)
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeSuppress, outcome.Kind)
	assert.Equal(t, domain.StatusReady, f.status(t, "1:a"))

	outcome, err = f.svc.MarkOffered(ctx, newFakePeer("2:b"), offer)
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeForward, outcome.Kind)
	assert.Equal(t, domain.StatusOffered, f.status(t, "2:b"))

	// another tab of the offering user is a regular receiver
	outcome, err = f.svc.MarkOffered(ctx, newFakePeer("1:other"), offer)
	require.NoError(t, err)
	assert.Equal(t, session.OutcomeForward, outcome.Kind)
}

func TestSignaling_ReplyFileRequiresOffered(t *testing.T) {
	statuses := []domain.SignalStatus{
		domain.StatusReady,
		domain.StatusOffered,
		domain.StatusResponded,
		domain.StatusClosed,
	}
	for _, senderStatus := range statuses {
		for _, selfStatus := range statuses {
			t.Run(senderStatus.String()+"/"+selfStatus.String(), func(t *testing.T) {
				f := newSignalingFixture(t)
				f.seed(t, "1:a", map[domain.ConnectionID]domain.SignalStatus{
					"1:a": senderStatus,
					"2:b": selfStatus,
				})

				err := f.svc.ReplyFile(context.Background(), newFakePeer("2:b"), signalEvent(domain.ActionReplyFile, ""))

				if senderStatus == domain.StatusReady && selfStatus == domain.StatusOffered {
					require.NoError(t, err)
					assert.Equal(t, domain.StatusResponded, f.status(t, "2:b"))
					msgs := f.pub.All()
					require.Len(t, msgs, 1)
					assert.Equal(t, domain.ChannelID("1:a"), msgs[0].Channel)
					assert.Equal(t, domain.ConnectionID("2:b"), msgs[0].Event.OpponentID)
					assert.Equal(t, domain.HandlerTransfer, msgs[0].Event.HandlerName)
					return
				}
				assert.True(t, apperrors.IsValidation(err), "got %v", err)
				assert.Equal(t, selfStatus, f.status(t, "2:b"))
				assert.Empty(t, f.pub.All())
			})
		}
	}
}

func TestSignaling_NonParticipantIsDenied(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	f.seed(t, "1:a", map[domain.ConnectionID]domain.SignalStatus{"1:a": domain.StatusReady})
	stranger := newFakePeer("9:z")

	ops := map[string]func(context.Context, ports.Peer, *domain.Event) error{
		"replyFile":  f.svc.ReplyFile,
		"acceptFile": f.svc.AcceptFile,
		"replyCall":  f.svc.ReplyCall,
		"acceptCall": f.svc.AcceptCall,
		"closeCall":  f.svc.CloseCall,
		"closeFile":  f.svc.CloseFile,
		"proxy":      f.svc.Proxy,
	}
	for name, op := range ops {
		err := op(ctx, stranger, signalEvent(domain.Action(name), "1:a"))
		assert.True(t, apperrors.IsAccessDenied(err), "%s: got %v", name, err)
	}
	assert.Equal(t, domain.StatusAbsent, f.status(t, "9:z"))
	assert.Empty(t, f.pub.All())
}

func TestSignaling_MalformedConnectionID(t *testing.T) {
	f := newSignalingFixture(t)
	evt := signalEvent(domain.ActionReplyCall, "")
	evt.ConnectionID = "NOT-VALID"

	err := f.svc.ReplyCall(context.Background(), newFakePeer("2:b"), evt)
	assert.True(t, apperrors.IsValidation(err))
}

func TestSignaling_AcceptCallRequiresResponded(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	f.seed(t, "1:a", map[domain.ConnectionID]domain.SignalStatus{
		"1:a": domain.StatusReady,
		"2:b": domain.StatusReady,
		"3:c": domain.StatusResponded,
	})

	err := f.svc.AcceptCall(ctx, newFakePeer("2:b"), signalEvent(domain.ActionAcceptCall, ""))
	assert.True(t, apperrors.IsValidation(err))
	assert.Empty(t, f.pub.All())

	require.NoError(t, f.svc.AcceptCall(ctx, newFakePeer("3:c"), signalEvent(domain.ActionAcceptCall, "")))
	assert.Equal(t, domain.StatusReady, f.status(t, "3:c"))
	assert.Equal(t, []domain.ChannelID{"1:a", "2:b"}, f.pub.Channels())
	for _, m := range f.pub.All() {
		assert.Equal(t, domain.ActionAcceptCall, m.Event.Action)
		assert.Equal(t, domain.ConnectionID("3:c"), m.Event.OpponentID)
		assert.JSONEq(t, `{}`, string(m.Event.Content))
	}
}

func TestSignaling_CallFlow(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	a := newFakePeer("1:a", "5")
	b := newFakePeer("2:b", "5")
	c := newFakePeer("3:c", "5")

	require.NoError(t, f.svc.Offer(ctx, a, &domain.Event{Action: domain.ActionOfferCall, Channel: "5"}))
	offer := f.pub.All()[0].Event
	for _, p := range []*fakePeer{a, b, c} {
		_, err := f.svc.MarkOffered(ctx, p, offer)
		require.NoError(t, err)
	}
	f.pub.Reset()

	// replying from ready is refused
	err := f.svc.ReplyCall(ctx, a, signalEvent(domain.ActionReplyCall, ""))
	assert.True(t, apperrors.IsValidation(err))

	require.NoError(t, f.svc.ReplyCall(ctx, b, signalEvent(domain.ActionReplyCall, "")))
	assert.Equal(t, domain.StatusResponded, f.status(t, "2:b"))
	assert.Equal(t, []domain.ChannelID{"1:a", "3:c"}, f.pub.Channels())
	f.pub.Reset()

	require.NoError(t, f.svc.AcceptCall(ctx, b, signalEvent(domain.ActionAcceptCall, "")))
	assert.Equal(t, domain.StatusReady, f.status(t, "2:b"))
	f.pub.Reset()

	// cancel only works while offered
	err = f.svc.CancelCall(ctx, b, signalEvent(domain.ActionCancelCall, ""))
	assert.True(t, apperrors.IsValidation(err))

	require.NoError(t, f.svc.CloseCall(ctx, b, signalEvent(domain.ActionCloseCall, "")))
	assert.Equal(t, domain.StatusClosed, f.status(t, "2:b"))
	for _, m := range f.pub.All() {
		assert.Equal(t, domain.HandlerPeerConnection, m.Event.HandlerName)
	}

	// closed is final
	err = f.svc.CloseCall(ctx, b, signalEvent(domain.ActionCloseCall, ""))
	assert.True(t, apperrors.IsValidation(err))
}

func TestSignaling_ClosedParticipantsGetNoFanOut(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	f.seed(t, "1:a", map[domain.ConnectionID]domain.SignalStatus{
		"1:a": domain.StatusReady,
		"2:b": domain.StatusOffered,
		"3:c": domain.StatusOffered,
		"4:d": domain.StatusOffered,
	})

	require.NoError(t, f.svc.CancelCall(ctx, newFakePeer("3:c"), signalEvent(domain.ActionCancelCall, "")))
	assert.Equal(t, domain.StatusClosed, f.status(t, "3:c"))
	assert.Equal(t, []domain.ChannelID{"1:a", "2:b", "4:d"}, f.pub.Channels())
	f.pub.Reset()

	require.NoError(t, f.svc.ReplyCall(ctx, newFakePeer("2:b"), signalEvent(domain.ActionReplyCall, "")))
	require.NoError(t, f.svc.ReplyCall(ctx, newFakePeer("4:d"), signalEvent(domain.ActionReplyCall, "")))
	require.NoError(t, f.svc.AcceptCall(ctx, newFakePeer("2:b"), signalEvent(domain.ActionAcceptCall, "")))

	for _, m := range f.pub.All() {
		assert.NotEqual(t, domain.ChannelID("3:c"), m.Channel, "closed participant got %s", m.Event.Action)
	}
}

func TestSignaling_ConcurrentAcceptCall(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newSignalingFixture(t)
		f.seed(t, "1:a", map[domain.ConnectionID]domain.SignalStatus{
			"1:a": domain.StatusReady,
			"2:b": domain.StatusResponded,
			"3:c": domain.StatusResponded,
		})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, conn := range []domain.ConnectionID{"2:b", "3:c"} {
			wg.Add(1)
			go func(j int, conn domain.ConnectionID) {
				defer wg.Done()
				errs[j] = f.svc.AcceptCall(context.Background(), newFakePeer(conn), signalEvent(domain.ActionAcceptCall, ""))
			}(j, conn)
		}
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.Equal(t, domain.StatusReady, f.status(t, "2:b"))
		assert.Equal(t, domain.StatusReady, f.status(t, "3:c"))
		assert.Equal(t, domain.StatusReady, f.status(t, "1:a"))
	}
}

func TestSignaling_FileFlow(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	sender := newFakePeer("1:a", "5")
	receiver := newFakePeer("2:b", "5")

	require.NoError(t, f.svc.Offer(ctx, sender, &domain.Event{Action: domain.ActionOfferFile, Channel: "5"}))
	_, err := f.svc.MarkOffered(ctx, receiver, f.pub.All()[0].Event)
	require.NoError(t, err)
	f.pub.Reset()

	// accepting before replying is refused
	err = f.svc.AcceptFile(ctx, receiver, signalEvent(domain.ActionAcceptFile, ""))
	assert.True(t, apperrors.IsValidation(err))

	// retry needs a ready receiver
	err = f.svc.RetryFile(ctx, sender, signalEvent(domain.ActionRetryFile, "2:b"))
	assert.True(t, apperrors.IsValidation(err))

	require.NoError(t, f.svc.ReplyFile(ctx, receiver, signalEvent(domain.ActionReplyFile, "")))
	require.NoError(t, f.svc.AcceptFile(ctx, receiver, signalEvent(domain.ActionAcceptFile, "")))
	assert.Equal(t, domain.StatusReady, f.status(t, "2:b"))
	// accepting again from ready is allowed
	require.NoError(t, f.svc.AcceptFile(ctx, receiver, signalEvent(domain.ActionAcceptFile, "")))
	for _, m := range f.pub.All() {
		assert.Equal(t, domain.ChannelID("1:a"), m.Channel)
	}
	f.pub.Reset()

	// only the sender may retry
	err = f.svc.RetryFile(ctx, receiver, signalEvent(domain.ActionRetryFile, "2:b"))
	assert.True(t, apperrors.IsValidation(err))
	require.NoError(t, f.svc.RetryFile(ctx, sender, signalEvent(domain.ActionRetryFile, "2:b")))
	msgs := f.pub.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ChannelID("2:b"), msgs[0].Channel)
	assert.Equal(t, domain.ActionRetryFile, msgs[0].Event.Action)
	assert.Equal(t, domain.ConnectionID("1:a"), msgs[0].Event.OpponentID)
}

func TestSignaling_Proxy(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	f.seed(t, "1:a", map[domain.ConnectionID]domain.SignalStatus{
		"1:a": domain.StatusReady,
		"2:b": domain.StatusResponded,
	})
	a := newFakePeer("1:a")

	candidate := signalEvent(domain.ActionProxy, "2:b")
	candidate.Content = json.RawMessage(`{"candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host","sdpMid":"0","sdpMLineIndex":0}`)

	err := f.svc.Proxy(ctx, a, candidate)
	assert.True(t, apperrors.IsValidation(err))
	assert.Empty(t, f.pub.All())

	require.NoError(t, f.store.SetStatus(ctx, testSignalingID, "2:b", domain.StatusReady))
	require.NoError(t, f.svc.Proxy(ctx, a, candidate))

	msgs := f.pub.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ChannelID("2:b"), msgs[0].Channel)
	assert.False(t, msgs[0].Parsable)
	assert.Equal(t, domain.ConnectionID("1:a"), msgs[0].Event.OpponentID)
	assert.Equal(t, domain.HandlerPeerConnection, msgs[0].Event.HandlerName)
	assert.JSONEq(t, string(candidate.Content), string(msgs[0].Event.Content))
	// the caller's event is left untouched
	assert.Equal(t, domain.ConnectionID("2:b"), candidate.OpponentID)

	bad := signalEvent(domain.ActionProxy, "2:b")
	bad.Content = json.RawMessage(`{"type":"offer","sdp":"garbage"}`)
	err = f.svc.Proxy(ctx, a, bad)
	assert.True(t, apperrors.IsValidation(err))

	missing := signalEvent(domain.ActionProxy, "")
	err = f.svc.Proxy(ctx, a, missing)
	assert.True(t, apperrors.IsValidation(err))
}

func TestSignaling_CloseFileBySender(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	f.seed(t, "1:a", map[domain.ConnectionID]domain.SignalStatus{
		"1:a": domain.StatusReady,
		"2:b": domain.StatusReady,
		"3:c": domain.StatusClosed,
		"4:d": domain.StatusOffered,
	})

	require.NoError(t, f.svc.CloseFile(ctx, newFakePeer("1:a"), signalEvent(domain.ActionCloseFile, "")))
	assert.Equal(t, domain.StatusClosed, f.status(t, "1:a"))
	assert.Equal(t, []domain.ChannelID{"2:b", "4:d"}, f.pub.Channels())

	err := f.svc.CloseFile(ctx, newFakePeer("1:a"), signalEvent(domain.ActionCloseFile, ""))
	assert.True(t, apperrors.IsValidation(err))
}

func TestSignaling_CloseFileByReceiver(t *testing.T) {
	f := newSignalingFixture(t)
	ctx := context.Background()
	f.seed(t, "1:a", map[domain.ConnectionID]domain.SignalStatus{
		"1:a": domain.StatusReady,
		"2:b": domain.StatusReady,
		"3:c": domain.StatusReady,
	})

	require.NoError(t, f.svc.CloseFile(ctx, newFakePeer("2:b"), signalEvent(domain.ActionCloseFile, "")))
	assert.Equal(t, domain.StatusClosed, f.status(t, "2:b"))
	msgs := f.pub.All()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.ChannelID("1:a"), msgs[0].Channel)
	assert.Equal(t, domain.ConnectionID("2:b"), msgs[0].Event.OpponentID)
	assert.Equal(t, domain.HandlerPeerConnection, msgs[0].Event.HandlerName)
	f.pub.Reset()

	// a closed sender is not notified again
	require.NoError(t, f.store.SetStatus(ctx, testSignalingID, "1:a", domain.StatusClosed))
	require.NoError(t, f.svc.CloseFile(ctx, newFakePeer("3:c"), signalEvent(domain.ActionCloseFile, "")))
	assert.Equal(t, domain.StatusClosed, f.status(t, "3:c"))
	assert.Empty(t, f.pub.All())
}

func TestValidateSignalPayload(t *testing.T) {
	sdp := "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	offer, err := json.Marshal(map[string]string{"type": "offer", "sdp": sdp})
	require.NoError(t, err)

	valid := []string{
		``,
		`"opaque"`,
		`{"anything":1}`,
		string(offer),
		`{"type":"rollback","sdp":""}`,
		`{"candidate":""}`,
		`{"candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 1 typ host","sdpMid":"0"}}`,
	}
	for _, c := range valid {
		assert.NoError(t, validateSignalPayload(json.RawMessage(c)), c)
	}

	invalid := []string{
		`{"type":"offer","sdp":"nope"}`,
		`{"type":"bogus","sdp":"v=0"}`,
		`{"candidate":"10.0.0.1 typ host"}`,
		`{"candidate":42}`,
	}
	for _, c := range invalid {
		assert.Error(t, validateSignalPayload(json.RawMessage(c)), c)
	}
}
