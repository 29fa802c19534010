package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/pdu"
	"github.com/caio-sobreiro/dicomclient/types"
)

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig()
	cfg.AbortTimeout = 0

	_, err := New(cfg)
	var configErr *dicomerrors.ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Equal(t, "AbortTimeout", configErr.Field)
}

func TestClient_EmptyQueueFullLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	connector := &fakeConnector{behavior: cooperativePeer()}
	c, rec := newTestClient(t, testConfig(), connector)

	require.NoError(t, c.Send(context.Background(), ReleaseGracefully))

	assert.Equal(t, []string{
		"Connect",
		"RequestAssociation",
		"SendingRequests",
		"Lingering",
		"ReleaseAssociation",
		"Completed",
		"Idle",
	}, rec.all())
	assert.Equal(t, "Idle", c.State())

	conn := connector.last(t)
	proposals, sent, releases, aborts := conn.counts()
	assert.Equal(t, 1, proposals)
	assert.Equal(t, 0, sent)
	assert.Equal(t, 1, releases)
	assert.Equal(t, 0, aborts)

	// Only the configured context was proposed.
	require.Len(t, conn.proposals[0].PresentationContexts, 1)
	assert.Equal(t, types.VerificationSOPClass, conn.proposals[0].PresentationContexts[0].AbstractSyntax)
}

func TestClient_LingerReusesAssociation(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.AssociationLingerTimeout = 500 * time.Millisecond
	connector := &fakeConnector{behavior: cooperativePeer()}
	c, rec := newTestClient(t, cfg, connector)

	first := NewCEchoRequest()
	c.AddRequest(first)
	errc := sendAsync(c, context.Background(), ReleaseGracefully)

	rec.waitFor(t, "Lingering")
	second := NewCEchoRequest()
	c.AddRequest(second)

	require.NoError(t, waitErr(t, errc))

	for _, req := range []*Request{first, second} {
		resp, err := req.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, resp.IsSuccess())
	}

	proposals, sent, releases, _ := connector.last(t).counts()
	assert.Equal(t, 1, proposals, "second request must reuse the association")
	assert.Equal(t, 2, sent)
	assert.Equal(t, 1, releases)
	assert.Len(t, connector.connections(), 1)

	states := rec.all()
	assert.Contains(t, states, "Lingering")
	assert.Equal(t, []string{"ReleaseAssociation", "Completed", "Idle"}, states[len(states)-3:])
	lingerThenSend := false
	for i := 1; i < len(states); i++ {
		if states[i-1] == "Lingering" && states[i] == "SendingRequests" {
			lingerThenSend = true
		}
	}
	assert.True(t, lingerThenSend, "transitions: %v", states)
}

func TestClient_CloseDuringRelease(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantErr bool
	}{
		{"orderly close", nil, false},
		{"connection reset", dicomerrors.NewConnectionClosedError(errors.New("connection reset by peer")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer goleak.VerifyNone(t)

			behavior := cooperativePeer()
			behavior.onRelease = func(f *fakeConnection) { f.closeFromPeer(tt.err) }
			connector := &fakeConnector{behavior: behavior}
			c, rec := newTestClient(t, testConfig(), connector)

			err := c.Send(context.Background(), ReleaseGracefully)
			if tt.wantErr {
				assert.ErrorIs(t, err, dicomerrors.ErrConnectionClosed)
				assert.Contains(t, rec.all(), "CompletedWithError")
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, "Idle", c.State())
		})
	}
}

func TestClient_LingerTimeoutReleases(t *testing.T) {
	defer goleak.VerifyNone(t)

	connector := &fakeConnector{behavior: cooperativePeer()}
	c, rec := newTestClient(t, testConfig(), connector)

	c.AddRequest(NewCEchoRequest())
	require.NoError(t, c.Send(context.Background(), ReleaseGracefully))

	states := rec.all()
	require.GreaterOrEqual(t, len(states), 4)
	assert.Equal(t, []string{"Lingering", "ReleaseAssociation", "Completed", "Idle"}, states[len(states)-4:])
}

func TestClient_AssociationRequestTimeoutEscalation(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.AssociationRequestTimeout = 20 * time.Millisecond
	cfg.MaxConsecutiveAssociationRequestTimeouts = 3
	connector := &fakeConnector{behavior: peerBehavior{}}
	c, rec := newTestClient(t, cfg, connector)

	req := NewCEchoRequest()
	c.AddRequest(req)

	for attempt := 1; attempt < 3; attempt++ {
		require.NoError(t, c.Send(context.Background(), ReleaseGracefully), "attempt %d", attempt)
		assert.Equal(t, attempt, c.ConsecutiveTimeouts())
		assert.Equal(t, "Idle", c.State())
	}

	err := c.Send(context.Background(), ReleaseGracefully)
	var timeoutErr *dicomerrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, dicomerrors.OperationAssociationRequest, timeoutErr.Operation)
	assert.Equal(t, 3, timeoutErr.Attempts)
	assert.ErrorIs(t, err, dicomerrors.ErrTimeout)
	assert.Equal(t, 0, c.ConsecutiveTimeouts())
	assert.Contains(t, rec.all(), "CompletedWithError")

	// The request was never sent and waits for the next run.
	assert.Equal(t, 1, c.QueueLength())
	select {
	case <-req.Done():
		t.Fatal("request must stay queued")
	default:
	}
	require.NoError(t, c.Close())
	_, err = req.Wait(context.Background())
	assert.ErrorIs(t, err, dicomerrors.ErrClientClosed)
}

func TestClient_AcceptResetsTimeoutCounter(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.AssociationRequestTimeout = 20 * time.Millisecond
	connector := &fakeConnector{behavior: peerBehavior{}}
	c, _ := newTestClient(t, cfg, connector)

	require.NoError(t, c.Send(context.Background(), ReleaseGracefully))
	assert.Equal(t, 1, c.ConsecutiveTimeouts())

	connector.behavior = cooperativePeer()
	require.NoError(t, c.Send(context.Background(), ReleaseGracefully))
	assert.Equal(t, 0, c.ConsecutiveTimeouts())
}

func TestClient_AbortImmediatelyWhileSending(t *testing.T) {
	defer goleak.VerifyNone(t)

	behavior := cooperativePeer()
	behavior.onRequest = nil
	connector := &fakeConnector{behavior: behavior}
	c, rec := newTestClient(t, testConfig(), connector)

	req := NewCEchoRequest()
	c.AddRequest(req)
	errc := sendAsync(c, context.Background(), ReleaseGracefully)

	rec.waitFor(t, "SendingRequests")
	require.Eventually(t, func() bool {
		return connector.last(t).sentCount() == 1
	}, 5*time.Second, time.Millisecond)

	assert.True(t, c.Cancel(AbortImmediately))

	err := waitErr(t, errc)
	var initiated *dicomerrors.AbortInitiatedError
	require.ErrorAs(t, err, &initiated)
	assert.ErrorIs(t, err, dicomerrors.ErrOperationCanceled)

	states := rec.all()
	assert.Equal(t, []string{"Abort", "CompletedWithError", "Idle"}, states[len(states)-3:])

	_, _, releases, aborts := connector.last(t).counts()
	assert.Equal(t, 0, releases)
	assert.Equal(t, 1, aborts)

	// The in-flight request is reported, not dropped.
	_, reqErr := req.Wait(context.Background())
	assert.ErrorIs(t, reqErr, dicomerrors.ErrConnectionClosed)
}

func TestClient_GracefulCancelFinishesInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	release := make(chan struct{})
	behavior := cooperativePeer()
	behavior.onRequest = func(f *fakeConnection, req *Request, _ *PresentationContext) {
		<-release
		f.respond(req, types.StatusSuccess)
	}
	connector := &fakeConnector{behavior: behavior}
	c, rec := newTestClient(t, testConfig(), connector)

	first, second := NewCEchoRequest(), NewCEchoRequest()
	c.AddRequest(first, second)
	errc := sendAsync(c, context.Background(), ReleaseGracefully)

	require.Eventually(t, func() bool {
		conns := connector.connections()
		return len(conns) == 1 && conns[0].sentCount() == 1
	}, 5*time.Second, time.Millisecond)

	c.Cancel(ReleaseGracefully)
	close(release)

	require.NoError(t, waitErr(t, errc))

	resp, err := first.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())

	// The window is one operation, so the second request never left the queue.
	assert.Equal(t, 1, c.QueueLength())
	_, sent, releases, aborts := connector.last(t).counts()
	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, releases)
	assert.Equal(t, 0, aborts)
	assert.NotContains(t, rec.all(), "Lingering")

	require.NoError(t, c.Close())
	_, err = second.Wait(context.Background())
	assert.ErrorIs(t, err, dicomerrors.ErrClientClosed)
}

func TestClient_Rejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	connector := &fakeConnector{behavior: peerBehavior{
		onAssociate: func(f *fakeConnection, _ *Association) {
			f.emit(func(h EventHandler) {
				h.OnAssociationRejected(dicomerrors.RejectResultPermanent, dicomerrors.RejectSourceServiceUser, dicomerrors.RejectReasonCalledAETitleNotRecognized)
			})
			f.closeFromPeer(nil)
		},
	}}
	c, rec := newTestClient(t, testConfig(), connector)

	err := c.Send(context.Background(), ReleaseGracefully)
	var rejection *dicomerrors.AssociationError
	require.ErrorAs(t, err, &rejection)
	assert.ErrorIs(t, err, dicomerrors.ErrAssociationRejected)
	assert.Equal(t, dicomerrors.RejectReasonCalledAETitleNotRecognized, rejection.Reason)
	assert.Equal(t, []string{"Connect", "RequestAssociation", "CompletedWithError", "Idle"}, rec.all())
}

func TestClient_ClosedDuringAssociationRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	connector := &fakeConnector{behavior: peerBehavior{
		onAssociate: func(f *fakeConnection, _ *Association) {
			f.closeFromPeer(nil)
		},
	}}
	c, _ := newTestClient(t, testConfig(), connector)

	err := c.Send(context.Background(), ReleaseGracefully)
	assert.ErrorIs(t, err, dicomerrors.ErrConnectionClosed)
}

func TestClient_PeerAbortWhileLingering(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.AssociationLingerTimeout = 5 * time.Second
	connector := &fakeConnector{behavior: cooperativePeer()}
	c, rec := newTestClient(t, cfg, connector)

	errc := sendAsync(c, context.Background(), ReleaseGracefully)
	rec.waitFor(t, "Lingering")
	connector.last(t).abortFromPeer()

	err := waitErr(t, errc)
	var abortErr *dicomerrors.AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, dicomerrors.AbortSourceServiceProvider, abortErr.Source)
	assert.ErrorIs(t, err, dicomerrors.ErrAborted)
}

func TestClient_ReleaseTimeoutAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.AssociationReleaseTimeout = 30 * time.Millisecond
	behavior := cooperativePeer()
	behavior.onRelease = nil
	connector := &fakeConnector{behavior: behavior}
	c, rec := newTestClient(t, cfg, connector)

	err := c.Send(context.Background(), ReleaseGracefully)
	var timeoutErr *dicomerrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, dicomerrors.OperationAssociationRelease, timeoutErr.Operation)

	states := rec.all()
	assert.Equal(t, []string{"ReleaseAssociation", "Abort", "CompletedWithError", "Idle"}, states[len(states)-4:])
	_, _, _, aborts := connector.last(t).counts()
	assert.Equal(t, 1, aborts)
}

func TestClient_GracefulCancelIgnoredDuringRelease(t *testing.T) {
	defer goleak.VerifyNone(t)

	answer := make(chan struct{})
	behavior := cooperativePeer()
	behavior.onRelease = func(f *fakeConnection) {
		<-answer
		f.emit(func(h EventHandler) { h.OnReleaseResponseReceived() })
		f.closeFromPeer(nil)
	}
	connector := &fakeConnector{behavior: behavior}
	c, rec := newTestClient(t, testConfig(), connector)

	errc := sendAsync(c, context.Background(), ReleaseGracefully)
	rec.waitFor(t, "ReleaseAssociation")
	c.Cancel(ReleaseGracefully)
	close(answer)

	require.NoError(t, waitErr(t, errc))
	assert.NotContains(t, rec.all(), "Abort")
}

func TestClient_EscalationDuringReleaseAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	behavior := cooperativePeer()
	behavior.onRelease = nil
	connector := &fakeConnector{behavior: behavior}
	c, rec := newTestClient(t, testConfig(), connector)

	errc := sendAsync(c, context.Background(), ReleaseGracefully)
	rec.waitFor(t, "ReleaseAssociation")
	c.Cancel(ReleaseGracefully)
	c.Cancel(AbortImmediately)

	err := waitErr(t, errc)
	assert.ErrorIs(t, err, dicomerrors.ErrOperationCanceled)
	states := rec.all()
	assert.Equal(t, []string{"ReleaseAssociation", "Abort", "CompletedWithError", "Idle"}, states[len(states)-4:])
}

func TestClient_ConnectFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialErr := dicomerrors.NewNetworkError("dial fake:104", errors.New("connection refused"))
	c, rec := newTestClient(t, testConfig(), &fakeConnector{dialErr: dialErr})
	c.AddRequest(NewCEchoRequest())

	err := c.Send(context.Background(), ReleaseGracefully)
	var networkErr *dicomerrors.NetworkError
	require.ErrorAs(t, err, &networkErr)
	assert.Equal(t, []string{"Connect", "CompletedWithError", "Idle"}, rec.all())
	assert.Equal(t, 1, c.QueueLength())
}

func TestClient_CancelDuringConnectAwaitsDial(t *testing.T) {
	defer goleak.VerifyNone(t)

	dialing := make(chan struct{})
	finish := make(chan struct{})
	connector := &fakeConnector{
		behavior: cooperativePeer(),
		dial: func(context.Context) error {
			close(dialing)
			<-finish
			return nil
		},
	}
	c, rec := newTestClient(t, testConfig(), connector)

	errc := sendAsync(c, context.Background(), ReleaseGracefully)
	<-dialing
	c.Cancel(AbortImmediately)

	select {
	case <-errc:
		t.Fatal("run ended before the dial finished")
	case <-time.After(20 * time.Millisecond):
	}
	close(finish)

	require.NoError(t, waitErr(t, errc))
	assert.Equal(t, []string{"Connect", "Completed", "Idle"}, rec.all())

	conn := connector.last(t)
	select {
	case <-conn.Done():
	default:
		t.Fatal("late connection must be closed")
	}
	proposals, _, _, _ := conn.counts()
	assert.Equal(t, 0, proposals)
}

func TestClient_ContextCancelDuringConnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	connector := &fakeConnector{
		dial: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	c, rec := newTestClient(t, testConfig(), connector)

	ctx, cancel := context.WithCancel(context.Background())
	errc := sendAsync(c, ctx, ReleaseGracefully)
	rec.waitFor(t, "Connect")
	cancel()

	require.NoError(t, waitErr(t, errc))
	assert.Equal(t, []string{"Connect", "Completed", "Idle"}, rec.all())
}

func TestClient_CancellationWhileRequestingAssociationAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	proposed := make(chan struct{})
	connector := &fakeConnector{behavior: peerBehavior{
		onAssociate: func(*fakeConnection, *Association) { close(proposed) },
	}}
	c, rec := newTestClient(t, testConfig(), connector)

	errc := sendAsync(c, context.Background(), ReleaseGracefully)
	<-proposed
	c.Cancel(ReleaseGracefully)

	err := waitErr(t, errc)
	var initiated *dicomerrors.AbortInitiatedError
	require.ErrorAs(t, err, &initiated)
	assert.Equal(t, []string{"Connect", "RequestAssociation", "Abort", "CompletedWithError", "Idle"}, rec.all())
}

func TestClient_RejectedContextFailsRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	behavior := cooperativePeer()
	behavior.onAssociate = func(f *fakeConnection, assoc *Association) {
		ac := &pdu.AssociateAC{}
		for _, pc := range assoc.PresentationContexts {
			result := pdu.PresentationContextResult{ID: pc.ID, Result: pdu.ResultAbstractSyntaxNotSupported}
			if pc.AbstractSyntax == types.VerificationSOPClass {
				result = pdu.PresentationContextResult{ID: pc.ID, Result: pdu.ResultAcceptance, TransferSyntax: types.ImplicitVRLittleEndian}
			}
			ac.PresentationContexts = append(ac.PresentationContexts, result)
		}
		accepted := assoc.withAcceptance(ac)
		f.emit(func(h EventHandler) { h.OnAssociationAccepted(accepted) })
	}
	connector := &fakeConnector{behavior: behavior}
	c, _ := newTestClient(t, testConfig(), connector)

	store := NewCStoreRequest(types.CTImageStorage, "1.2.3", types.ExplicitVRLittleEndian, []byte{0, 0})
	echo := NewCEchoRequest()
	c.AddRequest(store, echo)

	require.NoError(t, c.Send(context.Background(), ReleaseGracefully))

	_, err := store.Wait(context.Background())
	assert.ErrorIs(t, err, dicomerrors.ErrNoPresentationCtx)
	resp, err := echo.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
}

func TestClient_UnproposedContextIsDeferred(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.AssociationLingerTimeout = 300 * time.Millisecond
	connector := &fakeConnector{behavior: cooperativePeer()}
	c, rec := newTestClient(t, cfg, connector)

	errc := sendAsync(c, context.Background(), ReleaseGracefully)
	rec.waitFor(t, "Lingering")

	store := NewCStoreRequest(types.CTImageStorage, "1.2.3", types.ExplicitVRLittleEndian, []byte{0, 0})
	c.AddRequest(store)
	require.NoError(t, waitErr(t, errc))

	assert.Equal(t, 1, c.QueueLength(), "request waits for an association that proposes its context")

	require.NoError(t, c.Send(context.Background(), ReleaseGracefully))
	resp, err := store.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.IsSuccess())
	assert.Len(t, connector.connections(), 2)
}

func TestClient_AsyncWindowBoundsInFlight(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.MaxAsyncOpsInvoked = 2
	cfg.MaxAsyncOpsPerformed = 2

	var mu sync.Mutex
	outstanding, peak := 0, 0
	behavior := cooperativePeer()
	behavior.onAssociate = func(f *fakeConnection, assoc *Association) {
		ac := &pdu.AssociateAC{UserInformation: pdu.UserInformation{
			AsyncOperationsWindow: &pdu.AsyncOperationsWindow{MaxOperationsInvoked: 2, MaxOperationsPerformed: 2},
		}}
		for _, pc := range assoc.PresentationContexts {
			ac.PresentationContexts = append(ac.PresentationContexts, pdu.PresentationContextResult{
				ID: pc.ID, Result: pdu.ResultAcceptance, TransferSyntax: pc.TransferSyntaxes[0],
			})
		}
		accepted := assoc.withAcceptance(ac)
		f.emit(func(h EventHandler) { h.OnAssociationAccepted(accepted) })
	}
	behavior.onRequest = func(f *fakeConnection, req *Request, _ *PresentationContext) {
		mu.Lock()
		outstanding++
		if outstanding > peak {
			peak = outstanding
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		outstanding--
		mu.Unlock()
		f.respond(req, types.StatusSuccess)
	}
	connector := &fakeConnector{behavior: behavior}
	c, _ := newTestClient(t, cfg, connector)

	reqs := []*Request{NewCEchoRequest(), NewCEchoRequest(), NewCEchoRequest(), NewCEchoRequest(), NewCEchoRequest()}
	c.AddRequest(reqs...)
	require.NoError(t, c.Send(context.Background(), ReleaseGracefully))

	for _, req := range reqs {
		_, err := req.Wait(context.Background())
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
	assert.Equal(t, 5, connector.last(t).sentCount())
}

func TestClient_ConcurrentSendJoinsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.AssociationLingerTimeout = 100 * time.Millisecond
	connector := &fakeConnector{behavior: cooperativePeer()}
	c, rec := newTestClient(t, cfg, connector)

	first := sendAsync(c, context.Background(), ReleaseGracefully)
	rec.waitFor(t, "Lingering")
	second := sendAsync(c, context.Background(), ReleaseGracefully)

	require.NoError(t, waitErr(t, first))
	require.NoError(t, waitErr(t, second))
	assert.Len(t, connector.connections(), 1)
}

func TestClient_JoinerContextOnlyStopsWaiting(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.AssociationLingerTimeout = 200 * time.Millisecond
	connector := &fakeConnector{behavior: cooperativePeer()}
	c, rec := newTestClient(t, cfg, connector)

	first := sendAsync(c, context.Background(), ReleaseGracefully)
	rec.waitFor(t, "Lingering")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Send(ctx, AbortImmediately), context.Canceled)

	require.NoError(t, waitErr(t, first))
	assert.NotContains(t, rec.all(), "Abort")
}

func TestClient_CancelWithoutRun(t *testing.T) {
	c, _ := newTestClient(t, testConfig(), &fakeConnector{})
	assert.False(t, c.Cancel(AbortImmediately))
}

func TestClient_ClosedClient(t *testing.T) {
	c, _ := newTestClient(t, testConfig(), &fakeConnector{})
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.Send(context.Background(), ReleaseGracefully), dicomerrors.ErrClientClosed)

	req := NewCEchoRequest()
	c.AddRequest(req)
	_, err := req.Wait(context.Background())
	assert.ErrorIs(t, err, dicomerrors.ErrClientClosed)
}

func TestClient_ClosedClientCompletionHandlerMayCallBack(t *testing.T) {
	c, _ := newTestClient(t, testConfig(), &fakeConnector{})
	require.NoError(t, c.Close())

	var state string
	req := NewCEchoRequest(WithCompletionHandler(func(_ *Response, err error) {
		state = c.State()
		c.AddRequest(NewCEchoRequest())
	}))

	added := make(chan struct{})
	go func() {
		defer close(added)
		c.AddRequest(req)
	}()
	select {
	case <-added:
	case <-time.After(2 * time.Second):
		t.Fatal("AddRequest did not return")
	}
	assert.Equal(t, "Idle", state)
	_, err := req.Wait(context.Background())
	assert.ErrorIs(t, err, dicomerrors.ErrClientClosed)
}

func TestClient_NoLostRequests(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.MaxAsyncOpsInvoked = 0
	cfg.MaxAsyncOpsPerformed = 0
	cfg.MaxConsecutiveAssociationRequestTimeouts = 10
	connector := &fakeConnector{behavior: cooperativePeer()}
	c, _ := newTestClient(t, cfg, connector)

	var reqs []*Request
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, _ = c.Do(context.Background(), NewCEchoRequest())
			}
		}()
	}
	wg.Wait()

	for _, conn := range connector.connections() {
		conn.mu.Lock()
		reqs = append(reqs, conn.sent...)
		conn.mu.Unlock()
	}
	assert.Equal(t, 0, c.QueueLength())
	assert.Len(t, reqs, 40)
	for _, req := range reqs {
		resp, err := req.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, resp.IsSuccess())
	}
}

func TestClient_DoReturnsDIMSEFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	behavior := cooperativePeer()
	behavior.onRequest = func(f *fakeConnection, req *Request, _ *PresentationContext) {
		f.respond(req, 0xA700)
	}
	c, _ := newTestClient(t, testConfig(), &fakeConnector{behavior: behavior})

	resp, err := c.Do(context.Background(), NewCEchoRequest())
	var dimseErr *dicomerrors.DIMSEError
	require.ErrorAs(t, err, &dimseErr)
	assert.Equal(t, uint16(0xA700), dimseErr.Status)
	require.NotNil(t, resp)
}

func TestClient_DoRetriesAfterTimeoutBelowLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig()
	cfg.AssociationRequestTimeout = 20 * time.Millisecond
	connector := &fakeConnector{}
	var mu sync.Mutex
	attempts := 0
	connector.behavior = peerBehavior{
		onAssociate: func(f *fakeConnection, assoc *Association) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n > 1 {
				acceptAll(f, assoc)
			}
		},
		onRequest: func(f *fakeConnection, req *Request, _ *PresentationContext) {
			f.respond(req, types.StatusSuccess)
		},
		onRelease: func(f *fakeConnection) {
			f.emit(func(h EventHandler) { h.OnReleaseResponseReceived() })
		},
	}
	c, _ := newTestClient(t, cfg, connector)

	require.NoError(t, c.Echo(context.Background()))
	assert.Len(t, connector.connections(), 2)
}
