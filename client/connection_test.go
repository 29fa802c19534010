package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/caio-sobreiro/dicomclient/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/internal/scptest"
	"github.com/caio-sobreiro/dicomclient/pdu"
	"github.com/caio-sobreiro/dicomclient/types"
)

func startSCP(t *testing.T, cfg scptest.Config) (*scptest.Server, Config) {
	t.Helper()
	srv := scptest.New(cfg)
	addr, err := srv.Start()
	require.NoError(t, err)

	clientCfg := testConfig()
	clientCfg.Address = addr
	clientCfg.CalledAETitle = "SCPTEST"
	return srv, clientCfg
}

func TestTCP_EchoRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, cfg := startSCP(t, scptest.Config{})
	defer srv.Close()
	c, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, c.Echo(context.Background()))
	assert.Equal(t, "Idle", c.State())
	assert.Equal(t, 1, srv.Associations())
	assert.Equal(t, 1, srv.Requests())
	assert.Equal(t, 1, srv.Releases())
	require.NoError(t, c.Close())
}

func TestTCP_StoreBatchWithWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := scptest.NewStoreService()
	registry := scptest.NewDefaultRegistry()
	registry.RegisterHandler(types.CStoreRQ, store)
	srv, cfg := startSCP(t, scptest.Config{
		Handler:                registry,
		MaxOperationsInvoked:   4,
		MaxOperationsPerformed: 4,
		ResponseDelay:          5 * time.Millisecond,
		MaxPDULength:           1024,
	})
	defer srv.Close()
	cfg.MaxAsyncOpsInvoked = 4
	cfg.MaxAsyncOpsPerformed = 4
	// Small PDUs force fragmentation of the datasets.
	cfg.MaxPDULength = 1024

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	payload := make([]byte, 5000)
	var reqs []*Request
	for i := 0; i < 10; i++ {
		req := NewCStoreRequest(types.SecondaryCaptureImageStorage, fmt.Sprintf("1.2.3.%d", i), types.ExplicitVRLittleEndian, payload)
		reqs = append(reqs, req)
	}
	c.AddRequest(reqs...)
	require.NoError(t, c.Send(context.Background(), ReleaseGracefully))

	for _, req := range reqs {
		resp, err := req.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, resp.IsSuccess())
	}
	instances := store.Instances()
	require.Len(t, instances, 10)
	assert.Len(t, instances[0].Data, len(payload))
	assert.Equal(t, types.ExplicitVRLittleEndian, instances[0].TransferSyntaxUID)
	assert.Equal(t, 1, srv.Associations())
}

func TestTCP_FindAndMove(t *testing.T) {
	defer goleak.VerifyNone(t)

	match := dicom.NewDataset()
	match.SetString(dicom.TagPatientID, "P1")
	match.SetString(dicom.TagStudyInstanceUID, "1.2.3.4")
	registry := scptest.NewDefaultRegistry()
	registry.RegisterHandler(types.CFindRQ, scptest.NewFindService(match, match))
	registry.RegisterHandler(types.CMoveRQ, scptest.NewMoveService(3))
	srv, cfg := startSCP(t, scptest.Config{Handler: registry})
	defer srv.Close()

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	query := dicom.NewDataset()
	query.SetString(dicom.TagQueryRetrieveLevel, "STUDY")
	query.SetString(dicom.TagPatientID, "P1")
	matches, err := c.Find(context.Background(), types.StudyRootQueryRetrieveInformationModelFind, query)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "P1", matches[0].GetString(dicom.TagPatientID))
	assert.Equal(t, "1.2.3.4", matches[1].GetString(dicom.TagStudyInstanceUID))

	resp, err := c.Move(context.Background(), types.StudyRootQueryRetrieveInformationModelMove, "DEST", query)
	require.NoError(t, err)
	require.NotNil(t, resp.Command.NumberOfCompletedSuboperations)
	assert.Equal(t, uint16(3), *resp.Command.NumberOfCompletedSuboperations)
}

func TestTCP_Rejected(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, cfg := startSCP(t, scptest.Config{Association: scptest.Reject})
	defer srv.Close()
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	err = c.Echo(context.Background())
	var assocErr *dicomerrors.AssociationError
	require.ErrorAs(t, err, &assocErr)
	assert.Equal(t, dicomerrors.RejectReasonCalledAETitleNotRecognized, assocErr.Reason)
	assert.ErrorIs(t, err, dicomerrors.ErrAssociationRejected)
}

func TestTCP_StalledAssociationTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, cfg := startSCP(t, scptest.Config{Association: scptest.Stall})
	defer srv.Close()
	cfg.AssociationRequestTimeout = 50 * time.Millisecond
	cfg.MaxConsecutiveAssociationRequestTimeouts = 2
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	err = c.Echo(context.Background())
	var timeoutErr *dicomerrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, dicomerrors.OperationAssociationRequest, timeoutErr.Operation)
	assert.Equal(t, 2, timeoutErr.Attempts)
	assert.Equal(t, 2, srv.Associations())
	assert.Equal(t, 0, c.ConsecutiveTimeouts())
}

func TestTCP_PeerAbortFailsRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, cfg := startSCP(t, scptest.Config{AbortOnRequest: true})
	defer srv.Close()
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	err = c.Echo(context.Background())
	var abortErr *dicomerrors.AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, dicomerrors.AbortSourceServiceUser, abortErr.Source)
	assert.Equal(t, "Idle", c.State())
}

func TestTCP_IgnoredReleaseAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, cfg := startSCP(t, scptest.Config{IgnoreRelease: true})
	defer srv.Close()
	cfg.AssociationReleaseTimeout = 50 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	err = c.Send(context.Background(), ReleaseGracefully)
	var timeoutErr *dicomerrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, dicomerrors.OperationAssociationRelease, timeoutErr.Operation)
	require.Eventually(t, func() bool { return srv.Aborts() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTCP_RequestTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	srv, cfg := startSCP(t, scptest.Config{ResponseDelay: 500 * time.Millisecond})
	defer srv.Close()
	cfg.RequestTimeout = 50 * time.Millisecond
	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	err = c.Echo(context.Background())
	var timeoutErr *dicomerrors.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, dicomerrors.OperationRequest, timeoutErr.Operation)
}

func TestTCP_ConnectRefused(t *testing.T) {
	defer goleak.VerifyNone(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.Address = listener.Addr().String()
	require.NoError(t, listener.Close())

	c, err := New(cfg)
	require.NoError(t, err)
	defer c.Close()

	err = c.Echo(context.Background())
	var netErr *dicomerrors.NetworkError
	require.ErrorAs(t, err, &netErr)
}

// eventLog records EventHandler callbacks of a networkConnection.
type eventLog struct {
	mu     sync.Mutex
	events []string
	closed chan error
}

func newEventLog() *eventLog {
	return &eventLog{closed: make(chan error, 1)}
}

func (l *eventLog) add(event string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) OnAssociationAccepted(*Association) { l.add("accepted") }
func (l *eventLog) OnAssociationRejected(dicomerrors.AssociationRejectResult, dicomerrors.AssociationRejectSource, dicomerrors.AssociationRejectReason) {
	l.add("rejected")
}
func (l *eventLog) OnReleaseResponseReceived()                                 { l.add("released") }
func (l *eventLog) OnAborted(dicomerrors.AbortSource, dicomerrors.AbortReason) { l.add("aborted") }
func (l *eventLog) OnConnectionClosed(err error) {
	l.add("closed")
	l.closed <- err
}
func (l *eventLog) OnSendQueueEmpty()                         {}
func (l *eventLog) OnRequestCompleted(*Request, *Response)    { l.add("completed") }
func (l *eventLog) OnRequestTimedOut(*Request, time.Duration) { l.add("timed out") }

func pipeConnection(t *testing.T) (*networkConnection, net.Conn, *eventLog, func()) {
	t.Helper()
	local, remote := net.Pipe()
	cfg := testConfig().withDefaults()
	cfg.Logger = slog.Default()
	events := newEventLog()
	c := newNetworkConnection(local, cfg, events)
	stop := func() {
		_ = c.Close()
		_ = remote.Close()
		<-c.Done()
	}
	return c, remote, events, stop
}

func waitClosed(t *testing.T, events *eventLog) error {
	t.Helper()
	select {
	case err := <-events.closed:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("connection did not close")
		return nil
	}
}

func TestNetworkConnection_UnrecognizedPDUAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, remote, events, stop := pipeConnection(t)
	defer stop()
	go func() {
		_, _ = remote.Write([]byte{0x09, 0x00, 0x00, 0x00, 0x00, 0x00})
	}()

	p, err := pdu.Read(remote, 0)
	require.NoError(t, err)
	require.Equal(t, byte(pdu.TypeAbort), p.Type)
	assert.Equal(t, dicomerrors.AbortReasonUnrecognizedPDU, pdu.DecodeAbort(p.Data).Reason)

	err = waitClosed(t, events)
	assert.ErrorIs(t, err, dicomerrors.ErrConnectionClosed)
	<-c.Done()
	assert.ErrorIs(t, c.Err(), dicomerrors.ErrConnectionClosed)
}

func TestNetworkConnection_PeerAbort(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, remote, events, stop := pipeConnection(t)
	defer stop()
	go func() {
		abort := &pdu.Abort{Source: dicomerrors.AbortSourceServiceProvider, Reason: dicomerrors.AbortReasonUnexpectedPDU}
		_ = pdu.Write(remote, abort.Encode())
	}()

	err := waitClosed(t, events)
	var abortErr *dicomerrors.AbortError
	require.ErrorAs(t, err, &abortErr)
	assert.Equal(t, dicomerrors.AbortReasonUnexpectedPDU, abortErr.Reason)
	assert.Equal(t, []string{"aborted", "closed"}, events.all())
	<-c.Done()
	assert.ErrorAs(t, c.Err(), &abortErr)
}

func TestNetworkConnection_AnswersPeerReleaseRequest(t *testing.T) {
	defer goleak.VerifyNone(t)

	_, remote, events, stop := pipeConnection(t)
	defer stop()
	go func() {
		_ = pdu.Write(remote, pdu.NewReleaseRQ())
	}()

	p, err := pdu.Read(remote, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(pdu.TypeReleaseRP), p.Type)

	require.NoError(t, remote.Close())
	assert.NoError(t, waitClosed(t, events))
}

func TestNetworkConnection_UnsolicitedAcceptIsProtocolError(t *testing.T) {
	defer goleak.VerifyNone(t)

	_, remote, events, stop := pipeConnection(t)
	defer stop()
	go func() {
		ac := &pdu.AssociateAC{CalledAETitle: "A", CallingAETitle: "B", ApplicationContext: types.ApplicationContextUID}
		_ = pdu.Write(remote, ac.Encode())
	}()

	p, err := pdu.Read(remote, 0)
	require.NoError(t, err)
	require.Equal(t, byte(pdu.TypeAbort), p.Type)
	assert.Equal(t, dicomerrors.AbortReasonInvalidPDUParameterValue, pdu.DecodeAbort(p.Data).Reason)

	err = waitClosed(t, events)
	assert.True(t, errors.Is(err, dicomerrors.ErrInvalidPDU))
}

func TestNetworkConnection_SendAfterCloseFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	c, _, events, stop := pipeConnection(t)
	defer stop()
	require.NoError(t, c.Close())
	assert.NoError(t, waitClosed(t, events))

	err := c.SendRequest(NewCEchoRequest(), &PresentationContext{ID: 1})
	assert.ErrorIs(t, err, dicomerrors.ErrConnectionClosed)
}
