package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caio-sobreiro/dicomclient/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/pdu"
	"github.com/caio-sobreiro/dicomclient/types"
)

// maxInboundPDULength caps what the listener allocates for a single PDU.
const maxInboundPDULength = 1 << 26

// EventHandler receives peer and transport events of a Connection. A
// Connection never invokes two handlers concurrently.
type EventHandler interface {
	OnAssociationAccepted(assoc *Association)
	OnAssociationRejected(result dicomerrors.AssociationRejectResult, source dicomerrors.AssociationRejectSource, reason dicomerrors.AssociationRejectReason)
	OnReleaseResponseReceived()
	OnAborted(source dicomerrors.AbortSource, reason dicomerrors.AbortReason)
	OnConnectionClosed(err error)
	OnSendQueueEmpty()
	OnRequestCompleted(req *Request, resp *Response)
	OnRequestTimedOut(req *Request, timeout time.Duration)
}

// Connection is the transport of one run. Send methods do not wait for the
// peer; outcomes are reported through the EventHandler.
type Connection interface {
	RemoteAddr() net.Addr
	SendAssociationRequest(assoc *Association) error
	// SendRequest queues req on pc. Requests are written in call order.
	SendRequest(req *Request, pc *PresentationContext) error
	SendReleaseRequest() error
	SendAbort(source dicomerrors.AbortSource, reason dicomerrors.AbortReason) error
	Close() error
	// Done is closed once the listener stopped and delivered its last event.
	Done() <-chan struct{}
	// Err reports why the listener stopped: nil for an orderly close, an
	// AbortError when the peer aborted, a ConnectionClosedError otherwise. It
	// is only meaningful once Done is closed.
	Err() error
}

// Connector opens Connections.
type Connector interface {
	Connect(ctx context.Context, events EventHandler) (Connection, error)
}

type tcpConnector struct {
	cfg Config
}

// NewTCPConnector dials cfg.Address for every run.
func NewTCPConnector(cfg Config) Connector {
	return &tcpConnector{cfg: cfg.withDefaults()}
}

func (t *tcpConnector) Connect(ctx context.Context, events EventHandler) (Connection, error) {
	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.Address)
	if err != nil {
		return nil, dicomerrors.NewNetworkError("dial "+t.cfg.Address, err)
	}
	return newNetworkConnection(conn, t.cfg, events), nil
}

type pendingRequest struct {
	req     *Request
	timer   *time.Timer
	command string
}

type outbound struct {
	req *Request
	pc  *PresentationContext
}

// networkConnection speaks the Upper Layer protocol over a net.Conn. A
// listener goroutine reads PDUs and a writer goroutine sends queued requests.
type networkConnection struct {
	conn   net.Conn
	cfg    Config
	events EventHandler
	logger *slog.Logger

	eventMu sync.Mutex
	writeMu sync.Mutex

	mu            sync.Mutex
	assoc         *Association
	pending       map[uint16]*pendingRequest
	queue         []outbound
	nextMessageID uint16
	closed        bool

	wake       chan struct{}
	closing    chan struct{}
	closeOnce  sync.Once
	closeErr   error
	localClose atomic.Bool
	writerDone chan struct{}
	done       chan struct{}
	err        error
}

func newNetworkConnection(conn net.Conn, cfg Config, events EventHandler) *networkConnection {
	c := &networkConnection{
		conn:       conn,
		cfg:        cfg,
		events:     events,
		logger:     cfg.Logger.With("remote_addr", conn.RemoteAddr().String()),
		pending:    make(map[uint16]*pendingRequest),
		wake:       make(chan struct{}, 1),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.writeLoop()
	go c.listen()
	return c
}

func (c *networkConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *networkConnection) Done() <-chan struct{} {
	return c.done
}

func (c *networkConnection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *networkConnection) dispatch(fn func(EventHandler)) {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()
	fn(c.events)
}

func (c *networkConnection) writePDU(p *pdu.PDU) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return dicomerrors.NewNetworkError("set write deadline", err)
	}
	if err := pdu.Write(c.conn, p); err != nil {
		return dicomerrors.NewNetworkError("write", err)
	}
	return nil
}

func (c *networkConnection) SendAssociationRequest(assoc *Association) error {
	c.mu.Lock()
	c.assoc = assoc
	c.mu.Unlock()

	c.logger.Debug("Sending A-ASSOCIATE-RQ",
		"calling_ae", assoc.CallingAETitle,
		"called_ae", assoc.CalledAETitle,
		"contexts", len(assoc.PresentationContexts))
	return c.writePDU(assoc.associateRQ().Encode())
}

func (c *networkConnection) SendReleaseRequest() error {
	c.logger.Debug("Sending A-RELEASE-RQ")
	return c.writePDU(pdu.NewReleaseRQ())
}

func (c *networkConnection) SendAbort(source dicomerrors.AbortSource, reason dicomerrors.AbortReason) error {
	c.logger.Debug("Sending A-ABORT", "source", source, "reason", reason)
	abort := &pdu.Abort{Source: source, Reason: reason}
	return c.writePDU(abort.Encode())
}

func (c *networkConnection) SendRequest(req *Request, pc *PresentationContext) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return dicomerrors.NewConnectionClosedError(nil)
	}
	c.queue = append(c.queue, outbound{req: req, pc: pc})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close closes the transport. The listener then stops and Done is closed.
func (c *networkConnection) Close() error {
	c.localClose.Store(true)
	return c.shutdown()
}

func (c *networkConnection) shutdown() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = dicomerrors.NewNetworkError("close", err)
		}
	})
	return c.closeErr
}

func (c *networkConnection) writeLoop() {
	defer close(c.writerDone)

	for {
		select {
		case <-c.closing:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			next := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			c.writeRequest(next)
		}
		c.dispatch(func(h EventHandler) { h.OnSendQueueEmpty() })
	}
}

func (c *networkConnection) writeRequest(o outbound) {
	c.mu.Lock()
	c.nextMessageID++
	if c.nextMessageID == 0 {
		c.nextMessageID = 1
	}
	id := c.nextMessageID
	maxPDULength := c.cfg.MaxPDULength
	if c.assoc != nil && c.assoc.MaxPDULength != 0 {
		maxPDULength = c.assoc.MaxPDULength
	}
	command := *o.req.Command
	command.MessageID = id
	p := &pendingRequest{req: o.req, command: types.CommandName(command.CommandField)}
	p.timer = time.AfterFunc(c.cfg.RequestTimeout, func() { c.timeoutRequest(id) })
	c.pending[id] = p
	c.mu.Unlock()
	prometheusRequestsInFlight.Inc()

	err := func() error {
		dataset, err := o.req.encodeDataset(o.pc.TransferSyntax)
		if err != nil {
			return err
		}
		pdus, err := dimse.Encode(o.pc.ID, maxPDULength, &command, dataset)
		if err != nil {
			return err
		}
		for _, fragment := range pdus {
			if err := c.writePDU(fragment); err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		c.logger.Warn("Failed to send request", "request", o.req, "message_id", id, "error", err)
		if p, ok := c.takePending(id); ok {
			c.complete(p, nil, err)
		}
		return
	}
	c.logger.Debug("Sent request", "request", o.req, "message_id", id, "context_id", o.pc.ID)
}

func (c *networkConnection) takePending(id uint16) (*pendingRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		p.timer.Stop()
	}
	return p, ok
}

// complete settles a request that left the pending map and reports it.
func (c *networkConnection) complete(p *pendingRequest, resp *Response, err error) {
	prometheusRequestsInFlight.Dec()
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case resp.Err() != nil:
		outcome = "failure"
	case types.IsWarningStatus(resp.Status()):
		outcome = "warning"
	}
	prometheusRequestsTotal.WithLabelValues(p.command, outcome).Inc()

	p.req.finish(resp, err)
	c.dispatch(func(h EventHandler) { h.OnRequestCompleted(p.req, resp) })
}

func (c *networkConnection) timeoutRequest(id uint16) {
	p, ok := c.takePending(id)
	if !ok {
		return
	}
	timeout := c.cfg.RequestTimeout
	c.logger.Warn("Request timed out", "request", p.req, "message_id", id, "timeout", timeout)
	prometheusRequestsInFlight.Dec()
	prometheusRequestsTotal.WithLabelValues(p.command, "timeout").Inc()

	p.req.finish(nil, dicomerrors.NewTimeoutError(dicomerrors.OperationRequest, timeout))
	c.dispatch(func(h EventHandler) { h.OnRequestTimedOut(p.req, timeout) })
}

func (c *networkConnection) listen() {
	err := c.readLoop()
	if err != nil {
		c.logger.Debug("Listener stopped", "error", err)
	}

	_ = c.shutdown()
	<-c.writerDone

	c.mu.Lock()
	pending := c.pending
	queued := c.queue
	c.pending = make(map[uint16]*pendingRequest)
	c.queue = nil
	c.closed = true
	c.mu.Unlock()

	var abortErr *dicomerrors.AbortError
	switch {
	case err == nil:
	case errors.As(err, &abortErr):
		err = abortErr
	default:
		err = dicomerrors.NewConnectionClosedError(err)
	}

	requestErr := err
	if requestErr == nil {
		requestErr = dicomerrors.NewConnectionClosedError(nil)
	}
	for _, p := range pending {
		p.timer.Stop()
		c.complete(p, nil, requestErr)
	}
	for _, o := range queued {
		o.req.finish(nil, requestErr)
	}

	c.err = err
	c.dispatch(func(h EventHandler) { h.OnConnectionClosed(err) })
	close(c.done)
}

// readLoop returns nil when the stream ended normally or was closed locally,
// and an AbortError when the peer aborted.
func (c *networkConnection) readLoop() error {
	var assembler dimse.Assembler

	for {
		if c.cfg.ReadTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				return dicomerrors.NewNetworkError("set read deadline", err)
			}
		}

		p, err := pdu.Read(c.conn, maxInboundPDULength)
		if err != nil {
			if errors.Is(err, io.EOF) || c.localClose.Load() {
				return nil
			}
			var pduErr *dicomerrors.PDUError
			if errors.As(err, &pduErr) {
				c.abortProtocol(dicomerrors.AbortReasonUnrecognizedPDU)
				return err
			}
			return dicomerrors.NewNetworkError("read", err)
		}

		if p.Type == pdu.TypeAbort {
			abort := pdu.DecodeAbort(p.Data)
			c.logger.Debug("Received A-ABORT", "source", abort.Source, "reason", abort.Reason)
			c.dispatch(func(h EventHandler) { h.OnAborted(abort.Source, abort.Reason) })
			return dicomerrors.NewAbortError(abort.Source, abort.Reason)
		}

		if err := c.handlePDU(p, &assembler); err != nil {
			c.logger.Warn("Protocol error", "pdu", pdu.TypeName(p.Type), "error", err)
			c.abortProtocol(dicomerrors.AbortReasonInvalidPDUParameterValue)
			return err
		}
	}
}

func (c *networkConnection) abortProtocol(reason dicomerrors.AbortReason) {
	if err := c.SendAbort(dicomerrors.AbortSourceServiceProvider, reason); err != nil {
		c.logger.Debug("Failed to send A-ABORT", "error", err)
	}
}

func (c *networkConnection) handlePDU(p *pdu.PDU, assembler *dimse.Assembler) error {
	switch p.Type {
	case pdu.TypeAssociateAC:
		ac, err := pdu.DecodeAssociateAC(p.Data)
		if err != nil {
			return err
		}
		c.mu.Lock()
		proposed := c.assoc
		c.mu.Unlock()
		if proposed == nil {
			return fmt.Errorf("%w: A-ASSOCIATE-AC without a request", dicomerrors.ErrInvalidPDU)
		}
		accepted := proposed.withAcceptance(ac)
		c.mu.Lock()
		c.assoc = accepted
		c.mu.Unlock()

		c.logger.Debug("Received A-ASSOCIATE-AC",
			"accepted_contexts", accepted.AcceptedCount(),
			"max_pdu_length", accepted.MaxPDULength,
			"max_ops_invoked", accepted.MaxOperationsInvoked)
		c.dispatch(func(h EventHandler) { h.OnAssociationAccepted(accepted) })

	case pdu.TypeAssociateRJ:
		rj, err := pdu.DecodeAssociateRJ(p.Data)
		if err != nil {
			return err
		}
		c.logger.Debug("Received A-ASSOCIATE-RJ", "result", rj.Result, "source", rj.Source, "reason", rj.Reason.Describe(rj.Source))
		c.dispatch(func(h EventHandler) { h.OnAssociationRejected(rj.Result, rj.Source, rj.Reason) })

	case pdu.TypePDataTF:
		pdvs, err := pdu.DecodePDataTF(p.Data)
		if err != nil {
			return err
		}
		for _, v := range pdvs {
			msg, err := assembler.Add(v)
			if err != nil {
				return err
			}
			if msg != nil {
				c.handleMessage(msg)
			}
		}

	case pdu.TypeReleaseRQ:
		c.logger.Debug("Peer requested release")
		if err := c.writePDU(pdu.NewReleaseRP()); err != nil {
			return err
		}

	case pdu.TypeReleaseRP:
		c.logger.Debug("Received A-RELEASE-RP")
		c.dispatch(func(h EventHandler) { h.OnReleaseResponseReceived() })

	default:
		return fmt.Errorf("%w: unexpected %s", dicomerrors.ErrInvalidPDU, pdu.TypeName(p.Type))
	}
	return nil
}

func (c *networkConnection) handleMessage(msg *dimse.Message) {
	id := msg.Command.MessageIDBeingRespondedTo

	c.mu.Lock()
	p, ok := c.pending[id]
	var transferSyntax string
	if c.assoc != nil {
		if pc, found := c.assoc.ContextByID(msg.ContextID); found {
			transferSyntax = pc.TransferSyntax
		}
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("Response for unknown request", "message_id", id, "command", types.CommandName(msg.Command.CommandField))
		return
	}

	resp := &Response{Command: msg.Command, Dataset: msg.Dataset, TransferSyntaxUID: transferSyntax}
	p.req.respond(resp)

	if resp.IsPending() {
		p.timer.Reset(c.cfg.RequestTimeout)
		return
	}
	if p, ok := c.takePending(id); ok {
		c.logger.Debug("Request completed", "request", p.req, "message_id", id, "status", fmt.Sprintf("0x%04X", resp.Status()))
		c.complete(p, resp, nil)
	}
}
