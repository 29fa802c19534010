package scptest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/caio-sobreiro/dicomclient/dimse"
	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/pdu"
	"github.com/caio-sobreiro/dicomclient/types"
)

const maxInboundPDULength = 1 << 26

// MessageContext describes where a request arrived.
type MessageContext struct {
	CallingAETitle        string
	PresentationContextID byte
	AbstractSyntax        string
	TransferSyntaxUID     string
}

// association serves one connection.
type association struct {
	srv    *Server
	conn   net.Conn
	logger *slog.Logger

	writeMu  sync.Mutex
	contexts map[byte]pdu.PresentationContextResult
	abstract map[byte]string
	calling  string
	maxPDU   uint32

	handlers sync.WaitGroup
}

func newAssociation(srv *Server, conn net.Conn, logger *slog.Logger) *association {
	return &association{
		srv:      srv,
		conn:     conn,
		logger:   logger,
		contexts: make(map[byte]pdu.PresentationContextResult),
		abstract: make(map[byte]string),
		maxPDU:   pdu.DefaultMaxPDULength,
	}
}

func (a *association) wait() {
	a.handlers.Wait()
}

func (a *association) write(p *pdu.PDU) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if err := a.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return pdu.Write(a.conn, p)
}

func (a *association) abort(reason dicomerrors.AbortReason) error {
	abort := &pdu.Abort{Source: dicomerrors.AbortSourceServiceUser, Reason: reason}
	return a.write(abort.Encode())
}

// serve reads PDUs until the association ends. It returns nil for an orderly
// end.
func (a *association) serve(ctx context.Context) error {
	var assembler dimse.Assembler
	associated := false

	for {
		p, err := pdu.Read(a.conn, maxInboundPDULength)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		switch p.Type {
		case pdu.TypeAssociateRQ:
			if associated {
				return fmt.Errorf("%w: second A-ASSOCIATE-RQ", dicomerrors.ErrInvalidPDU)
			}
			a.srv.associations.Add(1)
			rq, err := pdu.DecodeAssociateRQ(p.Data)
			if err != nil {
				_ = a.abort(dicomerrors.AbortReasonInvalidPDUParameterValue)
				return err
			}
			done, err := a.answerAssociation(rq)
			if err != nil || done {
				return err
			}
			associated = true

		case pdu.TypePDataTF:
			if !associated {
				_ = a.abort(dicomerrors.AbortReasonUnexpectedPDU)
				return fmt.Errorf("%w: P-DATA-TF before association", dicomerrors.ErrInvalidPDU)
			}
			pdvs, err := pdu.DecodePDataTF(p.Data)
			if err != nil {
				return err
			}
			for _, v := range pdvs {
				msg, err := assembler.Add(v)
				if err != nil {
					_ = a.abort(dicomerrors.AbortReasonInvalidPDUParameterValue)
					return err
				}
				if msg == nil {
					continue
				}
				a.srv.requests.Add(1)
				if a.srv.cfg.AbortOnRequest {
					a.logger.Debug("Aborting on request", "command", types.CommandName(msg.Command.CommandField))
					return a.abort(dicomerrors.AbortReasonNotSpecified)
				}
				a.handlers.Add(1)
				go func() {
					defer a.handlers.Done()
					a.handleMessage(ctx, msg)
				}()
			}

		case pdu.TypeReleaseRQ:
			a.srv.releases.Add(1)
			if a.srv.cfg.IgnoreRelease {
				a.logger.Debug("Ignoring A-RELEASE-RQ")
				continue
			}
			a.handlers.Wait()
			return a.write(pdu.NewReleaseRP())

		case pdu.TypeAbort:
			a.srv.aborts.Add(1)
			return nil

		default:
			_ = a.abort(dicomerrors.AbortReasonUnexpectedPDU)
			return fmt.Errorf("%w: unexpected %s", dicomerrors.ErrInvalidPDU, pdu.TypeName(p.Type))
		}
	}
}

// answerAssociation replies to rq. It reports whether the connection is done.
func (a *association) answerAssociation(rq *pdu.AssociateRQ) (bool, error) {
	cfg := a.srv.cfg
	a.logger.Debug("Received A-ASSOCIATE-RQ",
		"calling_ae", rq.CallingAETitle,
		"called_ae", rq.CalledAETitle,
		"contexts", len(rq.PresentationContexts))

	switch cfg.Association {
	case Reject:
		rj := &pdu.AssociateRJ{Result: cfg.RejectResult, Source: cfg.RejectSource, Reason: cfg.RejectReason}
		return true, a.write(rj.Encode())
	case AbortAssociation:
		return true, a.abort(dicomerrors.AbortReasonNotSpecified)
	case Stall:
		return false, nil
	}

	a.calling = rq.CallingAETitle
	if rq.UserInformation.MaxPDULength != 0 {
		a.maxPDU = rq.UserInformation.MaxPDULength
	}

	ac := &pdu.AssociateAC{
		CalledAETitle:      rq.CalledAETitle,
		CallingAETitle:     rq.CallingAETitle,
		ApplicationContext: rq.ApplicationContext,
		UserInformation: pdu.UserInformation{
			MaxPDULength:              cfg.MaxPDULength,
			ImplementationClassUID:    "1.2.826.0.1.3680043.10.1107.99",
			ImplementationVersionName: "SCPTEST",
		},
	}
	if rq.UserInformation.AsyncOperationsWindow != nil && (cfg.MaxOperationsInvoked != 0 || cfg.MaxOperationsPerformed != 0) {
		ac.UserInformation.AsyncOperationsWindow = &pdu.AsyncOperationsWindow{
			MaxOperationsInvoked:   cfg.MaxOperationsInvoked,
			MaxOperationsPerformed: cfg.MaxOperationsPerformed,
		}
	}
	for _, pc := range rq.PresentationContexts {
		result := a.negotiate(pc)
		ac.PresentationContexts = append(ac.PresentationContexts, result)
		if result.Result == pdu.ResultAcceptance {
			a.contexts[pc.ID] = result
			a.abstract[pc.ID] = pc.AbstractSyntax
		}
	}
	return false, a.write(ac.Encode())
}

func (a *association) negotiate(pc pdu.PresentationContextProposal) pdu.PresentationContextResult {
	cfg := a.srv.cfg
	result := pdu.PresentationContextResult{ID: pc.ID}

	if len(cfg.AbstractSyntaxes) > 0 && !slices.Contains(cfg.AbstractSyntaxes, pc.AbstractSyntax) {
		result.Result = pdu.ResultAbstractSyntaxNotSupported
		return result
	}
	if len(cfg.TransferSyntaxes) == 0 {
		if len(pc.TransferSyntaxes) == 0 {
			result.Result = pdu.ResultTransferSyntaxesNotSupported
			return result
		}
		result.TransferSyntax = pc.TransferSyntaxes[0]
		return result
	}
	for _, ts := range cfg.TransferSyntaxes {
		if slices.Contains(pc.TransferSyntaxes, ts) {
			result.TransferSyntax = ts
			return result
		}
	}
	result.Result = pdu.ResultTransferSyntaxesNotSupported
	return result
}

func (a *association) handleMessage(ctx context.Context, msg *dimse.Message) {
	if d := a.srv.cfg.ResponseDelay; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return
		}
	}

	pc := a.contexts[msg.ContextID]
	meta := MessageContext{
		CallingAETitle:        a.calling,
		PresentationContextID: msg.ContextID,
		AbstractSyntax:        a.abstract[msg.ContextID],
		TransferSyntaxUID:     pc.TransferSyntax,
	}
	responder := &responder{a: a, contextID: msg.ContextID}

	if err := a.srv.cfg.Handler.HandleDIMSE(ctx, msg.Command, msg.Dataset, meta, responder); err != nil {
		a.logger.Warn("Handler failed", "command", types.CommandName(msg.Command.CommandField), "error", err)
		_ = responder.SendResponse(CreateErrorResponse(msg.Command, types.StatusFailure), nil)
	}
}

type responder struct {
	a         *association
	contextID byte
}

func (r *responder) SendResponse(msg *types.Message, dataset []byte) error {
	if len(dataset) == 0 {
		msg.CommandDataSetType = types.NoDataSet
	} else {
		msg.CommandDataSetType = types.DataSetPresent
	}
	pdus, err := dimse.Encode(r.contextID, r.a.maxPDU, msg, dataset)
	if err != nil {
		return err
	}
	for _, p := range pdus {
		if err := r.a.write(p); err != nil {
			return err
		}
	}
	return nil
}
