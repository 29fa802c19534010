package client

import (
	"fmt"
	"slices"

	"github.com/caio-sobreiro/dicomclient/pdu"
	"github.com/caio-sobreiro/dicomclient/types"
)

// maxPresentationContexts is the number of odd context IDs in 1..255.
const maxPresentationContexts = 128

// PresentationContext is a proposed context and, once the peer answered, its
// result.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string

	Result         byte
	TransferSyntax string
	answered       bool
}

// Accepted reports whether the peer accepted the context.
func (pc *PresentationContext) Accepted() bool {
	return pc.answered && pc.Result == pdu.ResultAcceptance && pc.TransferSyntax != ""
}

// Association holds the parameters of one negotiation. It is built once per
// association request and replaced, never mutated, when the peer accepts.
type Association struct {
	CallingAETitle string
	CalledAETitle  string

	PresentationContexts []*PresentationContext

	// MaxPDULength is the largest PDU the peer accepts; 0 means unlimited.
	MaxPDULength uint32
	// Negotiated asynchronous operations window; 0 means unlimited.
	MaxOperationsInvoked   uint16
	MaxOperationsPerformed uint16

	localMaxPDULength               uint32
	proposeWindow                   bool
	implementationClassUID          string
	implementationVersion           string
	RemoteImplementationClassUID    string
	RemoteImplementationVersionName string
}

// buildProposal derives the presentation contexts to propose from queued
// requests followed by the configured contexts. Requests sharing an abstract
// syntax and transfer syntax list share a context.
func buildProposal(queued []*Request, cfg Config) (*Association, error) {
	assoc := &Association{
		CallingAETitle:         cfg.CallingAETitle,
		CalledAETitle:          cfg.CalledAETitle,
		MaxOperationsInvoked:   cfg.MaxAsyncOpsInvoked,
		MaxOperationsPerformed: cfg.MaxAsyncOpsPerformed,
		localMaxPDULength:      cfg.MaxPDULength,
		proposeWindow:          cfg.MaxAsyncOpsInvoked != 1 || cfg.MaxAsyncOpsPerformed != 1,
		implementationClassUID: cfg.ImplementationClassUID,
		implementationVersion:  cfg.ImplementationVersionName,
	}

	add := func(abstractSyntax string, transferSyntaxes []string) error {
		for _, pc := range assoc.PresentationContexts {
			if pc.AbstractSyntax == abstractSyntax && slices.Equal(pc.TransferSyntaxes, transferSyntaxes) {
				return nil
			}
		}
		if len(assoc.PresentationContexts) == maxPresentationContexts {
			return fmt.Errorf("more than %d presentation contexts needed", maxPresentationContexts)
		}
		assoc.PresentationContexts = append(assoc.PresentationContexts, &PresentationContext{
			ID:               byte(2*len(assoc.PresentationContexts) + 1),
			AbstractSyntax:   abstractSyntax,
			TransferSyntaxes: transferSyntaxes,
		})
		return nil
	}

	for _, req := range queued {
		if err := add(req.SOPClassUID(), requestTransferSyntaxes(req, cfg)); err != nil {
			return nil, err
		}
	}
	for _, pc := range cfg.AdditionalPresentationContexts {
		ts := pc.TransferSyntaxes
		if len(ts) == 0 {
			ts = cfg.PreferredTransferSyntaxes
		}
		if err := add(pc.AbstractSyntax, ts); err != nil {
			return nil, err
		}
	}
	return assoc, nil
}

// requestTransferSyntaxes lists what a request can be sent with. An encoded
// dataset pins its own syntax; otherwise the preferred list is proposed.
func requestTransferSyntaxes(req *Request, cfg Config) []string {
	if req.TransferSyntaxUID != "" {
		return []string{req.TransferSyntaxUID}
	}
	return cfg.PreferredTransferSyntaxes
}

// associateRQ converts the proposal into its PDU.
func (a *Association) associateRQ() *pdu.AssociateRQ {
	rq := &pdu.AssociateRQ{
		CalledAETitle:      a.CalledAETitle,
		CallingAETitle:     a.CallingAETitle,
		ApplicationContext: types.ApplicationContextUID,
		UserInformation: pdu.UserInformation{
			MaxPDULength:              a.localMaxPDULength,
			ImplementationClassUID:    a.implementationClassUID,
			ImplementationVersionName: a.implementationVersion,
		},
	}
	if a.proposeWindow {
		rq.UserInformation.AsyncOperationsWindow = &pdu.AsyncOperationsWindow{
			MaxOperationsInvoked:   a.MaxOperationsInvoked,
			MaxOperationsPerformed: a.MaxOperationsPerformed,
		}
	}
	for _, pc := range a.PresentationContexts {
		rq.PresentationContexts = append(rq.PresentationContexts, pdu.PresentationContextProposal{
			ID:               pc.ID,
			AbstractSyntax:   pc.AbstractSyntax,
			TransferSyntaxes: pc.TransferSyntaxes,
		})
	}
	return rq
}

// withAcceptance returns the association negotiated by ac. Contexts the peer
// did not mention stay unanswered and are never used.
func (a *Association) withAcceptance(ac *pdu.AssociateAC) *Association {
	accepted := *a
	accepted.PresentationContexts = make([]*PresentationContext, len(a.PresentationContexts))
	for i, pc := range a.PresentationContexts {
		cp := *pc
		for _, result := range ac.PresentationContexts {
			if result.ID == pc.ID {
				cp.Result = result.Result
				cp.TransferSyntax = result.TransferSyntax
				cp.answered = true
			}
		}
		accepted.PresentationContexts[i] = &cp
	}

	accepted.MaxPDULength = ac.UserInformation.MaxPDULength
	accepted.RemoteImplementationClassUID = ac.UserInformation.ImplementationClassUID
	accepted.RemoteImplementationVersionName = ac.UserInformation.ImplementationVersionName

	// Without the window sub-item both sides work one operation at a time.
	accepted.MaxOperationsInvoked = 1
	accepted.MaxOperationsPerformed = 1
	if w := ac.UserInformation.AsyncOperationsWindow; w != nil && a.proposeWindow {
		accepted.MaxOperationsInvoked = w.MaxOperationsInvoked
		accepted.MaxOperationsPerformed = w.MaxOperationsPerformed
	}
	return &accepted
}

// AcceptedContextFor returns the accepted context for a SOP class. When
// transferSyntaxUID is set only a context accepted with that syntax matches.
func (a *Association) AcceptedContextFor(sopClassUID, transferSyntaxUID string) (*PresentationContext, bool) {
	for _, pc := range a.PresentationContexts {
		if !pc.Accepted() || pc.AbstractSyntax != sopClassUID {
			continue
		}
		if transferSyntaxUID != "" && pc.TransferSyntax != transferSyntaxUID {
			continue
		}
		return pc, true
	}
	return nil, false
}

// ContextByID returns the context with the given ID.
func (a *Association) ContextByID(id byte) (*PresentationContext, bool) {
	for _, pc := range a.PresentationContexts {
		if pc.ID == id {
			return pc, true
		}
	}
	return nil, false
}

// AcceptedCount returns the number of accepted contexts.
func (a *Association) AcceptedCount() int {
	n := 0
	for _, pc := range a.PresentationContexts {
		if pc.Accepted() {
			n++
		}
	}
	return n
}
