package scptest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/caio-sobreiro/dicomclient/dicom"
	"github.com/caio-sobreiro/dicomclient/types"
)

// ServiceHandler answers one DIMSE request. It may send any number of
// pending responses before the final one.
type ServiceHandler interface {
	HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error
}

// ResponseSender sends a response on the request's presentation context.
type ResponseSender interface {
	SendResponse(msg *types.Message, dataset []byte) error
}

// HandlerFunc adapts a function to ServiceHandler.
type HandlerFunc func(ctx context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error

func (f HandlerFunc) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error {
	return f(ctx, msg, data, meta, responder)
}

// Registry routes DIMSE requests to the handler registered for their command
// field. Unregistered commands are answered with status 0x0211.
//
// Example usage:
//
//	registry := scptest.NewRegistry()
//	registry.RegisterHandler(types.CEchoRQ, scptest.NewEchoService())
//	srv := scptest.New(scptest.Config{Handler: registry})
type Registry struct {
	mu       sync.RWMutex
	handlers map[uint16]ServiceHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint16]ServiceHandler)}
}

// NewDefaultRegistry answers C-ECHO, C-STORE, C-FIND without matches and
// C-MOVE without sub-operations.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterHandler(types.CEchoRQ, NewEchoService())
	r.RegisterHandler(types.CStoreRQ, NewStoreService())
	r.RegisterHandler(types.CFindRQ, NewFindService())
	r.RegisterHandler(types.CMoveRQ, NewMoveService(0))
	return r
}

// RegisterHandler registers handler for commandField, replacing any previous one.
func (r *Registry) RegisterHandler(commandField uint16, handler ServiceHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[commandField] = handler
}

// UnregisterHandler removes the handler for commandField.
func (r *Registry) UnregisterHandler(commandField uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, commandField)
}

// HasHandler reports whether a handler is registered for commandField.
func (r *Registry) HasHandler(commandField uint16) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[commandField]
	return ok
}

func (r *Registry) HandleDIMSE(ctx context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error {
	slog.DebugContext(ctx, "Routing DIMSE message",
		"command_field", fmt.Sprintf("0x%04x", msg.CommandField),
		"message_id", msg.MessageID)

	r.mu.RLock()
	handler, ok := r.handlers[msg.CommandField]
	r.mu.RUnlock()
	if !ok {
		slog.WarnContext(ctx, "No handler registered for DIMSE command",
			"command_field", fmt.Sprintf("0x%04x", msg.CommandField))
		return responder.SendResponse(CreateErrorResponse(msg, StatusUnrecognizedOperation), nil)
	}
	return handler.HandleDIMSE(ctx, msg, data, meta, responder)
}

// EchoService answers C-ECHO with success.
type EchoService struct{}

func NewEchoService() *EchoService {
	return &EchoService{}
}

func (s *EchoService) HandleDIMSE(_ context.Context, msg *types.Message, _ []byte, _ MessageContext, responder ResponseSender) error {
	return responder.SendResponse(NewCEchoResponse(msg, types.StatusSuccess), nil)
}

// StoredInstance is a dataset received with C-STORE.
type StoredInstance struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	Data              []byte
}

// StoreService keeps every received instance in memory. Status, when set,
// replaces the success status of every answer.
type StoreService struct {
	Status uint16

	mu        sync.Mutex
	instances []StoredInstance
}

func NewStoreService() *StoreService {
	return &StoreService{}
}

func (s *StoreService) HandleDIMSE(_ context.Context, msg *types.Message, data []byte, meta MessageContext, responder ResponseSender) error {
	s.mu.Lock()
	s.instances = append(s.instances, StoredInstance{
		SOPClassUID:       msg.AffectedSOPClassUID,
		SOPInstanceUID:    msg.AffectedSOPInstanceUID,
		TransferSyntaxUID: meta.TransferSyntaxUID,
		Data:              append([]byte(nil), data...),
	})
	s.mu.Unlock()
	return responder.SendResponse(NewCStoreResponse(msg, s.Status), nil)
}

// Instances returns the stored instances in arrival order.
func (s *StoreService) Instances() []StoredInstance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StoredInstance(nil), s.instances...)
}

// FindService answers every C-FIND with one pending response per match.
type FindService struct {
	Matches []*dicom.Dataset
}

func NewFindService(matches ...*dicom.Dataset) *FindService {
	return &FindService{Matches: matches}
}

func (s *FindService) HandleDIMSE(_ context.Context, msg *types.Message, _ []byte, meta MessageContext, responder ResponseSender) error {
	for _, match := range s.Matches {
		data, err := match.Encode(meta.TransferSyntaxUID)
		if err != nil {
			return err
		}
		if err := responder.SendResponse(NewCFindPendingResponse(msg), data); err != nil {
			return err
		}
	}
	return responder.SendResponse(NewCFindSuccessResponse(msg), nil)
}

// MoveService pretends to perform a fixed number of sub-operations and
// reports each one with a pending response.
type MoveService struct {
	SubOperations uint16
}

func NewMoveService(subOperations uint16) *MoveService {
	return &MoveService{SubOperations: subOperations}
}

func (s *MoveService) HandleDIMSE(_ context.Context, msg *types.Message, _ []byte, _ MessageContext, responder ResponseSender) error {
	if msg.MoveDestination == "" {
		return responder.SendResponse(NewCMoveErrorResponse(msg, StatusMoveDestinationUnknown), nil)
	}
	for completed := uint16(0); completed < s.SubOperations; completed++ {
		remaining := s.SubOperations - completed
		if err := responder.SendResponse(NewCMovePendingResponse(msg, completed, 0, 0, remaining), nil); err != nil {
			return err
		}
	}
	return responder.SendResponse(NewCMoveSuccessResponse(msg, s.SubOperations, 0, 0), nil)
}
