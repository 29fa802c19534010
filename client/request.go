package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caio-sobreiro/dicomclient/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
	"github.com/caio-sobreiro/dicomclient/internal/promise"
	"github.com/caio-sobreiro/dicomclient/types"
)

// Request is one DIMSE operation. It can be queued before any association
// exists and completes exactly once, either with its final response or with
// an error.
type Request struct {
	ID uuid.UUID
	// Command is the template of the request command; the message ID is
	// assigned when the request is sent.
	Command *types.Message
	// TransferSyntaxUID pins the presentation context transfer syntax when
	// the dataset is already encoded. Empty means any accepted syntax.
	TransferSyntaxUID string

	dataset    *dicom.Dataset
	rawDataset []byte

	onResponse func(*Response)
	onComplete func(*Response, error)

	mu        sync.Mutex
	responses []*Response
	result    promise.Promise[*Response]
	created   time.Time
}

// RequestOption configures a Request.
type RequestOption func(*Request)

// WithPriority sets the DIMSE priority of C-STORE, C-FIND and C-MOVE requests.
func WithPriority(priority uint16) RequestOption {
	return func(r *Request) {
		r.Command.Priority = priority
	}
}

// WithResponseHandler is called for every response, pending ones included.
func WithResponseHandler(fn func(*Response)) RequestOption {
	return func(r *Request) {
		r.onResponse = fn
	}
}

// WithCompletionHandler is called once with the final response or the error
// that ended the request.
func WithCompletionHandler(fn func(*Response, error)) RequestOption {
	return func(r *Request) {
		r.onComplete = fn
	}
}

func newRequest(command *types.Message, opts ...RequestOption) *Request {
	r := &Request{
		ID:      uuid.New(),
		Command: command,
		result:  promise.New[*Response](),
		created: time.Now(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewCEchoRequest creates a verification request.
func NewCEchoRequest(opts ...RequestOption) *Request {
	return newRequest(&types.Message{
		CommandField:        types.CEchoRQ,
		AffectedSOPClassUID: types.VerificationSOPClass,
		CommandDataSetType:  types.NoDataSet,
	}, opts...)
}

// NewCStoreRequest creates a storage request for an already encoded dataset.
func NewCStoreRequest(sopClassUID, sopInstanceUID, transferSyntaxUID string, dataset []byte, opts ...RequestOption) *Request {
	r := newRequest(&types.Message{
		CommandField:           types.CStoreRQ,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
		Priority:               types.PriorityMedium,
		CommandDataSetType:     types.DataSetPresent,
	}, opts...)
	r.TransferSyntaxUID = transferSyntaxUID
	r.rawDataset = dataset
	return r
}

// NewCStoreRequestFromFile creates a storage request for a Part 10 file.
func NewCStoreRequestFromFile(path string, opts ...RequestOption) (*Request, error) {
	f, err := dicom.ReadPart10File(path)
	if err != nil {
		return nil, err
	}
	if f.SOPClassUID == "" || f.SOPInstanceUID == "" {
		return nil, fmt.Errorf("%s: file meta information lacks SOP class or instance UID", path)
	}
	return NewCStoreRequest(f.SOPClassUID, f.SOPInstanceUID, f.TransferSyntaxUID, f.Dataset, opts...), nil
}

// NewCFindRequest creates a query against an information model such as
// types.StudyRootQueryRetrieveInformationModelFind.
func NewCFindRequest(informationModel string, identifier *dicom.Dataset, opts ...RequestOption) *Request {
	r := newRequest(&types.Message{
		CommandField:        types.CFindRQ,
		AffectedSOPClassUID: informationModel,
		Priority:            types.PriorityMedium,
		CommandDataSetType:  types.DataSetPresent,
	}, opts...)
	r.dataset = identifier
	return r
}

// NewCMoveRequest asks the peer to send the matching instances to destination.
func NewCMoveRequest(informationModel, destination string, identifier *dicom.Dataset, opts ...RequestOption) *Request {
	r := newRequest(&types.Message{
		CommandField:        types.CMoveRQ,
		AffectedSOPClassUID: informationModel,
		MoveDestination:     destination,
		Priority:            types.PriorityMedium,
		CommandDataSetType:  types.DataSetPresent,
	}, opts...)
	r.dataset = identifier
	return r
}

// SOPClassUID is the abstract syntax the request needs a presentation context for.
func (r *Request) SOPClassUID() string {
	return r.Command.AffectedSOPClassUID
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s", types.CommandName(r.Command.CommandField), r.ID)
}

// encodeDataset returns the dataset bytes for the negotiated transfer syntax.
func (r *Request) encodeDataset(transferSyntaxUID string) ([]byte, error) {
	switch {
	case r.rawDataset != nil:
		return r.rawDataset, nil
	case r.dataset != nil:
		return r.dataset.Encode(transferSyntaxUID)
	case r.Command.HasDataSet():
		return nil, fmt.Errorf("%w: %s announces a dataset but has none", dicomerrors.ErrInvalidMessage, r)
	}
	return nil, nil
}

// respond records a response and notifies the response handler.
func (r *Request) respond(resp *Response) {
	r.mu.Lock()
	r.responses = append(r.responses, resp)
	r.mu.Unlock()
	if r.onResponse != nil {
		r.onResponse(resp)
	}
}

// finish settles the request. Only the first call has an effect.
func (r *Request) finish(resp *Response, err error) bool {
	var settled bool
	if err != nil {
		settled = r.result.Reject(err)
	} else {
		settled = r.result.Resolve(resp)
	}
	if settled && r.onComplete != nil {
		r.onComplete(resp, err)
	}
	return settled
}

// Done is closed when the request completed.
func (r *Request) Done() <-chan struct{} {
	return r.result.Done()
}

// Wait blocks until the request completes or ctx is done.
func (r *Request) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-r.result.Done():
		return r.result.Wait()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Responses returns every response received so far, in order.
func (r *Request) Responses() []*Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Response(nil), r.responses...)
}

// Response is one DIMSE response to a Request.
type Response struct {
	Command           *types.Message
	Dataset           []byte
	TransferSyntaxUID string
}

// Status returns the DIMSE status.
func (r *Response) Status() uint16 {
	return r.Command.Status
}

// IsPending reports whether more responses follow.
func (r *Response) IsPending() bool {
	return types.IsPendingStatus(r.Command.Status)
}

// IsSuccess reports a success status.
func (r *Response) IsSuccess() bool {
	return types.IsSuccessStatus(r.Command.Status)
}

// Err returns a DIMSEError for failure statuses and nil otherwise.
func (r *Response) Err() error {
	if !types.IsFailureStatus(r.Command.Status) && r.Command.Status != types.StatusCancel {
		return nil
	}
	return dicomerrors.NewDIMSEError(types.CommandName(r.Command.CommandField), r.Command.Status, r.Command.ErrorComment)
}

// Identifier decodes the response dataset, or returns nil when there is none.
func (r *Response) Identifier() (*dicom.Dataset, error) {
	if len(r.Dataset) == 0 {
		return nil, nil
	}
	return dicom.Parse(r.Dataset, r.TransferSyntaxUID)
}
