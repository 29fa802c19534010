package client

import (
	"context"
	"fmt"

	"github.com/caio-sobreiro/dicomclient/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomclient/errors"
)

// Do queues req, runs the client until req completes and returns its final
// response. A run that ends cleanly before req was sent, such as an
// association request timeout below the configured limit, is retried.
// Failure statuses are returned as a DIMSEError alongside the response.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	c.AddRequest(req)

	attempts := c.cfg.MaxConsecutiveAssociationRequestTimeouts
	for attempt := 1; ; attempt++ {
		runErr := c.Send(ctx, ReleaseGracefully)

		select {
		case <-req.Done():
			resp, err := req.Wait(ctx)
			if err != nil {
				return nil, err
			}
			return resp, resp.Err()
		default:
		}

		err := runErr
		switch {
		case err != nil:
		case ctx.Err() != nil:
			err = ctx.Err()
		case attempt >= attempts:
			err = fmt.Errorf("%w: %s not sent after %d runs", dicomerrors.ErrOperationCanceled, req, attempt)
		default:
			c.logger.Debug("Request still queued after run, retrying", "request", req, "attempt", attempt)
			continue
		}

		if c.m.queue.Remove(req) {
			req.finish(nil, err)
			return nil, err
		}
		// Sent by now; its outcome follows from the connection.
		return req.Wait(ctx)
	}
}

// Echo verifies connectivity with a C-ECHO.
func (c *Client) Echo(ctx context.Context) error {
	_, err := c.Do(ctx, NewCEchoRequest())
	return err
}

// Store sends an encoded dataset with C-STORE.
func (c *Client) Store(ctx context.Context, sopClassUID, sopInstanceUID, transferSyntaxUID string, dataset []byte) (*Response, error) {
	return c.Do(ctx, NewCStoreRequest(sopClassUID, sopInstanceUID, transferSyntaxUID, dataset))
}

// StoreFile sends a Part 10 file with C-STORE.
func (c *Client) StoreFile(ctx context.Context, path string) (*Response, error) {
	req, err := NewCStoreRequestFromFile(path)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Find runs a C-FIND and returns the identifiers of all pending responses.
func (c *Client) Find(ctx context.Context, informationModel string, identifier *dicom.Dataset) ([]*dicom.Dataset, error) {
	req := NewCFindRequest(informationModel, identifier)
	if _, err := c.Do(ctx, req); err != nil {
		return nil, err
	}

	var matches []*dicom.Dataset
	for _, resp := range req.Responses() {
		if !resp.IsPending() {
			continue
		}
		match, err := resp.Identifier()
		if err != nil {
			return matches, fmt.Errorf("failed to parse C-FIND response: %w", err)
		}
		if match != nil {
			matches = append(matches, match)
		}
	}
	return matches, nil
}

// Move runs a C-MOVE to destination and returns the final response, whose
// command carries the sub-operation counters.
func (c *Client) Move(ctx context.Context, informationModel, destination string, identifier *dicom.Dataset) (*Response, error) {
	return c.Do(ctx, NewCMoveRequest(informationModel, destination, identifier))
}
