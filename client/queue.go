package client

import "sync"

// RequestQueue is the FIFO of requests waiting to be sent. It is shared by
// the client and every state and outlives runs.
type RequestQueue struct {
	mu       sync.Mutex
	requests []*Request
}

// NewRequestQueue creates an empty queue.
func NewRequestQueue() *RequestQueue {
	return &RequestQueue{}
}

// Enqueue appends requests in order.
func (q *RequestQueue) Enqueue(reqs ...*Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, reqs...)
}

// TryDequeue removes the oldest request.
func (q *RequestQueue) TryDequeue() (*Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.requests) == 0 {
		return nil, false
	}
	req := q.requests[0]
	q.requests[0] = nil
	q.requests = q.requests[1:]
	return req, true
}

// Len returns the number of queued requests.
func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// Snapshot returns the queued requests without removing them.
func (q *RequestQueue) Snapshot() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	snapshot := make([]*Request, len(q.requests))
	copy(snapshot, q.requests)
	return snapshot
}

// Requeue puts requests back at the head of the queue, keeping their order.
func (q *RequestQueue) Requeue(reqs ...*Request) {
	if len(reqs) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(append(make([]*Request, 0, len(reqs)+len(q.requests)), reqs...), q.requests...)
}

// Remove takes req out of the queue and reports whether it was queued.
func (q *RequestQueue) Remove(req *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, queued := range q.requests {
		if queued == req {
			q.requests = append(q.requests[:i], q.requests[i+1:]...)
			return true
		}
	}
	return false
}

// Drain removes and returns every queued request.
func (q *RequestQueue) Drain() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	reqs := q.requests
	q.requests = nil
	return reqs
}
