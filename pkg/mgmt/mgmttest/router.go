// Package mgmttest provides an in-memory router speaking the management
// request/reply protocol, for tests.
package mgmttest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/EnMasseProject/enmasse-sub000/pkg/mgmt"
)

const RouterEntityType = "org.apache.qpid.dispatch.router"

var ErrDisconnected = errors.New("fake router disconnected")

type Router struct {
	ContainerID string

	mu        sync.Mutex
	entities  map[string]map[string]map[string]any
	mgmtNodes []string
	failures  map[string]int
	busy      map[string]int
	creates   int
	deletes   int
	requests  []mgmt.Message
}

func NewRouter(containerID string) *Router {
	return &Router{
		ContainerID: containerID,
		entities:    make(map[string]map[string]map[string]any),
		failures:    make(map[string]int),
		busy:        make(map[string]int),
	}
}

// Add stores an entity without counting it as a create.
func (r *Router) Add(entityType, name string, attrs map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(entityType, name, attrs)
}

// FailNext makes the next n CREATE or DELETE requests for name fail with 500.
func (r *Router) FailNext(name string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[name] = n
}

// FailQueries makes the next n QUERY requests for entityType fail with 503.
func (r *Router) FailQueries(entityType string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.busy[entityType] = n
}

func (r *Router) SetMgmtNodes(nodes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mgmtNodes = nodes
}

func (r *Router) Entities(entityType string) map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]map[string]any, len(r.entities[entityType]))
	for name, attrs := range r.entities[entityType] {
		out[name] = attrs
	}
	return out
}

func (r *Router) Names(entityType string) []string {
	names := make([]string, 0)
	for name := range r.Entities(entityType) {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *Router) Counts() (creates, deletes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates, r.deletes
}

func (r *Router) ResetCounts() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates, r.deletes = 0, 0
}

func (r *Router) Requests() []mgmt.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.requests)
}

func (r *Router) put(entityType, name string, attrs map[string]any) {
	byName, exists := r.entities[entityType]
	if !exists {
		byName = make(map[string]map[string]any)
		r.entities[entityType] = byName
	}
	stored := make(map[string]any, len(attrs)+1)
	for k, v := range attrs {
		stored[k] = v
	}
	stored["name"] = name
	stored["identity"] = name
	byName[name] = stored
}

func (r *Router) shouldFail(name string) bool {
	if r.failures[name] == 0 {
		return false
	}
	r.failures[name]--
	return true
}

// Handle executes one request and builds its reply.
func (r *Router) Handle(req *mgmt.Message) *mgmt.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, *req)
	resp := &mgmt.Message{
		CorrelationID: req.CorrelationID,
		To:            req.ReplyTo,
	}
	op, _ := req.Properties["operation"].(string)
	entityType, _ := req.Properties["type"].(string)
	name, _ := req.Properties["name"].(string)

	switch mgmt.Operation(op) {
	case mgmt.OperationCreate:
		if r.shouldFail(name) {
			resp.Properties = status(500, "injected failure")
			return resp
		}
		if _, exists := r.entities[entityType][name]; exists {
			resp.Properties = status(400, fmt.Sprintf("%s %s already exists", entityType, name))
			return resp
		}
		attrs, _ := req.Body.(map[string]any)
		r.put(entityType, name, attrs)
		r.creates++
		resp.Properties = status(201, "Created")
		resp.Body = r.entities[entityType][name]
	case mgmt.OperationDelete:
		if r.shouldFail(name) {
			resp.Properties = status(500, "injected failure")
			return resp
		}
		if _, exists := r.entities[entityType][name]; !exists {
			resp.Properties = status(404, fmt.Sprintf("%s %s not found", entityType, name))
			return resp
		}
		delete(r.entities[entityType], name)
		r.deletes++
		resp.Properties = status(204, "No Content")
	case mgmt.OperationQuery:
		queried, _ := req.Properties["entityType"].(string)
		if r.busy[queried] > 0 {
			r.busy[queried]--
			resp.Properties = status(503, "busy")
			return resp
		}
		resp.Properties = status(200, "OK")
		resp.Body = r.query(queried, req.Body)
	case mgmt.OperationGetMgmtNodes:
		nodes := make([]any, 0, len(r.mgmtNodes))
		for _, node := range r.mgmtNodes {
			nodes = append(nodes, node)
		}
		resp.Properties = status(200, "OK")
		resp.Body = nodes
	default:
		resp.Properties = status(501, "Not Implemented: "+op)
	}
	return resp
}

func (r *Router) query(entityType string, body any) map[string]any {
	rows := r.entities[entityType]
	if entityType == RouterEntityType {
		rows = map[string]map[string]any{
			r.ContainerID: {"id": r.ContainerID, "name": r.ContainerID, "identity": r.ContainerID},
		}
	}
	var names []string
	if spec, ok := body.(map[string]any); ok {
		if requested, ok := spec["attributeNames"].([]any); ok {
			for _, n := range requested {
				names = append(names, fmt.Sprint(n))
			}
		}
	}
	if len(names) == 0 {
		seen := make(map[string]struct{})
		for _, attrs := range rows {
			for k := range attrs {
				if _, exists := seen[k]; !exists {
					seen[k] = struct{}{}
					names = append(names, k)
				}
			}
		}
		slices.Sort(names)
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	results := make([]any, 0, len(rows))
	for _, key := range keys {
		row := make([]any, 0, len(names))
		for _, n := range names {
			row = append(row, rows[key][n])
		}
		results = append(results, row)
	}
	attributeNames := make([]any, 0, len(names))
	for _, n := range names {
		attributeNames = append(attributeNames, n)
	}
	return map[string]any{
		"attributeNames": attributeNames,
		"results":        results,
	}
}

func status(code int, description string) map[string]any {
	return map[string]any{
		"statusCode":        int32(code),
		"statusDescription": description,
	}
}

// Link connects a management client to the router. Replies are queued so
// Send never blocks on a slow reader.
type Link struct {
	router *Router

	mu      sync.Mutex
	replies []*mgmt.Message
	notify  chan struct{}
	gate    chan struct{}
	closed  chan struct{}
	once    sync.Once
	err     error
}

var _ mgmt.Link = (*Link)(nil)

// NewLink returns a link whose reply address is assigned immediately.
func (r *Router) NewLink() *Link {
	l := r.NewGatedLink()
	l.Open()
	return l
}

// NewGatedLink returns a link whose Attach blocks until Open is called.
func (r *Router) NewGatedLink() *Link {
	return &Link{
		router: r,
		notify: make(chan struct{}, 1),
		gate:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (l *Link) Open() {
	select {
	case <-l.gate:
	default:
		close(l.gate)
	}
}

func (l *Link) Attach(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-l.closed:
		return "", l.closeErr()
	case <-l.gate:
	}
	return "reply-" + l.router.ContainerID, nil
}

func (l *Link) Send(ctx context.Context, msg *mgmt.Message) error {
	select {
	case <-l.closed:
		return l.closeErr()
	default:
	}
	resp := l.router.Handle(msg)
	l.mu.Lock()
	l.replies = append(l.replies, resp)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// Inject queues an arbitrary reply, e.g. one with an unknown correlation id.
func (l *Link) Inject(msg *mgmt.Message) {
	l.mu.Lock()
	l.replies = append(l.replies, msg)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Link) Receive(ctx context.Context) (*mgmt.Message, error) {
	for {
		l.mu.Lock()
		if len(l.replies) != 0 {
			msg := l.replies[0]
			l.replies = l.replies[1:]
			l.mu.Unlock()
			return msg, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-l.closed:
			return nil, l.closeErr()
		case <-l.notify:
		}
	}
}

// Disconnect simulates the transport being lost.
func (l *Link) Disconnect() {
	l.shutdown(ErrDisconnected)
}

func (l *Link) Close() error {
	l.shutdown(mgmt.ErrClosed)
	return nil
}

func (l *Link) shutdown(err error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.closed)
	})
}

func (l *Link) closeErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
