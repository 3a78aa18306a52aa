package mgmt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type reply struct {
	msg *Message
	err error
}

type tracking struct {
	sent                uint64
	received            uint64
	unexpectedResponses uint64
}

// connection is the state shared by every logical client multiplexed over one link.
type connection struct {
	name string
	link Link
	log  zerolog.Logger

	attached chan struct{}
	closed   chan struct{}

	mu       sync.Mutex
	replyTo  string
	counter  uint64
	handlers map[string]chan reply
	pending  []*Message
	closeErr error
	tracking tracking
}

// Client issues management requests to one management node. Clients created
// through Peers share the physical link of the client they were derived from.
type Client struct {
	conn   *connection
	target string
}

func NewClient(name string, link Link) *Client {
	return &Client{
		conn: &connection{
			name:     name,
			link:     link,
			log:      log.With().Str("component", "mgmt").Str("conn", name).Logger(),
			handlers: make(map[string]chan reply),
			attached: make(chan struct{}),
			closed:   make(chan struct{}),
		},
		target: ManagementAddress,
	}
}

func (c *Client) Name() string {
	return c.conn.name
}

func (c *Client) Target() string {
	return c.target
}

// Run attaches the reply receiver, flushes requests queued before the reply
// address was known and dispatches replies until the link fails or ctx is done.
// Every outstanding request fails when Run returns.
func (c *Client) Run(ctx context.Context) error {
	conn := c.conn
	replyTo, err := conn.link.Attach(ctx)
	if err != nil {
		err = fmt.Errorf("failed to attach reply receiver: %w", err)
		conn.abort(err)
		return err
	}
	err = conn.ready(ctx, replyTo)
	if err != nil {
		conn.abort(err)
		return err
	}
	for {
		msg, err := conn.link.Receive(ctx)
		if err != nil {
			err = fmt.Errorf("failed to receive management reply: %w", err)
			conn.abort(err)
			return err
		}
		conn.dispatch(msg)
	}
}

// WaitAttached blocks until the reply receiver is attached. It fails once the
// connection is closed.
func (c *Client) WaitAttached(ctx context.Context) error {
	select {
	case <-c.conn.attached:
		return nil
	case <-c.conn.closed:
		c.conn.mu.Lock()
		defer c.conn.mu.Unlock()
		return c.conn.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Ready() bool {
	c.conn.mu.Lock()
	defer c.conn.mu.Unlock()
	return c.conn.replyTo != "" && c.conn.closeErr == nil
}

func (c *Client) Close() error {
	c.conn.abort(ErrClosed)
	return c.conn.link.Close()
}

// Request sends one management request and waits for the correlated reply.
// There is no timeout besides ctx: a lost link fails the request through Run.
func (c *Client) Request(ctx context.Context, op Operation, props map[string]any, body any) (*Result, error) {
	appProps := make(map[string]any, len(props)+1)
	for k, v := range props {
		appProps[k] = v
	}
	appProps[propOperation] = string(op)

	ch, id, err := c.conn.enqueue(ctx, &Message{
		To:         c.target,
		Properties: appProps,
		Body:       body,
	}, c.target)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		c.conn.forget(id)
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return resultFromMessage(r.msg)
	}
}

func (c *Client) Query(ctx context.Context, entityType string, attributeNames ...string) ([]Record, error) {
	names := make([]any, 0, len(attributeNames))
	for _, name := range attributeNames {
		names = append(names, name)
	}
	res, err := c.Request(ctx, OperationQuery,
		map[string]any{propEntityType: entityType},
		map[string]any{"attributeNames": names},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", entityType, err)
	}
	if res.Records == nil && res.Body != nil {
		if _, isMap := toStringMap(res.Body); !isMap {
			return nil, fmt.Errorf("%w: unexpected query body for %s: %v", ErrMalformed, entityType, res.Body)
		}
	}
	return res.Records, nil
}

func (c *Client) CreateEntity(ctx context.Context, entityType, name string, attributes map[string]any) error {
	if attributes == nil {
		attributes = map[string]any{}
	}
	_, err := c.Request(ctx, OperationCreate,
		map[string]any{propType: entityType, propName: name},
		attributes,
	)
	if err != nil {
		return fmt.Errorf("failed to create %s %s: %w", entityType, name, err)
	}
	return nil
}

func (c *Client) DeleteEntity(ctx context.Context, entityType, name string) error {
	_, err := c.Request(ctx, OperationDelete,
		map[string]any{propType: entityType, propName: name},
		map[string]any{},
	)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entityType, name, err)
	}
	return nil
}

// GetMgmtNodes lists the management addresses of the peers reachable through
// the physical connection.
func (c *Client) GetMgmtNodes(ctx context.Context) ([]string, error) {
	res, err := c.Request(ctx, OperationGetMgmtNodes, nil, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("failed to get management nodes: %w", err)
	}
	items, ok := toSlice(res.Body)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected management node list: %v", ErrMalformed, res.Body)
	}
	nodes := make([]string, 0, len(items))
	for _, item := range items {
		nodes = append(nodes, AttributeString(item))
	}
	return nodes, nil
}

// Peers returns one logical client per management node, keeping clients from
// current whose node is still reported.
func (c *Client) Peers(ctx context.Context, current []*Client) ([]*Client, error) {
	nodes, err := c.GetMgmtNodes(ctx)
	if err != nil {
		return nil, err
	}
	remaining := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		remaining[node] = struct{}{}
	}
	peers := make([]*Client, 0, len(nodes))
	for _, existing := range current {
		if _, exists := remaining[existing.target]; !exists {
			continue
		}
		delete(remaining, existing.target)
		peers = append(peers, existing)
	}
	for _, node := range nodes {
		if _, exists := remaining[node]; !exists {
			continue
		}
		peers = append(peers, &Client{conn: c.conn, target: node})
	}
	return peers, nil
}

// Stats is a snapshot of the connection's request tracking.
type Stats struct {
	Handlers            int
	Pending             int
	Sent                uint64
	Received            uint64
	UnexpectedResponses uint64
	Ready               bool
}

func (c *Client) Stats() Stats {
	conn := c.conn
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return Stats{
		Handlers:            len(conn.handlers),
		Pending:             len(conn.pending),
		Sent:                conn.tracking.sent,
		Received:            conn.tracking.received,
		UnexpectedResponses: conn.tracking.unexpectedResponses,
		Ready:               conn.replyTo != "" && conn.closeErr == nil,
	}
}

func (c *Client) LogInfo() {
	stats := c.Stats()
	c.conn.log.Info().Msgf(
		"handlers: %d, requests pending: %d, requests sent: %d, responses received: %d, unexpected responses: %d, ready: %t",
		stats.Handlers,
		stats.Pending,
		stats.Sent,
		stats.Received,
		stats.UnexpectedResponses,
		stats.Ready,
	)
}

func (conn *connection) enqueue(ctx context.Context, msg *Message, target string) (chan reply, string, error) {
	conn.mu.Lock()
	if conn.closeErr != nil {
		err := conn.closeErr
		conn.mu.Unlock()
		return nil, "", err
	}
	id := target + strconv.FormatUint(conn.counter, 10)
	conn.counter++
	msg.CorrelationID = id

	ch := make(chan reply, 1)
	conn.handlers[id] = ch

	if conn.replyTo == "" || len(conn.pending) != 0 {
		conn.pending = append(conn.pending, msg)
		conn.mu.Unlock()
		return ch, id, nil
	}
	msg.ReplyTo = conn.replyTo
	conn.tracking.sent++
	conn.mu.Unlock()

	err := conn.link.Send(ctx, msg)
	if err != nil {
		conn.forget(id)
		return nil, "", fmt.Errorf("failed to send %s request: %w", msg.Properties[propOperation], err)
	}
	conn.log.Debug().Msgf("sent: %s %v", id, msg.Properties)
	return ch, id, nil
}

// ready records the reply address and flushes queued requests in issue order.
func (conn *connection) ready(ctx context.Context, replyTo string) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	conn.log.Info().Msgf("management link ready, reply address %s", replyTo)
	conn.replyTo = replyTo
	for len(conn.pending) != 0 {
		msg := conn.pending[0]
		msg.ReplyTo = replyTo
		err := conn.link.Send(ctx, msg)
		if err != nil {
			return fmt.Errorf("failed to send queued request %s: %w", msg.CorrelationID, err)
		}
		conn.pending = conn.pending[1:]
		conn.tracking.sent++
	}
	conn.pending = nil
	select {
	case <-conn.attached:
	default:
		close(conn.attached)
	}
	return nil
}

func (conn *connection) dispatch(msg *Message) {
	conn.mu.Lock()
	conn.tracking.received++
	ch, exists := conn.handlers[msg.CorrelationID]
	if exists {
		delete(conn.handlers, msg.CorrelationID)
	} else {
		conn.tracking.unexpectedResponses++
	}
	conn.mu.Unlock()

	if !exists {
		conn.log.Warn().Msgf("unexpected response: %s [%v]", msg.CorrelationID, msg.Properties)
		return
	}
	ch <- reply{msg: msg}
}

func (conn *connection) forget(id string) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	delete(conn.handlers, id)
}

// abort fails every outstanding request and drops the pending queue.
func (conn *connection) abort(cause error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.closeErr == nil {
		if errors.Is(cause, ErrClosed) {
			conn.closeErr = cause
		} else {
			conn.closeErr = fmt.Errorf("%w: %w", ErrClosed, cause)
		}
		close(conn.closed)
	}
	if len(conn.handlers) != 0 || len(conn.pending) != 0 {
		conn.log.Info().Msgf("aborting %d pending requests: %v", len(conn.handlers), cause)
	}
	for id, ch := range conn.handlers {
		ch <- reply{err: conn.closeErr}
		delete(conn.handlers, id)
	}
	conn.pending = nil
	conn.replyTo = ""
}
