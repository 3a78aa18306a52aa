package mgmt

import (
	"context"
	"errors"
	"fmt"
)

type Operation string

const (
	OperationCreate       Operation = "CREATE"
	OperationDelete       Operation = "DELETE"
	OperationQuery        Operation = "QUERY"
	OperationGetMgmtNodes Operation = "GET-MGMT-NODES"
)

// ManagementAddress is the well known address of a router's management node.
const ManagementAddress = "$management"

const (
	propOperation         = "operation"
	propType              = "type"
	propName              = "name"
	propEntityType        = "entityType"
	propStatusCode        = "statusCode"
	propStatusDescription = "statusDescription"
)

var (
	ErrClosed    = errors.New("management connection closed")
	ErrNotReady  = errors.New("management connection not ready")
	ErrMalformed = errors.New("malformed management response")
)

// Message is the transport independent form of a management request or reply.
type Message struct {
	CorrelationID string
	To            string
	ReplyTo       string
	Subject       string
	Properties    map[string]any
	Body          any
}

// Link is one physical connection to a management endpoint: one sender towards
// the management address and one receiver with a dynamically assigned address.
type Link interface {
	// Attach blocks until the peer has assigned the reply address.
	Attach(ctx context.Context) (string, error)
	Send(ctx context.Context, msg *Message) error
	Receive(ctx context.Context) (*Message, error)
	Close() error
}

type StatusError struct {
	Code        int
	Description string
	Body        any
}

func (e *StatusError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("management request failed with status %d", e.Code)
	}
	return fmt.Sprintf("management request failed with status %d: %s", e.Code, e.Description)
}

func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code == code
	}
	return false
}

// Result is a successful reply.
type Result struct {
	StatusCode        int
	StatusDescription string
	Records           []Record
	Body              any
}

func resultFromMessage(msg *Message) (*Result, error) {
	rawCode, exists := msg.Properties[propStatusCode]
	if !exists {
		return nil, fmt.Errorf("%w: no status code in reply %s", ErrMalformed, msg.CorrelationID)
	}
	code, ok := toInt(rawCode)
	if !ok {
		return nil, fmt.Errorf("%w: status code %v is not a number", ErrMalformed, rawCode)
	}
	description, _ := msg.Properties[propStatusDescription].(string)
	if code < 200 || code >= 300 {
		return nil, &StatusError{
			Code:        code,
			Description: description,
			Body:        msg.Body,
		}
	}
	return &Result{
		StatusCode:        code,
		StatusDescription: description,
		Records:           ExtractRecords(msg.Body),
		Body:              msg.Body,
	}, nil
}
