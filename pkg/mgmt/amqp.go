package mgmt

import (
	"context"
	"crypto/tls"
	"fmt"

	amqp "github.com/Azure/go-amqp"
)

type AMQPOptions struct {
	ContainerID string
	Properties  map[string]any
	TLSConfig   *tls.Config
}

// AMQPLink carries management traffic over an AMQP 1.0 connection.
type AMQPLink struct {
	conn     *amqp.Conn
	session  *amqp.Session
	sender   *amqp.Sender
	receiver *amqp.Receiver
}

var _ Link = (*AMQPLink)(nil)

func DialAMQP(ctx context.Context, addr string, opts AMQPOptions) (*AMQPLink, error) {
	scheme := "amqp"
	if opts.TLSConfig != nil {
		scheme = "amqps"
	}
	conn, err := amqp.Dial(ctx, fmt.Sprintf("%s://%s", scheme, addr), &amqp.ConnOptions{
		ContainerID: opts.ContainerID,
		Properties:  opts.Properties,
		SASLType:    amqp.SASLTypeAnonymous(),
		TLSConfig:   opts.TLSConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	session, err := conn.NewSession(ctx, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open session to %s: %w", addr, err)
	}
	// Anonymous sender: every message is routed by its To property, so
	// clients for other management nodes share the link.
	sender, err := session.NewSender(ctx, "", nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open management sender to %s: %w", addr, err)
	}
	return &AMQPLink{
		conn:    conn,
		session: session,
		sender:  sender,
	}, nil
}

func (l *AMQPLink) Attach(ctx context.Context) (string, error) {
	receiver, err := l.session.NewReceiver(ctx, "", &amqp.ReceiverOptions{
		DynamicAddress: true,
		Credit:         100,
	})
	if err != nil {
		return "", fmt.Errorf("failed to open dynamic receiver: %w", err)
	}
	l.receiver = receiver
	return receiver.Address(), nil
}

func (l *AMQPLink) Send(ctx context.Context, msg *Message) error {
	return l.sender.Send(ctx, toAMQP(msg), nil)
}

func (l *AMQPLink) Receive(ctx context.Context) (*Message, error) {
	if l.receiver == nil {
		return nil, fmt.Errorf("receiver is not attached")
	}
	raw, err := l.receiver.Receive(ctx, nil)
	if err != nil {
		return nil, err
	}
	err = l.receiver.AcceptMessage(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to accept reply: %w", err)
	}
	return fromAMQP(raw), nil
}

func (l *AMQPLink) Close() error {
	return l.conn.Close()
}

func toAMQP(msg *Message) *amqp.Message {
	props := &amqp.MessageProperties{
		CorrelationID: msg.CorrelationID,
	}
	if msg.To != "" {
		props.To = &msg.To
	}
	if msg.ReplyTo != "" {
		props.ReplyTo = &msg.ReplyTo
	}
	if msg.Subject != "" {
		props.Subject = &msg.Subject
	}
	return &amqp.Message{
		Properties:            props,
		ApplicationProperties: msg.Properties,
		Value:                 msg.Body,
	}
}

func fromAMQP(raw *amqp.Message) *Message {
	msg := &Message{
		Properties: raw.ApplicationProperties,
		Body:       raw.Value,
	}
	if msg.Body == nil && len(raw.Data) != 0 {
		msg.Body = raw.GetData()
	}
	if raw.Properties != nil {
		if raw.Properties.CorrelationID != nil {
			msg.CorrelationID = AttributeString(raw.Properties.CorrelationID)
		}
		if raw.Properties.To != nil {
			msg.To = *raw.Properties.To
		}
		if raw.Properties.ReplyTo != nil {
			msg.ReplyTo = *raw.Properties.ReplyTo
		}
		if raw.Properties.Subject != nil {
			msg.Subject = *raw.Properties.Subject
		}
	}
	return msg
}
