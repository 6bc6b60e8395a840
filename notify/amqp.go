package notify

import (
	"context"
	"encoding/json"
	"time"

	auth "github.com/goliatone/go-auth-lifecycle"
	goerrors "github.com/goliatone/go-errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes to a broker, *amqp.Channel satisfies it
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// EmailJob is the queue payload consumed by a mail worker
type EmailJob struct {
	Message
	Notice   any       `json:"notice"`
	QueuedAt time.Time `json:"queued_at"`
}

// AMQPSink renders notices and queues them for a mail worker. It
// implements auth.NotificationSink.
type AMQPSink struct {
	publisher Publisher
	renderer  *Renderer
	queue     string
	conn      *amqp.Connection
	channel   *amqp.Channel
	now       func() time.Time
}

var _ auth.NotificationSink = (*AMQPSink)(nil)

// DialAMQP connects to url and declares a durable queue
func DialAMQP(url, queue string, renderer *Renderer) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to connect to amqp broker")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to open amqp channel")
	}

	q, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to declare amqp queue")
	}

	sink := NewAMQPSink(ch, renderer, q.Name)
	sink.conn = conn
	sink.channel = ch
	return sink, nil
}

// NewAMQPSink creates a sink over an open publisher
func NewAMQPSink(publisher Publisher, renderer *Renderer, queue string) *AMQPSink {
	return &AMQPSink{
		publisher: publisher,
		renderer:  renderer,
		queue:     queue,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// SendVerificationEmail implements auth.NotificationSink.
func (s *AMQPSink) SendVerificationEmail(ctx context.Context, notice auth.VerificationNotice) (bool, error) {
	msg, err := s.renderer.Verification(notice)
	if err != nil {
		return false, err
	}
	return s.publish(ctx, msg, notice)
}

// SendWelcomeEmail implements auth.NotificationSink.
func (s *AMQPSink) SendWelcomeEmail(ctx context.Context, notice auth.WelcomeNotice) (bool, error) {
	msg, err := s.renderer.Welcome(notice)
	if err != nil {
		return false, err
	}
	return s.publish(ctx, msg, notice)
}

// Close releases the channel and connection opened by DialAMQP
func (s *AMQPSink) Close() {
	if s.channel != nil {
		_ = s.channel.Close()
	}
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

func (s *AMQPSink) publish(ctx context.Context, msg *Message, notice any) (bool, error) {
	now := s.now()
	body, err := json.Marshal(EmailJob{Message: *msg, Notice: notice, QueuedAt: now})
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode email job")
	}

	err = s.publisher.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Type:         msg.Kind,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
	})
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to publish email job")
	}
	return true, nil
}
