// Package bus provides the instance-scoped redis event bus.
//
// The bus is optional: a den run works entirely through files, and redis only
// adds live delivery on top. Committed state changes are published to the
// events channel for `drey watch`; decision answers arrive on the answers
// channel and are folded back into the den by the inbox.
//
// All channels are namespaced with the instance name so multiple runs can
// share one redis.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dyluth/drey/pkg/den"
)

// EventsChannel returns the Pub/Sub channel name for den events.
// Pattern: drey:{instance}:events
func EventsChannel(instanceName string) string {
	return fmt.Sprintf("drey:%s:events", instanceName)
}

// AnswersChannel returns the Pub/Sub channel name for decision answers.
// Pattern: drey:{instance}:answers
func AnswersChannel(instanceName string) string {
	return fmt.Sprintf("drey:%s:answers", instanceName)
}

// ParseURL turns a redis:// url into connection options.
func ParseURL(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return opts, nil
}

// Answer is the wire form of a decision answer posted over the bus.
type Answer struct {
	DecisionID string `json:"decision_id"`
	Answer     string `json:"answer"`
	AnsweredBy string `json:"answered_by"`
}

// Validate checks the answer carries everything the den needs to apply it.
func (a *Answer) Validate() error {
	if a.DecisionID == "" {
		return fmt.Errorf("decision_id cannot be empty")
	}
	if a.Answer == "" {
		return fmt.Errorf("answer cannot be empty")
	}
	if a.AnsweredBy == "" {
		return fmt.Errorf("answered_by cannot be empty")
	}
	return nil
}

// Client provides instance-scoped bus operations.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
}

// NewClient creates a bus client for the specified instance.
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	return &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
	}, nil
}

// Close closes the redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PublishEvent publishes a den event to drey:{instance}:events.
func (c *Client) PublishEvent(ctx context.Context, ev den.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := c.rdb.Publish(ctx, EventsChannel(c.instanceName), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// PublishAnswer publishes a decision answer to drey:{instance}:answers.
func (c *Client) PublishAnswer(ctx context.Context, a Answer) error {
	if err := a.Validate(); err != nil {
		return fmt.Errorf("invalid answer: %w", err)
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal answer: %w", err)
	}
	if err := c.rdb.Publish(ctx, AnswersChannel(c.instanceName), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish answer: %w", err)
	}
	return nil
}

// EventSubscription represents an active Pub/Sub subscription to den events.
// Caller must call Close() when done to clean up resources.
type EventSubscription struct {
	events <-chan *den.Event
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of den events.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *EventSubscription) Events() <-chan *den.Event {
	return s.events
}

// Errors returns the channel of subscription errors.
// Errors include JSON unmarshaling failures and other non-fatal issues.
// The subscription continues after errors - messages are skipped.
func (s *EventSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times - subsequent calls are no-ops.
func (s *EventSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// AnswerSubscription represents an active Pub/Sub subscription to decision
// answers. Caller must call Close() when done to clean up resources.
type AnswerSubscription struct {
	answers <-chan *Answer
	errors  <-chan error
	cancel  func()
	once    sync.Once
}

// Answers returns the channel of posted answers.
func (s *AnswerSubscription) Answers() <-chan *Answer {
	return s.answers
}

// Errors returns the channel of subscription errors.
func (s *AnswerSubscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
func (s *AnswerSubscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeEvents subscribes to den events for this instance.
// Caller must call subscription.Close() when done.
// Context cancellation also stops the subscription.
//
// Events are delivered on a buffered channel (size 10) to prevent blocking.
// If the subscriber is too slow, events may be dropped by redis Pub/Sub
// (at-most-once delivery).
func (c *Client) SubscribeEvents(ctx context.Context) (*EventSubscription, error) {
	pubsub := c.rdb.Subscribe(ctx, EventsChannel(c.instanceName))

	eventsChan := make(chan *den.Event, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var ev den.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal event: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &ev:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &EventSubscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// SubscribeAnswers subscribes to decision answers for this instance.
// Caller must call subscription.Close() when done.
func (c *Client) SubscribeAnswers(ctx context.Context) (*AnswerSubscription, error) {
	pubsub := c.rdb.Subscribe(ctx, AnswersChannel(c.instanceName))

	answersChan := make(chan *Answer, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(answersChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var a Answer
				if err := json.Unmarshal([]byte(msg.Payload), &a); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal answer: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}
				if err := a.Validate(); err != nil {
					select {
					case errorsChan <- fmt.Errorf("invalid answer on bus: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case answersChan <- &a:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &AnswerSubscription{
		answers: answersChan,
		errors:  errorsChan,
		cancel:  cancelFunc,
	}, nil
}
