package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

const (
	readyQueue  = "mailsched.ready"
	delayPrefix = "mailsched.delay"
)

type amqpEntry struct {
	JobID int64     `json:"job_id"`
	DueAt time.Time `json:"due_at"`
}

// delayTier is one fixed-TTL holding queue. Every message in a tier
// carries the same queue-level TTL, so expiry is FIFO and a long delay can
// never block a short one behind it, which per-message TTLs on a single
// queue would allow (RabbitMQ only expires from the head of a queue).
type delayTier struct {
	queue string
	ttl   time.Duration
}

var delayTiers = []delayTier{
	{delayPrefix + ".1s", time.Second},
	{delayPrefix + ".5s", 5 * time.Second},
	{delayPrefix + ".15s", 15 * time.Second},
	{delayPrefix + ".1m", time.Minute},
	{delayPrefix + ".5m", 5 * time.Minute},
	{delayPrefix + ".15m", 15 * time.Minute},
	{delayPrefix + ".1h", time.Hour},
}

// tierFor picks the largest tier that does not exceed the delay, so an
// entry never surfaces later than one finest-tier width past its due
// time. A delay below the finest tier rides it anyway. Coarse tiers make
// an entry surface early instead; Next parks those again for the
// remainder.
func tierFor(delay time.Duration) delayTier {
	chosen := delayTiers[0]
	for _, tier := range delayTiers {
		if tier.ttl <= delay {
			chosen = tier
		}
	}
	return chosen
}

// AMQPScheduler is the RabbitMQ-backed delay queue for multi-process
// deployments. Not-yet-due entries sit in fixed-TTL tier queues that
// dead-letter into the ready queue; consuming with manual ack gives the
// lease its visibility timeout for free (an unacked delivery returns to
// the broker if the worker dies). An entry whose delay outruns its tier
// hops: it re-enters a smaller tier on arrival until it is due.
type AMQPScheduler struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	now     func() time.Time

	consumeOnce sync.Once
	consumeErr  error
	deliveries  <-chan amqp.Delivery
}

// NewAMQPScheduler dials the broker and declares the ready queue plus the
// delay tier topology.
func NewAMQPScheduler(url string, prefetch int) (*AMQPScheduler, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	teardown := func(err error) (*AMQPScheduler, error) {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if _, err := ch.QueueDeclare(
		readyQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return teardown(err)
	}

	for _, tier := range delayTiers {
		if _, err := ch.QueueDeclare(
			tier.queue,
			true,
			false,
			false,
			false,
			amqp.Table{
				"x-message-ttl":             tier.ttl.Milliseconds(),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": readyQueue,
			},
		); err != nil {
			return teardown(err)
		}
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			return teardown(err)
		}
	}

	return &AMQPScheduler{conn: conn, channel: ch, now: time.Now}, nil
}

func (s *AMQPScheduler) Schedule(jobID int64, dueAt time.Time) error {
	body, err := json.Marshal(amqpEntry{JobID: jobID, DueAt: dueAt})
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}

	delay := dueAt.Sub(s.now())
	if delay <= 0 {
		return s.channel.Publish("", readyQueue, false, false, pub)
	}
	return s.channel.Publish("", tierFor(delay).queue, false, false, pub)
}

func (s *AMQPScheduler) Next(ctx context.Context) (*Delivery, error) {
	s.consumeOnce.Do(func() {
		msgs, err := s.channel.Consume(
			readyQueue,
			"",
			false, // manual ack; the unacked delivery is the lease
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			s.consumeErr = err
			return
		}
		s.deliveries = msgs
	})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg, ok := <-s.deliveries:
			if !ok {
				return nil, amqp.ErrClosed
			}
			var e amqpEntry
			if err := json.Unmarshal(msg.Body, &e); err != nil {
				// Undecodable entries can never resolve; drop them.
				_ = msg.Ack(false)
				return nil, fmt.Errorf("decode scheduler entry: %w", err)
			}
			if remaining := e.DueAt.Sub(s.now()); remaining > delayTiers[0].ttl {
				// Surfaced early from a coarse tier; park it for the rest.
				if err := s.Schedule(e.JobID, e.DueAt); err != nil {
					_ = msg.Nack(false, true)
					return nil, err
				}
				_ = msg.Ack(false)
				continue
			}
			return &Delivery{
				JobID: e.JobID,
				DueAt: e.DueAt,
				complete: func() error {
					return msg.Ack(false)
				},
				reschedule: func(t time.Time) error {
					if err := s.Schedule(e.JobID, t); err != nil {
						return err
					}
					return msg.Ack(false)
				},
			}, nil
		}
	}
}

func (s *AMQPScheduler) Close() error {
	if err := s.channel.Close(); err != nil {
		_ = s.conn.Close()
		return err
	}
	return s.conn.Close()
}

var _ DelayScheduler = (*AMQPScheduler)(nil)
