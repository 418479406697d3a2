package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var (
	ErrPublisherNotReady = errors.New("rabbitmq publisher is not connected")
	ErrPublisherClosed   = errors.New("rabbitmq publisher closed")
	ErrPublishNacked     = errors.New("message nacked by broker")
)

type PublisherConfig struct {
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // 0 retries forever
}

// brokerSession is one connection and its confirm-mode producer channel.
type brokerSession interface {
	Publish(exchange, routingKey string, msg amqp.Publishing) error
	Confirms() <-chan amqp.Confirmation
	// NotifyClosed fires once when the connection or the channel goes away.
	NotifyClosed() <-chan *amqp.Error
	Close() error
}

type dialFunc func() (brokerSession, error)

// AMQPPublisher publishes to one durable topic exchange on a confirm-mode channel
// and redials in the background when the broker drops the session.
type AMQPPublisher struct {
	exchange string
	dial     dialFunc
	cfg      PublisherConfig
	logger   *zap.Logger

	mu      sync.Mutex // one in-flight publish per channel so confirms line up
	session brokerSession
	tag     uint64 // delivery tag of the last publish on session
	closed  bool

	done chan struct{}
	wg   sync.WaitGroup
}

// DialAMQPPublisher connects once up front; later connection losses are
// handled by the reconnect loop.
func DialAMQPPublisher(url, exchange string, cfg PublisherConfig, logger *zap.Logger) (*AMQPPublisher, error) {
	return newAMQPPublisher(exchange, func() (brokerSession, error) {
		s, err := dialBroker(url, exchange)
		if err != nil {
			return nil, err
		}
		return s, nil
	}, cfg, logger)
}

func newAMQPPublisher(exchange string, dial dialFunc, cfg PublisherConfig, logger *zap.Logger) (*AMQPPublisher, error) {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	s, err := dial()
	if err != nil {
		return nil, err
	}

	p := &AMQPPublisher{
		exchange: exchange,
		dial:     dial,
		cfg:      cfg,
		logger:   logger,
		session:  s,
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.handleReconnect()

	logger.Info("rabbitmq publisher ready", zap.String("exchange", exchange))
	return p, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if p.session == nil {
		return ErrPublisherNotReady
	}

	err := p.session.Publish(p.exchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	p.tag++
	want := p.tag

	confirms := p.session.Confirms()
	for {
		select {
		case confirm, ok := <-confirms:
			if !ok {
				return errors.New("rabbitmq channel closed before confirm")
			}
			// confirms of publishes that timed out earlier arrive late; skip them
			if confirm.DeliveryTag < want {
				continue
			}
			if !confirm.Ack {
				return ErrPublishNacked
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("publish confirmation: %w", ctx.Err())
		}
	}
}

// Ready reports whether a broker session is currently open.
func (p *AMQPPublisher) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session != nil && !p.closed
}

func (p *AMQPPublisher) handleReconnect() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		s := p.session
		p.mu.Unlock()

		if s != nil {
			select {
			case <-p.done:
				return
			case err := <-s.NotifyClosed():
				p.logger.Error("rabbitmq connection lost, reconnecting", zap.Error(err))
				p.mu.Lock()
				if p.session == s {
					p.session = nil
				}
				p.mu.Unlock()
				s.Close()
			}
		}

		if p.reconnect() {
			continue
		}
		// wait longer before the next round of attempts
		select {
		case <-p.done:
			return
		case <-time.After(2 * p.cfg.ReconnectDelay):
		}
	}
}

func (p *AMQPPublisher) reconnect() bool {
	for attempt := 1; p.cfg.MaxReconnectAttempts == 0 || attempt <= p.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-p.done:
			return false
		case <-time.After(p.cfg.ReconnectDelay):
		}

		s, err := p.dial()
		if err != nil {
			p.logger.Warn("rabbitmq reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			s.Close()
			return false
		}
		p.session = s
		p.tag = 0
		p.mu.Unlock()

		p.logger.Info("rabbitmq reconnected", zap.Int("attempt", attempt))
		return true
	}
	p.logger.Error("max reconnection attempts reached", zap.Int("attempts", p.cfg.MaxReconnectAttempts))
	return false
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	s := p.session
	p.session = nil
	p.mu.Unlock()

	p.wg.Wait()
	if s == nil {
		return nil
	}
	return s.Close()
}

type amqpSession struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	closed   chan *amqp.Error
}

func dialBroker(url, exchange string) (*amqpSession, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open producer channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("producer channel could not be put into confirm mode: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	s := &amqpSession{
		conn:     conn,
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 16)),
		closed:   make(chan *amqp.Error, 1),
	}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		var err *amqp.Error
		select {
		case err = <-connClosed:
		case err = <-chanClosed:
		}
		s.closed <- err
		close(s.closed)
	}()
	return s, nil
}

func (s *amqpSession) Publish(exchange, routingKey string, msg amqp.Publishing) error {
	return s.ch.Publish(exchange, routingKey, false, false, msg)
}

func (s *amqpSession) Confirms() <-chan amqp.Confirmation { return s.confirms }

func (s *amqpSession) NotifyClosed() <-chan *amqp.Error { return s.closed }

func (s *amqpSession) Close() error {
	if s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}
