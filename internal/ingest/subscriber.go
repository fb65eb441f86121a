// Package ingest consumes SecurityEvents published on NATS by other backends and
// runs them through the detection pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/Wikid82/bookguard/internal/cerberus"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/metrics"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/util"
	"github.com/Wikid82/bookguard/internal/version"
)

const defaultHandleTimeout = 10 * time.Second

// Ingester is the part of Cerberus the subscriber drives.
type Ingester interface {
	Ingest(ctx context.Context, ev *models.SecurityEvent) (*cerberus.IngestResult, error)
}

// Reply is sent back when a publisher used request/reply.
type Reply struct {
	EventID   string   `json:"event_id,omitempty"`
	Incidents []string `json:"incidents,omitempty"`
	Anomalies int      `json:"anomalies"`
	Error     string   `json:"error,omitempty"`
}

// Connect dials NATS with reconnects enabled and connection state logged.
func Connect(cfg config.NATSConfig) (*nats.Conn, error) {
	log := logger.Component("nats")
	nc, err := nats.Connect(cfg.URL,
		nats.Name(version.UserAgent()),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("reconnected to NATS")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}

// Subscriber is a queue-group consumer so several BookGuard replicas share the stream.
type Subscriber struct {
	nc       *nats.Conn
	ingester Ingester
	subject  string
	queue    string
	timeout  time.Duration
	sub      *nats.Subscription
}

func NewSubscriber(nc *nats.Conn, ingester Ingester, cfg config.NATSConfig) *Subscriber {
	return &Subscriber{
		nc:       nc,
		ingester: ingester,
		subject:  cfg.Subject,
		queue:    cfg.Queue,
		timeout:  defaultHandleTimeout,
	}
}

// Start subscribes. Messages are handled on the connection's dispatch goroutine.
func (s *Subscriber) Start() error {
	if s.sub != nil {
		return errors.New("ingest: subscriber already started")
	}
	sub, err := s.nc.QueueSubscribe(s.subject, s.queue, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	logger.Component("ingest").WithFields(logrus.Fields{
		"subject": s.subject,
		"queue":   s.queue,
	}).Info("consuming security events")
	return nil
}

// Stop drains in-flight messages and unsubscribes.
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	err := s.sub.Drain()
	s.sub = nil
	return err
}

func (s *Subscriber) handle(msg *nats.Msg) {
	log := logger.Component("ingest").WithField("subject", msg.Subject)

	var ev models.SecurityEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		metrics.IncIngestMessage("invalid")
		log.WithError(err).Warn("discarding undecodable event")
		s.reply(msg, Reply{Error: "invalid event payload"})
		return
	}
	if ev.EventType == "" {
		metrics.IncIngestMessage("invalid")
		log.Warn("discarding event without event_type")
		s.reply(msg, Reply{Error: "event_type is required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	res, err := s.ingester.Ingest(ctx, &ev)
	if err != nil {
		metrics.IncIngestMessage("error")
		log.WithError(err).WithField("event_type", util.SanitizeForLog(string(ev.EventType))).Error("failed to ingest event")
		s.reply(msg, Reply{Error: "ingest failed"})
		return
	}
	metrics.IncIngestMessage("ok")

	out := Reply{EventID: res.Event.ID, Anomalies: len(res.Anomalies)}
	for _, inc := range res.Incidents {
		out.Incidents = append(out.Incidents, inc.ID)
	}
	s.reply(msg, out)
}

func (s *Subscriber) reply(msg *nats.Msg, r Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		logger.Component("ingest").WithError(err).Debug("reply not delivered")
	}
}

// Publish sends ev to subject. Producers in other services use the same encoding.
func Publish(nc *nats.Conn, subject string, ev *models.SecurityEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nc.Publish(subject, data)
}

// Request publishes ev and waits for the consumer's Reply.
func Request(nc *nats.Conn, subject string, ev *models.SecurityEvent, timeout time.Duration) (*Reply, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	msg, err := nc.Request(subject, data, timeout)
	if err != nil {
		return nil, err
	}
	var r Reply
	if err := json.Unmarshal(msg.Data, &r); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &r, nil
}
