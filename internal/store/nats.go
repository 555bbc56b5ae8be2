package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/shpitdev/gmaps-lead-pipeline/internal/listing"
	"github.com/shpitdev/gmaps-lead-pipeline/pkg/pipeline/core"
)

// LeadMessage is the JSON body published for each enriched listing.
type LeadMessage struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Rating      *float64  `json:"rating,omitempty"`
	ReviewCount *int      `json:"review_count,omitempty"`
	Category    string    `json:"category,omitempty"`
	Address     string    `json:"address,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Website     string    `json:"website,omitempty"`
	PlaceURL    string    `json:"place_url,omitempty"`
	Latitude    *float64  `json:"latitude,omitempty"`
	Longitude   *float64  `json:"longitude,omitempty"`
	SourceID    string    `json:"source_id,omitempty"`
	Emails      []string  `json:"emails"`
	EmailStatus string    `json:"email_status,omitempty"`
	ExtractedAt time.Time `json:"extracted_at,omitzero"`
}

func NewLeadMessage(e listing.Enriched) LeadMessage {
	emails := e.Emails
	if emails == nil {
		emails = []string{}
	}
	return LeadMessage{
		Key:         DedupKey(e.Record),
		Name:        e.Name,
		Rating:      e.Rating,
		ReviewCount: e.ReviewCount,
		Category:    e.Category,
		Address:     e.Address,
		Phone:       e.Phone,
		Website:     e.Website,
		PlaceURL:    e.PlaceURL,
		Latitude:    e.Latitude,
		Longitude:   e.Longitude,
		SourceID:    e.SourceID,
		Emails:      emails,
		EmailStatus: e.EmailStatus,
		ExtractedAt: e.ExtractedAt,
	}
}

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publisher is the subset of *nats.Conn the sink uses.
type Publisher interface {
	PublishMsg(m *nats.Msg) error
	FlushWithContext(ctx context.Context) error
}

// NATSSink publishes one message per enriched listing. Messages carry the dedup key as
// Nats-Msg-Id so a JetStream stream drops replays.
type NATSSink struct {
	pub        Publisher
	subject    string
	propagator propagation.TextMapPropagator
	close      func()
}

var _ core.Sink[listing.Enriched] = (*NATSSink)(nil)

// ConnectNATS dials url and returns a sink publishing to subject.
func ConnectNATS(url, subject string, opts ...nats.Option) (*NATSSink, error) {
	opts = append([]nats.Option{nats.Name("leadpipe")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	s := NewNATSSink(nc, subject)
	s.close = nc.Close
	return s, nil
}

// NewNATSSink uses the global OTel propagator; see WithPropagator.
func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

func (s *NATSSink) WithPropagator(p propagation.TextMapPropagator) *NATSSink {
	s.propagator = p
	return s
}

func (s *NATSSink) Store(ctx context.Context, rows []listing.Enriched) error {
	prop := s.propagator
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	for _, e := range rows {
		msg, err := s.message(ctx, prop, e)
		if err != nil {
			return err
		}
		if err := s.pub.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish %q: %w", e.Name, err)
		}
	}
	if len(rows) == 0 {
		return nil
	}
	return s.pub.FlushWithContext(ctx)
}

func (s *NATSSink) message(ctx context.Context, prop propagation.TextMapPropagator, e listing.Enriched) (*nats.Msg, error) {
	body := NewLeadMessage(e)
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	msg := &nats.Msg{Subject: s.subject, Data: data, Header: nats.Header{}}
	msg.Header.Set(nats.MsgIdHdr, body.Key)
	prop.Inject(ctx, (*natsHeaderCarrier)(msg))
	return msg, nil
}

func (s *NATSSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
