// Package hive connects a gateway to the shared blocklist feed: an
// append-only JetStream subject carrying attack vectors stripped of payload
// text and endpoint data. Every deployment publishes what it confirms and
// merges what the others publish. There is no RPC surface; the feed is the
// only cross-deployment channel.
package hive

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/sirengate/sirengate/pkg/memory"
)

// Share is the wire projection of a confirmed attack. No payload text, no
// target endpoint: only what another gateway needs to recognize the shape.
type Share struct {
	ID         string    `json:"id"`
	Vector     []float32 `json:"vector"`
	AttackType string    `json:"attack_type"`
	Severity   float64   `json:"severity"`
	SharedAt   time.Time `json:"shared_at"`
}

const streamName = "ATTACK_HIVE"

// Feed is the publisher/consumer pair over one JetStream subject. A nil
// Feed is a valid no-op, which is how an unconfigured hive behaves.
type Feed struct {
	nc       *nats.Conn
	js       nats.JetStreamContext
	subject  string
	embedder memory.EmbeddingProvider
	store    *memory.Store
	logger   zerolog.Logger
	sub      *nats.Subscription

	published atomic.Int64
	merged    atomic.Int64
}

// Connect joins the hive at url. An empty url returns a nil Feed.
func Connect(url, subject string, embedder memory.EmbeddingProvider, store *memory.Store, logger zerolog.Logger) (*Feed, error) {
	if url == "" {
		return nil, nil
	}

	f := &Feed{
		subject:  subject,
		embedder: embedder,
		store:    store,
		logger:   logger.With().Str("component", "hive").Logger(),
	}

	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				f.logger.Warn().Err(err).Msg("hive disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			f.logger.Info().Msg("hive reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to hive: %w", err)
	}
	f.nc = nc

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	f.js = js

	streamCfg := &nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		MaxAge:    30 * 24 * time.Hour,
		MaxBytes:  512 * 1024 * 1024,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		if _, updateErr := js.UpdateStream(streamCfg); updateErr != nil {
			nc.Close()
			return nil, fmt.Errorf("creating/updating hive stream: %w", updateErr)
		}
	}

	f.logger.Info().Str("url", url).Str("subject", subject).Msg("joined hive")
	return f, nil
}

// Share publishes the record's projection. The payload is embedded locally
// and only the vector leaves the process.
func (f *Feed) Share(ctx context.Context, rec memory.Record) error {
	if f == nil {
		return nil
	}

	vector, err := f.embedder.Embed(ctx, rec.Payload)
	if err != nil {
		return fmt.Errorf("embedding share: %w", err)
	}

	data, err := json.Marshal(Share{
		ID:         rec.ID,
		Vector:     vector,
		AttackType: rec.AttackType,
		Severity:   rec.Severity,
		SharedAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshaling share: %w", err)
	}

	if _, err := f.js.Publish(f.subject, data); err != nil {
		return fmt.Errorf("publishing share: %w", err)
	}
	f.published.Add(1)
	f.logger.Debug().Str("record_id", rec.ID).Str("attack_type", rec.AttackType).Msg("share published")
	return nil
}

// Listen starts the durable consumer that merges incoming shares into the
// local memory. Malformed messages are dropped, not redelivered.
func (f *Feed) Listen() error {
	if f == nil {
		return nil
	}

	sub, err := f.js.Subscribe(f.subject, func(msg *nats.Msg) {
		var share Share
		if err := json.Unmarshal(msg.Data, &share); err != nil {
			f.logger.Error().Err(err).Msg("malformed hive share")
			_ = msg.Term()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		created, err := f.store.MergeRemote(ctx, share.ID, share.Vector, share.AttackType, share.Severity)
		cancel()
		if err != nil {
			f.logger.Warn().Err(err).Str("share_id", share.ID).Msg("hive merge failed")
			_ = msg.Nak()
			return
		}
		if created {
			f.merged.Add(1)
		}
		_ = msg.Ack()
	}, nats.DeliverNew(), nats.AckExplicit(), nats.Durable("sirengate-hive"))
	if err != nil {
		return fmt.Errorf("subscribing to hive: %w", err)
	}

	f.sub = sub
	return nil
}

// Stats reports feed counters for the status endpoint.
func (f *Feed) Stats() map[string]int64 {
	if f == nil {
		return nil
	}
	return map[string]int64{
		"published": f.published.Load(),
		"merged":    f.merged.Load(),
	}
}

// Connected reports whether the feed currently has a live connection.
func (f *Feed) Connected() bool {
	return f != nil && f.nc != nil && f.nc.IsConnected()
}

// Close unsubscribes and drops the connection.
func (f *Feed) Close() {
	if f == nil {
		return
	}
	if f.sub != nil {
		_ = f.sub.Unsubscribe()
	}
	if f.nc != nil {
		f.nc.Close()
	}
}
