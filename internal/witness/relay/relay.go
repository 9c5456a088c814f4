// Package relay publishes revision witnesses as nostr events.
//
// Each witness is a kind 1 note signed with the recorder's derived nostr key.
// Its content is the JSON payload and its tags carry the discriminators plus
// the revision selfHash, so anyone holding the event id can fetch it back from
// a relay and check that it attests the revision.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/signer"
	"github.com/officialcmg/echo/internal/witness"
	"go.uber.org/zap"
)

// Medium is the medium name recorded on receipts.
const Medium = "nostr"

// ErrNoRelays is returned when every relay rejected or failed a broadcast.
var ErrNoRelays = errors.New("relay: no relay accepted the event")

// Conn is the subset of a relay connection the broadcaster needs.
type Conn interface {
	Publish(ctx context.Context, ev nostr.Event) error
	QuerySync(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error)
	Close() error
}

// DialFunc opens a connection to one relay URL.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// Dial connects with go-nostr.
func Dial(ctx context.Context, url string) (Conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &relayConn{r: r}, nil
}

type relayConn struct{ r *nostr.Relay }

func (c *relayConn) Publish(ctx context.Context, ev nostr.Event) error { return c.r.Publish(ctx, ev) }

func (c *relayConn) QuerySync(ctx context.Context, f nostr.Filter) ([]*nostr.Event, error) {
	return c.r.QuerySync(ctx, f)
}

func (c *relayConn) Close() error { return c.r.Close() }

// Config configures a Broadcaster.
type Config struct {
	Relays []string
	Key    *signer.NostrKey
	Dial   DialFunc // defaults to Dial
	Now    func() time.Time
}

// Broadcaster implements witness.Broadcaster over a set of nostr relays.
type Broadcaster struct {
	relays []string
	key    *signer.NostrKey
	dial   DialFunc
	now    func() time.Time
	logger *zap.Logger
}

var _ witness.Broadcaster = (*Broadcaster)(nil)

// New creates a Broadcaster. At least one relay and a key are required.
func New(cfg Config, logger *zap.Logger) (*Broadcaster, error) {
	if len(cfg.Relays) == 0 {
		return nil, fmt.Errorf("relay: no relays configured")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("relay: signing key is required")
	}
	if cfg.Dial == nil {
		cfg.Dial = Dial
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broadcaster{
		relays: append([]string(nil), cfg.Relays...),
		key:    cfg.Key,
		dial:   cfg.Dial,
		now:    cfg.Now,
		logger: logger,
	}, nil
}

// ParseRelays splits a comma-separated relay list, dropping blanks and
// duplicates.
func ParseRelays(s string) []string {
	var out []string
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		u := strings.TrimSpace(part)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// Medium implements witness.Broadcaster.
func (b *Broadcaster) Medium() string { return Medium }

// Event builds and signs the witness event for p.
func (b *Broadcaster) Event(p witness.Payload) (nostr.Event, error) {
	tags := nostr.Tags{}
	for _, t := range p.Tags {
		tags = append(tags, nostr.Tag{"t", t})
	}
	tags = append(tags,
		nostr.Tag{"x", string(p.RevisionSelfHash)},
		nostr.Tag{"i", p.ChainID},
	)
	ev := nostr.Event{
		PubKey:    b.key.PublicKeyHex(),
		CreatedAt: nostr.Timestamp(b.now().Unix()),
		Kind:      nostr.KindTextNote,
		Tags:      tags,
		Content:   p.Content(),
	}
	if err := ev.Sign(b.key.SecretHex()); err != nil {
		return nostr.Event{}, fmt.Errorf("sign event: %w", err)
	}
	return ev, nil
}

// Broadcast publishes the witness event to every relay concurrently. It
// succeeds when at least one relay accepts; the event id is the external id.
func (b *Broadcaster) Broadcast(ctx context.Context, p witness.Payload) (string, error) {
	ev, err := b.Event(p)
	if err != nil {
		return "", err
	}

	accepted := b.each(ctx, func(ctx context.Context, url string, c Conn) error {
		return c.Publish(ctx, ev)
	})
	if len(accepted) == 0 {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "", ErrNoRelays
	}
	b.logger.Debug("witness event published",
		zap.String("event_id", ev.ID),
		zap.Strings("relays", accepted),
	)
	return ev.ID, nil
}

// Confirm asks every relay for the event and returns a receipt listing the
// relays that hold a correctly signed copy.
func (b *Broadcaster) Confirm(ctx context.Context, externalID string) (chain.Receipt, error) {
	var (
		mu    sync.Mutex
		found *nostr.Event
	)
	confirmed := b.each(ctx, func(ctx context.Context, url string, c Conn) error {
		events, err := c.QuerySync(ctx, nostr.Filter{IDs: []string{externalID}, Limit: 1})
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ev.ID != externalID {
				continue
			}
			if ok, err := ev.CheckSignature(); err != nil || !ok {
				continue
			}
			mu.Lock()
			if found == nil {
				found = ev
			}
			mu.Unlock()
			return nil
		}
		return witness.ErrNotConfirmed
	})
	if found == nil {
		if err := ctx.Err(); err != nil {
			return chain.Receipt{}, err
		}
		return chain.Receipt{}, fmt.Errorf("%w: %s", witness.ErrNotConfirmed, externalID)
	}

	p, err := witness.ParseContent(found.Content)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("decode witness content: %w", err)
	}
	return chain.Receipt{
		RevisionSelfHash:   p.RevisionSelfHash,
		Medium:             Medium,
		ExternalID:         externalID,
		ConfirmedEndpoints: confirmed,
		ClaimedTimestamp:   found.CreatedAt.Time().UTC(),
	}, nil
}

// each runs fn against every relay in parallel and returns the sorted URLs for
// which it succeeded.
func (b *Broadcaster) each(ctx context.Context, fn func(context.Context, string, Conn) error) []string {
	var (
		mu sync.Mutex
		ok []string
		wg sync.WaitGroup
	)
	for _, url := range b.relays {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			c, err := b.dial(ctx, url)
			if err != nil {
				b.logger.Warn("relay dial failed", zap.String("relay", url), zap.Error(err))
				return
			}
			defer c.Close()
			if err := fn(ctx, url, c); err != nil {
				b.logger.Debug("relay call failed", zap.String("relay", url), zap.Error(err))
				return
			}
			mu.Lock()
			ok = append(ok, url)
			mu.Unlock()
		}(url)
	}
	wg.Wait()
	sort.Strings(ok)
	return ok
}

// Relays returns the configured relay URLs.
func (b *Broadcaster) Relays() []string { return append([]string(nil), b.relays...) }

// Probe opens and closes a connection to url. It satisfies health.Prober.
func (b *Broadcaster) Probe(ctx context.Context, url string) error {
	c, err := b.dial(ctx, url)
	if err != nil {
		return err
	}
	return c.Close()
}
