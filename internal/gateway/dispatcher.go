package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marigold-events/wedding-gateway/internal/channel"
	"github.com/marigold-events/wedding-gateway/internal/domain"
	"github.com/marigold-events/wedding-gateway/internal/phone"
)

const (
	// DefaultBatchSize is the number of recipients sent concurrently per
	// batch.
	DefaultBatchSize = 5

	// DefaultPacing is the delay inserted between batches to stay under
	// provider rate limits.
	DefaultPacing = time.Second
)

// GuestStore resolves a tenant's recipient list, optionally filtered by
// RSVP status.
type GuestStore interface {
	GuestsByEvent(ctx context.Context, eventID int64, filter *domain.RSVPStatus) ([]domain.Guest, error)
}

// Dispatcher performs bulk, rate-limited, partially-failable sends to a
// tenant's guest list.
type Dispatcher struct {
	registry   *Registry
	guests     GuestStore
	normalizer *phone.Normalizer
	batchSize  int
	pacing     time.Duration
	log        *slog.Logger
}

// NewDispatcher creates a dispatcher. Zero batchSize and pacing fall back
// to the defaults.
func NewDispatcher(registry *Registry, guests GuestStore, normalizer *phone.Normalizer, batchSize int, pacing time.Duration, logger *slog.Logger) *Dispatcher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if pacing <= 0 {
		pacing = DefaultPacing
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry:   registry,
		guests:     guests,
		normalizer: normalizer,
		batchSize:  batchSize,
		pacing:     pacing,
		log:        logger,
	}
}

// recipient is a guest with a usable, normalized address.
type recipient struct {
	guest   domain.Guest
	address string
}

// SendBulk resolves the tenant's recipients, personalizes template per
// recipient, and sends in fixed-size concurrent batches with pacing in
// between. Individual failures are recorded as outcomes and never abort
// the remaining batches. Cancellation is honored between batches, never
// mid-batch; on cancellation the report covers the batches that completed.
func (d *Dispatcher) SendBulk(ctx context.Context, eventID int64, template string, filter *domain.RSVPStatus) (*domain.BulkReport, error) {
	client, err := d.registry.GetClient(ctx, eventID)
	if err != nil {
		return nil, err
	}

	guests, err := d.guests.GuestsByEvent(ctx, eventID, filter)
	if err != nil {
		return nil, err
	}

	recipients := make([]recipient, 0, len(guests))
	for _, g := range guests {
		addr, err := d.normalizer.Normalize(g.Phone)
		if err != nil {
			d.log.Debug("skipping guest without usable address",
				slog.Int64("guest_id", g.ID), slog.Int64("event_id", eventID))
			continue
		}
		recipients = append(recipients, recipient{guest: g, address: addr})
	}

	outcomes := make([]domain.SendOutcome, len(recipients))

	completed := 0
	for start := 0; start < len(recipients); start += d.batchSize {
		if start > 0 {
			select {
			case <-time.After(d.pacing):
			case <-ctx.Done():
				return buildReport(outcomes[:completed]), ctx.Err()
			}
		}

		end := min(start+d.batchSize, len(recipients))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i] = d.sendOne(ctx, client, template, recipients[i])
			}(i)
		}
		wg.Wait()
		completed = end
	}

	report := buildReport(outcomes)
	d.log.Info("bulk send finished",
		slog.Int64("event_id", eventID),
		slog.Int("total", report.Total),
		slog.Int("sent", report.Sent),
		slog.Int("failed", report.Failed))
	return report, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, client channel.Client, template string, rcpt recipient) domain.SendOutcome {
	outcome := domain.SendOutcome{
		RecipientID: rcpt.guest.ID,
		Name:        rcpt.guest.Name,
		Address:     rcpt.address,
	}

	body := Personalize(template, rcpt.guest)
	id, err := client.SendText(ctx, rcpt.address, body)
	if err != nil {
		outcome.Status = domain.OutcomeFailed
		outcome.Error = domain.AsError(err).Error()
		return outcome
	}
	outcome.Status = domain.OutcomeSent
	outcome.MessageID = id
	return outcome
}

func buildReport(outcomes []domain.SendOutcome) *domain.BulkReport {
	report := &domain.BulkReport{
		Total:    len(outcomes),
		Outcomes: outcomes,
	}
	for _, o := range outcomes {
		if o.Status == domain.OutcomeSent {
			report.Sent++
		} else {
			report.Failed++
		}
	}
	return report
}
