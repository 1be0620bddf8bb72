package operations

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"

	"bulkops/internal/domain"
	"bulkops/internal/ports"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, to, message string) error
}

// LogSender only logs what it would send.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, to, message string) error {
	log.Ctx(ctx).Debug().Str("to", to).Int("length", len(message)).Msg("sms sent")
	return nil
}

type BulkSMS struct {
	Numbers ports.NumberStore
	Sender  Sender
}

type BulkSMSResult struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Run sends the message to every number of the chosen set, no faster than
// RatePerSecond. A failed send is counted and logged; it does not fail the task.
func (b *BulkSMS) Run(ctx context.Context, t domain.Task, r ports.Reporter) (json.RawMessage, error) {
	p, err := domain.DecodeParams[domain.BulkSMSParams](t.Params)
	if err != nil {
		return nil, err
	}
	total, err := b.Numbers.CountNumbers(ctx, t.UserID, t.Project(), p.Filter)
	if err != nil {
		return nil, err
	}

	r.Step(ctx, "sending")
	r.Progress(ctx, 0, total)

	limiter := rate.NewLimiter(rate.Limit(p.RatePerSecond), 1)
	every := int64(p.RatePerSecond)
	var res BulkSMSResult
	err = scanSet(ctx, b.Numbers, t, p.Filter, int64(domain.DefaultBatchSize), func(batch []string) error {
		for _, to := range batch {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			if p.JitterMs > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Duration(rand.IntN(p.JitterMs+1)) * time.Millisecond):
				}
			}
			if err := b.Sender.Send(ctx, to, p.Message); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Ctx(ctx).Warn().Err(err).Str("to", to).Msg("sms send failed")
				res.Failed++
			} else {
				res.Sent++
			}
			if done := res.Sent + res.Failed; done%every == 0 {
				r.Progress(ctx, done, total)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.Progress(ctx, res.Sent+res.Failed, total)
	return json.Marshal(res)
}
