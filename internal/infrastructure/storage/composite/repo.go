package composite

import (
	"context"

	"fundledger/internal/application/port"
	"fundledger/internal/domain/model"
)

// Sink fans committed transactions out to every sink.
type Sink struct {
	sinks []port.EventSink
}

func New(sinks ...port.EventSink) *Sink {
	// nil sinks are allowed; filter in constructor for safety
	out := make([]port.EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return &Sink{sinks: out}
}

func (s *Sink) Len() int { return len(s.sinks) }

func (s *Sink) PublishTransaction(ctx context.Context, tx *model.Transaction) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.PublishTransaction(ctx, tx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// QuoteBook reads from the primary book and writes through to every mirror.
type QuoteBook struct {
	primary port.QuoteBook
	mirrors []port.QuoteWriter
}

func NewQuoteBook(primary port.QuoteBook, mirrors ...port.QuoteWriter) *QuoteBook {
	out := make([]port.QuoteWriter, 0, len(mirrors))
	for _, m := range mirrors {
		if m != nil {
			out = append(out, m)
		}
	}
	return &QuoteBook{primary: primary, mirrors: out}
}

func (b *QuoteBook) Latest(ctx context.Context, code string) (model.Quote, error) {
	return b.primary.Latest(ctx, code)
}

func (b *QuoteBook) LatestMany(ctx context.Context, codes []string) (map[string]model.Quote, error) {
	return b.primary.LatestMany(ctx, codes)
}

func (b *QuoteBook) PutQuote(ctx context.Context, q model.Quote) error {
	firstErr := b.primary.PutQuote(ctx, q)
	for _, m := range b.mirrors {
		if err := m.PutQuote(ctx, q); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var (
	_ port.EventSink = (*Sink)(nil)
	_ port.QuoteBook = (*QuoteBook)(nil)
)
