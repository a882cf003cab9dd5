package embed

import (
	"context"
	"log/slog"
	"time"
)

// pending is one queued text awaiting embedding.
type pending struct {
	text string
	vec  []float32
	err  error
	done chan struct{}
}

// BatchScheduler coalesces concurrent embedding requests into batches of
// up to batchSize texts, or whatever has accumulated when the window
// elapses. Callers always receive their vectors in submission order
// because each queued text resolves into its own slot.
type BatchScheduler struct {
	inner     Embedder
	queue     chan *pending
	stop      chan struct{}
	loopDone  chan struct{}
	batchSize int
	window    time.Duration
	logger    *slog.Logger
}

// NewBatchScheduler wraps inner with request coalescing and starts the
// dispatch loop. Close must be called to stop it.
func NewBatchScheduler(inner Embedder, batchSize int, window time.Duration, logger *slog.Logger) *BatchScheduler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if window <= 0 {
		window = DefaultBatchWindow
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &BatchScheduler{
		inner:     inner,
		queue:     make(chan *pending, batchSize*4),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		batchSize: batchSize,
		window:    window,
		logger:    logger,
	}
	go s.loop()
	return s
}

// loop gathers queued texts into batches and dispatches them.
func (s *BatchScheduler) loop() {
	defer close(s.loopDone)

	for {
		select {
		case <-s.stop:
			return
		case first := <-s.queue:
			batch := s.collect(first)
			go s.dispatch(batch)
		}
	}
}

// collect gathers up to batchSize pendings, waiting at most the window
// after the first arrival.
func (s *BatchScheduler) collect(first *pending) []*pending {
	batch := []*pending{first}
	timer := time.NewTimer(s.window)
	defer timer.Stop()

	for len(batch) < s.batchSize {
		select {
		case p := <-s.queue:
			batch = append(batch, p)
		case <-timer.C:
			return batch
		case <-s.stop:
			return batch
		}
	}
	return batch
}

// dispatch embeds one batch and resolves every pending in it. The batch
// runs on its own context so one caller's cancellation cannot fail the
// other callers coalesced into the same batch.
func (s *BatchScheduler) dispatch(batch []*pending) {
	texts := make([]string, len(batch))
	for i, p := range batch {
		texts[i] = p.text
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	vecs, err := s.inner.EmbedBatch(ctx, texts)
	if err != nil {
		s.logger.Warn("embedding batch failed",
			slog.Int("batch_size", len(batch)),
			slog.String("error", err.Error()))
		for _, p := range batch {
			p.err = err
			close(p.done)
		}
		return
	}

	for i, p := range batch {
		p.vec = vecs[i]
		close(p.done)
	}
}

// Embed queues a single text and waits for its batch to resolve.
func (s *BatchScheduler) Embed(ctx context.Context, text string) ([]float32, error) {
	p := &pending{text: text, done: make(chan struct{})}

	select {
	case s.queue <- p:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-p.done:
		return p.vec, p.err
	case <-ctx.Done():
		// The batch still completes; only this caller stops waiting.
		return nil, ctx.Err()
	}
}

// EmbedBatch queues all texts and waits for each slot in order. Large
// inputs are split across dispatch batches transparently; results are
// concatenated in submission order.
func (s *BatchScheduler) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	pendings := make([]*pending, len(texts))
	for i, text := range texts {
		p := &pending{text: text, done: make(chan struct{})}
		pendings[i] = p
		select {
		case s.queue <- p:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	results := make([][]float32, len(texts))
	for i, p := range pendings {
		select {
		case <-p.done:
			if p.err != nil {
				return nil, p.err
			}
			results[i] = p.vec
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}

// Dimensions returns the embedding dimension (passthrough to inner).
func (s *BatchScheduler) Dimensions() int {
	return s.inner.Dimensions()
}

// ModelName returns the model identifier (passthrough to inner).
func (s *BatchScheduler) ModelName() string {
	return s.inner.ModelName()
}

// Available checks if the embedder is ready (passthrough to inner).
func (s *BatchScheduler) Available(ctx context.Context) bool {
	return s.inner.Available(ctx)
}

// Close stops the dispatch loop and closes the inner embedder.
func (s *BatchScheduler) Close() error {
	close(s.stop)
	<-s.loopDone
	return s.inner.Close()
}

// Verify interface implementation
var _ Embedder = (*BatchScheduler)(nil)
