package conversation

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/opensquad/squadron/pkg/models"
)

// pollInterval is how often the timer service scans for overdue
// conversations. Grounded on tarsy's queue.Worker poll loop (a ticker, not
// a min-heap of next-deadlines as a literal scheduler would need) — at
// squadron's conversation volumes a full table scan against the partial
// index on open conversations is cheap enough that a priority queue of
// deadlines would be premature.
const pollInterval = 5 * time.Second

// jitterFraction softens thundering-herd scans across multiple squadron
// processes sharing one database, same idea as tarsy's worker poll jitter.
const jitterFraction = 0.2

// timerService is the single goroutine that notices a waiting conversation
// has gone past its answer timeout, or an answered one past its
// acknowledgment timeout, and drives the corresponding transition
// (Escalate or abandon). Grounded on tarsy's pkg/queue/worker.go run loop
// plus pkg/queue/orphan.go's periodic detectAndRecoverOrphans scan.
type timerService struct {
	svc    *Service
	cfg    Config
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newTimerService(svc *Service, cfg Config) *timerService {
	return &timerService{
		svc:    svc,
		cfg:    cfg,
		logger: slog.Default().With("component", "conversation.timer"),
		stopCh: make(chan struct{}),
	}
}

func (t *timerService) run(ctx context.Context) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-t.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(t.jittered()):
				if err := t.sweep(ctx); err != nil {
					t.logger.Error("timer sweep failed", "error", err)
				}
			}
		}
	}()
}

func (t *timerService) stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

func (t *timerService) jittered() time.Duration {
	jitter := time.Duration(rand.Int63n(int64(float64(pollInterval) * jitterFraction)))
	return pollInterval + jitter
}

// sweep finds overdue conversations and drives each to its next state.
func (t *timerService) sweep(ctx context.Context) error {
	overdue, err := t.svc.repo.overdue(ctx, t.cfg.AnswerTimeoutSeconds, t.cfg.AckTimeoutSeconds)
	if err != nil {
		return err
	}
	for _, c := range overdue {
		t.handleOverdue(ctx, c)
	}
	return nil
}

// recoverOverdue runs the same query once at startup, so conversations that
// went overdue while the process was down (or on another pod that crashed)
// are not stranded until the next regular poll tick. Grounded on tarsy's
// WorkerPool.CleanupStartupOrphans.
func (t *timerService) recoverOverdue(ctx context.Context) error {
	return t.sweep(ctx)
}

func (t *timerService) handleOverdue(ctx context.Context, c models.Conversation) {
	log := t.logger.With("conversation_id", c.ID, "state", c.State)

	switch c.State {
	case models.StateWaiting:
		if _, err := t.svc.Escalate(ctx, c.ID, "answer timeout exceeded"); err != nil {
			log.Error("auto-escalate on answer timeout failed", "error", err)
			_ = t.svc.repo.touchTimerCheck(ctx, c.ID)
			return
		}
	case models.StateAnswered:
		lock := t.svc.locks.lockFor(c.ID)
		lock.Lock()
		defer lock.Unlock()

		fresh, err := t.svc.repo.get(ctx, c.ID)
		if err != nil {
			log.Error("reload before abandon failed", "error", err)
			return
		}
		if fresh.State != models.StateAnswered {
			// Already moved on (acknowledged, follow-up) by the time we
			// took the lock — nothing to do.
			return
		}
		if err := t.svc.close(ctx, &fresh, models.StateAbandoned, "acknowledgment timeout exceeded"); err != nil {
			log.Error("abandon on ack timeout failed", "error", err)
		}
	default:
		// Already terminal or mid-transition; just record that this pass
		// looked at it.
		_ = t.svc.repo.touchTimerCheck(ctx, c.ID)
	}
}

func nowPtr() *time.Time {
	now := time.Now()
	return &now
}
