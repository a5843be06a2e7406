package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/fedigrid/relay/internal/apub"
	"github.com/fedigrid/relay/internal/db"
	"github.com/fedigrid/relay/internal/errs"
)

const (
	leaseDuration = 60 * time.Second
	pollInterval  = time.Second

	maxAttempts = 8
	backoffBase = 10 * time.Second
	backoffCap  = 24 * time.Hour
)

// Server runs the queue workers and the maintenance schedule.
type Server struct {
	env     *Env
	workers map[string]int

	cron   *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer wires a job server into env. The env's Server pointer is filled in
// so jobs can enqueue follow-up jobs.
func NewServer(env *Env) *Server {
	s := &Server{
		env: env,
		workers: map[string]int{
			QueueDeliver: env.Cfg.DeliverWorkers,
			QueueApub:    env.Cfg.ApubWorkers,
		},
		cron: cron.New(),
	}
	env.Server = s
	return s
}

// Enqueue persists a job for immediate execution.
func (s *Server) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errs.Storage(err)
	}
	now := time.Now()
	return s.env.Store.EnqueueJob(ctx, db.Job{
		ID:        uuid.NewString(),
		Kind:      job.Name(),
		Queue:     job.Queue(),
		Payload:   payload,
		NextRunAt: now,
		CreatedAt: now,
	})
}

// Start launches the workers and the maintenance schedule.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	for queue, n := range s.workers {
		for w := 0; w < n; w++ {
			s.wg.Add(1)
			go s.worker(ctx, queue)
		}
		slog.Info("started queue workers", "queue", queue, "workers", n)
	}

	schedule := func(spec string, job Job) error {
		_, err := s.cron.AddFunc(spec, func() {
			if err := s.Enqueue(ctx, job); err != nil {
				slog.Error("enqueue scheduled job", "job", job.Name(), "error", err)
			}
		})
		return err
	}
	if err := schedule("@every 30m", &ListenersJob{}); err != nil {
		return err
	}
	if err := schedule("@every 24h", &RefreshAllActorsJob{}); err != nil {
		return err
	}
	if err := schedule("@every "+s.env.Cfg.LastOnlineFlush.String(), &FlushLastOnlineJob{}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 10m", func() {
		if err := s.env.Actors.Rehydrate(ctx); err != nil {
			slog.Error("rehydrate follower set", "error", err)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule, cancels running jobs, and waits for the workers.
// Interrupted jobs stay leased and rerun once the lease expires.
func (s *Server) Stop() {
	<-s.cron.Stop().Done()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Server) worker(ctx context.Context, queue string) {
	defer s.wg.Done()
	for {
		row, err := s.env.Store.ClaimJob(ctx, queue, leaseDuration)
		if err != nil {
			slog.Error("claim job", "queue", queue, "error", err)
		}
		if row == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		s.runJob(ctx, row)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Server) runJob(ctx context.Context, row *db.Job) {
	job, err := decode(row.Kind, row.Payload)
	if err != nil {
		slog.Error("dropping undecodable job", "id", row.ID, "kind", row.Kind, "error", err)
		s.discard(row.ID)
		return
	}

	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Renew the lease while the job runs so a long delivery is not claimed
	// twice.
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(leaseDuration / 2)
		defer ticker.Stop()
		for {
			select {
			case <-jctx.Done():
				return
			case <-ticker.C:
				if err := s.env.Store.RenewJobLease(context.Background(), row.ID, leaseDuration); err != nil {
					slog.Error("renew job lease", "id", row.ID, "error", err)
				}
			}
		}
	}()

	err = job.Run(jctx, s.env)
	cancel()
	<-renewDone

	if err == nil {
		s.discard(row.ID)
		return
	}
	s.retry(row, err)
}

func (s *Server) retry(row *db.Job, err error) {
	log := slog.With("id", row.ID, "kind", row.Kind, "attempt", row.Attempt)

	switch errs.Classify(err) {
	case errs.RetryDrop:
		log.Warn("dropping job", "error", err)
		s.discard(row.ID)
	case errs.RetryNow:
		// Interrupted, typically by shutdown. Rerun without burning an
		// attempt.
		s.reschedule(row.ID, row.Attempt, time.Now())
	case errs.RetryFree:
		log.Debug("origin cooling down, retrying later", "error", err)
		s.reschedule(row.ID, row.Attempt, time.Now().Add(backoff(row.Attempt+1)))
	default:
		attempt := row.Attempt + 1
		if attempt >= maxAttempts {
			log.Warn("job exhausted retries", "error", err)
			s.discard(row.ID)
			return
		}
		log.Debug("job failed, backing off", "error", err)
		s.reschedule(row.ID, attempt, time.Now().Add(backoff(attempt)))
	}
}

func (s *Server) discard(id string) {
	if err := s.env.Store.DeleteJob(context.Background(), id); err != nil {
		slog.Error("delete job", "id", id, "error", err)
	}
}

func (s *Server) reschedule(id string, attempt int, at time.Time) {
	if err := s.env.Store.RescheduleJob(context.Background(), id, attempt, at); err != nil {
		slog.Error("reschedule job", "id", id, "error", err)
	}
}

// backoff returns the delay before attempt n, exponential with jitter.
func backoff(n int) time.Duration {
	d := backoffBase
	for i := 1; i < n && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}

// ─── apub.Queue ───────────────────────────────────────────────────────────────

// Deliver enqueues a single outbound delivery.
func (s *Server) Deliver(ctx context.Context, inbox string, activity apub.Activity) error {
	payload, err := json.Marshal(activity)
	if err != nil {
		return errs.Storage(err)
	}
	return s.Enqueue(ctx, &DeliverJob{Inbox: inbox, Activity: payload})
}

// Announce enqueues the fan-out of a submitted object. actorID is the actor
// that submitted it; its server is excluded from the fan-out along with the
// object's own.
func (s *Server) Announce(ctx context.Context, objectID, actorID string) error {
	return s.Enqueue(ctx, &AnnounceJob{ObjectID: objectID, Actor: actorID})
}

// Forward enqueues verbatim forwarding of a payload to the other listeners.
func (s *Server) Forward(ctx context.Context, actorID string, raw json.RawMessage) error {
	return s.Enqueue(ctx, &ForwardJob{ActorID: actorID, Raw: raw})
}

// QueryInstance enqueues metadata discovery for a server.
func (s *Server) QueryInstance(ctx context.Context, actorID string) error {
	if err := s.Enqueue(ctx, &QueryInstanceJob{ActorID: actorID}); err != nil {
		return err
	}
	return s.Enqueue(ctx, &QueryNodeinfoJob{ActorID: actorID})
}
