package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pubchat-client/internal/infra/metrics"
)

// job выполняется сразу и перепланирует себя, пока не остановлен.
type job struct {
	name  string
	every time.Duration
	run   func(ctx context.Context) error
	log   zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	timer   *time.Timer
	stopped bool
	started bool
	gen     uint64
}

func newJob(name string, every time.Duration, run func(ctx context.Context) error, logger zerolog.Logger) *job {
	return &job{
		name:    name,
		every:   every,
		run:     run,
		log:     logger.With().Str("task", name).Logger(),
		stopped: true,
	}
}

// start запускает задачу, если она ещё не запущена.
func (j *job) start(ctx context.Context) {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return
	}
	j.started = true
	j.stopped = false
	j.ctx = ctx
	j.gen++
	gen := j.gen
	j.mu.Unlock()

	go j.tick(gen)
}

func (j *job) tick(gen uint64) {
	j.mu.Lock()
	if j.stopped || j.gen != gen {
		j.mu.Unlock()
		return
	}
	ctx := j.ctx
	j.mu.Unlock()

	start := time.Now()
	err := j.safeRun(ctx)
	metrics.ObservePoll(j.name, start, err)
	if err != nil {
		j.log.Warn().Err(err).Msg("poller: ошибка задачи опроса")
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped || j.gen != gen || ctx.Err() != nil {
		return
	}
	j.timer = time.AfterFunc(j.every, func() { j.tick(gen) })
}

func (j *job) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", j.name, r)
		}
	}()
	return j.run(ctx)
}

// stop отменяет следующий запуск. Выполняющийся проход доработает до конца.
func (j *job) stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.stopped = true
	j.started = false
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
}
