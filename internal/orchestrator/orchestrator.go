// Package orchestrator drives the pipeline: it triggers ingestion, executes
// transform stages through the job runner, applies the quality gate and
// commits batches to their zones. Stage runs are tracked as an audit trail
// with retry, timeout, single-flight and idempotency semantics.
package orchestrator

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/baanu007/aws-serverless-etl/pkg/config"
	"github.com/baanu007/aws-serverless-etl/pkg/errors"
	"github.com/baanu007/aws-serverless-etl/pkg/ingest"
	"github.com/baanu007/aws-serverless-etl/pkg/logger"
	"github.com/baanu007/aws-serverless-etl/pkg/metrics"
	"github.com/baanu007/aws-serverless-etl/pkg/models"
	"github.com/baanu007/aws-serverless-etl/pkg/observability"
	"github.com/baanu007/aws-serverless-etl/pkg/quality"
	"github.com/baanu007/aws-serverless-etl/pkg/storage"
	"github.com/baanu007/aws-serverless-etl/pkg/transform"
)

// flight is one in-progress run joined by duplicate triggers. runID and err
// are written by the owner before done is closed and read by joiners after.
type flight struct {
	done  chan struct{}
	runID string
	err   error
}

// Orchestrator owns the stage graph and the run lifecycle for one pipeline.
type Orchestrator struct {
	cfg        *config.Config
	zones      *storage.ZoneStore
	watermarks ingest.WatermarkStore
	sources    map[string]ingest.Source
	stages     map[string]transform.Stage
	stageZone  map[string]models.Zone
	downstream map[string][]string
	gate       *quality.Gate
	tracker    *Tracker
	retry      *RetryPolicy
	runner     *LocalRunner
	sem        map[string]chan struct{}
	cron       *cron.Cron

	flightMu sync.Mutex
	flights  map[string]*flight

	priorMu sync.Mutex
	prior   map[string]*models.Batch

	rootCtx context.Context
	cancel  context.CancelFunc
}

// New builds an orchestrator from a validated config. The stage graph is
// checked at startup; a malformed graph is a config error.
func New(cfg *config.Config, zones *storage.ZoneStore, watermarks ingest.WatermarkStore, secrets ingest.SecretStore) (*Orchestrator, error) {
	sources := make(map[string]ingest.Source, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		src, err := ingest.Create(sc, secrets)
		if err != nil {
			return nil, err
		}
		sources[sc.Name] = src
	}

	stages := map[string]transform.Stage{}
	stageZone := map[string]models.Zone{}
	downstream := map[string][]string{}
	nodes := []StageNode{{Name: "raw"}}

	process := transform.NewProcessStage(cfg.Schema, cfg.Transform)
	stages[process.Name()] = process
	stageZone[process.Name()] = models.ZoneProcessed
	downstream["raw"] = []string{process.Name()}
	nodes = append(nodes, StageNode{Name: process.Name(), Upstream: []string{"raw"}})

	if len(cfg.Transform.Aggregations) > 0 {
		curate := transform.NewCurateStage(cfg.Transform)
		stages[curate.Name()] = curate
		stageZone[curate.Name()] = models.ZoneCurated
		downstream[process.Name()] = []string{curate.Name()}
		nodes = append(nodes, StageNode{Name: curate.Name(), Upstream: []string{process.Name()}})
	}
	if err := ValidateGraph(nodes); err != nil {
		return nil, err
	}

	sem := make(map[string]chan struct{}, len(stages))
	for name := range stages {
		sem[name] = make(chan struct{}, cfg.Orchestrator.StageConcurrency)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		zones:      zones,
		watermarks: watermarks,
		sources:    sources,
		stages:     stages,
		stageZone:  stageZone,
		downstream: downstream,
		gate:       quality.NewGate(cfg.Quality),
		tracker:    NewTracker(),
		retry:      NewRetryPolicy(cfg.Orchestrator),
		sem:        sem,
		flights:    make(map[string]*flight),
		prior:      make(map[string]*models.Batch),
		rootCtx:    rootCtx,
		cancel:     cancel,
	}
	o.runner = NewLocalRunner(o.executeStage)
	return o, nil
}

// Runs returns the stage run audit trail in creation order.
func (o *Orchestrator) Runs() []models.StageRun {
	return o.tracker.List()
}

// Run returns one stage run by id.
func (o *Orchestrator) Run(id string) (models.StageRun, bool) {
	return o.tracker.Get(id)
}

// Webhooks returns the HTTP handlers for configured webhook sources, keyed
// by source name, so the caller can mount them.
func (o *Orchestrator) Webhooks() map[string]http.Handler {
	out := make(map[string]http.Handler)
	for name, src := range o.sources {
		if h, ok := src.(http.Handler); ok {
			out[name] = h
		}
	}
	return out
}

// Start schedules ingestion for every source with a cron expression.
func (o *Orchestrator) Start() error {
	if o.cron != nil {
		return nil
	}
	c := cron.New()
	for _, sc := range o.cfg.Sources {
		if sc.Schedule == "" {
			continue
		}
		name := sc.Name
		if _, err := c.AddFunc(sc.Schedule, func() {
			if _, err := o.RunPipeline(o.rootCtx, name); err != nil {
				logger.Error("scheduled pipeline run failed",
					zap.String("source", name), zap.Error(err))
			}
		}); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeConfig,
				"invalid schedule for source %q", name)
		}
	}
	c.Start()
	o.cron = c
	return nil
}

// Shutdown cancels in-flight work, marks non-terminal runs cancelled and
// stops the scheduler.
func (o *Orchestrator) Shutdown() {
	if o.cron != nil {
		<-o.cron.Stop().Done()
	}
	o.cancel()
	cancelled := o.tracker.CancelPending()
	if len(cancelled) > 0 {
		logger.Warn("cancelled in-flight runs", zap.Int("count", len(cancelled)))
	}
	for name, src := range o.sources {
		if err := src.Close(); err != nil {
			logger.Warn("close source", zap.String("source", name), zap.Error(err))
		}
	}
}

// RunPipeline ingests from one source and pushes the resulting batch through
// the downstream stages. It returns every stage run it touched.
func (o *Orchestrator) RunPipeline(ctx context.Context, sourceName string) ([]models.StageRun, error) {
	var runs []models.StageRun

	ingestRun, err := o.TriggerIngest(ctx, sourceName)
	runs = append(runs, ingestRun)
	if err != nil {
		return runs, err
	}
	if len(ingestRun.OutputBatchIDs) == 0 {
		return runs, nil
	}

	type hop struct {
		zone models.Zone
		ids  []string
		next []string
	}
	frontier := []hop{{zone: models.ZoneRaw, ids: ingestRun.OutputBatchIDs, next: o.downstream["raw"]}}

	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, stageName := range cur.next {
			// partitioned inputs load in parallel and move through the stage
			// as one run, so fan-in stages see every upstream batch
			inputs := make([]*models.Batch, len(cur.ids))
			g, gctx := errgroup.WithContext(ctx)
			for i, batchID := range cur.ids {
				i, batchID := i, batchID
				g.Go(func() error {
					b, err := o.zones.Read(gctx, cur.zone, batchID)
					inputs[i] = b
					return err
				})
			}
			if err := g.Wait(); err != nil {
				return runs, err
			}

			run, err := o.RunStage(ctx, stageName, inputs)
			if run.ID != "" {
				runs = append(runs, run)
			}
			if err != nil {
				return runs, err
			}
			if next := o.downstream[stageName]; len(next) > 0 && len(run.OutputBatchIDs) > 0 {
				frontier = append(frontier, hop{
					zone: o.stageZone[stageName], ids: run.OutputBatchIDs, next: next})
			}
		}
	}
	return runs, nil
}

// TriggerIngest pulls new data from one source, commits it to the raw zone
// and advances the watermark. Duplicate concurrent triggers coalesce; a
// crash after the raw write and before the watermark advance re-reads the
// same window next run and converges on the same batch id.
func (o *Orchestrator) TriggerIngest(ctx context.Context, sourceName string) (run models.StageRun, err error) {
	src, ok := o.sources[sourceName]
	if !ok {
		return models.StageRun{}, errors.Newf(errors.ErrorTypeNotFound, "unknown source %q", sourceName)
	}

	key := "ingest\x00" + sourceName
	if joinedRun, joined, jerr := o.joinFlight(ctx, key); joined {
		return joinedRun, jerr
	}
	defer func() { o.finishFlight(key, err) }()

	run = o.tracker.NewRun("ingest:"+sourceName, "")
	o.registerFlightRun(key, run.ID)

	noNewData := false
	err = o.withRetry(ctx, &run, func(attemptCtx context.Context) error {
		wm, err := o.watermarks.Get(attemptCtx, sourceName)
		if err != nil {
			return err
		}
		res, err := src.Ingest(attemptCtx, wm)
		if err != nil {
			if errors.Is(err, ingest.ErrNoNewData) {
				noNewData = true
				return nil
			}
			return err
		}
		noNewData = false
		if _, err := o.zones.Write(attemptCtx, models.ZoneRaw, res.Batch); err != nil {
			return err
		}
		if err := o.watermarks.Advance(attemptCtx, sourceName, wm, res.Next); err != nil {
			return err
		}
		metrics.RecordsIngested.WithLabelValues(sourceName).Add(float64(len(res.Batch.Records)))
		metrics.BatchesCommitted.WithLabelValues(res.Batch.Stage, string(models.ZoneRaw)).Inc()
		o.tracker.Update(run.ID, func(r *models.StageRun) {
			r.OutputBatchIDs = []string{res.Batch.BatchID}
		})
		return nil
	})

	if err == nil && noNewData {
		o.tracker.Update(run.ID, func(r *models.StageRun) {
			r.Warnings = append(r.Warnings, "no new data")
		})
	}
	run, _ = o.tracker.Get(run.ID)
	return run, err
}

// RunStage executes one transform stage against a set of input batches
// through the job runner. A prior succeeded run for the same (stage, input
// id set) is returned as-is; a concurrent duplicate joins the in-flight run
// and sees its result, error included.
func (o *Orchestrator) RunStage(ctx context.Context, stageName string, inputs []*models.Batch) (run models.StageRun, err error) {
	if _, ok := o.stages[stageName]; !ok {
		return models.StageRun{}, errors.Newf(errors.ErrorTypeNotFound, "unknown stage %q", stageName)
	}
	inputs = append([]*models.Batch(nil), inputs...)
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].BatchID < inputs[j].BatchID })
	inputID := inputKey(inputs)

	if prior, ok := o.tracker.Succeeded(stageName, inputID); ok {
		logger.WithContext(ctx).Debug("stage already succeeded for batch",
			zap.String("stage", stageName), zap.String("input_id", inputID))
		return prior, nil
	}

	key := stageName + "\x00" + inputID
	if joinedRun, joined, jerr := o.joinFlight(ctx, key); joined {
		return joinedRun, jerr
	}
	defer func() { o.finishFlight(key, err) }()

	if prior, ok := o.tracker.Succeeded(stageName, inputID); ok {
		return prior, nil
	}

	handle, err := o.runner.Submit(ctx, JobSpec{Stage: stageName, Inputs: inputs})
	if err != nil {
		return models.StageRun{}, err
	}
	run, err = o.runner.Wait(ctx, handle)
	o.registerFlightRun(key, run.ID)
	return run, err
}

// inputKey is the stable identity of an input batch set: the sorted batch
// ids joined with ",". Callers sort the inputs first.
func inputKey(inputs []*models.Batch) string {
	ids := make([]string, len(inputs))
	for i, b := range inputs {
		ids[i] = b.BatchID
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// executeStage is the runner-side stage execution: semaphore, retry loop,
// quality gate and zone commit. The caller's context is tied to the
// orchestrator lifetime so Shutdown cancels queued and running attempts.
func (o *Orchestrator) executeStage(ctx context.Context, spec JobSpec) (models.StageRun, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.rootCtx, cancel)
	defer stop()

	stage := o.stages[spec.Stage]
	run := o.tracker.NewRun(spec.Stage, inputKey(spec.Inputs))

	slot := o.sem[spec.Stage]
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		o.failRun(run.ID, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "queued for stage slot"), models.RunCancelled)
		out, _ := o.tracker.Get(run.ID)
		return out, ctx.Err()
	}
	defer func() { <-slot }()

	err := o.withRetry(ctx, &run, func(attemptCtx context.Context) error {
		return o.runAttempt(attemptCtx, stage, spec.Inputs, run.ID)
	})
	out, _ := o.tracker.Get(run.ID)
	return out, err
}

// withRetry drives the run state machine around fn: running, retrying with
// backoff on retryable failures up to the attempt bound, then a terminal
// status. fn receives a context carrying the per-attempt timeout.
func (o *Orchestrator) withRetry(ctx context.Context, run *models.StageRun, fn func(context.Context) error) error {
	maxAttempts := o.cfg.Orchestrator.MaxAttempts
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		o.tracker.Update(run.ID, func(r *models.StageRun) {
			r.Status = models.RunRunning
			r.AttemptCount = attempt
		})

		attemptCtx := o.stageContext(ctx, run)
		var cancelAttempt context.CancelFunc
		if o.cfg.Orchestrator.StageTimeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(attemptCtx, o.cfg.Orchestrator.StageTimeout)
		}
		spanCtx, span := observability.StartStageSpan(attemptCtx, run.StageName, run.InputBatchID, run.ID)
		err := fn(spanCtx)
		span.End()
		if cancelAttempt != nil {
			cancelAttempt()
		}

		if err == nil {
			o.tracker.Update(run.ID, func(r *models.StageRun) {
				r.Status = models.RunSucceeded
				r.FinishedAt = time.Now().UTC()
			})
			metrics.StageRuns.WithLabelValues(run.StageName, string(models.RunSucceeded)).Inc()
			metrics.StageDuration.WithLabelValues(run.StageName).Observe(time.Since(start).Seconds())
			return nil
		}
		if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = errors.Wrapf(err, errors.ErrorTypeTimeout,
				"stage %s timed out after %s", run.StageName, o.cfg.Orchestrator.StageTimeout)
		}
		lastErr = err

		if ctx.Err() != nil {
			o.failRun(run.ID, err, models.RunCancelled)
			metrics.StageRuns.WithLabelValues(run.StageName, string(models.RunCancelled)).Inc()
			return err
		}
		if !errors.IsRetryable(err) || attempt == maxAttempts {
			break
		}

		o.tracker.Update(run.ID, func(r *models.StageRun) {
			r.Status = models.RunRetrying
			r.ErrorDetail = err.Error()
		})
		metrics.StageRetries.WithLabelValues(run.StageName).Inc()
		logger.WithContext(ctx).Warn("stage attempt failed, retrying",
			zap.String("stage", run.StageName),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if werr := o.retry.Wait(ctx, attempt); werr != nil {
			o.failRun(run.ID, werr, models.RunCancelled)
			metrics.StageRuns.WithLabelValues(run.StageName, string(models.RunCancelled)).Inc()
			return werr
		}
	}

	o.failRun(run.ID, lastErr, models.RunFailed)
	metrics.StageRuns.WithLabelValues(run.StageName, string(models.RunFailed)).Inc()
	logger.WithContext(ctx).Error("stage run failed",
		zap.String("stage", run.StageName),
		zap.String("input_batch_id", run.InputBatchID),
		zap.Error(lastErr))
	return lastErr
}

// runAttempt executes one attempt of a transform stage: transform, gate,
// commit.
func (o *Orchestrator) runAttempt(ctx context.Context, stage transform.Stage, inputs []*models.Batch, runID string) error {
	res, err := stage.Run(ctx, inputs)
	if err != nil {
		return err
	}

	zone := o.stageZone[stage.Name()]
	warnings := append([]string(nil), res.Warnings...)
	var outputIDs []string

	for _, batch := range res.Batches {
		decision, err := o.gate.Evaluate(batch, o.priorBatch(stage.Name()))
		if err != nil {
			return err
		}
		if decision.Blocking() {
			violations := make([]string, len(decision.Violations))
			for i, v := range decision.Violations {
				violations[i] = v.String()
			}
			if _, qerr := o.zones.Quarantine(ctx, batch, violations); qerr != nil {
				return qerr
			}
			metrics.BatchesQuarantined.WithLabelValues(stage.Name()).Inc()
			return errors.Newf(errors.ErrorTypeQuality,
				"batch %s quarantined: %d rule violations", batch.BatchID, len(decision.Violations))
		}
		warnings = append(warnings, decision.Warnings()...)

		if _, err := o.zones.Write(ctx, zone, batch); err != nil {
			return err
		}
		metrics.BatchesCommitted.WithLabelValues(stage.Name(), string(zone)).Inc()
		o.setPriorBatch(stage.Name(), batch)
		outputIDs = append(outputIDs, batch.BatchID)
	}

	o.tracker.Update(runID, func(r *models.StageRun) {
		r.OutputBatchIDs = outputIDs
		r.Warnings = append(r.Warnings, warnings...)
	})
	return nil
}

func (o *Orchestrator) failRun(id string, err error, status models.RunStatus) {
	o.tracker.Update(id, func(r *models.StageRun) {
		r.Status = status
		r.FinishedAt = time.Now().UTC()
		if err != nil {
			r.ErrorDetail = err.Error()
		}
	})
}

// stageContext attaches run identifiers for structured logging.
func (o *Orchestrator) stageContext(ctx context.Context, run *models.StageRun) context.Context {
	ctx = context.WithValue(ctx, logger.PipelineKey, o.cfg.Pipeline)
	ctx = context.WithValue(ctx, logger.StageKey, run.StageName)
	ctx = context.WithValue(ctx, logger.BatchKey, run.InputBatchID)
	ctx = context.WithValue(ctx, logger.RunKey, run.ID)
	return ctx
}

func (o *Orchestrator) priorBatch(stage string) *models.Batch {
	o.priorMu.Lock()
	defer o.priorMu.Unlock()
	return o.prior[stage]
}

func (o *Orchestrator) setPriorBatch(stage string, b *models.Batch) {
	o.priorMu.Lock()
	defer o.priorMu.Unlock()
	o.prior[stage] = b
}

// joinFlight reports whether another run for key is in flight and, if so,
// waits for it and returns its result.
func (o *Orchestrator) joinFlight(ctx context.Context, key string) (models.StageRun, bool, error) {
	o.flightMu.Lock()
	f, inFlight := o.flights[key]
	if !inFlight {
		o.flights[key] = &flight{done: make(chan struct{})}
		o.flightMu.Unlock()
		return models.StageRun{}, false, nil
	}
	o.flightMu.Unlock()

	select {
	case <-ctx.Done():
		return models.StageRun{}, true, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "wait for in-flight run")
	case <-f.done:
	}
	run, ok := o.tracker.Get(f.runID)
	if !ok && f.err == nil {
		return models.StageRun{}, true, errors.Newf(errors.ErrorTypeInternal, "in-flight run vanished")
	}
	// the owner's error keeps its type, so a joined duplicate sees the same
	// quality or timeout failure the first caller saw
	return run, true, f.err
}

func (o *Orchestrator) registerFlightRun(key, runID string) {
	o.flightMu.Lock()
	if f, ok := o.flights[key]; ok {
		f.runID = runID
	}
	o.flightMu.Unlock()
}

func (o *Orchestrator) finishFlight(key string, err error) {
	o.flightMu.Lock()
	if f, ok := o.flights[key]; ok {
		f.err = err
		close(f.done)
		delete(o.flights, key)
	}
	o.flightMu.Unlock()
}
