// Package scheduler expands the declared task list and runs page tasks
// under bounded concurrency. Plan entries execute in declared order;
// the tasks of one entry run in parallel up to the race limit, so a
// $group reference in a later entry sees every link captured by earlier
// entries.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"rake/internal/browser"
	"rake/internal/config"
	"rake/internal/engine"
	"rake/internal/links"
	"rake/internal/notation"
	"rake/internal/scope"
	"rake/internal/vars"
)

// Recorder persists crawl progress. Implementations must be safe for
// concurrent use; a nil Recorder disables recording.
type Recorder interface {
	StartRun(pages int) (uint, error)
	RecordVisit(runID uint, url, status, errMsg string) error
	RecordLink(runID uint, group, url string) error
	FinishRun(runID uint, pagesOpened, taskErrors int) error
}

// Summary describes a finished crawl.
type Summary struct {
	PagesOpened int
	Duration    time.Duration
	TaskErrors  []error
}

// Scheduler owns the shared crawl state: result tree, link queue and
// the global variable frame.
type Scheduler struct {
	driver  browser.Driver
	plan    *config.Plan
	tree    *scope.Tree
	queue   *links.Queue
	globals *vars.Scope
	log     *zap.Logger
	rec     Recorder

	mu     sync.Mutex
	opened int
	errs   []error
}

func New(driver browser.Driver, plan *config.Plan, log *zap.Logger) *Scheduler {
	return &Scheduler{
		driver:  driver,
		plan:    plan,
		tree:    scope.NewTree(),
		queue:   links.NewQueue(),
		globals: vars.NewRoot(),
		log:     log,
	}
}

// SetRecorder attaches an optional crawl recorder.
func (s *Scheduler) SetRecorder(rec Recorder) { s.rec = rec }

// Tree exposes the shared result tree.
func (s *Scheduler) Tree() *scope.Tree { return s.tree }

// Links exposes the shared link queue.
func (s *Scheduler) Links() *links.Queue { return s.queue }

// Globals exposes the outermost variable frame, for callers that seed
// crawl-wide bindings before Run.
func (s *Scheduler) Globals() *vars.Scope { return s.globals }

// Run executes the whole plan. Task failures are isolated: they are
// collected into the summary and never cancel sibling tasks. Run
// returns an error only for plan-level failures (a cancelled context or
// a driver that cannot open pages at all).
func (s *Scheduler) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	race := int64(s.plan.Race)
	if race < 1 {
		race = 1
	}

	var runID uint
	if s.rec != nil {
		id, err := s.rec.StartRun(len(s.plan.Pages))
		if err != nil {
			s.log.Warn("crawl recorder unavailable", zap.Error(err))
			s.rec = nil
		} else {
			runID = id
		}
	}

	for i := range s.plan.Pages {
		entry := &s.plan.Pages[i]
		tasks := s.expandTasks(entry)

		sem := semaphore.NewWeighted(race)
		var wg sync.WaitGroup
		for _, task := range tasks {
			if err := sem.Acquire(ctx, 1); err != nil {
				wg.Wait()
				return nil, err
			}
			wg.Add(1)
			go func(task engine.Task) {
				defer sem.Release(1)
				defer wg.Done()
				s.runTask(ctx, runID, entry, task)
			}(task)
		}
		wg.Wait()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	summary := &Summary{
		PagesOpened: s.opened,
		Duration:    time.Since(start),
		TaskErrors:  s.errs,
	}
	if s.rec != nil {
		for group, captured := range s.queue.Groups() {
			for _, link := range captured {
				if err := s.rec.RecordLink(runID, group, link.URL); err != nil {
					s.log.Warn("recording captured link failed", zap.Error(err))
				}
			}
		}
		if err := s.rec.FinishRun(runID, summary.PagesOpened, len(summary.TaskErrors)); err != nil {
			s.log.Warn("recording crawl run failed", zap.Error(err))
		}
	}
	return summary, nil
}

// runTask opens an isolated page context, runs the interaction engine
// on it and settles the task, recording its outcome.
func (s *Scheduler) runTask(ctx context.Context, runID uint, entry *config.PagePlan, task engine.Task) {
	page, err := s.driver.NewPage(ctx)
	if err != nil {
		s.settle(runID, task, fmt.Errorf("opening page context for %s: %w", task.URL, err))
		return
	}
	defer func() {
		if err := page.Close(); err != nil {
			s.log.Warn("closing page failed", zap.String("url", task.URL), zap.Error(err))
		}
	}()

	runner := engine.NewRunner(page, entry, task, s.tree, s.queue, s.globals, s.log)
	s.settle(runID, task, runner.Run(ctx))
}

func (s *Scheduler) settle(runID uint, task engine.Task, err error) {
	s.mu.Lock()
	s.opened++
	if err != nil {
		s.errs = append(s.errs, err)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error("task failed", zap.String("url", task.URL), zap.Error(err))
	} else {
		s.log.Info("task completed", zap.String("url", task.URL))
	}

	if s.rec != nil {
		status, msg := "completed", ""
		switch {
		case err == nil:
		case engine.IsTimeout(err):
			status, msg = "timeout", err.Error()
		case engine.IsElementNotFound(err):
			status, msg = "not_found", err.Error()
		default:
			status, msg = "failed", err.Error()
		}
		if rerr := s.rec.RecordVisit(runID, task.URL, status, msg); rerr != nil {
			s.log.Warn("recording page visit failed", zap.Error(rerr))
		}
	}
}

// expandTasks resolves a plan entry's link field into concrete tasks.
// $name references read the link queue at this moment, which is how
// links captured by earlier entries fan out. Entry metadata applies to
// every task; per-link metadata wins on key collisions.
func (s *Scheduler) expandTasks(entry *config.PagePlan) []engine.Task {
	var tasks []engine.Task

	var expand func(source any)
	expand = func(source any) {
		switch v := source.(type) {
		case string:
			if len(v) > 1 && v[0] == '$' {
				for _, link := range s.queue.Resolve(v[1:]) {
					tasks = append(tasks, s.newTask(entry, link.URL, link.Metadata))
				}
				return
			}
			tasks = append(tasks, s.newTask(entry, v, nil))
		case []any:
			for _, item := range v {
				expand(item)
			}
		default:
			if m, ok := v.(map[string]any); ok {
				url := notation.ToString(m["url"])
				md, _ := m["metadata"].(map[string]any)
				tasks = append(tasks, s.newTask(entry, url, md))
			}
		}
	}
	expand(entry.Link)

	return tasks
}

func (s *Scheduler) newTask(entry *config.PagePlan, url string, metadata map[string]any) engine.Task {
	md := make(map[string]any, len(entry.Metadata)+len(metadata))
	for k, v := range entry.Metadata {
		md[k] = v
	}
	for k, v := range metadata {
		md[k] = v
	}
	return engine.Task{URL: url, Metadata: md}
}
