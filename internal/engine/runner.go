// Package engine executes one page task: it walks the task's node tree,
// performing actions, extracting data into the shared result tree and
// capturing discovered links. Execution within a task is strictly
// sequential; concurrency lives in the scheduler.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rake/internal/browser"
	"rake/internal/config"
	"rake/internal/links"
	"rake/internal/notation"
	"rake/internal/scope"
	"rake/internal/vars"
)

// DefaultRepeatLimit caps condition-driven repeat loops so a condition
// that never turns false cannot hang a task forever.
const DefaultRepeatLimit = 1000

// Task is one page visit: a resolved URL plus metadata that becomes the
// task's variable frame. Immutable after creation.
type Task struct {
	URL      string
	Metadata map[string]any
}

// Runner drives a single task on its own page context.
type Runner struct {
	page        browser.Page
	plan        *config.PagePlan
	task        Task
	tree        *scope.Tree
	queue       *links.Queue
	scope       *vars.Scope
	log         *zap.Logger
	repeatLimit int
}

// NewRunner builds a runner. globals is the shared outermost variable
// frame; the runner forks a task frame from it, seeded with the task's
// metadata and the _url builtin.
func NewRunner(page browser.Page, plan *config.PagePlan, task Task, tree *scope.Tree, queue *links.Queue, globals *vars.Scope, log *zap.Logger) *Runner {
	taskScope := globals.Fork()
	taskScope.Seed(task.Metadata)
	taskScope.Set(vars.BuiltinURL, task.URL)

	return &Runner{
		page:        page,
		plan:        plan,
		task:        task,
		tree:        tree,
		queue:       queue,
		scope:       taskScope.Fork(), // innermost capture frame
		log:         log,
		repeatLimit: DefaultRepeatLimit,
	}
}

// Run navigates to the task's URL and executes the interaction tree.
// Data merged into the result tree before a failure point is retained.
func (r *Runner) Run(ctx context.Context) error {
	if r.plan.Interact == nil {
		return nil
	}

	r.log.Info("opening page", zap.String("url", r.task.URL))
	if err := r.page.Navigate(ctx, r.task.URL); err != nil {
		return &TaskError{URL: r.task.URL, Err: err}
	}

	if err := r.interact(ctx, r.plan.Interact, nil); err != nil {
		return &TaskError{URL: r.task.URL, Node: notation.ToString(r.currentNode()), Err: err}
	}
	return nil
}

func (r *Runner) currentNode() any {
	v, _ := r.scope.Lookup(vars.BuiltinNode)
	return v
}

// interact runs a node tree once, a fixed number of times, or while a
// live condition holds.
func (r *Runner) interact(ctx context.Context, interact *config.InteractPlan, parent browser.Element) error {
	if interact.Repeat == nil {
		return r.browse(ctx, interact.Nodes, parent)
	}

	if interact.Repeat.Count >= 0 {
		for i := 0; i < interact.Repeat.Count; i++ {
			if err := r.browse(ctx, interact.Nodes, parent); err != nil {
				return err
			}
		}
		return nil
	}

	for iteration := 0; ; iteration++ {
		if iteration >= r.repeatLimit {
			return fmt.Errorf("%w after %d iterations", ErrRepeatBudget, iteration)
		}
		ok, err := r.shouldRepeat(ctx, interact.Repeat.Conditions)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := r.browse(ctx, interact.Nodes, parent); err != nil {
			return err
		}
	}
}

// browse runs one pass over the node tree. Each entry is a group of
// alternatives: the first selector with matches is used, the rest of
// the group skipped. A selector matching nothing is not an error at the
// node level; expressions that require an element still fail their
// task.
func (r *Runner) browse(ctx context.Context, groups [][]config.NodePlan, parent browser.Element) error {
	for _, group := range groups {
		for _, node := range group {
			matched, err := r.runNode(ctx, &node, parent)
			if err != nil {
				return err
			}
			if matched {
				break
			}
		}
	}
	return nil
}

// runNode executes one node: select, act, extract, recurse. Reports
// whether the selector matched anything.
func (r *Runner) runNode(ctx context.Context, node *config.NodePlan, parent browser.Element) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	r.scope.Set(vars.BuiltinNode, node.Label())
	r.log.Debug("interacting", zap.String("selector", node.Selector))

	if node.Wait > 0 {
		if err := r.page.WaitForSelector(node.Selector, time.Duration(node.Wait)*time.Millisecond); err != nil {
			return false, fmt.Errorf("%w: waiting for %q: %v", ErrTimeout, node.Selector, err)
		}
	}

	opts := browser.QueryOptions{Contains: node.Contains, Excludes: node.Excludes}
	var (
		els []browser.Element
		err error
	)
	if parent != nil {
		els, err = parent.Query(node.Selector, opts)
	} else {
		els, err = r.page.Query(node.Selector, opts)
	}
	if err != nil {
		return false, err
	}
	if len(els) == 0 {
		return false, nil
	}

	els, step := sliceRange(els, node.Range)
	if !node.All && len(els) > 1 {
		els = els[:1]
	}

	for i := 0; i < len(els); i += step {
		el := els[i]
		r.scope.Set(vars.BuiltinNth, i)

		if node.Show {
			if err := el.ScrollIntoView(); err != nil {
				r.log.Warn("scroll into view failed", zap.String("selector", node.Selector), zap.Error(err))
			}
		}

		if err := r.runActions(ctx, node, el); err != nil {
			return true, err
		}
		if err := r.captureLinks(node, el); err != nil {
			return true, err
		}
		if err := r.extractData(node, el); err != nil {
			return true, err
		}
		if node.Interact != nil {
			if err := r.interact(ctx, node.Interact, el); err != nil {
				return true, err
			}
		}
	}

	return true, nil
}

// sliceRange applies the node's range bounds to the matched elements
// and returns the iteration step.
func sliceRange(els []browser.Element, rng *config.RangePlan) ([]browser.Element, int) {
	step := 1
	if rng == nil {
		return els, step
	}

	start, stop := 0, len(els)
	if rng.Start != nil && *rng.Start > 0 {
		start = min(*rng.Start, len(els))
	}
	if rng.Stop != nil && *rng.Stop < stop {
		stop = max(*rng.Stop, start)
	}
	if rng.Step != nil {
		step = *rng.Step
	}
	return els[start:stop], step
}
