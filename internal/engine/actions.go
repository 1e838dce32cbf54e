package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"rake/internal/browser"
	"rake/internal/config"
	"rake/internal/notation"
	"rake/internal/vars"
)

// runActions executes the node's actions in listed order against one
// matched element.
func (r *Runner) runActions(ctx context.Context, node *config.NodePlan, el browser.Element) error {
	pc := notation.PageContext{Page: r.page, Element: el}

	for _, action := range node.Actions {
		// The screenshot path is evaluated before the action fires: the
		// event may detach the node and make its attributes unreadable.
		screenshot := ""
		if action.Screenshot != nil {
			v, err := notation.Evaluate(action.Screenshot, pc, r.scope)
			if err != nil {
				return fmt.Errorf("action %s screenshot path: %w", action.Type, err)
			}
			screenshot = notation.ToString(v)
		}

		count := 1
		if action.HasCount {
			v, err := r.evalValue(action.Count, pc)
			if err != nil {
				return fmt.Errorf("action %s count: %w", action.Type, err)
			}
			n, ok := notation.ToNumber(v)
			if !ok {
				return fmt.Errorf("action %s count: non-numeric value %v", action.Type, v)
			}
			count = int(n)
		}

		for i := 0; i < count; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if action.Delay > 0 {
				r.page.WaitTimeout(action.Delay)
			}

			if visible, _ := el.IsVisible(); !visible {
				node, _ := r.scope.Lookup(vars.BuiltinNode)
				r.log.Warn("action may fail, node not visible",
					zap.Any("node", node),
					zap.String("action", action.Type))
			}

			if err := r.perform(&action, el); err != nil {
				return fmt.Errorf("action %s: %w", action.Type, err)
			}

			if action.Wait > 0 {
				r.page.WaitTimeout(action.Wait)
			}
		}

		if screenshot != "" {
			if err := r.page.Screenshot(screenshot); err != nil {
				return fmt.Errorf("screenshot %s: %w", screenshot, err)
			}
		}
	}
	return nil
}

func (r *Runner) perform(action *config.ActionPlan, el browser.Element) error {
	if action.Dispatch && action.Type != "swipe_left" && action.Type != "swipe_right" {
		return el.Dispatch(action.Type)
	}

	switch action.Type {
	case "click":
		return el.Click(browser.ClickOptions{Button: action.Button, Modifiers: action.Modifiers})
	case "swipe_left":
		return r.page.Swipe(el, browser.SwipeLeft)
	case "swipe_right":
		return r.page.Swipe(el, browser.SwipeRight)
	}
	// Unknown types are rejected at plan validation.
	return fmt.Errorf("unsupported action type %q", action.Type)
}
