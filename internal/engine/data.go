package engine

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"rake/internal/browser"
	"rake/internal/config"
	"rake/internal/notation"
)

// evalValue resolves a tagged value spec expression by expression.
func (r *Runner) evalValue(spec config.ValueSpec, pc notation.PageContext) (any, error) {
	switch spec.Kind {
	case config.ValueScalar:
		return notation.Evaluate(spec.Expr, pc, r.scope)
	case config.ValueList:
		out := make([]any, 0, len(spec.List))
		for _, sub := range spec.List {
			v, err := r.evalValue(sub, pc)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case config.ValueObject:
		out := make(map[string]any, len(spec.Object))
		for _, key := range spec.ObjectKeys {
			v, err := r.evalValue(spec.Object[key], pc)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	case config.ValueAttr:
		return notation.EvaluateAttr(spec.Attr, pc, r.scope)
	}
	return nil, fmt.Errorf("unsupported value kind %d", spec.Kind)
}

// extractData resolves each data rule's value and merges it into the
// result tree at the rule's scope path.
func (r *Runner) extractData(node *config.NodePlan, el browser.Element) error {
	pc := notation.PageContext{Page: r.page, Element: el}

	for _, data := range node.Data {
		value, err := r.evalValue(data.Value, pc)
		if err != nil {
			return err
		}

		// all-matches wrap each element's value in a sequence so the
		// merges from successive elements accumulate instead of
		// overwriting each other. Paths with a $key segment already land
		// each element in its own entry and are assigned as-is.
		if node.All && !strings.Contains(data.Scope, "$key{") {
			value = []any{value}
		}
		if seq, ok := value.([]any); ok && len(seq) > 0 && seq[0] == nil {
			value = []any{}
		}

		r.log.Debug("extracting data", zap.String("scope", data.Scope))
		if err := r.tree.Assign(data.Scope, value, r.scope); err != nil {
			return fmt.Errorf("assigning to %q: %w", data.Scope, err)
		}
	}
	return nil
}

// captureLinks evaluates each link rule and appends the resulting URLs
// to the named group. An .all URL expression fans out to one capture
// per match, all sharing the rule's metadata.
func (r *Runner) captureLinks(node *config.NodePlan, el browser.Element) error {
	pc := notation.PageContext{Page: r.page, Element: el}

	for _, link := range node.Links {
		result, err := notation.Evaluate(link.URL, pc, r.scope)
		if err != nil {
			return fmt.Errorf("link group %q url: %w", link.Name, err)
		}

		metadata := make(map[string]any, len(link.Metadata))
		for key, tpl := range link.Metadata {
			v, err := notation.Evaluate(tpl, pc, r.scope)
			if err != nil {
				return fmt.Errorf("link group %q metadata %s: %w", link.Name, key, err)
			}
			metadata[key] = v
		}

		if seq, ok := result.([]any); ok {
			for _, u := range seq {
				r.queue.Capture(link.Name, notation.ToString(u), metadata)
			}
			continue
		}
		r.queue.Capture(link.Name, notation.ToString(result), metadata)
	}
	return nil
}
