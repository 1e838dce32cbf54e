package engine

import (
	"context"
	"fmt"

	"rake/internal/browser"
	"rake/internal/config"
	"rake/internal/notation"
)

// shouldRepeat re-polls the live page and reports whether every
// configured condition still holds. Conditions are evaluated against
// the document root so selectors inside them see the whole page.
func (r *Runner) shouldRepeat(ctx context.Context, conds []config.RepeatCondition) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	roots, err := r.page.Query("html", browser.QueryOptions{})
	if err != nil {
		return false, fmt.Errorf("resolving document root: %w", err)
	}
	pc := notation.PageContext{Page: r.page}
	if len(roots) > 0 {
		pc.Element = roots[0]
	}

	for _, cond := range conds {
		value, err := r.evalValue(cond.Value, pc)
		if err != nil {
			return false, fmt.Errorf("repeat condition: %w", err)
		}
		if !conditionHolds(value, cond.Op, cond.Operand) {
			return false, nil
		}
	}
	return true, nil
}

// conditionHolds compares numerically when both sides parse as numbers,
// by string otherwise.
func conditionHolds(value any, op string, operand any) bool {
	vn, vok := notation.ToNumber(value)
	on, ook := notation.ToNumber(operand)
	if vok && ook {
		switch op {
		case "equal":
			return vn == on
		case "not_equal":
			return vn != on
		case "greater_than":
			return vn > on
		case "less_than":
			return vn < on
		case "greater_than_or_equal":
			return vn >= on
		case "less_than_or_equal":
			return vn <= on
		}
		return false
	}

	vs, os := notation.ToString(value), notation.ToString(operand)
	switch op {
	case "equal":
		return vs == os
	case "not_equal":
		return vs != os
	case "greater_than":
		return vs > os
	case "less_than":
		return vs < os
	case "greater_than_or_equal":
		return vs >= os
	case "less_than_or_equal":
		return vs <= os
	}
	return false
}
