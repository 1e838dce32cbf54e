// Package scope resolves dotted scope paths against the shared result
// tree. Plain segments descend into (creating if absent) nested
// mappings; $key{left op right} segments locate entries of a sequence by
// predicate, appending a new entry when nothing matches.
package scope

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"rake/internal/notation"
	"rake/internal/vars"
)

var (
	// ErrKeyNotFound is returned for a $key miss when create-on-miss is
	// disabled.
	ErrKeyNotFound = errors.New("no sequence entry matches key predicate")

	// ErrInvalidPath is returned for paths that cannot be parsed or that
	// traverse a non-container value.
	ErrInvalidPath = errors.New("invalid scope path")
)

// comparison operators, two-character ones first so scanning finds them
// before their one-character prefixes.
var keyOps = []string{">=", "<=", "!=", "=", ">", "<"}

// Options tune resolver behavior.
type Options struct {
	// CreateOnMiss appends a new sequence entry when a $key predicate
	// matches nothing. The new entry is seeded with the compared field
	// for the = operator; other operators seed nothing, since no single
	// value satisfies them. Disabled, a miss is ErrKeyNotFound.
	CreateOnMiss bool
}

// Segment is one element of a parsed scope path.
type Segment struct {
	Name string
	Key  *KeyPredicate
}

// KeyPredicate is a $key{left op right} selector over a sequence.
// Either side may be a $var{...} expression resolved at assign time.
type KeyPredicate struct {
	Left  string
	Op    string
	Right string
}

// ParsePath splits a scope path into segments, keeping $key{...} bodies
// intact.
func ParsePath(path string) ([]Segment, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	var segments []Segment
	depth := 0
	start := 0
	raw := make([]string, 0, 4)
	for i := 0; i < len(path); i++ {
		switch path[i] {
		case '{':
			depth++
		case '}':
			depth--
		case '.':
			if depth == 0 {
				raw = append(raw, path[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced braces in %q", ErrInvalidPath, path)
	}
	raw = append(raw, path[start:])

	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
		if strings.HasPrefix(part, "$key{") {
			if !strings.HasSuffix(part, "}") {
				return nil, fmt.Errorf("%w: unterminated $key in %q", ErrInvalidPath, path)
			}
			pred, err := parsePredicate(part[len("$key{") : len(part)-1])
			if err != nil {
				return nil, fmt.Errorf("%w: %s in %q", ErrInvalidPath, err, path)
			}
			segments = append(segments, Segment{Key: pred})
			continue
		}
		segments = append(segments, Segment{Name: part})
	}

	if segments[0].Key != nil {
		return nil, fmt.Errorf("%w: path %q may not start with $key, the root is a mapping", ErrInvalidPath, path)
	}
	for i := 1; i < len(segments); i++ {
		if segments[i].Key != nil && segments[i-1].Key != nil {
			return nil, fmt.Errorf("%w: consecutive $key segments in %q", ErrInvalidPath, path)
		}
	}
	return segments, nil
}

func parsePredicate(body string) (*KeyPredicate, error) {
	for i := 0; i < len(body); i++ {
		for _, op := range keyOps {
			if !strings.HasPrefix(body[i:], op) {
				continue
			}
			left := strings.TrimSpace(body[:i])
			right := strings.TrimSpace(body[i+len(op):])
			if left == "" || right == "" {
				return nil, fmt.Errorf("incomplete predicate %q", body)
			}
			return &KeyPredicate{Left: left, Op: op, Right: right}, nil
		}
	}
	return nil, fmt.Errorf("no comparison operator in predicate %q", body)
}

// Tree is the shared, mutable result tree. Every assign is atomic with
// respect to concurrent tasks.
type Tree struct {
	mu   sync.Mutex
	root map[string]any
	opts Options
}

// NewTree returns an empty tree with create-on-miss enabled.
func NewTree() *Tree {
	return NewTreeWith(Options{CreateOnMiss: true})
}

// NewTreeWith returns an empty tree with explicit options.
func NewTreeWith(opts Options) *Tree {
	return &Tree{root: map[string]any{}, opts: opts}
}

// Assign resolves path and merges value at the terminal position:
// scalars overwrite the field, a sequence extends an existing sequence,
// and mappings merge key by key so multiple data rules can contribute
// to the same object.
func (t *Tree) Assign(path string, value any, scope *vars.Scope) error {
	segments, err := ParsePath(path)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.root
	for i := 0; i < len(segments); i++ {
		seg := segments[i]
		last := i == len(segments)-1

		if seg.Key != nil {
			entry, err := t.locateEntry(cur, segments[i-1].Name, seg.Key, scope)
			if err != nil {
				return err
			}
			if last {
				return mergeInto(entry, value)
			}
			cur = entry
			continue
		}

		// An ident followed by $key names the sequence the predicate
		// scans; the descent happens in the $key step.
		if !last && segments[i+1].Key != nil {
			continue
		}

		if last {
			assignField(cur, seg.Name, value)
			return nil
		}

		next, ok := cur[seg.Name]
		if !ok {
			child := map[string]any{}
			cur[seg.Name] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: segment %q is not a mapping", ErrInvalidPath, seg.Name)
		}
		cur = child
	}
	return nil
}

// locateEntry scans the sequence at parent[name] for the first entry
// matching the predicate, in insertion order. A miss appends a new
// entry when create-on-miss is enabled.
func (t *Tree) locateEntry(parent map[string]any, name string, pred *KeyPredicate, scope *vars.Scope) (map[string]any, error) {
	field, err := resolvePredicateSide(pred.Left, scope)
	if err != nil {
		return nil, err
	}
	want, err := resolvePredicateSide(pred.Right, scope)
	if err != nil {
		return nil, err
	}
	fieldName := notation.ToString(field)

	seq, ok := parent[name].([]any)
	if !ok && parent[name] != nil {
		return nil, fmt.Errorf("%w: $key applied to %q which is not a sequence", ErrInvalidPath, name)
	}

	for _, item := range seq {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if compare(entry[fieldName], pred.Op, want) {
			return entry, nil
		}
	}

	if !t.opts.CreateOnMiss {
		return nil, fmt.Errorf("%w: %s %s %v in %q", ErrKeyNotFound, fieldName, pred.Op, want, name)
	}

	entry := map[string]any{}
	if pred.Op == "=" {
		entry[fieldName] = want
	}
	parent[name] = append(seq, entry)
	return entry, nil
}

// resolvePredicateSide evaluates $var{...} indirection; plain text is
// used verbatim.
func resolvePredicateSide(side string, scope *vars.Scope) (any, error) {
	if !strings.Contains(side, "$var{") {
		return side, nil
	}
	return notation.EvaluateString(side, notation.PageContext{}, scope)
}

// compare uses numeric comparison when both operands parse as numbers,
// string comparison otherwise.
func compare(have any, op string, want any) bool {
	hn, hok := notation.ToNumber(have)
	wn, wok := notation.ToNumber(want)
	if hok && wok {
		switch op {
		case "=":
			return hn == wn
		case "!=":
			return hn != wn
		case ">":
			return hn > wn
		case "<":
			return hn < wn
		case ">=":
			return hn >= wn
		case "<=":
			return hn <= wn
		}
		return false
	}

	hs, ws := notation.ToString(have), notation.ToString(want)
	switch op {
	case "=":
		return hs == ws
	case "!=":
		return hs != ws
	case ">":
		return hs > ws
	case "<":
		return hs < ws
	case ">=":
		return hs >= ws
	case "<=":
		return hs <= ws
	}
	return false
}

func assignField(container map[string]any, name string, value any) {
	if existing, ok := container[name].(map[string]any); ok {
		if m, ok := value.(map[string]any); ok {
			for k, v := range m {
				existing[k] = v
			}
			return
		}
	}
	// Sequences accumulate: each matched element of an all-node
	// contributes its wrapped value to the same terminal.
	if existing, ok := container[name].([]any); ok {
		if seq, ok := value.([]any); ok {
			container[name] = append(existing, seq...)
			return
		}
	}
	container[name] = value
}

func mergeInto(entry map[string]any, value any) error {
	m, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: terminal $key segment requires a mapping value, got %T", ErrInvalidPath, value)
	}
	for k, v := range m {
		entry[k] = v
	}
	return nil
}

// Root returns the underlying tree. Callers must only use it after all
// tasks have settled; Snapshot is the safe concurrent read.
func (t *Tree) Root() map[string]any {
	return t.root
}

// Snapshot returns a deep copy of the tree.
func (t *Tree) Snapshot() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyMap(t.root)
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = copyValue(item)
		}
		return out
	}
	return v
}
