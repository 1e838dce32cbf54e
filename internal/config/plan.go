package config

import (
	"fmt"
	"sort"
	"strings"

	"rake/internal/notation"
	"rake/internal/scope"
)

// ValidationError is raised at plan construction, before any page is
// opened. Path points at the offending config entry.
type ValidationError struct {
	Path string
	Msg  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid plan at %s: %s", e.Path, e.Msg)
}

func invalid(path, format string, args ...any) error {
	return &ValidationError{Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Plan is a fully validated crawl plan.
type Plan struct {
	Browser BrowserPlan
	Race    int
	Logging bool
	Output  OutputPlan
	Pages   []PagePlan
}

// BrowserPlan is the browser block of a plan.
type BrowserPlan struct {
	Type     string
	Show     bool
	Slowdown int
	Viewport [2]int
	Block    []string
	ReadyOn  string
	Timeout  int // ms
}

// OutputPlan is the output block of a plan.
type OutputPlan struct {
	Path    string
	Name    string
	Formats []FormatPlan
}

// FormatPlan is one requested output format.
type FormatPlan struct {
	Type      string
	Transform *TransformPlan
}

// TransformPlan routes a sink through the LLM transform before writing.
type TransformPlan struct {
	Prompt string
	Key    string
}

// PagePlan is one entry of the declared task list.
type PagePlan struct {
	// Link is the task source: a URL, a $group reference, a
	// {url, metadata} mapping, or a list of those.
	Link any
	// Metadata is merged into every task spawned by this entry.
	Metadata map[string]any
	Interact *InteractPlan
}

// InteractPlan is a node tree with an optional repeat clause.
type InteractPlan struct {
	Repeat *RepeatPlan
	// Nodes is a sequence of alternative groups: within one group the
	// first selector with matches is interacted with, the rest skipped.
	Nodes [][]NodePlan
}

// RepeatPlan is either a fixed count or a list of live conditions.
type RepeatPlan struct {
	Count      int
	Conditions []RepeatCondition
}

// RepeatCondition re-polls the page each iteration; the loop continues
// while value Op operand holds.
type RepeatCondition struct {
	Value   ValueSpec
	Op      string
	Operand any
}

// NodePlan is one selector-scoped unit of interaction.
type NodePlan struct {
	Name     string
	Selector string
	All      bool
	Show     bool
	Wait     int // ms selector wait, 0 = no wait
	Contains string
	Excludes string
	Range    *RangePlan
	Actions  []ActionPlan
	Links    []LinkPlan
	Data     []DataPlan
	Interact *InteractPlan
}

// Label returns the node's display name for logging and the _node
// variable; colons are replaced so the label is path-safe.
func (n *NodePlan) Label() string {
	name := n.Name
	if name == "" {
		name = n.Selector
	}
	return strings.ReplaceAll(name, ":", "-")
}

// RangePlan slices the matched-element list; nil bounds mean the "_"
// wildcard (start, end, or step 1).
type RangePlan struct {
	Start *int
	Stop  *int
	Step  *int
}

// ActionPlan is one typed page action.
type ActionPlan struct {
	Type       string
	Delay      int // ms pause before each repetition
	Wait       int // ms pause after each repetition
	Count      ValueSpec
	HasCount   bool
	Screenshot *notation.Template
	Dispatch   bool
	Button     string
	Modifiers  []string
}

// LinkPlan captures discovered links into a named group.
type LinkPlan struct {
	Name     string
	URL      *notation.Template
	Metadata map[string]*notation.Template
}

// DataPlan writes an extracted value at a scope path.
type DataPlan struct {
	Scope string
	Value ValueSpec
}

// ValueKind tags the shape of a ValueSpec.
type ValueKind int

const (
	ValueScalar ValueKind = iota
	ValueList
	ValueObject
	ValueAttr
)

// ValueSpec is the tagged variant for data values: a scalar expression,
// a list, a string-keyed object, or the structured attribute form that
// mirrors $attr fields.
type ValueSpec struct {
	Kind   ValueKind
	Expr   *notation.Template
	List   []ValueSpec
	Object map[string]ValueSpec
	// ObjectKeys holds Object's keys in sorted order. Decoders hand us
	// unordered maps, so sorting is what keeps evaluation deterministic.
	ObjectKeys []string
	Attr       *notation.AttrExpr
}

var actionTypes = map[string]bool{
	"click":       true,
	"swipe_left":  true,
	"swipe_right": true,
}

// repeatOps maps every accepted operator spelling to its canonical name.
var repeatOps = map[string]string{
	"equal": "equal", "is": "equal", "=": "equal",
	"not_equal": "not_equal", "not": "not_equal", "!=": "not_equal",
	"greater_than": "greater_than", ">": "greater_than",
	"less_than": "less_than", "<": "less_than",
	"greater_than_or_equal": "greater_than_or_equal", ">=": "greater_than_or_equal",
	"less_than_or_equal": "less_than_or_equal", "<=": "less_than_or_equal",
}

// BuildPlan converts an already-parsed configuration tree into a
// validated Plan.
func BuildPlan(raw map[string]any) (*Plan, error) {
	p := &Plan{Race: 1}

	if v, ok := raw["race"]; ok {
		n, ok := asInt(v)
		if !ok || n < 1 {
			return nil, invalid("race", "expected a positive integer, got %v", v)
		}
		p.Race = n
	}
	if v, ok := raw["logging"]; ok {
		b, ok := v.(bool)
		if !ok {
			return nil, invalid("logging", "expected a boolean, got %v", v)
		}
		p.Logging = b
	}

	if v, ok := raw["browser"]; ok {
		m, ok := asMap(v)
		if !ok {
			return nil, invalid("browser", "expected a mapping")
		}
		if err := buildBrowser(m, &p.Browser); err != nil {
			return nil, err
		}
	}

	if v, ok := raw["output"]; ok {
		m, ok := asMap(v)
		if !ok {
			return nil, invalid("output", "expected a mapping")
		}
		if err := buildOutput(m, &p.Output); err != nil {
			return nil, err
		}
	}

	if v, ok := raw["rake"]; ok {
		items, ok := asSlice(v)
		if !ok {
			return nil, invalid("rake", "expected a sequence of page entries")
		}
		for i, item := range items {
			path := fmt.Sprintf("rake[%d]", i)
			m, ok := asMap(item)
			if !ok {
				return nil, invalid(path, "expected a mapping")
			}
			page, err := buildPage(path, m)
			if err != nil {
				return nil, err
			}
			p.Pages = append(p.Pages, page)
		}
	}

	return p, nil
}

func buildBrowser(m map[string]any, out *BrowserPlan) error {
	out.Type = asStringOr(m["type"], "chromium")
	out.Show, _ = m["show"].(bool)
	out.Slowdown, _ = asInt(m["slowdown"])
	out.ReadyOn = asStringOr(m["ready_on"], "")
	out.Timeout, _ = asInt(m["timeout"])

	if v, ok := m["viewport"]; ok {
		dims, ok := asSlice(v)
		if !ok || len(dims) != 2 {
			return invalid("browser.viewport", "expected [width, height]")
		}
		w, wok := asInt(dims[0])
		h, hok := asInt(dims[1])
		if !wok || !hok {
			return invalid("browser.viewport", "expected integer dimensions")
		}
		out.Viewport = [2]int{w, h}
	}

	if v, ok := m["block"]; ok {
		types, ok := asSlice(v)
		if !ok {
			return invalid("browser.block", "expected a sequence of resource types")
		}
		for _, t := range types {
			out.Block = append(out.Block, notation.ToString(t))
		}
	}
	return nil
}

func buildOutput(m map[string]any, out *OutputPlan) error {
	out.Path = asStringOr(m["path"], "./")
	out.Name = asStringOr(m["name"], "rake_output")

	formats, ok := asSlice(m["formats"])
	if !ok {
		return nil
	}
	for i, f := range formats {
		path := fmt.Sprintf("output.formats[%d]", i)
		switch v := f.(type) {
		case string:
			out.Formats = append(out.Formats, FormatPlan{Type: v})
		default:
			fm, ok := asMap(f)
			if !ok {
				return invalid(path, "expected a format name or mapping")
			}
			format := FormatPlan{Type: asStringOr(fm["type"], "")}
			if format.Type == "" {
				return invalid(path, "missing format type")
			}
			if tv, ok := fm["transform"]; ok {
				tm, ok := asMap(tv)
				if !ok {
					return invalid(path+".transform", "expected a mapping")
				}
				format.Transform = &TransformPlan{
					Prompt: asStringOr(tm["prompt"], ""),
					Key:    asStringOr(tm["key"], "summary"),
				}
				if format.Transform.Prompt == "" {
					return invalid(path+".transform", "missing prompt")
				}
			}
			out.Formats = append(out.Formats, format)
		}
	}
	return nil
}

func buildPage(path string, m map[string]any) (PagePlan, error) {
	page := PagePlan{Metadata: map[string]any{}}

	link, ok := m["link"]
	if !ok {
		return page, invalid(path, "missing link")
	}
	if err := validateLinkSource(path+".link", link); err != nil {
		return page, err
	}
	page.Link = link

	if v, ok := m["metadata"]; ok {
		md, ok := asMap(v)
		if !ok {
			return page, invalid(path+".metadata", "expected a mapping")
		}
		page.Metadata = md
	}

	if v, ok := m["interact"]; ok {
		im, ok := asMap(v)
		if !ok {
			return page, invalid(path+".interact", "expected a mapping")
		}
		interact, err := buildInteract(path+".interact", im)
		if err != nil {
			return page, err
		}
		page.Interact = interact
	}

	return page, nil
}

func validateLinkSource(path string, link any) error {
	switch v := link.(type) {
	case string:
		if v == "" {
			return invalid(path, "empty link")
		}
		return nil
	default:
		if m, ok := asMap(link); ok {
			if asStringOr(m["url"], "") == "" {
				return invalid(path, "link mapping requires url")
			}
			return nil
		}
		if items, ok := asSlice(link); ok {
			for i, item := range items {
				if err := validateLinkSource(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
					return err
				}
			}
			return nil
		}
	}
	return invalid(path, "expected a URL, $group reference, mapping or sequence")
}

func buildInteract(path string, m map[string]any) (*InteractPlan, error) {
	interact := &InteractPlan{}

	if v, ok := m["repeat"]; ok {
		repeat, err := buildRepeat(path+".repeat", v)
		if err != nil {
			return nil, err
		}
		interact.Repeat = repeat
	}

	nodesRaw, ok := asSlice(m["nodes"])
	if !ok {
		return nil, invalid(path, "missing nodes sequence")
	}
	for i, entry := range nodesRaw {
		entryPath := fmt.Sprintf("%s.nodes[%d]", path, i)

		var group []NodePlan
		if alts, ok := asSlice(entry); ok {
			for j, alt := range alts {
				altMap, ok := asMap(alt)
				if !ok {
					return nil, invalid(fmt.Sprintf("%s[%d]", entryPath, j), "expected a node mapping")
				}
				node, err := buildNode(fmt.Sprintf("%s[%d]", entryPath, j), altMap)
				if err != nil {
					return nil, err
				}
				group = append(group, node)
			}
		} else {
			nodeMap, ok := asMap(entry)
			if !ok {
				return nil, invalid(entryPath, "expected a node mapping or alternative list")
			}
			node, err := buildNode(entryPath, nodeMap)
			if err != nil {
				return nil, err
			}
			group = []NodePlan{node}
		}
		interact.Nodes = append(interact.Nodes, group)
	}

	return interact, nil
}

func buildRepeat(path string, v any) (*RepeatPlan, error) {
	if n, ok := asInt(v); ok {
		if n < 0 {
			return nil, invalid(path, "repeat count must not be negative")
		}
		return &RepeatPlan{Count: n}, nil
	}

	conds, ok := asSlice(v)
	if !ok {
		return nil, invalid(path, "expected an integer or a condition list")
	}
	repeat := &RepeatPlan{Count: -1}
	for i, c := range conds {
		condPath := fmt.Sprintf("%s[%d]", path, i)
		cm, ok := asMap(c)
		if !ok {
			return nil, invalid(condPath, "expected a condition mapping")
		}
		valueSpec, err := buildValue(condPath+".value", cm["value"])
		if err != nil {
			return nil, err
		}
		while, ok := asSlice(cm["while"])
		if !ok || len(while) != 2 {
			return nil, invalid(condPath, "while requires [operator, operand]")
		}
		op, ok := repeatOps[notation.ToString(while[0])]
		if !ok {
			return nil, invalid(condPath, "unknown operator %q", while[0])
		}
		repeat.Conditions = append(repeat.Conditions, RepeatCondition{
			Value:   valueSpec,
			Op:      op,
			Operand: while[1],
		})
	}
	if len(repeat.Conditions) == 0 {
		return nil, invalid(path, "empty condition list")
	}
	return repeat, nil
}

func buildNode(path string, m map[string]any) (NodePlan, error) {
	node := NodePlan{
		Selector: asStringOr(m["selector"], ""),
		Name:     asStringOr(m["name"], ""),
		Contains: asStringOr(m["contains"], ""),
		Excludes: asStringOr(m["excludes"], ""),
	}
	if node.Selector == "" {
		return node, invalid(path, "missing selector")
	}
	node.All, _ = m["all"].(bool)
	node.Show, _ = m["show"].(bool)
	node.Wait, _ = asInt(m["wait"])

	if v, ok := m["range"]; ok {
		rng, err := buildRange(path+".range", v)
		if err != nil {
			return node, err
		}
		node.Range = rng
	}

	if v, ok := m["actions"]; ok {
		items, ok := asSlice(v)
		if !ok {
			return node, invalid(path+".actions", "expected a sequence")
		}
		for i, item := range items {
			am, ok := asMap(item)
			if !ok {
				return node, invalid(fmt.Sprintf("%s.actions[%d]", path, i), "expected a mapping")
			}
			action, err := buildAction(fmt.Sprintf("%s.actions[%d]", path, i), am)
			if err != nil {
				return node, err
			}
			node.Actions = append(node.Actions, action)
		}
	}

	if v, ok := m["links"]; ok {
		items, ok := asSlice(v)
		if !ok {
			return node, invalid(path+".links", "expected a sequence")
		}
		for i, item := range items {
			lm, ok := asMap(item)
			if !ok {
				return node, invalid(fmt.Sprintf("%s.links[%d]", path, i), "expected a mapping")
			}
			link, err := buildLink(fmt.Sprintf("%s.links[%d]", path, i), lm)
			if err != nil {
				return node, err
			}
			node.Links = append(node.Links, link)
		}
	}

	if v, ok := m["data"]; ok {
		items, ok := asSlice(v)
		if !ok {
			return node, invalid(path+".data", "expected a sequence")
		}
		for i, item := range items {
			dm, ok := asMap(item)
			if !ok {
				return node, invalid(fmt.Sprintf("%s.data[%d]", path, i), "expected a mapping")
			}
			data, err := buildData(fmt.Sprintf("%s.data[%d]", path, i), dm)
			if err != nil {
				return node, err
			}
			node.Data = append(node.Data, data)
		}
	}

	if v, ok := m["interact"]; ok {
		im, ok := asMap(v)
		if !ok {
			return node, invalid(path+".interact", "expected a mapping")
		}
		interact, err := buildInteract(path+".interact", im)
		if err != nil {
			return node, err
		}
		node.Interact = interact
	}

	return node, nil
}

func buildRange(path string, v any) (*RangePlan, error) {
	items, ok := asSlice(v)
	if !ok || len(items) > 3 {
		return nil, invalid(path, "expected up to [start, stop, step]")
	}
	rng := &RangePlan{}
	bounds := []**int{&rng.Start, &rng.Stop, &rng.Step}
	for i, item := range items {
		if notation.ToString(item) == "_" {
			continue
		}
		n, ok := asInt(item)
		if !ok {
			return nil, invalid(path, "bound %d must be an integer or _", i)
		}
		val := n
		*bounds[i] = &val
	}
	if rng.Step != nil && *rng.Step < 1 {
		return nil, invalid(path, "step must be >= 1")
	}
	return rng, nil
}

func buildAction(path string, m map[string]any) (ActionPlan, error) {
	action := ActionPlan{Type: asStringOr(m["type"], "")}
	if action.Type == "" {
		return action, invalid(path, "missing action type")
	}
	action.Dispatch, _ = m["dispatch"].(bool)
	// Anything may be dispatched as a synthetic event; only the typed
	// pointer actions are supported natively.
	if !action.Dispatch && !actionTypes[action.Type] {
		return action, invalid(path, "unsupported action type %q", action.Type)
	}

	action.Delay, _ = asInt(m["delay"])
	action.Wait, _ = asInt(m["wait"])

	if v, ok := m["count"]; ok {
		spec, err := buildValue(path+".count", v)
		if err != nil {
			return action, err
		}
		action.Count = spec
		action.HasCount = true
	}

	if v, ok := m["screenshot"]; ok {
		tpl, err := notation.ParseTemplate(notation.ToString(v))
		if err != nil {
			return action, invalid(path+".screenshot", "%s", err)
		}
		action.Screenshot = tpl
	}

	if v, ok := m["options"]; ok {
		om, ok := asMap(v)
		if !ok {
			return action, invalid(path+".options", "expected a mapping")
		}
		action.Button = asStringOr(om["button"], "")
		if mods, ok := asSlice(om["modifiers"]); ok {
			for _, mod := range mods {
				action.Modifiers = append(action.Modifiers, notation.ToString(mod))
			}
		}
	}

	return action, nil
}

func buildLink(path string, m map[string]any) (LinkPlan, error) {
	link := LinkPlan{Name: asStringOr(m["name"], "")}
	if link.Name == "" {
		return link, invalid(path, "missing group name")
	}

	urlRaw := asStringOr(m["url"], "")
	if urlRaw == "" {
		return link, invalid(path, "missing url expression")
	}
	tpl, err := notation.ParseTemplate(urlRaw)
	if err != nil {
		return link, invalid(path+".url", "%s", err)
	}
	link.URL = tpl

	if v, ok := m["metadata"]; ok {
		md, ok := asMap(v)
		if !ok {
			return link, invalid(path+".metadata", "expected a mapping")
		}
		link.Metadata = map[string]*notation.Template{}
		for key, val := range md {
			tpl, err := notation.ParseTemplate(notation.ToString(val))
			if err != nil {
				return link, invalid(path+".metadata."+key, "%s", err)
			}
			link.Metadata[key] = tpl
		}
	}

	return link, nil
}

func buildData(path string, m map[string]any) (DataPlan, error) {
	data := DataPlan{Scope: asStringOr(m["scope"], "")}
	if data.Scope == "" {
		return data, invalid(path, "missing scope")
	}
	if _, err := scope.ParsePath(data.Scope); err != nil {
		return data, invalid(path+".scope", "%s", err)
	}

	v, ok := m["value"]
	if !ok {
		return data, invalid(path, "missing value")
	}
	spec, err := buildValue(path+".value", v)
	if err != nil {
		return data, err
	}
	data.Value = spec
	return data, nil
}

// buildValue builds the tagged value variant: scalar expression, list,
// object, or structured attribute mapping.
func buildValue(path string, v any) (ValueSpec, error) {
	switch val := v.(type) {
	case string:
		tpl, err := notation.ParseTemplate(val)
		if err != nil {
			return ValueSpec{}, invalid(path, "%s", err)
		}
		return ValueSpec{Kind: ValueScalar, Expr: tpl}, nil
	case nil:
		return ValueSpec{}, invalid(path, "missing value")
	}

	if items, ok := asSlice(v); ok {
		spec := ValueSpec{Kind: ValueList}
		for i, item := range items {
			sub, err := buildValue(fmt.Sprintf("%s[%d]", path, i), item)
			if err != nil {
				return ValueSpec{}, err
			}
			spec.List = append(spec.List, sub)
		}
		return spec, nil
	}

	m, ok := asMap(v)
	if !ok {
		// Numeric and boolean scalars pass through as literals.
		tpl, err := notation.ParseTemplate(notation.ToString(v))
		if err != nil {
			return ValueSpec{}, invalid(path, "%s", err)
		}
		return ValueSpec{Kind: ValueScalar, Expr: tpl}, nil
	}

	if _, isAttr := m["attribute"]; isAttr {
		attr, err := buildAttrSpec(path, m)
		if err != nil {
			return ValueSpec{}, err
		}
		return ValueSpec{Kind: ValueAttr, Attr: attr}, nil
	}

	spec := ValueSpec{Kind: ValueObject, Object: map[string]ValueSpec{}}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sub, err := buildValue(path+"."+k, m[k])
		if err != nil {
			return ValueSpec{}, err
		}
		spec.Object[k] = sub
		spec.ObjectKeys = append(spec.ObjectKeys, k)
	}
	return spec, nil
}

// buildAttrSpec converts the structured attribute mapping into the same
// AST the $attr notation produces.
func buildAttrSpec(path string, m map[string]any) (*notation.AttrExpr, error) {
	attr := &notation.AttrExpr{
		Attribute: asStringOr(m["attribute"], ""),
		Selector:  asStringOr(m["selector"], ""),
		Ctx:       notation.ScopeParent,
		Capture:   asStringOr(m["set_var"], ""),
	}
	if attr.Attribute == "" {
		return nil, invalid(path, "missing attribute")
	}
	attr.Child, _ = asInt(m["child_node"])
	attr.All, _ = m["all"].(bool)

	switch ctx := asStringOr(m["context"], "parent"); ctx {
	case "parent":
		attr.Ctx = notation.ScopeParent
	case "page":
		attr.Ctx = notation.ScopePage
	default:
		return nil, invalid(path+".context", "expected page or parent, got %q", ctx)
	}

	if v, ok := m["utils"]; ok {
		pipeline, err := buildUtils(path+".utils", v)
		if err != nil {
			return nil, err
		}
		attr.Pipeline = pipeline
	}
	return attr, nil
}

// buildUtils accepts both spellings: a sequence of "name arg" strings
// and a mapping of name to argument list. The sequence form preserves
// authored order; mapping entries apply in sorted name order, so
// order-sensitive pipelines should use the sequence form.
func buildUtils(path string, v any) ([]notation.UtilCall, error) {
	var pipeline []notation.UtilCall

	appendCall := func(name, arg string) error {
		if !notation.KnownUtility(name) {
			return invalid(path, "unknown utility %q", name)
		}
		pipeline = append(pipeline, notation.UtilCall{Name: name, Arg: arg})
		return nil
	}

	if items, ok := asSlice(v); ok {
		for _, item := range items {
			if m, ok := asMap(item); ok {
				for name, args := range m {
					if err := appendCall(name, firstArg(args)); err != nil {
						return nil, err
					}
				}
				continue
			}
			name, arg, _ := strings.Cut(notation.ToString(item), " ")
			if err := appendCall(name, strings.TrimSpace(arg)); err != nil {
				return nil, err
			}
		}
		return pipeline, nil
	}

	if m, ok := asMap(v); ok {
		names := make([]string, 0, len(m))
		for name := range m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := appendCall(name, firstArg(m[name])); err != nil {
				return nil, err
			}
		}
		return pipeline, nil
	}

	return nil, invalid(path, "expected a sequence or mapping of utilities")
}

func firstArg(v any) string {
	if args, ok := asSlice(v); ok && len(args) > 0 {
		return notation.ToString(args[0])
	}
	if v == nil {
		return ""
	}
	return notation.ToString(v)
}

// --- loose-typed helpers tolerating both YAML and JSON decoders ---

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[notation.ToString(k)] = val
		}
		return out, true
	}
	return nil, false
}

func asSlice(v any) ([]any, bool) {
	s, ok := v.([]any)
	return s, ok
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

func asStringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}
