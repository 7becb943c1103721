package hparams

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"
)

// ErrUnknownSource is returned for sources no scheme recognizes.
var ErrUnknownSource = errors.New("unknown hyperparameter source")

// Source schemes.
const (
	SchemeParams = "params:"
	SchemeAuto   = "auto:"
	SchemeJSON   = "json:"
	SchemeMLflow = "mlflow:///"
)

// Resolver turns source strings into a Space. A source is one of:
//
//	params:lr=loguniform(1e-4, 1e-1);epochs=randint(5, 50);solver=adam
//	auto:default:model=logistic;task=multi_class_classification
//	json:{"lr": {"type": "loguniform", "low": 1e-4, "high": 0.1}}
//	mlflow:///<run_id>
//	path/to/space.yaml | path/to/space.json[#gjson.path]
//
// Later sources override parameters of earlier ones.
type Resolver struct {
	// Auto returns a built-in space for "auto:<name>:<k=v;...>" sources.
	Auto func(name string, params map[string]string) (Space, error)

	// RunConfig returns a configuration recorded by a tracking run: the best
	// one when trialPath is empty, otherwise that trial's.
	RunConfig func(ctx context.Context, runID, trialPath string) (map[string]any, error)
}

// Resolve merges sources left to right.
func (r Resolver) Resolve(ctx context.Context, sources ...string) (Space, error) {
	space := Space{}
	for _, src := range sources {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		s, err := r.resolve(ctx, src)
		if err != nil {
			return nil, fmt.Errorf("hyperparameter source %q: %w", src, err)
		}
		space = space.Merge(s)
	}
	return space, nil
}

func (r Resolver) resolve(ctx context.Context, src string) (Space, error) {
	switch {
	case strings.HasPrefix(src, SchemeParams):
		return ParseParams(strings.TrimPrefix(src, SchemeParams))

	case strings.HasPrefix(src, SchemeAuto):
		if r.Auto == nil {
			return nil, fmt.Errorf("%w: auto sources are not configured", ErrUnknownSource)
		}
		name, rest, _ := strings.Cut(strings.TrimPrefix(src, SchemeAuto), ":")
		kv, err := parseKeyValues(rest)
		if err != nil {
			return nil, err
		}
		return r.Auto(name, kv)

	case strings.HasPrefix(src, SchemeJSON):
		return ParseJSON(strings.TrimPrefix(src, SchemeJSON), "")

	case strings.HasPrefix(src, SchemeMLflow):
		if r.RunConfig == nil {
			return nil, fmt.Errorf("%w: run sources are not configured", ErrUnknownSource)
		}
		runID, trialPath, _ := strings.Cut(strings.Trim(strings.TrimPrefix(src, SchemeMLflow), "/"), "/")
		if runID == "" {
			return nil, fmt.Errorf("source %q has no run ID", src)
		}
		cfg, err := r.RunConfig(ctx, runID, strings.Trim(trialPath, "/"))
		if err != nil {
			return nil, err
		}
		space := make(Space, len(cfg))
		for k, v := range cfg {
			space[k] = Value{V: v}
		}
		return space, nil
	}

	path, fragment, _ := strings.Cut(src, "#")
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return ParseYAML(data)
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return ParseJSON(string(data), fragment)
	}
	return nil, ErrUnknownSource
}

// ParseParams parses "name=value;name=fn(args)". Values are YAML scalars;
// fn is one of uniform, loguniform, randint, lograndint, choice.
func ParseParams(s string) (Space, error) {
	space := Space{}
	for _, item := range splitTopLevel(s, ';') {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, expr, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("expected name=value, got %q", item)
		}
		d, err := parseExpr(strings.TrimSpace(expr))
		if err != nil {
			return nil, fmt.Errorf("hyperparameter %q: %w", name, err)
		}
		if err := validate(name, d); err != nil {
			return nil, err
		}
		space[name] = d
	}
	return space, nil
}

func parseExpr(expr string) (Distribution, error) {
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return Value{V: scalar(expr)}, nil
	}

	fn := strings.TrimSpace(expr[:open])
	var args []any
	for _, a := range splitTopLevel(expr[open+1:len(expr)-1], ',') {
		args = append(args, scalar(strings.TrimSpace(a)))
	}
	return distribution(fn, args)
}

// distribution builds a distribution from a function name and its arguments.
func distribution(fn string, args []any) (Distribution, error) {
	if fn == "choice" {
		return Choice(args), nil
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("%s takes 2 arguments, got %d", fn, len(args))
	}
	lo, okLo := number(args[0])
	hi, okHi := number(args[1])
	if !okLo || !okHi {
		return nil, fmt.Errorf("%s arguments must be numbers", fn)
	}
	switch fn {
	case "uniform":
		return Range{lo, hi}, nil
	case "loguniform":
		return LogRange{lo, hi}, nil
	case "randint":
		return IntRange{int(lo), int(hi)}, nil
	case "lograndint":
		return LogIntRange{int(lo), int(hi)}, nil
	}
	return nil, fmt.Errorf("unknown distribution %q", fn)
}

// ParseYAML reads a space from a YAML mapping. Entries are scalars (constants),
// lists (choices) or mappings {type, low, high} / {type: choice, values}.
func ParseYAML(data []byte) (Space, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	space := Space{}
	for name, v := range raw {
		d, err := fromValue(v)
		if err != nil {
			return nil, fmt.Errorf("hyperparameter %q: %w", name, err)
		}
		if err := validate(name, d); err != nil {
			return nil, err
		}
		space[name] = d
	}
	return space, nil
}

// ParseJSON reads a space from a JSON object in the same shape as ParseYAML.
// A non-empty path selects a nested object with gjson path syntax.
func ParseJSON(doc string, path string) (Space, error) {
	if !gjson.Valid(doc) {
		return nil, errors.New("invalid JSON")
	}
	root := gjson.Parse(doc)
	if path != "" {
		root = root.Get(path)
		if !root.Exists() {
			return nil, fmt.Errorf("JSON path %q not found", path)
		}
	}
	if !root.IsObject() {
		return nil, errors.New("hyperparameter space must be a JSON object")
	}

	space := Space{}
	var err error
	root.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		var d Distribution
		if d, err = fromValue(value.Value()); err != nil {
			err = fmt.Errorf("hyperparameter %q: %w", name, err)
			return false
		}
		if err = validate(name, d); err != nil {
			return false
		}
		space[name] = d
		return true
	})
	if err != nil {
		return nil, err
	}
	return space, nil
}

func fromValue(v any) (Distribution, error) {
	switch v := v.(type) {
	case []any:
		return Choice(v), nil
	case map[string]any:
		fn, _ := v["type"].(string)
		if fn == "" {
			return nil, errors.New(`missing "type"`)
		}
		if fn == "choice" {
			values, ok := v["values"].([]any)
			if !ok {
				return nil, errors.New(`choice needs a "values" list`)
			}
			return Choice(values), nil
		}
		return distribution(fn, []any{v["low"], v["high"]})
	}
	return Value{V: v}, nil
}

// scalar types a textual value the way YAML would: ints, floats, bools,
// null, otherwise strings.
func scalar(s string) any {
	var v any
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case int, float64, bool, string, nil:
		return v
	}
	return s
}

func number(v any) (float64, bool) {
	switch v := v.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func parseKeyValues(s string) (map[string]string, error) {
	out := map[string]string{}
	for _, item := range strings.Split(s, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("expected key=value, got %q", item)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}

// splitTopLevel splits s on sep outside of parentheses and brackets.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
