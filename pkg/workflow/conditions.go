// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package workflow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/teradata-labs/hive/pkg/types"
)

// EvalContext is the read-only view a condition evaluates against. Paths
// address the instance context by section, e.g. "variables.count",
// "inputs.region", "nodeOutputs.check.ok". A bare name resolves against
// variables first, then inputs. Event conditions additionally see the
// triggering payload under "event".
type EvalContext struct {
	scope map[string]interface{}
}

// NewEvalContext builds an evaluation scope from an instance context and
// an optional event payload.
func NewEvalContext(wc *types.WorkflowContext, event map[string]interface{}) *EvalContext {
	scope := map[string]interface{}{
		"inputs":      wc.Inputs,
		"variables":   wc.Variables,
		"outputs":     wc.Outputs,
		"nodeOutputs": wc.NodeOutputs,
	}
	if event != nil {
		scope["event"] = event
	}
	return &EvalContext{scope: scope}
}

// Lookup resolves a dotted path. The second return is false when any
// segment is absent.
func (c *EvalContext) Lookup(path string) (interface{}, bool) {
	var cur interface{} = c.scope
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (c *EvalContext) resolveName(name string) (interface{}, bool) {
	if v, ok := c.Lookup(name); ok {
		return v, true
	}
	if v, ok := c.Lookup("variables." + name); ok {
		return v, true
	}
	if v, ok := c.Lookup("inputs." + name); ok {
		return v, true
	}
	return nil, false
}

// FunctionHandler is a registered condition predicate. Handlers must be
// side-effect free.
type FunctionHandler func(ctx *EvalContext) (bool, error)

// Evaluator interprets conditions. Expressions run through a bounded DSL,
// comparisons evaluate left/op/right against the context, and function
// conditions dispatch to a registered handler; source is never eval'd.
type Evaluator struct {
	mu    sync.RWMutex
	funcs map[string]FunctionHandler
}

// NewEvaluator creates an Evaluator with an empty handler table.
func NewEvaluator() *Evaluator {
	return &Evaluator{funcs: make(map[string]FunctionHandler)}
}

// RegisterFunction installs a named condition handler.
func (e *Evaluator) RegisterFunction(name string, fn FunctionHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = fn
}

// Evaluate runs one condition against the context.
func (e *Evaluator) Evaluate(cond *types.Condition, ctx *EvalContext) (bool, error) {
	if cond == nil {
		return false, fmt.Errorf("workflow: nil condition")
	}
	switch cond.Type {
	case types.ConditionExpression:
		return e.evalExpression(cond.Expression, ctx)
	case types.ConditionComparison:
		left, err := resolveToken(cond.Left, ctx)
		if err != nil {
			return false, fmt.Errorf("resolve left %q: %w", cond.Left, err)
		}
		right := resolveOperand(cond.Right, ctx)
		return compareValues(left, right, cond.Operator)
	case types.ConditionFunction:
		e.mu.RLock()
		fn := e.funcs[cond.Handler]
		e.mu.RUnlock()
		if fn == nil {
			return false, fmt.Errorf("workflow: unknown condition handler %q", cond.Handler)
		}
		return fn(ctx)
	default:
		return false, fmt.Errorf("workflow: unknown condition type %q", cond.Type)
	}
}

// evalExpression interprets a boolean expression. Supported forms:
// logical || and && (short-circuit, || lowest precedence), prefix !,
// the comparison operators, numeric / boolean / quoted string literals,
// and context paths.
func (e *Evaluator) evalExpression(expr string, ctx *EvalContext) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, fmt.Errorf("workflow: empty expression")
	}

	if parts := splitTopLevel(expr, "||"); len(parts) > 1 {
		for _, part := range parts {
			ok, err := e.evalExpression(part, ctx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	if parts := splitTopLevel(expr, "&&"); len(parts) > 1 {
		for _, part := range parts {
			ok, err := e.evalExpression(part, ctx)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	if strings.HasPrefix(expr, "!") && !strings.HasPrefix(expr, "!=") {
		ok, err := e.evalExpression(expr[1:], ctx)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}

	// Two-character operators first so "<=" is not split at "<".
	for _, op := range []string{"<=", ">=", "==", "!=", "<", ">"} {
		idx := indexOutsideQuotes(expr, op)
		if idx < 0 {
			continue
		}
		left, err := resolveToken(expr[:idx], ctx)
		if err != nil {
			return false, fmt.Errorf("resolve %q: %w", strings.TrimSpace(expr[:idx]), err)
		}
		right, err := resolveToken(expr[idx+len(op):], ctx)
		if err != nil {
			return false, fmt.Errorf("resolve %q: %w", strings.TrimSpace(expr[idx+len(op):]), err)
		}
		return compareValues(left, right, op)
	}

	// Bare term: must be a boolean.
	val, err := resolveToken(expr, ctx)
	if err != nil {
		return false, err
	}
	b, ok := val.(bool)
	if !ok {
		return false, fmt.Errorf("workflow: expression %q is not boolean", expr)
	}
	return b, nil
}

// indexOutsideQuotes finds the first occurrence of op that is not
// inside a quoted string literal.
func indexOutsideQuotes(expr, op string) int {
	quoted := false
	for i := 0; i+len(op) <= len(expr); i++ {
		if expr[i] == '\'' || expr[i] == '"' {
			quoted = !quoted
			continue
		}
		if !quoted && expr[i:i+len(op)] == op {
			return i
		}
	}
	return -1
}

// splitTopLevel splits on an operator outside quoted strings.
func splitTopLevel(expr, op string) []string {
	var parts []string
	quoted := false
	start := 0
	for i := 0; i+len(op) <= len(expr); i++ {
		if expr[i] == '\'' || expr[i] == '"' {
			quoted = !quoted
			continue
		}
		if !quoted && expr[i:i+len(op)] == op {
			parts = append(parts, expr[start:i])
			start = i + len(op)
			i += len(op) - 1
		}
	}
	parts = append(parts, expr[start:])
	return parts
}

// resolveToken turns one expression term into a value: boolean and
// numeric literals, quoted strings, or a context path.
func resolveToken(token string, ctx *EvalContext) (interface{}, error) {
	token = strings.TrimSpace(token)
	switch token {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	if n, err := strconv.ParseFloat(token, 64); err == nil {
		return n, nil
	}
	if len(token) >= 2 {
		if (token[0] == '\'' && token[len(token)-1] == '\'') ||
			(token[0] == '"' && token[len(token)-1] == '"') {
			return token[1 : len(token)-1], nil
		}
	}
	if v, ok := ctx.resolveName(token); ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown variable: %s", token)
}

// resolveOperand interprets a comparison right-hand side. A string that
// names a context path resolves to that value; anything else is a
// literal.
func resolveOperand(v interface{}, ctx *EvalContext) interface{} {
	if s, ok := v.(string); ok {
		if resolved, found := ctx.resolveName(s); found {
			return resolved
		}
	}
	return v
}

// compareValues applies one comparison operator.
func compareValues(left, right interface{}, op string) (bool, error) {
	op = strings.TrimSpace(op)

	switch op {
	case "contains", "startsWith", "endsWith", "matches":
		ls, ok := left.(string)
		if !ok {
			return false, fmt.Errorf("workflow: %s needs a string left side, got %T", op, left)
		}
		rs, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("workflow: %s needs a string right side, got %T", op, right)
		}
		switch op {
		case "contains":
			return strings.Contains(ls, rs), nil
		case "startsWith":
			return strings.HasPrefix(ls, rs), nil
		case "endsWith":
			return strings.HasSuffix(ls, rs), nil
		default:
			matched, err := regexp.MatchString(rs, ls)
			if err != nil {
				return false, fmt.Errorf("workflow: bad pattern %q: %w", rs, err)
			}
			return matched, nil
		}
	}

	if lb, ok := left.(bool); ok {
		rb, ok := right.(bool)
		if !ok {
			return false, fmt.Errorf("workflow: cannot compare bool with %T", right)
		}
		switch op {
		case "==":
			return lb == rb, nil
		case "!=":
			return lb != rb, nil
		}
		return false, fmt.Errorf("workflow: operator %s not defined on booleans", op)
	}

	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return false, fmt.Errorf("workflow: cannot compare string with %T", right)
		}
		switch op {
		case "==":
			return ls == rs, nil
		case "!=":
			return ls != rs, nil
		case "<":
			return ls < rs, nil
		case ">":
			return ls > rs, nil
		case "<=":
			return ls <= rs, nil
		case ">=":
			return ls >= rs, nil
		}
		return false, fmt.Errorf("workflow: unknown operator %q", op)
	}

	ln, lok := toFloat64(left)
	rn, rok := toFloat64(right)
	if !lok || !rok {
		return false, fmt.Errorf("workflow: cannot compare %T %s %T", left, op, right)
	}
	switch op {
	case "==":
		return ln == rn, nil
	case "!=":
		return ln != rn, nil
	case "<":
		return ln < rn, nil
	case ">":
		return ln > rn, nil
	case "<=":
		return ln <= rn, nil
	case ">=":
		return ln >= rn, nil
	}
	return false, fmt.Errorf("workflow: unknown operator %q", op)
}

func toFloat64(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
