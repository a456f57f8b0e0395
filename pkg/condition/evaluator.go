package condition

import (
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"
)

// Evaluator evaluates gating expressions against a read-only context map.
// Expressions may reference variables as bare identifiers, {{name}}, or
// ${name}; the template forms are rewritten to identifiers before
// compilation so compiled programs stay cacheable.
type Evaluator struct {
	cache *Cache
}

// NewEvaluator creates an evaluator with a default-sized program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: NewCache(100)}
}

var templateVarPattern = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}|\$\{\s*(\w+)\s*\}`)

// normalize rewrites {{name}} and ${name} references to bare identifiers.
func normalize(expression string) string {
	return templateVarPattern.ReplaceAllStringFunc(expression, func(match string) string {
		groups := templateVarPattern.FindStringSubmatch(match)
		if groups[1] != "" {
			return groups[1]
		}
		return groups[2]
	})
}

// Evaluate compiles (or fetches) the expression and runs it against the
// context. Empty expressions evaluate to true. Non-boolean results and
// compile failures are errors, never silent truth.
func (e *Evaluator) Evaluate(expression string, context map[string]any) (bool, error) {
	if expression == "" {
		return true, nil
	}

	normalized := normalize(expression)

	program, err := e.cache.compileAndCache(normalized)
	if err != nil {
		return false, fmt.Errorf("failed to compile condition %q: %w", expression, err)
	}

	env := context
	if env == nil {
		env = map[string]any{}
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", expression, err)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q must return boolean, got %T", expression, result)
	}

	return boolResult, nil
}
