// internal/service/promotion/infrastructure/rule/cel_engine.go
package rule

import (
	"context"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"minimall/internal/service/promotion/domain"
)

// CelEngine 用 CEL 表达式评估领取资格规则，实现 domain.RuleEngine。
// 规则表达式可引用 userId、couponId、queueSize 三个变量，
// 例如 `queueSize < 10000` 或 `userId.endsWith("-vip")`。
// 编译结果按表达式缓存，同一规则只编译一次。
type CelEngine struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCelEngine 创建规则引擎。
func NewCelEngine() (*CelEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("userId", cel.StringType),
		cel.Variable("couponId", cel.StringType),
		cel.Variable("queueSize", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create cel environment")
	}
	return &CelEngine{env: env, programs: make(map[string]cel.Program)}, nil
}

// Evaluate 实现 domain.RuleEngine。非布尔结果视为规则定义错误。
func (e *CelEngine) Evaluate(_ context.Context, ruleExpr string, fact domain.Fact) (bool, error) {
	program, err := e.compile(ruleExpr)
	if err != nil {
		return false, err
	}

	out, _, err := program.Eval(map[string]interface{}{
		"userId":    fact.UserID,
		"couponId":  fact.CouponID,
		"queueSize": fact.QueueSize,
	})
	if err != nil {
		return false, errors.Wrapf(err, "evaluate rule %q", ruleExpr)
	}

	eligible, ok := out.Value().(bool)
	if !ok {
		return false, errors.Errorf("rule %q does not evaluate to a boolean", ruleExpr)
	}
	return eligible, nil
}

func (e *CelEngine) compile(ruleExpr string) (cel.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[ruleExpr]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	ast, issues := e.env.Compile(ruleExpr)
	if issues != nil && issues.Err() != nil {
		return nil, errors.Wrapf(issues.Err(), "compile rule %q", ruleExpr)
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, errors.Wrapf(err, "build program for rule %q", ruleExpr)
	}

	e.mu.Lock()
	e.programs[ruleExpr] = program
	e.mu.Unlock()
	return program, nil
}
