// Package formula evaluates stored metric operations. An operation is a
// call into a fixed, closed registry of primitives, interpreted over a
// small AST and never executed as code.
package formula

import (
	"context"
	"fmt"
	"math"

	"sitepulse/internal/provider"
	"sitepulse/internal/timeframe"
)

// GoalSource resolves goal completions for the current (site, metric).
type GoalSource interface {
	GoalCompletions(ctx context.Context, siteID, metricID uint, window timeframe.Window) (float64, error)
}

// PriorSource reads a value already persisted in this run for the current
// site and month.
type PriorSource interface {
	PriorValue(siteID uint, month timeframe.Month, metricID uint) (float64, error)
}

// Env is the explicit evaluation context: the current site, metric and date
// window plus the collaborators primitives may call. Nothing is shared
// through package state.
type Env struct {
	SiteID   uint
	ViewID   string
	MetricID uint
	Month    timeframe.Month

	Fetcher provider.Fetcher
	Goals   GoalSource
	Prior   PriorSource
}

type primitive struct {
	minArgs int
	maxArgs int
	eval    func(ctx context.Context, env Env, args []Node) (float64, error)
}

// registry is the closed primitive set. Stored operations may call nothing
// else. Populated in init because the eval funcs recurse through evalCall,
// which reads the registry.
var registry = map[string]primitive{}

func init() {
	registry["fetchScalar"] = primitive{minArgs: 3, maxArgs: 4, eval: evalFetchScalar}
	registry["fetchCountryVisits"] = primitive{minArgs: 1, maxArgs: 1, eval: evalFetchCountryVisits}
	registry["fetchGoalCompletions"] = primitive{minArgs: 0, maxArgs: 0, eval: evalFetchGoalCompletions}
	registry["percentToFraction"] = primitive{minArgs: 1, maxArgs: 1, eval: evalPercentToFraction}
	registry["priorValue"] = primitive{minArgs: 1, maxArgs: 1, eval: evalPriorValue}
}

// Evaluate parses and runs one stored operation, producing exactly one
// scalar or failing. Evaluation is synchronous; its only side effects are
// provider fetches and their throttle delays.
func Evaluate(ctx context.Context, env Env, operation string) (float64, error) {
	call, err := Parse(operation)
	if err != nil {
		return 0, fmt.Errorf("invalid operation for metric %d: %w", env.MetricID, err)
	}
	return evalCall(ctx, env, call)
}

func evalCall(ctx context.Context, env Env, call *Call) (float64, error) {
	prim, ok := registry[call.Name]
	if !ok {
		return 0, fmt.Errorf("unknown primitive %q", call.Name)
	}
	if len(call.Args) < prim.minArgs || len(call.Args) > prim.maxArgs {
		return 0, fmt.Errorf("%s expects %d..%d arguments, got %d",
			call.Name, prim.minArgs, prim.maxArgs, len(call.Args))
	}
	return prim.eval(ctx, env, call.Args)
}

// evalScalarArg evaluates an argument that must produce a number: a literal
// or a nested primitive call.
func evalScalarArg(ctx context.Context, env Env, arg Node) (float64, error) {
	switch n := arg.(type) {
	case Number:
		return n.Value, nil
	case *Call:
		return evalCall(ctx, env, n)
	default:
		return 0, fmt.Errorf("expected a number or nested call, got %T", arg)
	}
}

func stringArg(args []Node, idx int, primName string) (string, error) {
	s, ok := args[idx].(String)
	if !ok {
		return "", fmt.Errorf("%s: argument %d must be a name or string", primName, idx+1)
	}
	return s.Value, nil
}

func evalFetchScalar(ctx context.Context, env Env, args []Node) (float64, error) {
	accessor, err := stringArg(args, 0, "fetchScalar")
	if err != nil {
		return 0, err
	}
	dimensions, err := stringArg(args, 1, "fetchScalar")
	if err != nil {
		return 0, err
	}
	metricsSpec, err := stringArg(args, 2, "fetchScalar")
	if err != nil {
		return 0, err
	}
	var filter string
	if len(args) == 4 {
		if filter, err = stringArg(args, 3, "fetchScalar"); err != nil {
			return 0, err
		}
	}

	// Validate the accessor before spending a provider request on it
	if _, err := provider.MetricKeyForAccessor(accessor); err != nil {
		return 0, err
	}

	report, err := env.Fetcher.Fetch(ctx, provider.Request{
		ProfileID:  env.ViewID,
		Dimensions: dimensions,
		Metrics:    metricsSpec,
		Filter:     filter,
		Window:     env.Month.Window(),
	})
	if err != nil {
		return 0, err
	}
	return report.Accessor(accessor)
}

func evalFetchCountryVisits(ctx context.Context, env Env, args []Node) (float64, error) {
	name, err := stringArg(args, 0, "fetchCountryVisits")
	if err != nil {
		return 0, err
	}

	country, err := provider.CanonicalCountryName(name)
	if err != nil {
		return 0, err
	}

	report, err := env.Fetcher.Fetch(ctx, provider.Request{
		ProfileID:  env.ViewID,
		Dimensions: "country",
		Metrics:    "sessions",
		Filter:     "country == " + country,
		Window:     env.Month.Window(),
	})
	if err != nil {
		return 0, err
	}
	return report.Accessor("getSessions")
}

func evalFetchGoalCompletions(ctx context.Context, env Env, _ []Node) (float64, error) {
	return env.Goals.GoalCompletions(ctx, env.SiteID, env.MetricID, env.Month.Window())
}

func evalPercentToFraction(ctx context.Context, env Env, args []Node) (float64, error) {
	value, err := evalScalarArg(ctx, env, args[0])
	if err != nil {
		return 0, err
	}
	return value / 100, nil
}

func evalPriorValue(ctx context.Context, env Env, args []Node) (float64, error) {
	num, ok := args[0].(Number)
	if !ok {
		return 0, fmt.Errorf("priorValue: argument must be a metric id")
	}
	if num.Value != math.Trunc(num.Value) || num.Value <= 0 {
		return 0, fmt.Errorf("priorValue: %v is not a valid metric id", num.Value)
	}
	return env.Prior.PriorValue(env.SiteID, env.Month, uint(num.Value))
}
