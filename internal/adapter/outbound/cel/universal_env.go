package cel

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/facelock/facelock/internal/domain/identity"
)

// NewAccessEnvironment creates the CEL environment for access rules:
//   - Variables: identity, hour, minute, weekday, weekday_name, now
//   - Custom functions: glob, between
func NewAccessEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("identity", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("minute", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("weekday_name", cel.StringType),
		cel.Variable("now", cel.TimestampType),

		// glob: shell pattern match on labels.
		// Usage: glob("staff-*", identity)
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// between: inclusive start, exclusive end. Wraps past midnight when start > end.
		// Usage: between(hour, 22, 6)
		cel.Function("between",
			cel.Overload("between_int_int_int",
				[]*cel.Type{cel.IntType, cel.IntType, cel.IntType},
				cel.BoolType,
				cel.FunctionBinding(func(args ...ref.Val) ref.Val {
					v := args[0].Value().(int64)
					start := args[1].Value().(int64)
					end := args[2].Value().(int64)
					if start <= end {
						return types.Bool(v >= start && v < end)
					}
					return types.Bool(v >= start || v < end)
				}),
			),
		),
	)
}

// BuildActivation creates the variable map for req with times in loc.
func BuildActivation(req identity.AccessRequest, loc *time.Location) map[string]any {
	t := req.Time
	if t.IsZero() {
		t = time.Now()
	}
	if loc != nil {
		t = t.In(loc)
	}
	return map[string]any{
		"identity":     req.Identity,
		"hour":         int64(t.Hour()),
		"minute":       int64(t.Minute()),
		"weekday":      int64(t.Weekday()),
		"weekday_name": strings.ToLower(t.Weekday().String()),
		"now":          t,
	}
}
