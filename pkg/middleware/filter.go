package middleware

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/rzbill/runnel/internal/jsoncodec"
	"github.com/rzbill/runnel/pkg/runnel"
)

// Filter drops records for which the CEL expression is false. Dropped records
// are acknowledged without reaching the handler. The expression sees:
//
//	partition, seq, ts_ms, now_ms, size, deliveries  int
//	key, id, codec, text                             string
//	headers                                          map(string, string)
//	json                                             the payload parsed as JSON, or null
//
// An expression that fails at runtime counts as false.
func Filter(expr string) (runnel.Middleware, error) {
	f, err := compileFilter(expr)
	if err != nil {
		return nil, err
	}
	return func(next runnel.RawHandler) runnel.RawHandler {
		if f == nil {
			return next
		}
		return func(ctx context.Context, it runnel.Iterator) error {
			return next(ctx, &hooked{Iterator: it, accept: f.eval})
		}
	}, nil
}

type celFilter struct {
	prog cel.Program
}

func compileFilter(expr string) (*celFilter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("partition", cel.IntType),
		cel.Variable("seq", cel.IntType),
		cel.Variable("ts_ms", cel.IntType),
		cel.Variable("now_ms", cel.IntType),
		cel.Variable("size", cel.IntType),
		cel.Variable("deliveries", cel.IntType),
		cel.Variable("key", cel.StringType),
		cel.Variable("id", cel.StringType),
		cel.Variable("codec", cel.StringType),
		cel.Variable("text", cel.StringType),
		cel.Variable("headers", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("json", cel.DynType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("middleware: filter %q: %w", expr, iss.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	return &celFilter{prog: prog}, nil
}

func (f *celFilter) eval(e runnel.Entry) bool {
	var doc any
	if e.Codec == "" || e.Codec == "json" {
		_ = jsoncodec.Unmarshal(e.Payload, &doc)
	}
	headers := e.Attrs
	if headers == nil {
		headers = map[string]string{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"partition":  int64(e.Partition),
		"seq":        int64(e.Seq),
		"ts_ms":      e.TsMs,
		"now_ms":     time.Now().UnixMilli(),
		"size":       int64(len(e.Payload)),
		"deliveries": int64(e.Deliveries),
		"key":        e.Key,
		"id":         e.ID,
		"codec":      e.Codec,
		"text":       string(e.Payload),
		"headers":    headers,
		"json":       doc,
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
