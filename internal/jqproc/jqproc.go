// Package jqproc runs JQ transformations over assembled responses. The
// evaluation environment exposes queryHugr, a reentrant primitive that runs
// a GraphQL document through the engine and returns its response envelope;
// each call is an independent request with no shared transaction scope.
package jqproc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/itchyny/gojq"
)

// QueryFunc runs one GraphQL document and returns its response envelope.
// The engine provides it; jqproc never imports the engine.
type QueryFunc func(ctx context.Context, query string, variables map[string]interface{}) (interface{}, error)

// Processor evaluates JQ programs.
type Processor struct {
	queryFn QueryFunc
}

func New(queryFn QueryFunc) *Processor {
	return &Processor{queryFn: queryFn}
}

// Result is one transformation outcome. Origin is set only when the caller
// asked to retain the untransformed input alongside the output.
type Result struct {
	Output interface{}
	Origin interface{}
}

// Run evaluates one JQ program against input. Variables are exposed as JQ
// $-variables. A program producing multiple outputs yields an array.
func (p *Processor) Run(ctx context.Context, program string, input interface{}, variables map[string]interface{}, includeOrigin bool) (*Result, error) {
	parsed, err := gojq.Parse(program)
	if err != nil {
		return nil, fmt.Errorf("parse jq program: %w", err)
	}

	names := make([]string, 0, len(variables))
	for name := range variables {
		names = append(names, name)
	}
	sort.Strings(names)
	varNames := make([]string, len(names))
	varValues := make([]interface{}, len(names))
	for i, name := range names {
		varNames[i] = "$" + name
		v, err := normalize(variables[name])
		if err != nil {
			return nil, fmt.Errorf("jq variable %s: %w", name, err)
		}
		varValues[i] = v
	}

	code, err := gojq.Compile(parsed,
		gojq.WithVariables(varNames),
		gojq.WithFunction("queryHugr", 1, 2, p.queryHugr(ctx)),
	)
	if err != nil {
		return nil, fmt.Errorf("compile jq program: %w", err)
	}

	in, err := normalize(input)
	if err != nil {
		return nil, fmt.Errorf("jq input: %w", err)
	}

	var outputs []interface{}
	iter := code.RunWithContext(ctx, in, varValues...)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq evaluation: %w", err)
		}
		outputs = append(outputs, v)
	}

	res := &Result{}
	switch len(outputs) {
	case 0:
		res.Output = nil
	case 1:
		res.Output = outputs[0]
	default:
		res.Output = outputs
	}
	if includeOrigin {
		res.Origin = in
	}
	return res, nil
}

// RunChain evaluates programs in order, each stage consuming the previous
// stage's output.
func (p *Processor) RunChain(ctx context.Context, programs []string, input interface{}, variables map[string]interface{}) (interface{}, error) {
	current := input
	for i, program := range programs {
		res, err := p.Run(ctx, program, current, variables, false)
		if err != nil {
			return nil, fmt.Errorf("jq stage %d: %w", i, err)
		}
		current = res.Output
	}
	return current, nil
}

// queryHugr builds the reentrant query function bound to the outer request
// context. Usage: queryHugr(query) or queryHugr(query; vars).
func (p *Processor) queryHugr(ctx context.Context) func(interface{}, []interface{}) interface{} {
	return func(_ interface{}, args []interface{}) interface{} {
		queryText, ok := args[0].(string)
		if !ok {
			return fmt.Errorf("queryHugr: query must be a string")
		}
		var vars map[string]interface{}
		if len(args) > 1 && args[1] != nil {
			vars, ok = args[1].(map[string]interface{})
			if !ok {
				return fmt.Errorf("queryHugr: variables must be an object")
			}
		}
		envelope, err := p.queryFn(ctx, queryText, vars)
		if err != nil {
			return fmt.Errorf("queryHugr: %w", err)
		}
		out, err := normalize(envelope)
		if err != nil {
			return fmt.Errorf("queryHugr: %w", err)
		}
		return out
	}
}

// normalize round-trips a value through JSON so gojq sees only the value
// types it accepts.
func normalize(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
