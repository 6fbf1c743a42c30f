package jqproc

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noQueries(t *testing.T) QueryFunc {
	return func(context.Context, string, map[string]interface{}) (interface{}, error) {
		t.Fatal("unexpected engine call")
		return nil, nil
	}
}

func TestRunTransformsData(t *testing.T) {
	p := New(noQueries(t))
	input := map[string]interface{}{
		"customers": []interface{}{
			map[string]interface{}{"name": "Ada", "total": 10},
			map[string]interface{}{"name": "Grace", "total": 5},
		},
	}

	res, err := p.Run(context.Background(), `[.customers[].name]`, input, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"Ada", "Grace"}, res.Output)
	assert.Nil(t, res.Origin)
}

func TestRunIncludeOrigin(t *testing.T) {
	p := New(noQueries(t))
	res, err := p.Run(context.Background(), `.a`, map[string]interface{}{"a": 1}, nil, true)
	require.NoError(t, err)
	assert.Equal(t, float64(1), res.Output)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, res.Origin)
}

func TestRunVariables(t *testing.T) {
	p := New(noQueries(t))
	res, err := p.Run(context.Background(), `.total * $rate`,
		map[string]interface{}{"total": 10}, map[string]interface{}{"rate": 2}, false)
	require.NoError(t, err)
	assert.Equal(t, float64(20), res.Output)
}

func TestRunMultipleOutputsYieldArray(t *testing.T) {
	p := New(noQueries(t))
	res, err := p.Run(context.Background(), `.[]`, []interface{}{1, 2}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{float64(1), float64(2)}, res.Output)
}

func TestQueryHugrReentry(t *testing.T) {
	var gotQuery string
	var gotVars map[string]interface{}
	p := New(func(_ context.Context, query string, vars map[string]interface{}) (interface{}, error) {
		gotQuery = query
		gotVars = vars
		return map[string]interface{}{
			"data": map[string]interface{}{
				"orders": []interface{}{map[string]interface{}{"total": 9.5}},
			},
		}, nil
	})

	res, err := p.Run(context.Background(),
		`.customers[] | queryHugr("{ orders { total } }"; {id: .id}).data.orders[0].total`,
		map[string]interface{}{
			"customers": []interface{}{map[string]interface{}{"id": 1}},
		}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 9.5, res.Output)
	assert.Equal(t, `{ orders { total } }`, gotQuery)
	assert.Equal(t, map[string]interface{}{"id": float64(1)}, gotVars)
}

func TestQueryHugrErrorSurfacesAsEvaluationError(t *testing.T) {
	p := New(func(context.Context, string, map[string]interface{}) (interface{}, error) {
		return nil, errors.New("boom")
	})
	_, err := p.Run(context.Background(), `queryHugr("{ x }")`, nil, nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRunChain(t *testing.T) {
	p := New(noQueries(t))
	out, err := p.RunChain(context.Background(),
		[]string{`[.items[].price]`, `add`},
		map[string]interface{}{"items": []interface{}{
			map[string]interface{}{"price": 2},
			map[string]interface{}{"price": 3},
		}}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(5), out)
}

func TestRunBadProgram(t *testing.T) {
	p := New(noQueries(t))
	_, err := p.Run(context.Background(), `.[`, nil, nil, false)
	assert.Error(t, err)
}
