package gqlerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathChild(t *testing.T) {
	root := Path{"orders"}
	child := root.Child(0).Child("customer")

	assert.Equal(t, Path{"orders"}, root, "parent path must not be mutated")
	assert.Equal(t, Path{"orders", 0, "customer"}, child)
	assert.Equal(t, "orders.0.customer", child.String())
}

func TestCodeOfUnclassified(t *testing.T) {
	err := errors.New("driver: bad connection")
	assert.Equal(t, CodeExecutionFailed, CodeOf(err))
	assert.Nil(t, PathOf(err))
}

func TestWrapKeepsChain(t *testing.T) {
	inner := errors.New("constraint violation")
	err := Wrap(CodeTransactionRollback, Path{"insert_customers"}, fmt.Errorf("statement failed: %w", inner))

	require.NotNil(t, err)
	assert.True(t, errors.Is(err, inner))
	assert.Equal(t, CodeTransactionRollback, CodeOf(err))
	assert.Equal(t, Path{"insert_customers"}, PathOf(err))
}

func TestIsValidation(t *testing.T) {
	cases := []struct {
		code Code
		want bool
	}{
		{CodeFieldNotFound, true},
		{CodeInvalidArgumentType, true},
		{CodeUnsupportedFilterTarget, true},
		{CodeMissingRequiredFilter, true},
		{CodeMaxDepthExceeded, true},
		{CodePlanningFailed, false},
		{CodeExecutionFailed, false},
		{CodeFieldDenied, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsValidation(New(tc.code, nil, "x")), string(tc.code))
	}
}

func TestResponseAddError(t *testing.T) {
	resp := &Response{Data: map[string]interface{}{}}
	resp.AddError(nil)
	assert.Empty(t, resp.Errors)

	resp.AddError(New(CodeFieldNotFound, Path{"orders", "order_by"}, "field %q not found", "customer.name"))
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, `field "customer.name" not found`, resp.Errors[0].Message)
	assert.Equal(t, Path{"orders", "order_by"}, resp.Errors[0].Path)
	assert.Equal(t, "FIELD_NOT_FOUND", resp.Errors[0].Extensions["code"])
}
