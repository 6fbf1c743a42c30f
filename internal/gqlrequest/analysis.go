package gqlrequest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
)

const anonymousOperationName = "<anonymous>"

// Analysis stores parsed and derived GraphQL request metadata. It is
// observational only; the engine re-parses and validates the document
// against the catalog.
type Analysis struct {
	Envelope               Envelope
	RequestedOperationName string

	Operation *ast.OperationDefinition

	OperationName string
	OperationType string

	FieldCount     int
	SelectionDepth int
	VariableCount  int

	Fingerprint string

	DecodeError    error
	ParseError     error
	SelectionError error
}

// AnalyzeRequest decodes and analyzes a GraphQL request payload.
func AnalyzeRequest(r *http.Request) *Analysis {
	envelope, err := DecodeEnvelope(r)
	analysis := AnalyzeEnvelope(envelope)
	if err != nil {
		analysis.DecodeError = err
	}
	return analysis
}

// AnalyzeEnvelope parses and analyzes a normalized request envelope.
func AnalyzeEnvelope(env Envelope) *Analysis {
	analysis := &Analysis{
		Envelope:               env,
		RequestedOperationName: env.OperationName,
	}

	if strings.TrimSpace(env.Query) == "" {
		return analysis
	}

	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{
			Body: []byte(env.Query),
			Name: "graphql",
		}),
	})
	if err != nil {
		analysis.ParseError = err
		return analysis
	}

	op, selectionErr := selectOperation(doc, env.OperationName)
	if selectionErr != nil {
		analysis.SelectionError = selectionErr
		return analysis
	}

	analysis.Operation = op
	analysis.OperationName = effectiveOperationName(op)
	analysis.OperationType = string(op.Operation)
	analysis.VariableCount = len(op.VariableDefinitions)

	fields, depth := countFieldsAndDepth(op.SelectionSet, 1)
	analysis.FieldCount = fields
	analysis.SelectionDepth = depth
	analysis.Fingerprint = framedSHA256(strings.TrimSpace(env.Query), analysis.OperationName)

	return analysis
}

func selectOperation(doc *ast.Document, operationName string) (*ast.OperationDefinition, error) {
	operations := make([]*ast.OperationDefinition, 0)
	for _, def := range doc.Definitions {
		op, ok := def.(*ast.OperationDefinition)
		if ok && op != nil {
			operations = append(operations, op)
		}
	}

	if operationName != "" {
		for _, op := range operations {
			if op.Name != nil && op.Name.Value == operationName {
				return op, nil
			}
		}
		return nil, fmt.Errorf("unknown operation named %q", operationName)
	}

	if len(operations) == 1 {
		return operations[0], nil
	}
	if len(operations) == 0 {
		return nil, fmt.Errorf("request does not include an operation")
	}
	return nil, fmt.Errorf("operationName is required when request has multiple operations")
}

func effectiveOperationName(op *ast.OperationDefinition) string {
	if op == nil || op.Name == nil || op.Name.Value == "" {
		return anonymousOperationName
	}
	return op.Name.Value
}

func countFieldsAndDepth(selectionSet *ast.SelectionSet, currentDepth int) (fields, maxDepth int) {
	if selectionSet == nil {
		return 0, currentDepth - 1
	}

	maxDepth = currentDepth
	for _, selection := range selectionSet.Selections {
		field, ok := selection.(*ast.Field)
		if !ok {
			continue
		}
		fields++
		if field.SelectionSet != nil {
			nestedFields, nestedDepth := countFieldsAndDepth(field.SelectionSet, currentDepth+1)
			fields += nestedFields
			if nestedDepth > maxDepth {
				maxDepth = nestedDepth
			}
		}
	}

	return fields, maxDepth
}

// framedSHA256 hashes length-framed parts so distinct part boundaries never
// collide.
func framedSHA256(parts ...string) string {
	hash := sha256.New()
	for _, part := range parts {
		_, _ = fmt.Fprintf(hash, "%d:%s|", len(part), part)
	}
	return hex.EncodeToString(hash.Sum(nil))
}
