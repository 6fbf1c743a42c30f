// Package gqlrequest decodes GraphQL HTTP payloads and derives the
// request-scoped metadata the middleware stack labels metrics, traces, and
// logs with.
package gqlrequest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

// TransformRequest is the optional JQ post-processing carried in the
// request's extensions.
type TransformRequest struct {
	Stages        []string               `json:"stages"`
	Variables     map[string]interface{} `json:"variables"`
	Envelope      bool                   `json:"envelope"`
	IncludeOrigin bool                   `json:"include_origin"`
}

// Envelope stores normalized request payload data.
type Envelope struct {
	Method      string
	ContentType string

	Query         string
	OperationName string
	VariablesRaw  json.RawMessage
	Transform     *TransformRequest

	DocumentSizeBytes int
}

// Variables decodes the raw variables object. A missing object decodes to
// nil.
func (e Envelope) Variables() (map[string]interface{}, error) {
	if len(e.VariablesRaw) == 0 {
		return nil, nil
	}
	var vars map[string]interface{}
	if err := json.Unmarshal(e.VariablesRaw, &vars); err != nil {
		return nil, fmt.Errorf("invalid variables object: %w", err)
	}
	return vars, nil
}

// DecodeEnvelope extracts GraphQL payload fields from an HTTP request and
// rewinds the body so downstream handlers can read it again.
func DecodeEnvelope(r *http.Request) (Envelope, error) {
	if r == nil {
		return Envelope{}, fmt.Errorf("request is nil")
	}

	env := Envelope{
		Method:      r.Method,
		ContentType: r.Header.Get("Content-Type"),
	}

	if r.Method == http.MethodGet {
		env.Query = r.URL.Query().Get("query")
		env.OperationName = r.URL.Query().Get("operationName")
		env.DocumentSizeBytes = len(env.Query)
		return env, nil
	}

	if r.Method != http.MethodPost || r.Body == nil {
		return env, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return env, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	mediaType, _, parseErr := mime.ParseMediaType(env.ContentType)
	if parseErr != nil || mediaType == "" {
		mediaType = strings.TrimSpace(env.ContentType)
	}

	switch mediaType {
	case "application/graphql":
		env.Query = string(body)
	default:
		trimmed := bytes.TrimSpace(body)
		if len(trimmed) == 0 {
			break
		}
		var payload struct {
			Query         string          `json:"query"`
			OperationName string          `json:"operationName"`
			Variables     json.RawMessage `json:"variables"`
			Extensions    struct {
				Transform *TransformRequest `json:"transform"`
			} `json:"extensions"`
		}
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return env, err
		}
		env.Query = payload.Query
		env.OperationName = payload.OperationName
		if len(payload.Variables) > 0 && !bytes.Equal(bytes.TrimSpace(payload.Variables), []byte("null")) {
			env.VariablesRaw = append(json.RawMessage(nil), payload.Variables...)
		}
		if payload.Extensions.Transform != nil && len(payload.Extensions.Transform.Stages) > 0 {
			env.Transform = payload.Extensions.Transform
		}
	}

	env.DocumentSizeBytes = len(env.Query)
	return env, nil
}
