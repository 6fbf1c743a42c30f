package serverapp

import (
	"encoding/json"
	"net/http"

	"hugr-engine/internal/gqlerr"
	"hugr-engine/internal/gqlrequest"
)

// gqlAnalysis returns the analysis placed in context by the analysis
// middleware, falling back to a direct analysis when the handler is used
// without the middleware chain.
func gqlAnalysis(r *http.Request) *gqlrequest.Analysis {
	if analysis := gqlrequest.AnalysisFromContext(r.Context()); analysis != nil {
		return analysis
	}
	return gqlrequest.AnalyzeRequest(r)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeJSONError emits a GraphQL error envelope for requests rejected before
// execution.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"errors": []map[string]interface{}{
			{"message": message},
		},
	})
}

// writeGraphQLErrorResponse renders an execution failure. Engine errors carry
// a code extension; anything else degrades to a bare message.
func writeGraphQLErrorResponse(w http.ResponseWriter, err error) {
	resp := &gqlerr.Response{}
	resp.AddError(err)
	writeJSON(w, http.StatusOK, resp)
}
