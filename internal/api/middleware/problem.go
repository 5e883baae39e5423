package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProblemTypeBase prefixes the RFC 7807 "type" URI of every problem response.
const ProblemTypeBase = "https://seeder.correlator.io/problems/"

// writeProblem writes an RFC 7807 problem response. The api package has the
// full ProblemDetail type; middleware cannot import it without a cycle.
func writeProblem(w http.ResponseWriter, r *http.Request, statusCode int, detail string) error {
	problem := map[string]any{
		"type":          fmt.Sprintf("%s%d", ProblemTypeBase, statusCode),
		"title":         http.StatusText(statusCode),
		"status":        statusCode,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": GetCorrelationID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(statusCode)

	return json.NewEncoder(w).Encode(problem)
}
