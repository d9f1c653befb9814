// Package analysis holds the domain model shared across the engine:
// analysis requests and records, agent executions, the agent opinion
// contract, and drift entities. Pipeline packages build on these types
// without depending on each other.
package analysis

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request is a submitted analysis. Immutable once created.
type Request struct {
	ID          string    `json:"id"`
	Query       string    `json:"query"`
	Symbols     []string  `json:"symbols"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewRequest creates a request with a fresh ID. Symbols are uppercased
// and deduplicated, order preserved.
func NewRequest(query string, symbols []string) (*Request, error) {
	cleaned := make([]string, 0, len(symbols))
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		sym := strings.ToUpper(strings.TrimSpace(s))
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		cleaned = append(cleaned, sym)
	}

	req := &Request{
		ID:          uuid.New().String(),
		Query:       strings.TrimSpace(query),
		Symbols:     cleaned,
		RequestedAt: time.Now().UTC(),
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Validate checks the request invariants
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request id is required")
	}
	if len(r.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	for _, sym := range r.Symbols {
		if sym == "" {
			return fmt.Errorf("empty symbol in request")
		}
	}
	return nil
}

// PrimarySymbol returns the first symbol, the one synthesis plans around
func (r *Request) PrimarySymbol() string {
	if len(r.Symbols) == 0 {
		return ""
	}
	return r.Symbols[0]
}
