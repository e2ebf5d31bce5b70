package master

import (
	"fmt"
	"strings"

	v1 "github.com/nwiizo/ccswarm/pkg/api/v1"
)

// Complexity grades a project for generation decisions.
type Complexity string

const (
	ComplexitySimple      Complexity = "simple"
	ComplexityModerate    Complexity = "moderate"
	ComplexityComplex     Complexity = "complex"
	ComplexityVeryComplex Complexity = "very_complex"
)

// ProjectAnalysis is the symbol-distribution snapshot the master inspects
// when deciding whether to generate specialist agents. Producing it is
// the semantic analyzer's job; the master only consumes the counts.
type ProjectAnalysis struct {
	FrontendSymbols int        `json:"frontend_symbols"`
	BackendSymbols  int        `json:"backend_symbols"`
	TestSymbols     int        `json:"test_symbols"`
	TotalSymbols    int        `json:"total_symbols"`
	Complexity      Complexity `json:"complexity"`
	Domains         []string   `json:"domains,omitempty"`
}

// GenerationRequest asks the external template renderer to produce a new
// specialist agent definition.
type GenerationRequest struct {
	Role      v1.AgentRole `json:"role"`
	Name      string       `json:"name"`
	Reasoning string       `json:"reasoning"`
}

// symbolThreshold is the per-area symbol count that warrants a specialist.
const symbolThreshold = 50

// specialistNames maps generated roles to agent names. Parameterized so
// deployments can rename without behavioral change; defaults match the
// conventional names.
var specialistNames = map[v1.AgentRole]string{
	v1.RoleFrontend:  "frontend-specialist",
	v1.RoleBackend:   "backend-specialist",
	v1.RoleQA:        "test-specialist",
	"architecture":   "architecture-specialist",
	"ml":             "ml-specialist",
	"blockchain":     "blockchain-specialist",
}

// AnalyzeForGeneration applies the generation thresholds to a project
// analysis and returns the specialist requests it warrants.
func AnalyzeForGeneration(analysis ProjectAnalysis) []GenerationRequest {
	var requests []GenerationRequest

	add := func(role v1.AgentRole, reasoning string) {
		requests = append(requests, GenerationRequest{
			Role:      role,
			Name:      specialistNames[role],
			Reasoning: reasoning,
		})
	}

	if analysis.FrontendSymbols > symbolThreshold {
		add(v1.RoleFrontend, fmt.Sprintf("frontend symbol count %d exceeds %d", analysis.FrontendSymbols, symbolThreshold))
	}
	if analysis.BackendSymbols > symbolThreshold {
		add(v1.RoleBackend, fmt.Sprintf("backend symbol count %d exceeds %d", analysis.BackendSymbols, symbolThreshold))
	}
	if analysis.TotalSymbols > 0 && analysis.TestSymbols < analysis.TotalSymbols/10 {
		add(v1.RoleQA, fmt.Sprintf("test symbols %d below a tenth of total %d", analysis.TestSymbols, analysis.TotalSymbols))
	}
	if analysis.Complexity == ComplexityVeryComplex {
		add("architecture", "project graded very complex")
	}
	for _, domain := range analysis.Domains {
		switch strings.ToLower(domain) {
		case "ml", "machine-learning", "ai":
			add("ml", "machine-learning domain detected")
		case "blockchain", "web3":
			add("blockchain", "blockchain domain detected")
		}
	}
	return requests
}
