package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/mailvoice/internal/observability"
)

// handlePerfLatency reports rolling per-stage turn latency. ?stage= narrows
// the report to one stage.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	snap := observability.LatencySnapshot{Stages: []observability.StageLatency{}}
	if s.metrics != nil {
		snap = s.metrics.LatencySnapshot()
	}
	if stage := strings.TrimSpace(r.URL.Query().Get("stage")); stage != "" {
		kept := []observability.StageLatency{}
		for _, st := range snap.Stages {
			if st.Stage == stage {
				kept = append(kept, st)
			}
		}
		snap.Stages = kept
	}
	respondJSON(w, http.StatusOK, snap)
}
