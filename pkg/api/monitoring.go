package api

import (
	"net/http"
	"time"

	"github.com/previewlabs/previewd/pkg/sysinfo"
)

// handleResourceStatus aggregates stage gates, host resources, OCR pool
// stats and the worker fleet into one monitoring snapshot.
func (s *Server) handleResourceStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if s.stages != nil {
		response["stage_status"] = s.stages.GetStageStatus()
		response["system_load"] = s.stages.GetSystemLoadInfo()
	}

	if snap, err := sysinfo.Collect(); err == nil {
		response["system_resources"] = map[string]any{
			"cpu_percent":         snap.CPUPercent,
			"memory_percent":      snap.MemoryPercent,
			"memory_used_mb":      snap.MemoryUsedMB,
			"memory_total_mb":     snap.MemoryTotalMB,
			"available_memory_mb": snap.AvailableMemoryMB,
			"disk_percent":        snap.DiskPercent,
			"load_1min":           snap.Load1,
			"load_5min":           snap.Load5,
			"load_15min":          snap.Load15,
		}
	}

	if s.poolStats != nil {
		response["ocr_pool"] = s.poolStats()
	}

	if s.taskQueue != nil {
		if depth, err := s.taskQueue.Depth(r.Context()); err == nil {
			response["queue_depth"] = depth
		}
	}

	if s.registry != nil {
		response["workers"] = s.registry.Snapshots()
		response["cluster_summary"] = s.registry.Summary()
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleDynamicWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if s.dynamic == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false, "is_running": false})
		return
	}
	writeJSON(w, http.StatusOK, s.dynamic.Status(r.Context()))
}
