package main

import (
	"context"
	"net/http"

	"github.com/ignite/audience-engine/internal/pkg/httputil"
	"github.com/ignite/audience-engine/internal/worker"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

type coordinatorStats interface {
	Stats() (completed, failed int64, queued int)
}

type refresherStats interface {
	Stats() worker.RefresherStats
}

type statusResponse struct {
	Completed int64                 `json:"evaluations_completed"`
	Failed    int64                 `json:"evaluations_failed"`
	Queued    int                   `json:"evaluations_queued"`
	Refresher worker.RefresherStats `json:"refresher"`
}

func newOpsMux(db pinger, coord coordinatorStats, refresher refresherStats, metricsHandler http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if db == nil {
			httputil.OK(w, map[string]string{"status": "ok", "store": "memory"})
			return
		}
		if err := db.PingContext(r.Context()); err != nil {
			httputil.Unavailable(w, "database unavailable", err)
			return
		}
		httputil.OK(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		completed, failed, queued := coord.Stats()
		httputil.OK(w, statusResponse{
			Completed: completed,
			Failed:    failed,
			Queued:    queued,
			Refresher: refresher.Stats(),
		})
	})
	return mux
}
