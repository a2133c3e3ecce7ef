package app

import (
	"fmt"
	"net"
	"net/http"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deltaforge/deltaforge/modules/pipeline"
	"github.com/deltaforge/deltaforge/pkg/util/log"
)

// startHTTP serves metrics, health and the per-topic status API.
func (a *App) startHTTP() (*http.Server, error) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	router.HandleFunc("/readyz", a.readyHandler)
	router.HandleFunc("/api/v1/topics", a.topicsHandler)

	addr := fmt.Sprintf("%s:%d", a.cfg.HTTPListenAddress, a.cfg.HTTPListenPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	server := &http.Server{Handler: router}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			level.Error(log.Logger).Log("msg", "http server failed", "err", err)
		}
	}()

	level.Info(log.Logger).Log("msg", "http server started", "addr", addr)
	return server, nil
}

// readyHandler enumerates per-topic state and reports not-ready while any
// topic is fatally stopped.
func (a *App) readyHandler(w http.ResponseWriter, _ *http.Request) {
	states := a.pipelines.States()

	code := http.StatusOK
	for _, state := range states {
		if state == pipeline.StateStopped {
			code = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := jsoniter.NewEncoder(w).Encode(states); err != nil {
		level.Error(log.Logger).Log("msg", "failed to encode readiness", "err", err)
	}
}

type topicStatus struct {
	Topic       string `json:"topic"`
	SourceTopic string `json:"sourceTopic"`
	Table       string `json:"table"`
	State       string `json:"state"`
}

func (a *App) topicsHandler(w http.ResponseWriter, _ *http.Request) {
	states := a.pipelines.States()

	statuses := make([]topicStatus, 0, len(states))
	for _, spec := range a.registry.All() {
		statuses = append(statuses, topicStatus{
			Topic:       spec.LogicalName,
			SourceTopic: spec.SourceTopic,
			Table:       spec.Destination.TableName,
			State:       string(states[spec.LogicalName]),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := jsoniter.NewEncoder(w).Encode(statuses); err != nil {
		level.Error(log.Logger).Log("msg", "failed to encode topic status", "err", err)
	}
}
