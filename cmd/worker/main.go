// Command worker is a sample HTTP worker run under the clustervisor
// supervisor. It answers every request with its worker id.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"clustervisor/internal/child"
	"clustervisor/internal/config"
	"clustervisor/internal/ipc"
	"clustervisor/internal/logging"
)

func main() {
	addr := flag.String("listen", ":8000", "Address to serve on")
	flag.Parse()

	cfg := config.LoadConfig()
	logger := logging.NewLogger("clustervisor-worker", cfg.Log.Level, cfg.Log.Format, nil)

	rt, err := child.Connect()
	if err != nil {
		logger.Error("connecting to supervisor", "error", err)
		os.Exit(1)
	}
	defer rt.Close()
	logger = logger.With(logging.WorkerKey, rt.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	info, err := rt.Init(ctx)
	cancel()
	if err != nil {
		logger.Error("waiting for init", "error", err)
		os.Exit(1)
	}

	rt.Handle(ipc.TypeBroadcast, func(msg ipc.Message) {
		logger.Info("broadcast received", "payload", string(msg.Payload))
	})

	if err := rt.Online(); err != nil {
		logger.Error("reporting online", "error", err)
		os.Exit(1)
	}

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	defer stopHeartbeat()
	go rt.Heartbeat(hbCtx, rt.HeartbeatInterval(time.Second))

	ln, err := rt.Listen("tcp", *addr)
	if err != nil {
		logger.Error("listening", "address", *addr, "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"worker": rt.ID(),
			"slot":   rt.Slot(),
			"run_id": info.RunID,
			"pid":    os.Getpid(),
		})
	})
	mux.HandleFunc("/hello", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "hello from worker %d\n", rt.ID())
	})

	srv := &http.Server{Handler: mux, ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("worker serving", "address", ln.Addr().String(), "pid", os.Getpid())

	<-rt.Disconnected()
	logger.Info("disconnect requested, draining")
	stopHeartbeat()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("drain incomplete", "error", err)
	}
}
