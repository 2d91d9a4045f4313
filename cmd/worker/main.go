package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/taskfleet/supervisor/internal/registry"
	"github.com/taskfleet/supervisor/internal/types"
	"github.com/taskfleet/supervisor/internal/worker"
)

// Host pressure levels above which the worker advertises degraded status.
const (
	degradedCPUPercent  = 90.0
	degradedMemFraction = 0.95
)

func main() {
	supervisorURL := flag.String("supervisor", "http://127.0.0.1:8080", "Supervisor base URL")
	workerID := flag.String("id", "", "Worker ID (default: generated)")
	name := flag.String("name", "", "Worker display name (default: the ID)")
	endpoint := flag.String("endpoint", "", "Endpoint this worker is reachable on")
	capabilities := flag.String("capabilities", "", "Comma-separated capability tags")
	maxLoad := flag.Int("max-load", 0, "Maximum concurrent tasks to advertise")
	heartbeatInterval := flag.Duration("heartbeat-interval", 10*time.Second, "Heartbeat interval")
	flag.Parse()

	id := types.WorkerID(*workerID)
	if id == "" {
		id = types.WorkerID("worker-" + uuid.NewString()[:8])
	}

	var caps []string
	if *capabilities != "" {
		for _, c := range strings.Split(*capabilities, ",") {
			if c = strings.TrimSpace(c); c != "" {
				caps = append(caps, c)
			}
		}
	}

	client := worker.NewClient(worker.Config{BaseURL: *supervisorURL})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	registered, err := client.Register(ctx, registry.Registration{
		ID:           id,
		Name:         *name,
		Endpoint:     *endpoint,
		Capabilities: caps,
		MaxLoad:      *maxLoad,
		Metadata:     worker.CollectHostInfo().Metadata(),
	})
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error registering with supervisor: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Worker %s registered with %s (max load %d)\n", registered.ID, *supervisorURL, registered.MaxLoad)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*heartbeatInterval)
	defer ticker.Stop()

	currentLoad := registered.CurrentLoad

	for {
		select {
		case <-ticker.C:
			info := worker.CollectHostInfo()

			hbCtx, hbCancel := context.WithTimeout(context.Background(), 30*time.Second)

			// The supervisor adjusts this worker's load as it assigns tasks;
			// echo that load back so the heartbeat does not reset it.
			if workers, err := client.ListWorkers(hbCtx); err == nil {
				for _, w := range workers {
					if w.ID == id {
						currentLoad = w.CurrentLoad
						break
					}
				}
			}

			status := types.WorkerOnline
			if registered.MaxLoad > 0 && currentLoad >= registered.MaxLoad {
				status = types.WorkerBusy
			}
			if info.Degraded(degradedCPUPercent, degradedMemFraction) {
				status = types.WorkerDegraded
			}

			_, err := client.Heartbeat(hbCtx, registry.Heartbeat{
				WorkerID:     id,
				Status:       status,
				CurrentLoad:  currentLoad,
				MaxLoad:      registered.MaxLoad,
				Capabilities: caps,
			})
			hbCancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Heartbeat failed: %v\n", err)
			}

		case <-sigChan:
			fmt.Println("\nShutting down...")
			unregCtx, unregCancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := client.Unregister(unregCtx, id); err != nil {
				fmt.Fprintf(os.Stderr, "Error unregistering: %v\n", err)
			}
			unregCancel()
			fmt.Println("Worker stopped")
			return
		}
	}
}
