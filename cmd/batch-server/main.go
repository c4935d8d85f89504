// batch-server is a demo HTTP front end for the transaction batcher.
// Operations submitted over HTTP are queued, batched and dispatched to
// the selected executor (simulated by default, MySQL or DynamoDB with the
// right flags).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/chainkit/txbatcher/internal/executor"
	"github.com/chainkit/txbatcher/pkg/txbatcher"
)

var batcher txbatcher.Batcher

func main() {
	var (
		addr         = flag.String("addr", ":8080", "HTTP listen address")
		configPath   = flag.String("config", "", "path to YAML batcher config")
		executorKind = flag.String("executor", "simulated", "executor backend: simulated, mysql or dynamodb")
		simLatency   = flag.Duration("sim-latency", 20*time.Millisecond, "simulated executor latency")
		simFailRate  = flag.Float64("sim-failure-rate", 0, "simulated executor failure probability (0..1)")

		mysqlHost = flag.String("mysql-host", "localhost", "MySQL host")
		mysqlPort = flag.Int("mysql-port", 3306, "MySQL port")
		mysqlDB   = flag.String("mysql-db", "testdb", "MySQL database")
		mysqlUser = flag.String("mysql-user", "root", "MySQL username")
		mysqlPass = flag.String("mysql-pass", "", "MySQL password")

		dynamoRegion   = flag.String("dynamo-region", "us-east-1", "DynamoDB region")
		dynamoTable    = flag.String("dynamo-table", "txbatcher-demo", "DynamoDB table")
		dynamoEndpoint = flag.String("dynamo-endpoint", "", "DynamoDB endpoint override (e.g. LocalStack)")
	)
	flag.Parse()

	cfg := txbatcher.DefaultConfig()
	if *configPath != "" {
		loaded, err := txbatcher.LoadConfigFile(*configPath)
		if err != nil {
			log.Fatal("failed to load config", "path", *configPath, "error", err)
		}
		cfg = loaded
	}
	if len(cfg.OrderSensitiveTypes) == 0 {
		// Transfers mutate shared account state downstream and must not race.
		cfg.OrderSensitiveTypes = []string{"transfer"}
	}

	exec, err := buildExecutor(*executorKind, executorFlags{
		simLatency:  *simLatency,
		simFailRate: *simFailRate,
		mysql: executor.SQLConfig{
			Host:     *mysqlHost,
			Port:     *mysqlPort,
			Database: *mysqlDB,
			Username: *mysqlUser,
			Password: *mysqlPass,
		},
		dynamo: executor.DynamoConfig{
			Region:    *dynamoRegion,
			TableName: *dynamoTable,
			Endpoint:  *dynamoEndpoint,
		},
	})
	if err != nil {
		log.Fatal("failed to build executor", "kind", *executorKind, "error", err)
	}

	batcher, err = txbatcher.New(cfg, exec)
	if err != nil {
		log.Fatal("failed to create batcher", "error", err)
	}

	http.HandleFunc("/health", healthHandler)
	http.HandleFunc("/operations", operationsHandler)
	http.HandleFunc("/status", statusHandler)
	http.HandleFunc("/stats", statsHandler)
	http.HandleFunc("/flush", flushHandler)
	http.HandleFunc("/clear", clearHandler)

	log.Info("batch server starting",
		"addr", *addr,
		"executor", *executorKind,
		"max_batch_size", cfg.MaxBatchSize,
		"batch_timeout", cfg.BatchTimeout,
		"retry_attempts", cfg.RetryAttempts)

	go func() {
		if err := http.ListenAndServe(*addr, nil); err != nil {
			log.Fatal("HTTP server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down, draining queue")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := batcher.Shutdown(ctx); err != nil {
		log.Error("shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

type executorFlags struct {
	simLatency  time.Duration
	simFailRate float64
	mysql       executor.SQLConfig
	dynamo      executor.DynamoConfig
}

func buildExecutor(kind string, flags executorFlags) (txbatcher.Executor, error) {
	switch kind {
	case "simulated":
		return executor.NewSimulatedExecutor(flags.simLatency, flags.simFailRate), nil
	case "mysql":
		return executor.NewSQLExecutor(flags.mysql)
	case "dynamodb":
		return executor.NewDynamoDBExecutor(flags.dynamo)
	default:
		return nil, fmt.Errorf("unknown executor kind %q", kind)
	}
}

type submitRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func operationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}

	payload, err := decodePayload(req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	handle, err := batcher.Submit(req.Type, payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	// ?wait=true blocks until the operation settles.
	if r.URL.Query().Get("wait") == "true" {
		result, err := handle.Wait(r.Context())
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
				"status": "failed",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "completed",
			"result": result,
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued"})
}

// decodePayload keeps the payload opaque for the default executor while
// letting the SQL and DynamoDB adapters receive their typed payloads.
func decodePayload(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("payload is required")
	}

	var stmt executor.Statement
	if err := json.Unmarshal(raw, &stmt); err == nil && stmt.Query != "" {
		return &stmt, nil
	}
	var item executor.Item
	if err := json.Unmarshal(raw, &item); err == nil && item.Key != "" {
		return &item, nil
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("invalid payload: %v", err)
	}
	return generic, nil
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func statusHandler(w http.ResponseWriter, _ *http.Request) {
	status := batcher.QueueStatus()
	writeJSON(w, http.StatusOK, map[string]any{
		"pending_operations": status.PendingOperations,
		"cut_in_progress":    status.CutInProgress,
		"trigger_state":      status.TriggerState,
		"next_cut_in_ms":     status.NextCutIn.Milliseconds(),
	})
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, batcher.Statistics())
}

func flushHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := batcher.Flush(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "flushed"})
}

func clearHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cancelled := batcher.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "cancelled": cancelled})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
