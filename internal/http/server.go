package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/relayrun/relayrun/internal/log"
	"github.com/relayrun/relayrun/pkg/models"
	"github.com/relayrun/relayrun/pkg/runner"
	"github.com/relayrun/relayrun/pkg/storage"
)

// StartServer serves read-only row and runner status. Mutations go through
// the CLI or the relay API; the server never writes to the store.
func StartServer(port string, store storage.Store) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.HandleFunc("/runners", RunnersHandler(store))
	mux.HandleFunc("/rows", RowsHandler(store))
	mux.HandleFunc("/rows/", RowByIDHandler(store))

	log.GetLogger().Infof("Starting relayrun status server on :%s", port)
	return http.ListenAndServe(":"+port, mux)
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "relayrun server is running")
}

func RunnersHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		regs, err := runner.ListRunners(store)
		if err != nil {
			log.GetLogger().Errorf("Failed to list runners: %v", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, regs)
	}
}

// RowsHandler lists row ids, filtered by ?status= and ?runner=.
func RowsHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		runnerName := r.URL.Query().Get("runner")
		statuses := []models.Status{
			models.SubmitStatus, models.RunningStatus, models.DoneStatus,
			models.FailedStatus, models.CancelStatus,
		}
		if s := r.URL.Query().Get("status"); s != "" {
			statuses = []models.Status{models.Status(s)}
		}
		result := map[string][]int64{}
		for _, status := range statuses {
			ids, err := store.SelectIDs(status, runnerName)
			if err != nil {
				log.GetLogger().Errorf("Failed to select rows: %v", err)
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			result[string(status)] = ids
		}
		writeJSON(w, result)
	}
}

func RowByIDHandler(store storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		raw := strings.TrimPrefix(r.URL.Path, "/rows/")
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.Errorf("bad row id %q", raw))
			return
		}
		row, err := store.GetRow(id)
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		if err != nil {
			log.GetLogger().Errorf("Failed to read row %d: %v", id, err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, row)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
