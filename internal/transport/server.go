package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kevklatman/distfs/internal/consistency"
	coreerrors "github.com/kevklatman/distfs/internal/errors"
	"github.com/kevklatman/distfs/internal/model"
	"github.com/kevklatman/distfs/internal/storage"
	"github.com/kevklatman/distfs/internal/util"
)

// HealthSource exposes the local node's self-assessment to the peer
// endpoints. Implemented by the coordinator.
type HealthSource interface {
	// LocalMetrics returns the node's current metrics snapshot.
	LocalMetrics() model.NodeMetrics
	// CheckWritable returns a NodeUnhealthy error when the node must
	// refuse new writes rather than accept and fail later.
	CheckWritable() error
}

// Server exposes the peer-to-peer endpoints: replica data transfer,
// rollback, and health/metrics probes.
type Server struct {
	nodeID  string
	store   storage.LocalStore
	tracker *consistency.Tracker
	health  HealthSource
	logger  *zap.Logger
	http    *http.Server
}

// NewServer wires the peer endpoints onto a mux router.
func NewServer(nodeID, addr string, store storage.LocalStore, tracker *consistency.Tracker, health HealthSource, readTimeout, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		nodeID:  nodeID,
		store:   store,
		tracker: tracker,
		health:  health,
		logger:  logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/data/{id}", s.handlePut).Methods(http.MethodPut)
	r.HandleFunc("/data/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/data/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler returns the underlying HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("peer server listening", zap.String("address", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ce *coreerrors.CoreError
	if errors.As(err, &ce) {
		http.Error(w, ce.Error(), ce.HTTPStatus())
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// handlePut receives a replica payload, verifies its checksum, stores it
// durably and records the version locally before acknowledging.
func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	dataID := mux.Vars(r)["id"]

	if err := s.health.CheckWritable(); err != nil {
		s.writeError(w, err)
		return
	}

	content, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	checksum := r.Header.Get(HeaderChecksum)
	if checksum != "" && !util.ValidateChecksum(content, checksum) {
		s.writeError(w, coreerrors.ChecksumFailed(checksum, util.ChecksumHex(content)))
		return
	}
	if checksum == "" {
		checksum = util.ChecksumHex(content)
	}

	version, _ := strconv.ParseInt(r.Header.Get(HeaderVersion), 10, 64)
	ts, err := time.Parse(time.RFC3339Nano, r.Header.Get(HeaderTimestamp))
	if err != nil {
		ts = time.Now()
	}

	if err := s.store.WriteLocal(dataID, content); err != nil {
		s.logger.Error("replica write failed",
			zap.String("data_id", dataID),
			zap.Error(err))
		s.writeError(w, err)
		return
	}

	s.tracker.Record(s.nodeID, dataID, model.VersionedRecord{
		Content:   content,
		Version:   version,
		Timestamp: ts,
		Checksum:  checksum,
	})

	w.Header().Set(HeaderChecksum, checksum)
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "stored %s version %d", dataID, version)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	dataID := mux.Vars(r)["id"]

	content, err := s.store.ReadLocal(dataID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if rec, ok := s.tracker.HolderRecords(dataID)[s.nodeID]; ok {
		w.Header().Set(HeaderVersion, strconv.FormatInt(rec.Version, 10))
		w.Header().Set(HeaderTimestamp, rec.Timestamp.UTC().Format(time.RFC3339Nano))
	}
	w.Header().Set(HeaderChecksum, util.ChecksumHex(content))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(content)
}

// handleDelete removes the local copy. With op=rollback the delete is a
// discard of a write that failed its consistency level; the distinction
// only matters for logging.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	dataID := mux.Vars(r)["id"]
	isRollback := r.URL.Query().Get("op") == "rollback"

	if err := s.store.DeleteLocal(dataID); err != nil {
		s.writeError(w, err)
		return
	}
	s.tracker.RemoveVersion(s.nodeID, dataID)

	if isRollback {
		s.logger.Info("rolled back write",
			zap.String("data_id", dataID),
			zap.String("version", r.URL.Query().Get("version")))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.health.LocalMetrics())
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "alive")
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if err := s.health.CheckWritable(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ready")
}
