// Copyright (C) 2025 Schemawatch Labs, Inc.
// See LICENSE for copying information.

// Package console implements the HTTP and websocket surface of the
// observer. It is a thin mapping onto the domain services: handlers
// decode, delegate and encode, nothing else.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/uuid"

	"github.com/schemawatch/schemawatch/observer/compare"
	"github.com/schemawatch/schemawatch/observer/events"
	"github.com/schemawatch/schemawatch/observer/schema"
	"github.com/schemawatch/schemawatch/observer/subscriptions"
)

var (
	// Error is the default error class for the package.
	Error = errs.Class("console")

	mon = monkit.Package()
)

// Config contains configurable values for the console server.
type Config struct {
	Address         string `help:"server address of the api gateway and frontend app" default:"127.0.0.1:10100" testDefault:"127.0.0.1:0"`
	SecureTransport bool   `help:"whether the server serves over TLS" default:"false"`
	CertFile        string `help:"path to the TLS certificate, required with secure transport" default:""`
	KeyFile         string `help:"path to the TLS private key, required with secure transport" default:""`
}

// Comparer runs comparisons on demand.
type Comparer interface {
	Run(ctx context.Context, subscriptionID uuid.UUID, full bool, trigger compare.Trigger) (*compare.Result, error)
	RunObject(ctx context.Context, subscriptionID uuid.UUID, schemaName, objectName string, objectType schema.ObjectType, trigger compare.Trigger) (*compare.Result, error)
}

// Server implements the REST and websocket API.
//
// architecture: Endpoint
type Server struct {
	log    *zap.Logger
	config Config

	subscriptions *subscriptions.Service
	compares      Comparer
	history       compare.History
	events        *events.Publisher

	listener net.Listener
	server   http.Server
}

// NewServer creates a console server serving on the given listener.
func NewServer(log *zap.Logger, config Config, subs *subscriptions.Service, compares Comparer, history compare.History, publisher *events.Publisher, listener net.Listener) *Server {
	server := &Server{
		log:           log,
		config:        config,
		subscriptions: subs,
		compares:      compares,
		history:       history,
		events:        publisher,
		listener:      listener,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/health", server.handleHealth).Methods(http.MethodGet)

	router.HandleFunc("/api/subscriptions", server.handleCreateSubscription).Methods(http.MethodPost)
	router.HandleFunc("/api/subscriptions", server.handleListSubscriptions).Methods(http.MethodGet)
	router.HandleFunc("/api/subscriptions/{id}", server.handleGetSubscription).Methods(http.MethodGet)
	router.HandleFunc("/api/subscriptions/{id}", server.handleUpdateSubscription).Methods(http.MethodPut)
	router.HandleFunc("/api/subscriptions/{id}", server.handleDeleteSubscription).Methods(http.MethodDelete)
	router.HandleFunc("/api/subscriptions/{id}/pause", server.handlePauseSubscription).Methods(http.MethodPost)
	router.HandleFunc("/api/subscriptions/{id}/resume", server.handleResumeSubscription).Methods(http.MethodPost)
	router.HandleFunc("/api/subscriptions/{id}/compare", server.handleTriggerComparison).Methods(http.MethodPost)
	router.HandleFunc("/api/subscriptions/{id}/compare-object", server.handleTriggerObjectComparison).Methods(http.MethodPost)
	router.HandleFunc("/api/subscriptions/{id}/comparisons", server.handleListComparisons).Methods(http.MethodGet)

	router.HandleFunc("/api/comparisons/{id}", server.handleGetComparison).Methods(http.MethodGet)
	router.HandleFunc("/api/comparisons/{id}/differences", server.handleListDifferences).Methods(http.MethodGet)
	router.HandleFunc("/api/comparisons/{id}/unsupported", server.handleListUnsupported).Methods(http.MethodGet)

	router.HandleFunc("/api/events", server.handleWebsocket).Methods(http.MethodGet)

	server.server = http.Server{Handler: router}
	return server
}

// Addr returns the address the server listens on.
func (server *Server) Addr() string { return server.listener.Addr().String() }

// Run starts the server and blocks until the context is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if server.config.SecureTransport &&
		(server.config.CertFile == "" || server.config.KeyFile == "") {
		return Error.New("secure transport requires both a certificate and a key")
	}

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		var err error
		if server.config.SecureTransport {
			err = server.server.ServeTLS(server.listener, server.config.CertFile, server.config.KeyFile)
		} else {
			err = server.server.Serve(server.listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close shuts down the server and all its resources.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

func (server *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	server.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// subscriptionRequest is the request body for create and update.
type subscriptionRequest struct {
	Name     string                           `json:"name"`
	Database subscriptions.DatabaseConnection `json:"database"`
	Folder   subscriptions.ProjectFolder      `json:"folder"`
	Options  subscriptions.Options            `json:"options"`
}

func (server *Server) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var request subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		server.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	created, err := server.subscriptions.Create(ctx, subscriptions.Subscription{
		Name:     request.Name,
		Database: request.Database,
		Folder:   request.Folder,
		Options:  request.Options,
	})
	if err != nil {
		server.serviceError(w, err)
		return
	}
	server.jsonResponse(w, http.StatusCreated, created)
}

func (server *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := server.subscriptions.List(r.Context())
	if err != nil {
		server.serviceError(w, err)
		return
	}
	if subs == nil {
		subs = []*subscriptions.Subscription{}
	}
	server.jsonResponse(w, http.StatusOK, subs)
}

func (server *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := server.pathID(w, r)
	if !ok {
		return
	}
	sub, err := server.subscriptions.Get(r.Context(), id)
	if err != nil {
		server.serviceError(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, sub)
}

func (server *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := server.pathID(w, r)
	if !ok {
		return
	}

	var request subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		server.errorResponse(w, http.StatusBadRequest, err)
		return
	}

	updated, err := server.subscriptions.Update(r.Context(), id,
		request.Name, request.Database, request.Folder, request.Options)
	if err != nil {
		server.serviceError(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, updated)
}

func (server *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := server.pathID(w, r)
	if !ok {
		return
	}
	if err := server.subscriptions.Delete(r.Context(), id); err != nil {
		server.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) handlePauseSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := server.pathID(w, r)
	if !ok {
		return
	}
	sub, err := server.subscriptions.Pause(r.Context(), id)
	if err != nil {
		server.serviceError(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, sub)
}

func (server *Server) handleResumeSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := server.pathID(w, r)
	if !ok {
		return
	}
	sub, err := server.subscriptions.Resume(r.Context(), id)
	if err != nil {
		server.serviceError(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, sub)
}

func (server *Server) handleTriggerComparison(w http.ResponseWriter, r *http.Request) {
	id, ok := server.pathID(w, r)
	if !ok {
		return
	}
	full, _ := strconv.ParseBool(r.URL.Query().Get("full"))

	result, err := server.compares.Run(r.Context(), id, full, compare.TriggerManual)
	if err != nil {
		server.serviceError(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

// objectCompareRequest is the request body for a targeted comparison.
type objectCompareRequest struct {
	Schema string            `json:"schema"`
	Name   string            `json:"name"`
	Type   schema.ObjectType `json:"type"`
}

func (server *Server) handleTriggerObjectComparison(w http.ResponseWriter, r *http.Request) {
	id, ok := server.pathID(w, r)
	if !ok {
		return
	}

	var request objectCompareRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		server.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if request.Name == "" || !request.Type.Supported() {
		server.errorResponse(w, http.StatusBadRequest, Error.New("object name and a supported type are required"))
		return
	}
	if request.Schema == "" {
		request.Schema = "dbo"
	}

	result, err := server.compares.RunObject(r.Context(), id,
		request.Schema, request.Name, request.Type, compare.TriggerManual)
	if err != nil {
		server.serviceError(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

func (server *Server) handleListComparisons(w http.ResponseWriter, r *http.Request) {
	id, ok := server.pathID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	// confirm the subscription exists so unknown ids are a 404 rather
	// than an empty list
	if _, err := server.subscriptions.Get(r.Context(), id); err != nil {
		server.serviceError(w, err)
		return
	}

	results, err := server.history.ListBySubscription(r.Context(), id, limit)
	if err != nil {
		server.serviceError(w, err)
		return
	}
	if results == nil {
		results = []*compare.Result{}
	}
	server.jsonResponse(w, http.StatusOK, results)
}

func (server *Server) handleGetComparison(w http.ResponseWriter, r *http.Request) {
	id, ok := server.pathID(w, r)
	if !ok {
		return
	}
	result, err := server.history.Get(r.Context(), id)
	if err != nil {
		server.serviceError(w, err)
		return
	}
	server.jsonResponse(w, http.StatusOK, result)
}

func (server *Server) handleListDifferences(w http.ResponseWriter, r *http.Request) {
	id, ok := server.pathID(w, r)
	if !ok {
		return
	}
	result, err := server.history.Get(r.Context(), id)
	if err != nil {
		server.serviceError(w, err)
		return
	}
	differences := result.Differences
	if differences == nil {
		differences = []compare.SchemaDifference{}
	}
	server.jsonResponse(w, http.StatusOK, differences)
}

func (server *Server) handleListUnsupported(w http.ResponseWriter, r *http.Request) {
	id, ok := server.pathID(w, r)
	if !ok {
		return
	}
	result, err := server.history.Get(r.Context(), id)
	if err != nil {
		server.serviceError(w, err)
		return
	}
	unsupported := result.Unsupported
	if unsupported == nil {
		unsupported = []compare.UnsupportedObject{}
	}
	server.jsonResponse(w, http.StatusOK, unsupported)
}

func (server *Server) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.FromString(mux.Vars(r)["id"])
	if err != nil {
		server.errorResponse(w, http.StatusBadRequest, Error.New("invalid id"))
		return uuid.UUID{}, false
	}
	return id, true
}

// serviceError maps domain errors onto HTTP statuses.
func (server *Server) serviceError(w http.ResponseWriter, err error) {
	switch {
	case subscriptions.ErrNotFound.Has(err), compare.ErrResultNotFound.Has(err):
		server.errorResponse(w, http.StatusNotFound, err)
	case subscriptions.ErrNameInUse.Has(err),
		subscriptions.ErrNotPaused.Has(err),
		compare.ErrInProgress.Has(err):
		server.errorResponse(w, http.StatusConflict, err)
	case subscriptions.Error.Has(err):
		server.errorResponse(w, http.StatusBadRequest, err)
	default:
		server.errorResponse(w, http.StatusInternalServerError, err)
	}
}

func (server *Server) jsonResponse(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		server.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (server *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		server.log.Error("api request failed", zap.Error(err))
	} else {
		server.log.Debug("api request rejected", zap.Int("status", status), zap.Error(err))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
