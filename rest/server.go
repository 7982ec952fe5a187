package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	api "github.com/flowforge/flowd/api/v1"
	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/service"
)

type Server struct {
	http.Server
	Port            int
	executorService *service.FlowExecutionService
}

func NewServer(httpPort int, executorService *service.FlowExecutionService) (*Server, error) {
	s := &Server{
		Server: http.Server{
			Addr: fmt.Sprintf(":%d", httpPort),
		},
		executorService: executorService,
		Port:            httpPort,
	}

	router := mux.NewRouter()
	router.HandleFunc("/flow/start", s.HandleStartFlow).Methods(http.MethodPost)
	router.HandleFunc("/flow/fire", s.HandleFireFlow).Methods(http.MethodPost)
	router.HandleFunc("/flow/{flowId}/status", s.HandleGetStatus).Methods(http.MethodGet)
	router.HandleFunc("/flow/{flowId}/timeline", s.HandleGetTimeline).Methods(http.MethodGet)
	router.HandleFunc("/flow/{flowId}/resume", s.HandleResumeFlow).Methods(http.MethodPost)
	router.HandleFunc("/flow/{flowId}/cancel", s.HandleCancelFlow).Methods(http.MethodPost)
	router.HandleFunc("/flow", s.HandleQueryFlows).Methods(http.MethodGet)
	router.HandleFunc("/event", s.HandleEvent).Methods(http.MethodPost)
	router.HandleFunc("/admin/recover", s.HandleRecover).Methods(http.MethodPost)
	router.HandleFunc("/admin/cleanup", s.HandleCleanup).Methods(http.MethodPost)
	router.Use(loggingMiddleware)
	s.Handler = router
	return s, nil
}

func (s *Server) Start() error {
	logger.Info("starting http server on", zap.Int("port", s.Port))
	if err := s.ListenAndServe(); err != nil {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Shutdown(ctx)
	if err != nil {
		logger.Error("error shutting down http server")
	}
	return nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Info(r.RequestURI)
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondOK(w http.ResponseWriter, payload interface{}) {
	respondWithJSON(w, http.StatusOK, payload)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithEngineError(w http.ResponseWriter, err error) {
	switch {
	case api.IsNotFound(err):
		respondWithError(w, http.StatusNotFound, err.Error())
	case api.IsConflict(err):
		respondWithError(w, http.StatusConflict, err.Error())
	case api.IsInvalidState(err):
		respondWithError(w, http.StatusConflict, err.Error())
	default:
		respondWithError(w, http.StatusBadRequest, err.Error())
	}
}
