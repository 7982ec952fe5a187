package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/flowforge/flowd/logger"
	"github.com/flowforge/flowd/model"
)

func (s *Server) HandleStartFlow(w http.ResponseWriter, r *http.Request) {
	var req model.StartFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	flow, err := s.executorService.StartFlow(req)
	if err != nil {
		logger.Error("error starting flow", zap.String("flowType", req.FlowType), zap.Error(err))
		respondWithEngineError(w, err)
		return
	}
	respondOK(w, flow)
}

func (s *Server) HandleFireFlow(w http.ResponseWriter, r *http.Request) {
	var req model.StartFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	flowId, err := s.executorService.FireFlow(req)
	if err != nil {
		logger.Error("error firing flow", zap.String("flowType", req.FlowType), zap.Error(err))
		respondWithEngineError(w, err)
		return
	}
	respondOK(w, map[string]string{"flowId": flowId})
}

func (s *Server) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	status, err := s.executorService.GetStatus(flowId)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondOK(w, map[string]string{"flowId": flowId, "status": string(status)})
}

func (s *Server) HandleGetTimeline(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	timeline, err := s.executorService.GetTimeline(flowId)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondOK(w, timeline)
}

func (s *Server) HandleResumeFlow(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	var req model.ResumeFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	resumed, err := s.executorService.ResumeManually(flowId, req.UserId, req.Reason)
	if err != nil {
		logger.Error("error resuming flow", zap.String("FlowId", flowId), zap.Error(err))
		respondWithEngineError(w, err)
		return
	}
	respondOK(w, map[string]bool{"resumed": resumed})
}

func (s *Server) HandleCancelFlow(w http.ResponseWriter, r *http.Request) {
	flowId := mux.Vars(r)["flowId"]
	var req model.CancelFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	cancelled, err := s.executorService.Cancel(flowId, req.Reason)
	if err != nil {
		logger.Error("error cancelling flow", zap.String("FlowId", flowId), zap.Error(err))
		respondWithEngineError(w, err)
		return
	}
	respondOK(w, map[string]bool{"cancelled": cancelled})
}

func (s *Server) HandleQueryFlows(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := model.FlowFilter{
		Status:   model.FlowStatus(query.Get("status")),
		UserId:   query.Get("userId"),
		StepName: query.Get("stepName"),
	}
	if after := query.Get("createdAfter"); after != "" {
		t, err := time.Parse(time.RFC3339, after)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "createdAfter must be RFC3339")
			return
		}
		filter.CreatedAfter = t
	}
	filter.Page, _ = strconv.Atoi(query.Get("page"))
	filter.PageSize, _ = strconv.Atoi(query.Get("pageSize"))
	page, err := s.executorService.Query(filter)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondOK(w, page)
}

func (s *Server) HandleRecover(w http.ResponseWriter, r *http.Request) {
	report, err := s.executorService.RecoverCrashedFlows()
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondOK(w, report)
}

func (s *Server) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	olderThanStr := r.URL.Query().Get("olderThan")
	olderThan, err := time.ParseDuration(olderThanStr)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "olderThan must be a duration like 720h")
		return
	}
	removed, err := s.executorService.Cleanup(olderThan)
	if err != nil {
		respondWithEngineError(w, err)
		return
	}
	respondOK(w, map[string]int{"removed": removed})
}
