package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/doylf/neuvero-pulse/internal/models"
)

// smsHandler handles the Twilio messaging webhook (POST /sms). It always
// answers 200 with TwiML unless the request is not from Twilio.
func (s *Server) smsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.smsHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.opts.ValidateSignature && !s.verifySignature(r) {
		slog.Warn("Server.smsHandler: invalid Twilio signature", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	msg := models.InboundMessage{
		MessageID: r.PostForm.Get("MessageSid"),
		From:      r.PostForm.Get("From"),
		To:        r.PostForm.Get("To"),
		Body:      strings.TrimSpace(r.PostForm.Get("Body")),
	}
	slog.Info("Server.smsHandler: inbound message", "from", msg.From, "messageID", msg.MessageID)

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	reply := s.engine.HandleMessage(ctx, msg)

	writeTwiMLResponse(w, reply)
}

// inboundHandler accepts a JSON inbound message and returns the reply (POST /inbound).
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := msg.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	msg.Body = strings.TrimSpace(msg.Body)

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.RequestTimeout)
	defer cancel()
	reply := s.engine.HandleMessage(ctx, msg)

	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"reply": reply}))
}

// runTasksHandler resumes due scheduled steps now (POST /tasks/run).
func (s *Server) runTasksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n, err := s.engine.RunDueTasks(r.Context())
	if err != nil {
		slog.Error("Server.runTasksHandler: run failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to run scheduled tasks"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"completed": n}))
}

// reloadCatalogHandler re-reads the flow source (POST /catalog/reload).
func (s *Server) reloadCatalogHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	diags, err := s.engine.ReloadCatalog()
	if err != nil {
		slog.Error("Server.reloadCatalogHandler: reload failed", "error", err)
		resp := models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage("Catalog reload failed, previous catalog retained").
			WithResult(diags).
			Build()
		writeJSONResponse(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Catalog reloaded", diags))
}

func (s *Server) receiptsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.receipts == nil {
		writeJSONResponse(w, http.StatusOK, models.Success([]models.Receipt{}))
		return
	}
	receipts, err := s.receipts.GetReceipts()
	if err != nil {
		slog.Error("Server.receiptsHandler: failed to fetch receipts", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch receipts"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(receipts))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"service":   ServiceName,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) homeHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"message":          ServiceName + " is running",
		"webhook_endpoint": "/sms",
	})
}
