// Package api provides HTTP response utilities for the pulse service.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/doylf/neuvero-pulse/internal/models"
	"github.com/twilio/twilio-go/twiml"
)

// Pre-marshaled fallback responses to avoid runtime encoding failures
var (
	fallbackErrorResponse []byte
	emptyTwiML            string
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
	emptyTwiML, err = twiml.Messages(nil)
	if err != nil {
		panic(fmt.Sprintf("Failed to render empty TwiML at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeTwiMLResponse answers a Twilio webhook. An empty reply renders an
// empty <Response/>, which tells Twilio not to send anything.
func writeTwiMLResponse(w http.ResponseWriter, reply string) {
	body := emptyTwiML
	if reply != "" {
		rendered, err := twiml.Messages([]twiml.Element{&twiml.MessagingMessage{Body: reply}})
		if err != nil {
			slog.Error("Server.writeTwiMLResponse: failed to render TwiML", "error", err)
		} else {
			body = rendered
		}
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		slog.Error("Server.writeTwiMLResponse: failed to write TwiML", "error", err)
	}
}
