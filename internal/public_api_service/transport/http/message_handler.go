package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chi_middleware "github.com/go-chi/chi/v5/middleware" // For GetReqID

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
	"github.com/smsrest/gateway/internal/public_api_service/middleware"
)

// MessageService is the part of the dispatch engine the handlers use.
type MessageService interface {
	Submit(ctx context.Context, sub domain.Submission) (domain.Receipt, error)
	GetStatus(ctx context.Context, id string) (domain.Job, error)
}

type MessageHandler struct {
	service        MessageService
	defaultTimeout int
	logger         *slog.Logger
}

// NewMessageHandler creates the send and status handlers. defaultTimeout is
// used for reply requests that omit a timeout.
func NewMessageHandler(service MessageService, defaultTimeout int, logger *slog.Logger) *MessageHandler {
	return &MessageHandler{
		service:        service,
		defaultTimeout: defaultTimeout,
		logger:         logger.With("handler", "message"),
	}
}

// RegisterRoutes registers message routes with the given router. Callers
// apply authentication.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.handleSendMessage)
	r.Post("/api/v1/messages", h.handleSendMessage)
	r.Get("/status", h.handleGetMessageStatus)
	r.Get("/api/v1/messages/{messageID}", h.handleGetMessageStatus)
}

func (h *MessageHandler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		logger.WarnContext(ctx, "User not authenticated for send message")
		h.writeError(w, logger, http.StatusUnauthorized, &requestError{Code: CodeAuthenticationRequired, Message: "Invalid credentials or missing Authorization header"}, nil)
		return
	}
	from := strPtr(authUser.Username)
	logger = logger.With("username", authUser.Username)

	if !isJSONContentType(r.Header.Get("Content-Type")) {
		h.writeError(w, logger, http.StatusBadRequest, &requestError{Code: CodeInvalidContentType, Message: "Content-Type must be application/json"}, from)
		return
	}

	req, reqErr := decodeSendRequest(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes), h.defaultTimeout)
	if reqErr != nil {
		status := http.StatusBadRequest
		if reqErr.Code == CodeRequestTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		h.writeError(w, logger, status, reqErr, from)
		return
	}

	receipt, err := h.service.Submit(ctx, domain.Submission{
		Recipient:         req.Number,
		OriginalRecipient: req.Number,
		Body:              req.Message,
		WantsReply:        req.Reply,
		TimeoutSeconds:    req.TimeoutSeconds,
		Owner:             authUser.Username,
		ClientIP:          clientIP(r),
		Meta:              req.Meta,
	})
	if err != nil {
		status, submitErr := classifySubmitError(err)
		submitErr.Number = strPtr(req.Number)
		submitErr.Content = strPtr(req.Message)
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "Failed to queue message", "error", err)
		}
		h.writeError(w, logger, status, submitErr, from)
		return
	}

	logger.InfoContext(ctx, "Message queued", "message_id", receipt.JobID, "wants_reply", req.Reply)
	writeJSON(w, logger, http.StatusOK, MessageResponse{
		Status:    string(domain.JobStatusQueued),
		MessageID: strPtr(receipt.JobID),
		Timestamp: formatTimestamp(receipt.AcceptedAt),
		To:        strPtr(req.Number),
		From:      from,
		Message:   strPtr(req.Message),
		Meta:      req.Meta,
	})
}

// handleGetMessageStatus returns the current snapshot of a message. Messages
// owned by other users are reported as not found.
func (h *MessageHandler) handleGetMessageStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.logger.With("request_id", chi_middleware.GetReqID(ctx))

	authUser, ok := middleware.UserFromContext(ctx)
	if !ok {
		logger.WarnContext(ctx, "User not authenticated for get message status")
		h.writeError(w, logger, http.StatusUnauthorized, &requestError{Code: CodeAuthenticationRequired, Message: "Invalid credentials or missing Authorization header"}, nil)
		return
	}
	from := strPtr(authUser.Username)

	messageID := chi.URLParam(r, "messageID")
	if messageID == "" {
		messageID = r.URL.Query().Get("message_id")
	}
	if messageID == "" && isJSONContentType(r.Header.Get("Content-Type")) {
		var payload struct {
			MessageID string `json:"message_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
			messageID = payload.MessageID
		}
	}
	if messageID == "" {
		h.writeError(w, logger, http.StatusBadRequest, &requestError{Code: CodeMissingRequiredFields, Message: "message_id is required"}, from)
		return
	}

	job, err := h.service.GetStatus(ctx, messageID)
	if err != nil && !errors.Is(err, domain.ErrJobNotFound) {
		logger.ErrorContext(ctx, "Failed to retrieve message status", "message_id", messageID, "error", err)
		h.writeError(w, logger, http.StatusInternalServerError, &requestError{Code: CodeInternalError, Message: "Failed to retrieve message status"}, from)
		return
	}
	if err != nil || job.Owner != authUser.Username {
		if err == nil {
			logger.WarnContext(ctx, "User attempted to access another user's message", "message_id", messageID, "username", authUser.Username)
		}
		h.writeError(w, logger, http.StatusNotFound, &requestError{Code: CodeNotFound, Message: "Message not found"}, from)
		return
	}

	logger.DebugContext(ctx, "Message status retrieved", "message_id", messageID, "status", job.Status)
	writeJSON(w, logger, http.StatusOK, statusResponse(job))
}

// classifySubmitError maps a dispatch error to an HTTP status and API error.
func classifySubmitError(err error) (int, *requestError) {
	switch {
	case errors.Is(err, domain.ErrInvalidPhoneNumber),
		errors.Is(err, domain.ErrInvalidE164),
		errors.Is(err, domain.ErrAmbiguousPhoneNumber):
		return http.StatusBadRequest, &requestError{Code: CodeInvalidPhoneNumber, Message: phoneErrorMessage(err)}
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, &requestError{Code: CodeInvalidRequest, Message: err.Error()}
	case errors.Is(err, domain.ErrQueueClosed):
		return http.StatusServiceUnavailable, &requestError{Code: CodeServiceUnavailable, Message: "Service is shutting down"}
	default:
		return http.StatusInternalServerError, &requestError{Code: CodeInternalError, Message: "Failed to queue message"}
	}
}

func phoneErrorMessage(err error) string {
	for _, target := range []error{domain.ErrInvalidE164, domain.ErrAmbiguousPhoneNumber, domain.ErrInvalidPhoneNumber} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return err.Error()
}

func (h *MessageHandler) writeError(w http.ResponseWriter, logger *slog.Logger, statusCode int, reqErr *requestError, from *string) {
	logger.Warn("API Error Response", "status_code", statusCode, "error_code", reqErr.Code, "message", reqErr.Message)
	writeJSON(w, logger, statusCode, MessageResponse{
		Status:       string(domain.JobStatusFailed),
		Timestamp:    formatTimestamp(timeNow()),
		To:           reqErr.Number,
		From:         from,
		Message:      reqErr.Content,
		ErrorCode:    reqErr.Code,
		ErrorMessage: reqErr.Message,
	})
}

func writeJSON(w http.ResponseWriter, logger *slog.Logger, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func isJSONContentType(header string) bool {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || (strings.HasPrefix(mediaType, "application/") && strings.HasSuffix(mediaType, "+json"))
}

// clientIP returns the request's remote address without the port. RealIP
// middleware has already applied forwarding headers.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
