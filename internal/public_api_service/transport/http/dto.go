package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/smsrest/gateway/internal/dispatch_service/domain"
)

const (
	maxMessageLength = 160
	timestampLayout  = "2006-01-02T15:04:05Z"
	minReplyTimeout  = 1
	maxReplyTimeout  = 600

	maxRequestBodyBytes = 64 << 10
)

// Error codes returned in the error_code field.
const (
	CodeAuthenticationRequired = "AUTHENTICATION_REQUIRED"
	CodeInvalidContentType     = "INVALID_CONTENT_TYPE"
	CodeInvalidJSON            = "INVALID_JSON"
	CodeRequestTooLarge        = "REQUEST_TOO_LARGE"
	CodeMissingRequiredFields  = "MISSING_REQUIRED_FIELDS"
	CodeInvalidPhoneNumber     = "INVALID_PHONE_NUMBER"
	CodeInvalidTimeoutValue    = "INVALID_TIMEOUT_VALUE"
	CodeInvalidTimeoutFormat   = "INVALID_TIMEOUT_FORMAT"
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeNotFound               = "NOT_FOUND"
	CodeServiceUnavailable     = "SERVICE_UNAVAILABLE"
	CodeInternalError          = "INTERNAL_ERROR"
)

// ReplyPayload is the reply section of a status response.
type ReplyPayload struct {
	Text           string `json:"text"`
	ReceivedAt     string `json:"received_at"`
	ElapsedSeconds int    `json:"elapsed_seconds"`
}

// MessageResponse is the envelope of every message endpoint, successful or not.
type MessageResponse struct {
	Status       string                 `json:"status"`
	MessageID    *string                `json:"message_id"`
	Timestamp    string                 `json:"timestamp"`
	To           *string                `json:"to"`
	From         *string                `json:"from"`
	Message      *string                `json:"message"`
	Reply        *ReplyPayload          `json:"reply"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Meta         *domain.TruncationMeta `json:"meta,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	Service         string `json:"service"`
	Timestamp       string `json:"timestamp"`
	DeviceAvailable bool   `json:"device_available"`
	QueueDepth      int    `json:"queue_depth"`
}

// SendMessageRequest is a decoded POST body. Keys are matched
// case-insensitively.
type SendMessageRequest struct {
	Number         string
	Message        string
	Reply          bool
	TimeoutSeconds int // zero unless Reply is set
	Meta           *domain.TruncationMeta
}

// requestError is a client error detected while decoding a request.
type requestError struct {
	Code    string
	Message string
	// Partially decoded fields echoed back in the response.
	Number  *string
	Content *string
}

func (e *requestError) Error() string { return e.Code + ": " + e.Message }

// decodeSendRequest parses a send body. Message bodies longer than 160
// characters are truncated and reported in Meta.
func decodeSendRequest(body io.Reader, defaultTimeout int) (SendMessageRequest, *requestError) {
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return SendMessageRequest{}, &requestError{Code: CodeRequestTooLarge, Message: fmt.Sprintf("Request body must not exceed %d bytes", tooLarge.Limit)}
		}
		return SendMessageRequest{}, &requestError{Code: CodeInvalidJSON, Message: "Request body must contain valid JSON"}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || len(fields) == 0 {
		return SendMessageRequest{}, &requestError{Code: CodeInvalidJSON, Message: "Request body must contain valid JSON"}
	}

	lower := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		lower[strings.ToLower(k)] = v
	}

	numberRaw, hasNumber := lower["number"]
	messageRaw, hasMessage := lower["message"]
	var number, message *string
	if hasNumber {
		s := scalarString(numberRaw)
		number = &s
	}
	if hasMessage {
		s := scalarString(messageRaw)
		message = &s
	}

	var missing []string
	if !hasNumber {
		missing = append(missing, "number")
	}
	if !hasMessage {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return SendMessageRequest{}, &requestError{
			Code:    CodeMissingRequiredFields,
			Message: "Missing required field(s): " + strings.Join(missing, ", "),
			Number:  number,
			Content: message,
		}
	}

	req := SendMessageRequest{Number: *number, Message: *message, Reply: truthy(lower["reply"])}
	if req.Reply {
		timeout := defaultTimeout
		if rawTimeout, ok := lower["timeout"]; ok && !isNull(rawTimeout) {
			parsed, err := parseTimeout(rawTimeout)
			if err != nil {
				return SendMessageRequest{}, &requestError{
					Code: CodeInvalidTimeoutFormat, Message: "Timeout must be a valid integer",
					Number: number, Content: message,
				}
			}
			timeout = parsed
		}
		if timeout < minReplyTimeout || timeout > maxReplyTimeout {
			return SendMessageRequest{}, &requestError{
				Code:    CodeInvalidTimeoutValue,
				Message: fmt.Sprintf("Timeout must be between %d and %d seconds", minReplyTimeout, maxReplyTimeout),
				Number:  number,
				Content: message,
			}
		}
		req.TimeoutSeconds = timeout
	}

	if n := utf8.RuneCountInString(req.Message); n > maxMessageLength {
		req.Message = string([]rune(req.Message)[:maxMessageLength])
		req.Meta = &domain.TruncationMeta{Truncated: true, OriginalLength: n, SentLength: maxMessageLength}
	}
	return req, nil
}

// scalarString renders a JSON scalar the way a client most likely meant it:
// strings unquoted, numbers verbatim.
func scalarString(raw json.RawMessage) string {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return strings.TrimSpace(string(raw))
	}
}

func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return err == nil && b
	case json.Number:
		f, err := t.Float64()
		return err == nil && f != 0
	}
	return false
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

// parseTimeout accepts integers, whole-number strings and fractional numbers
// (truncated).
func parseTimeout(raw json.RawMessage) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return 0, err
	}
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return clampInt(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, err
		}
		return clampInt(int64(math.Trunc(f))), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(t))
	}
	return 0, fmt.Errorf("unsupported timeout type %T", v)
}

func clampInt(i int64) int {
	if i > math.MaxInt32 {
		return math.MaxInt32
	}
	if i < math.MinInt32 {
		return math.MinInt32
	}
	return int(i)
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func strPtr(s string) *string { return &s }

// statusResponse renders a job snapshot for the status endpoints.
func statusResponse(job domain.Job) MessageResponse {
	resp := MessageResponse{
		Status:    string(job.Status),
		MessageID: strPtr(job.ID),
		Timestamp: formatTimestamp(statusTimestamp(job)),
		To:        strPtr(job.OriginalRecipient),
		From:      strPtr(job.Owner),
		Message:   strPtr(job.Body),
		Meta:      job.Meta,
	}
	if job.Reply != nil {
		resp.Reply = &ReplyPayload{
			Text:           job.Reply.Text,
			ReceivedAt:     formatTimestamp(job.Reply.ReceivedAt),
			ElapsedSeconds: job.Reply.ElapsedSeconds,
		}
	}
	if job.Error != nil {
		resp.ErrorCode = job.Error.Code
		resp.ErrorMessage = job.Error.Message
	}
	return resp
}

// statusTimestamp is the send time once the message left the queue, the
// submission time before that.
func statusTimestamp(job domain.Job) time.Time {
	if job.SentAt != nil {
		return *job.SentAt
	}
	return job.SubmittedAt
}
