package http

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeSendRequest(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantCode    string
		wantNumber  string
		wantReply   bool
		wantTimeout int
	}{
		{name: "minimal", body: `{"number":"3331234567","message":"hi"}`, wantNumber: "3331234567"},
		{name: "case-insensitive keys", body: `{"NUMBER":"3331234567","Message":"hi","Reply":true}`, wantNumber: "3331234567", wantReply: true, wantTimeout: 60},
		{name: "numeric number", body: `{"number":3331234567,"message":"hi"}`, wantNumber: "3331234567"},
		{name: "explicit timeout", body: `{"number":"1","message":"m","reply":true,"timeout":30}`, wantNumber: "1", wantReply: true, wantTimeout: 30},
		{name: "string timeout", body: `{"number":"1","message":"m","reply":true,"timeout":" 45 "}`, wantNumber: "1", wantReply: true, wantTimeout: 45},
		{name: "fractional timeout truncated", body: `{"number":"1","message":"m","reply":true,"timeout":30.9}`, wantNumber: "1", wantReply: true, wantTimeout: 30},
		{name: "null timeout uses default", body: `{"number":"1","message":"m","reply":true,"timeout":null}`, wantNumber: "1", wantReply: true, wantTimeout: 60},
		{name: "timeout ignored without reply", body: `{"number":"1","message":"m","timeout":9999}`, wantNumber: "1"},
		{name: "reply as string", body: `{"number":"1","message":"m","reply":"true"}`, wantNumber: "1", wantReply: true, wantTimeout: 60},
		{name: "timeout too large", body: `{"number":"1","message":"m","reply":true,"timeout":601}`, wantCode: CodeInvalidTimeoutValue},
		{name: "timeout zero", body: `{"number":"1","message":"m","reply":true,"timeout":0}`, wantCode: CodeInvalidTimeoutValue},
		{name: "timeout not a number", body: `{"number":"1","message":"m","reply":true,"timeout":"soon"}`, wantCode: CodeInvalidTimeoutFormat},
		{name: "missing number", body: `{"message":"m"}`, wantCode: CodeMissingRequiredFields},
		{name: "empty object", body: `{}`, wantCode: CodeInvalidJSON},
		{name: "malformed", body: `{"number":`, wantCode: CodeInvalidJSON},
		{name: "array", body: `["number"]`, wantCode: CodeInvalidJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, reqErr := decodeSendRequest(strings.NewReader(tt.body), 60)
			if tt.wantCode != "" {
				require.NotNil(t, reqErr)
				assert.Equal(t, tt.wantCode, reqErr.Code)
				return
			}
			require.Nil(t, reqErr)
			assert.Equal(t, tt.wantNumber, req.Number)
			assert.Equal(t, tt.wantReply, req.Reply)
			assert.Equal(t, tt.wantTimeout, req.TimeoutSeconds)
			assert.Nil(t, req.Meta)
		})
	}
}

func TestDecodeSendRequest_MissingFieldsListed(t *testing.T) {
	_, reqErr := decodeSendRequest(strings.NewReader(`{"reply":true}`), 60)
	require.NotNil(t, reqErr)
	assert.Equal(t, "Missing required field(s): number, message", reqErr.Message)
}

func TestDecodeSendRequest_Truncation(t *testing.T) {
	long := strings.Repeat("ñ", 200)
	req, reqErr := decodeSendRequest(strings.NewReader(`{"number":"1","message":"`+long+`"}`), 60)
	require.Nil(t, reqErr)
	require.NotNil(t, req.Meta)
	assert.True(t, req.Meta.Truncated)
	assert.Equal(t, 200, req.Meta.OriginalLength)
	assert.Equal(t, 160, req.Meta.SentLength)
	assert.Equal(t, strings.Repeat("ñ", 160), req.Message)

	exact := strings.Repeat("a", 160)
	req, reqErr = decodeSendRequest(strings.NewReader(`{"number":"1","message":"`+exact+`"}`), 60)
	require.Nil(t, reqErr)
	assert.Nil(t, req.Meta)
	assert.Equal(t, exact, req.Message)
}

func TestIsJSONContentType(t *testing.T) {
	assert.True(t, isJSONContentType("application/json"))
	assert.True(t, isJSONContentType("application/json; charset=utf-8"))
	assert.True(t, isJSONContentType("application/vnd.api+json"))
	assert.False(t, isJSONContentType("text/plain"))
	assert.False(t, isJSONContentType(""))
}
