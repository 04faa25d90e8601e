package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightbase/lpc-backend/internal/queue"
)

func TestMailJobHandlerKeepsSecretsOutOfLogs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	userID := uuid.New()
	payload, err := json.Marshal(map[string]any{
		"userId": userID,
		"email":  "alice@example.com",
		"otp":    "123456",
		"token":  "reset-token-abc",
	})
	require.NoError(t, err)

	handler := mailJobHandler(log, "auth.passwordBased.requestOtp")
	require.NoError(t, handler(context.Background(), queue.Job{
		ID:      1,
		Name:    "auth.passwordBased.requestOtp",
		Payload: payload,
	}))

	line := buf.String()
	assert.Contains(t, line, userID.String())
	assert.Contains(t, line, "auth.passwordBased.requestOtp")
	assert.NotContains(t, line, "123456")
	assert.NotContains(t, line, "reset-token-abc")
	assert.NotContains(t, line, "alice@example.com")
}
