package email

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend_MissingAddressReturnsError(t *testing.T) {
	s := NewSender("localhost", 2525, "", "", "from@example.com", false)
	err := s.Send(context.Background(), json.RawMessage(`{}`), "subject", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing address")
}

func TestSend_InvalidConfigReturnsError(t *testing.T) {
	s := NewSender("localhost", 2525, "", "", "from@example.com", false)
	err := s.Send(context.Background(), json.RawMessage(`not json`), "subject", "body")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode email channel config")
}
