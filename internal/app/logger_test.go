package app

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", AppEnv: "test"}, &buf)
	logger.Info("posted", "business_id", 4)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "posted", record["msg"])
	require.Equal(t, "test", record["env"])
	require.EqualValues(t, 4, record["business_id"])
}
