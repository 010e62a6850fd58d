package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_EmptyEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), "  ", "telemetry-ingest", false)
	require.NoError(t, err)
	require.NotNil(t, p.TracerProvider)
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_InvalidEndpoint(t *testing.T) {
	_, err := NewProvider(context.Background(), "http://", "telemetry-ingest", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing host")
}
