//go:build integration
// +build integration

package monitor

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestClient_Integration runs against a live devchaind.
// Run with: DEVCHAIN_URL=http://127.0.0.1:9191 go test -tags=integration ./internal/monitor/...
func TestClient_Integration(t *testing.T) {
	url := os.Getenv("DEVCHAIN_URL")
	if url == "" {
		url = "http://127.0.0.1:9191"
	}
	client := NewClient(url)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("health", func(t *testing.T) {
		health, err := client.Health(ctx)
		require.NoError(t, err, "devchaind should be reachable at %s", url)
		assert.Equal(t, "ok", health.Status)
	})

	t.Run("status", func(t *testing.T) {
		status, err := client.Status(ctx)
		require.NoError(t, err)
		assert.Len(t, status.Counts, 5)
	})
}
