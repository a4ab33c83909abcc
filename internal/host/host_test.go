package host

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertarktes/ticketudp/internal/catalog"
	"github.com/robertarktes/ticketudp/internal/client"
	"github.com/robertarktes/ticketudp/internal/domain"
)

func TestLocalServesCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	require.NoError(t, catalog.WriteFile(path, []domain.EventSpec{{Description: "ZOO", Tickets: 3}}))

	h, err := Local{SweepInterval: time.Second}.Start(context.Background(), path, 0, 5*time.Second)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, WaitListening(ctx, h, 10*time.Millisecond))

	c, err := client.Dial(ctx, h.Addr())
	require.NoError(t, err)
	defer c.Close()
	events, err := c.GetEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.Event{{ID: 0, Tickets: 3, Description: "ZOO"}}, events)

	code, err := h.Terminate()
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.False(t, h.Listening())

	code, err = h.Terminate()
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestLocalRejectsMissingCatalog(t *testing.T) {
	_, err := Local{}.Start(context.Background(), filepath.Join(t.TempDir(), "missing"), 0, time.Second)
	assert.Error(t, err)
}

func TestRemoteIsPassive(t *testing.T) {
	h, err := Remote{Addr: "10.0.0.1:2022"}.Start(context.Background(), "", 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:2022", h.Addr())
	assert.True(t, h.Listening())
	code, err := h.Terminate()
	assert.NoError(t, err)
	assert.Zero(t, code)
}
