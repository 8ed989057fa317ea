package inspect

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/srilakshmi/usernvme/disklayer"
	"github.com/srilakshmi/usernvme/nvmedrv"
	"github.com/srilakshmi/usernvme/nvmeemu"
)

var subsystem = uuid.MustParse("6f1c2a4e-93d0-4b7a-8e55-0c1d2e3f4a5b")

func newDriver(t *testing.T) *nvmedrv.Driver {
	t.Helper()

	mem, pool, err := nvmeemu.NewMemory(512, true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	ctrl := nvmeemu.NewController(mem, nvmeemu.Caps{MSIXCount: 2, SubsystemID: subsystem})
	require.NoError(t, ctrl.AddNamespace(1, disklayer.NewRAMDisk(1<<20)))

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d, err := nvmedrv.New(ctx, nvmeemu.NewEmulatedDevice(ctrl, pool), nvmedrv.Config{
		CPUCount:     4,
		ReadyTimeout: 5 * time.Second,
		Logger:       logrus.NewEntry(log),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	return d
}

func get(t *testing.T, h http.Handler, path string, out any) int {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code == http.StatusOK && out != nil {
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}

	return rec.Code
}

func TestInspectEndpoints(t *testing.T) {
	d := newDriver(t)
	h := NewHandler(d, nil)

	t.Run("controller", func(t *testing.T) {
		var view ControllerView
		require.Equal(t, http.StatusOK, get(t, h, "/controller", &view))
		require.Equal(t, "Operational", view.State)
		require.Equal(t, d.DeviceID(), view.DeviceID)
		require.Equal(t, "usernvme emulated controller", view.Identify.Model)
		require.Equal(t, subsystem.String()[:20], view.Identify.Serial)
		require.Empty(t, view.Fault)
	})

	t.Run("queues", func(t *testing.T) {
		var stats []nvmedrv.QueueStats
		require.Equal(t, http.StatusOK, get(t, h, "/queues", &stats))
		// Admin queue plus the single I/O queue two vectors allow.
		require.Len(t, stats, 2)
		require.Equal(t, uint16(0), stats[0].QID)
		require.Equal(t, uint16(1), stats[1].QID)
		require.ElementsMatch(t, []uint32{1, 2, 3}, stats[1].SharedBy)
	})

	t.Run("fallback", func(t *testing.T) {
		var view FallbackView
		require.Equal(t, http.StatusOK, get(t, h, "/fallback", &view))
		require.Len(t, view.Routes, 4)
		require.True(t, view.Routes[0].Dedicated)
		require.False(t, view.Routes[3].Dedicated)
	})

	t.Run("namespace", func(t *testing.T) {
		var info nvmedrv.NamespaceInfo
		require.Equal(t, http.StatusOK, get(t, h, "/namespaces/1", &info))
		require.Equal(t, uint32(512), info.BlockSize)
		require.Equal(t, uint64((1<<20)/512), info.BlockCount)

		adminBefore := d.QueueStats()[0].Submitted
		require.Equal(t, http.StatusNotFound, get(t, h, "/namespaces/9", nil))
		require.Equal(t, adminBefore, d.QueueStats()[0].Submitted)
		require.Equal(t, http.StatusBadRequest, get(t, h, "/namespaces/0", nil))
		require.Equal(t, http.StatusNotFound, get(t, h, "/namespaces/abc", nil))

		var all []nvmedrv.NamespaceInfo
		require.Equal(t, http.StatusOK, get(t, h, "/namespaces", &all))
		require.Len(t, all, 1)
		require.Equal(t, 0, all[0].Handles)
	})

	t.Run("saved state", func(t *testing.T) {
		var saved nvmedrv.SavedState
		require.Equal(t, http.StatusOK, get(t, h, "/saved-state", &saved))
		require.Equal(t, nvmedrv.SavedStateVersion, saved.Version)
		require.Len(t, saved.IOQueues, 1)
		require.True(t, saved.IOQueues[0].Fallback)
		require.Empty(t, saved.Namespaces)
		require.False(t, saved.Quiesced)
	})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/controller", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestInspectStoppedDriver(t *testing.T) {
	d := newDriver(t)
	h := NewHandler(d, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	var view ControllerView
	require.Equal(t, http.StatusOK, get(t, h, "/controller", &view))
	require.Equal(t, "Stopped", view.State)

	var info nvmedrv.NamespaceInfo
	require.Equal(t, http.StatusOK, get(t, h, "/namespaces/1", &info))
	require.Equal(t, uint32(1), info.NSID)
	require.Equal(t, http.StatusNotFound, get(t, h, "/namespaces/2", nil))
}
