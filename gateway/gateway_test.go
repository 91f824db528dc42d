package gateway

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/laiskygw/geminigw/catalog"
	"github.com/laiskygw/geminigw/dispatch"
	"github.com/laiskygw/geminigw/proxypool"
	"github.com/laiskygw/geminigw/registry"
	"github.com/laiskygw/geminigw/selector"
	"github.com/laiskygw/geminigw/store"
)

func setupTestGateway(t *testing.T) *Gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := registry.New(st)
	cat := catalog.New(st)
	sel := selector.New(st, reg, cat, 50, 1500, 3)
	disp := dispatch.New(proxypool.New(""), dispatch.VertexConfig{})

	return New(Deps{
		Store:      st,
		Registry:   reg,
		Catalog:    cat,
		Selector:   sel,
		Dispatcher: disp,
		Proxies:    proxypool.New(""),
		AdminToken: "test-admin-token",
	})
}

func seedWorkerKey(t *testing.T, g *Gateway, safetyEnabled bool) string {
	t.Helper()
	secret := "wk_test_" + t.Name()
	wk := &store.WorkerKey{Secret: secret, SafetyEnabled: safetyEnabled}
	require.NoError(t, g.st.DB().Create(wk).Error)
	return secret
}

func seedUpstreamKey(t *testing.T, g *Gateway, secret string) *registry.Key {
	t.Helper()
	k, err := g.reg.Add(context.Background(), secret, "test key")
	require.NoError(t, err)
	return k
}
