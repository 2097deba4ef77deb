package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/modkit/internal/props"
	"github.com/zjrosen/modkit/internal/service"
)

type bundle struct{}

func (bundle) ID() int64 { return 3 }
func (bundle) SymbolicName() string { return "metrics.test" }

func TestCollector_ObservesRegistry(t *testing.T) {
	c := NewCollector(false)
	reg := service.NewRegistry(service.WithObserver(c))

	tok, err := reg.AddServiceListener(bundle{}, service.ListenerFunc(func(service.Event) {}), "")
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(c.listeners))

	r, err := reg.RegisterService(bundle{}, map[string]any{"Greeter": 1, "Clock": 2}, props.Properties{})
	require.NoError(t, err)
	require.Equal(t, 1.0, testutil.ToFloat64(c.registered.WithLabelValues("Greeter")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.registered.WithLabelValues("Clock")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.active))

	require.NoError(t, r.SetProperties(props.Properties{"x": props.Int32(1)}))
	require.Equal(t, 1.0, testutil.ToFloat64(c.modified))

	_, err = reg.GetServiceReferences("Greeter", "")
	require.NoError(t, err)
	require.Equal(t, 1, testutil.CollectAndCount(c.lookups))

	require.NoError(t, r.Unregister())
	require.Equal(t, 1.0, testutil.ToFloat64(c.unregistered.WithLabelValues("Greeter")))
	require.Zero(t, testutil.ToFloat64(c.active))

	require.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("REGISTERED")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("MODIFIED")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.events.WithLabelValues("UNREGISTERING")))

	reg.RemoveServiceListener(bundle{}, tok)
	require.Zero(t, testutil.ToFloat64(c.listeners))
}

func TestCollector_CountsPanics(t *testing.T) {
	c := NewCollector(false)
	reg := service.NewRegistry(service.WithObserver(c))

	_, err := reg.AddServiceListener(bundle{}, service.ListenerFunc(func(service.Event) { panic("boom") }), "")
	require.NoError(t, err)
	_, err = reg.RegisterService(bundle{}, map[string]any{"Greeter": 1}, props.Properties{})
	require.NoError(t, err)

	require.Equal(t, 1.0, testutil.ToFloat64(c.panics))
}

func TestCollector_Exposition(t *testing.T) {
	c := NewCollector(false)
	c.ServiceRegistered([]string{"Greeter"})

	expected := `
# HELP modkit_registry_services_registered_total Services registered, by object class.
# TYPE modkit_registry_services_registered_total counter
modkit_registry_services_registered_total{class="Greeter"} 1
`
	err := testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected), "modkit_registry_services_registered_total")
	require.NoError(t, err)
}

func TestServer_Handler(t *testing.T) {
	c := NewCollector(true)
	c.ServiceRegistered([]string{"Greeter"})
	srv := httptest.NewServer(NewServer("", c, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `modkit_registry_services_registered_total{class="Greeter"} 1`)
	require.Contains(t, string(body), "go_goroutines")

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_StartShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewCollector(false), nil)
	require.NoError(t, s.Start())
	require.Error(t, s.Start(), "second start must fail")
	require.NotEqual(t, "127.0.0.1:0", s.Addr())

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
}
