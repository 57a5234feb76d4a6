package consistency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverdesk/policy-cli/internal/config"
	"github.com/coverdesk/policy-cli/internal/model"
)

func linkEngine() *Engine {
	return NewEngine(&fakeCatalog{}, config.ConsistencyConfig{LinkTimeoutSecs: 2})
}

func TestProbeLink_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := linkEngine().probeLink(context.Background(), "product_url", srv.URL)
	assert.Nil(t, f)
}

func TestProbeLink_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := linkEngine().probeLink(context.Background(), "product_url", srv.URL)
	require.NotNil(t, f)
	assert.Equal(t, model.AlertBrokenLink, f.alertType)
	assert.Equal(t, model.SeverityMedium, f.severity)
}

func TestProbeLink_ServerErrorIsMedium(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := linkEngine().probeLink(context.Background(), "product_url", srv.URL)
	require.NotNil(t, f)
	assert.Equal(t, model.SeverityMedium, f.severity)
	assert.Equal(t, true, f.details["transient"], "5xx is noted as possibly transient")
}

func TestProbeLink_SameHostRedirectOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			w.Header().Set("Location", "/new")
			w.WriteHeader(http.StatusMovedPermanently)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := linkEngine().probeLink(context.Background(), "product_url", srv.URL+"/old")
	assert.Nil(t, f, "relative redirect stays on the same host")
}

func TestProbeLink_CrossHostRedirectIsLow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "https://elsewhere.example.com/moved")
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer srv.Close()

	f := linkEngine().probeLink(context.Background(), "product_url", srv.URL)
	require.NotNil(t, f)
	assert.Equal(t, model.SeverityLow, f.severity)
}

func TestProbeLink_UnreachableIsHigh(t *testing.T) {
	// Nothing listens on port 1.
	f := linkEngine().probeLink(context.Background(), "product_url", "http://127.0.0.1:1/x")
	require.NotNil(t, f)
	assert.Equal(t, model.SeverityHigh, f.severity)
}

func TestCheckLinks_SkipsEmptyURLs(t *testing.T) {
	p := model.Product{ID: "p1"}
	out := linkEngine().checkLinks(context.Background(), &p)
	assert.Empty(t, out)
}
