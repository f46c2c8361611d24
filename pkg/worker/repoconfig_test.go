package worker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/ixy-languages/ixy-ci/pkg/apis/config/v1"
)

func configServer(t *testing.T, status int, body string) *RepoConfigFetcher {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ixy-languages/ixy/main/ixy-ci.yaml", r.URL.Path)
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	f := NewRepoConfigFetcher()
	f.BaseURL = srv.URL
	return f
}

func TestRepoConfigFetch(t *testing.T) {
	f := configServer(t, http.StatusOK, `
build:
  - ./setup.sh
  - make -j4
pktgen: target/pktgen
fwd: target/fwd
pcap: target/pcap
`)
	cfg, terr := f.Fetch(v1.Repository{Owner: "ixy-languages", Name: "ixy"}, "main")
	require.Nil(t, terr)
	assert.Equal(t, []string{"./setup.sh", "make -j4"}, cfg.Build)
	assert.Equal(t, "target/pktgen", cfg.Pktgen)
	assert.Equal(t, "target/fwd", cfg.Fwd)
	assert.Equal(t, "target/pcap", cfg.Pcap)
}

func TestRepoConfigFetchMissingFile(t *testing.T) {
	f := configServer(t, http.StatusNotFound, "404: Not Found")
	_, terr := f.Fetch(v1.Repository{Owner: "ixy-languages", Name: "ixy"}, "main")
	require.NotNil(t, terr)
	assert.Equal(t, KindFetchRepositoryConfig, terr.Kind)
	assert.Contains(t, terr.Error(), "404")
}

func TestRepoConfigFetchUndecodable(t *testing.T) {
	f := configServer(t, http.StatusOK, "{{{not yaml")
	_, terr := f.Fetch(v1.Repository{Owner: "ixy-languages", Name: "ixy"}, "main")
	require.NotNil(t, terr)
	assert.Equal(t, KindInvalidRepositoryConfig, terr.Kind)
}

func TestRepoConfigFetchIncomplete(t *testing.T) {
	// A config without a pcap command cannot drive the test topology.
	f := configServer(t, http.StatusOK, `
build: [make]
pktgen: target/pktgen
fwd: target/fwd
`)
	_, terr := f.Fetch(v1.Repository{Owner: "ixy-languages", Name: "ixy"}, "main")
	require.NotNil(t, terr)
	assert.Equal(t, KindInvalidRepositoryConfig, terr.Kind)
	assert.Contains(t, terr.Error(), "pcap")
}
