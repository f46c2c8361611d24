package worker

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	v1 "github.com/ixy-languages/ixy-ci/pkg/apis/config/v1"
)

// configFileName is the well-known file a repository provides to opt into
// testing.
const configFileName = "ixy-ci.yaml"

const defaultRawBaseURL = "https://raw.githubusercontent.com"

// RepoConfigFetcher loads a repository's CI configuration from the branch
// under test.
type RepoConfigFetcher struct {
	// BaseURL is the raw-content host, without a trailing slash.
	BaseURL string
	Client  *http.Client
}

func NewRepoConfigFetcher() *RepoConfigFetcher {
	return &RepoConfigFetcher{
		BaseURL: defaultRawBaseURL,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch retrieves and decodes {repo}/{branch}/ixy-ci.yaml. The two failure
// kinds are distinct: an unreachable or missing file is not the same as a
// file that does not decode.
func (f *RepoConfigFetcher) Fetch(repo v1.Repository, branch string) (*v1.RepositoryConfig, *TestError) {
	url := fmt.Sprintf("%s/%s/%s/%s", strings.TrimSuffix(f.BaseURL, "/"), repo.String(), branch, configFileName)
	log.WithField("url", url).Debug("fetching repository config")

	resp, err := f.Client.Get(url)
	if err != nil {
		return nil, &TestError{Kind: KindFetchRepositoryConfig, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &TestError{
			Kind: KindFetchRepositoryConfig,
			Err:  errors.Errorf("GET %s returned %s", url, resp.Status),
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &TestError{Kind: KindFetchRepositoryConfig, Err: err}
	}

	var cfg v1.RepositoryConfig
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return nil, &TestError{Kind: KindInvalidRepositoryConfig, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &TestError{Kind: KindInvalidRepositoryConfig, Err: err}
	}
	return &cfg, nil
}
