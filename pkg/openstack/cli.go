package openstack

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	v1 "github.com/ixy-languages/ixy-ci/pkg/apis/config/v1"
)

// newCLIRunner returns a function that shells out to the openstack client
// with credentials passed through the environment, scoped like the API
// session. Stderr of a failed invocation ends up in the error.
func newCLIRunner(cfg v1.OpenStackConfig) func(ctx context.Context, args ...string) ([]byte, error) {
	env := []string{
		"OS_IDENTITY_API_VERSION=3",
		"OS_AUTH_URL=" + cfg.AuthURL,
		"OS_USERNAME=" + cfg.UserName,
		"OS_USER_DOMAIN_NAME=" + cfg.UserDomain,
		"OS_PASSWORD=" + cfg.Password,
		"OS_PROJECT_NAME=" + cfg.ProjectName,
		"OS_PROJECT_DOMAIN_NAME=" + cfg.ProjectDomain,
	}
	return func(ctx context.Context, args ...string) ([]byte, error) {
		log.Debugf("running openstack %s", strings.Join(args, " "))
		cmd := exec.CommandContext(ctx, "openstack", args...)
		cmd.Env = append(os.Environ(), env...)
		out, err := cmd.Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, errors.Errorf("openstack %s failed: %s",
					strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
			}
			return nil, errors.Wrapf(err, "could not run openstack %s", strings.Join(args, " "))
		}
		return out, nil
	}
}
