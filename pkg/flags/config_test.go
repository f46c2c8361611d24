package flags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
log_directory: /var/lib/ixy-ci/logs
public_url: https://ci.ixy.example
github:
  bot_name: ixy-ci
  api_token: token
  webhook_secrets:
    ixy-languages/ixy: hunter2
openstack:
  auth_url: https://keystone.example:5000/v3
  user_name: ci
  user_domain: Default
  password: secret
  project_name: ixy
  project_domain: Default
  flavor: m1.large
  image: ubuntu-20.04
  keypair: ixy-ci
  private_key_path: /etc/ixy-ci/id_rsa
  ssh_login: ubuntu
test:
  runner_binary: /usr/local/bin/ixy-ci-runner
  pci_addresses:
    pktgen: "0000:00:06.0"
    fwd_src: "0000:00:07.0"
    fwd_dst: "0000:00:08.0"
    pcap: "0000:00:09.0"
`

func writeConfig(t *testing.T, content string) *ConfigFlags {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	f := NewConfigFlags()
	f.Path = path
	return f
}

func TestGetConfig(t *testing.T) {
	f := writeConfig(t, validConfig)

	cfg, err := f.GetConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://ci.ixy.example", cfg.PublicURL)
	assert.Equal(t, "ixy-ci", cfg.GitHub.BotName)
	assert.Equal(t, "hunter2", cfg.GitHub.WebhookSecrets["ixy-languages/ixy"])
	assert.Equal(t, "m1.large", cfg.OpenStack.Flavor)
	assert.Equal(t, "ubuntu", cfg.OpenStack.SSHLogin)
	assert.Equal(t, "0000:00:08.0", cfg.Test.PCIAddresses.FwdDst)
}

func TestGetConfigAppliesDefaults(t *testing.T) {
	f := writeConfig(t, validConfig)

	cfg, err := f.GetConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.BindAddress)
	assert.Equal(t, 8, cfg.JobQueueSize)
	assert.Equal(t, 1000, cfg.Test.Packets)
}

func TestGetConfigRejectsMissingCredentials(t *testing.T) {
	f := writeConfig(t, `
log_directory: /var/lib/ixy-ci/logs
github:
  bot_name: ixy-ci
`)

	_, err := f.GetConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_token")
}

func TestGetConfigRejectsMissingLogDirectory(t *testing.T) {
	f := writeConfig(t, `
github:
  bot_name: ixy-ci
  api_token: token
`)

	_, err := f.GetConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_directory")
}

func TestGetConfigMissingFile(t *testing.T) {
	f := NewConfigFlags()
	f.Path = filepath.Join(t.TempDir(), "does-not-exist.yaml")

	_, err := f.GetConfig()
	require.Error(t, err)
}

func TestGetConfigUnparseable(t *testing.T) {
	f := writeConfig(t, "{{{ not yaml")

	_, err := f.GetConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not parse config file")
}
