package v1

import (
	"strings"

	"github.com/pkg/errors"
)

type Config struct {
	// BindAddress is the host:port the HTTP server (webhook, artifacts, metrics)
	// listens on.
	BindAddress string `yaml:"bind_address"`

	// PublicURL is the externally reachable base URL of this instance, used to
	// build artifact links in result comments. No trailing slash.
	PublicURL string `yaml:"public_url"`

	// JobQueueSize bounds the number of jobs waiting for the worker. Further
	// submissions are dropped.
	JobQueueSize int `yaml:"job_queue_size"`

	// LogDirectory is where test transcripts and captures are persisted.
	LogDirectory string `yaml:"log_directory"`

	GitHub    GitHubConfig    `yaml:"github"`
	OpenStack OpenStackConfig `yaml:"openstack"`
	Test      TestConfig      `yaml:"test"`
}

// Validate checks that everything a test run depends on is configured.
// Defaults are expected to have been applied already.
func (c *Config) Validate() error {
	if c.LogDirectory == "" {
		return errors.New("log_directory must be set")
	}
	if c.GitHub.BotName == "" || c.GitHub.APIToken == "" {
		return errors.New("github bot_name and api_token must be set")
	}
	if c.OpenStack.AuthURL == "" || c.OpenStack.UserName == "" || c.OpenStack.Password == "" {
		return errors.New("openstack credentials must be set")
	}
	if c.OpenStack.SSHLogin == "" || c.OpenStack.PrivateKeyPath == "" {
		return errors.New("openstack ssh_login and private_key_path must be set")
	}
	if c.Test.Packets <= 0 {
		return errors.New("test packet count must be positive")
	}
	if c.Test.RunnerBinary == "" {
		return errors.New("test runner_binary must be set")
	}
	return nil
}

type GitHubConfig struct {
	// BotName is the account mentioned in "@name test" comments.
	BotName  string `yaml:"bot_name"`
	APIToken string `yaml:"api_token"`

	// WebhookSecrets maps a repository full name ("owner/name") to the HMAC
	// secret configured for its webhook. Repositories without an entry are
	// rejected.
	WebhookSecrets map[string]string `yaml:"webhook_secrets"`
}

type OpenStackConfig struct {
	AuthURL       string `yaml:"auth_url"`
	UserName      string `yaml:"user_name"`
	UserDomain    string `yaml:"user_domain"`
	Password      string `yaml:"password"`
	ProjectName   string `yaml:"project_name"`
	ProjectDomain string `yaml:"project_domain"`

	// Flavor and Image name the server flavor and base image for all three
	// test VMs.
	Flavor string `yaml:"flavor"`
	Image  string `yaml:"image"`

	// Keypair is the name of the OpenStack keypair injected into the VMs;
	// PrivateKeyPath points at the matching local private key used for SSH.
	Keypair        string `yaml:"keypair"`
	PrivateKeyPath string `yaml:"private_key_path"`
	SSHLogin       string `yaml:"ssh_login"`
}

type TestConfig struct {
	// Packets is the number of test packets the generator sends and the
	// capture is expected to contain.
	Packets int `yaml:"packets"`

	// RunnerBinary is the local path of the helper binary uploaded to each
	// test host before cancellable commands are issued.
	RunnerBinary string `yaml:"runner_binary"`

	PCIAddresses PCIAddressConfig `yaml:"pci_addresses"`
}

// PCIAddressConfig names the NIC PCI addresses inside the VMs, as exposed to
// the driver under test. The forwarder owns two ports, one per test network.
type PCIAddressConfig struct {
	Pktgen string `yaml:"pktgen"`
	FwdSrc string `yaml:"fwd_src"`
	FwdDst string `yaml:"fwd_dst"`
	Pcap   string `yaml:"pcap"`
}

// RepositoryConfig is the per-repository CI description fetched from the
// target branch at test time. Build steps run in order inside the clone;
// the three command strings are the long-running test programs.
type RepositoryConfig struct {
	Build  []string `yaml:"build"`
	Pktgen string   `yaml:"pktgen"`
	Fwd    string   `yaml:"fwd"`
	Pcap   string   `yaml:"pcap"`
}

func (c *RepositoryConfig) Validate() error {
	if c.Pktgen == "" || c.Fwd == "" || c.Pcap == "" {
		return errors.New("pktgen, fwd and pcap commands must all be set")
	}
	return nil
}

// Repository identifies a GitHub repository.
type Repository struct {
	Owner string
	Name  string
}

func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepository parses an "owner/name" full name.
func ParseRepository(s string) (Repository, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Repository{}, errors.Errorf("invalid repository name %q, expected owner/name", s)
	}
	return Repository{Owner: parts[0], Name: parts[1]}, nil
}
