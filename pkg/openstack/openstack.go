// Package openstack provisions and tears down the fixed set of test VMs.
//
// Every test run drives the same three machines: pktgen generates traffic,
// fwd forwards it, and pcap captures the forwarded packets. They are wired to
// a public network for SSH access and to dedicated test network ports that
// carry the generated traffic.
package openstack

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/gophercloud/gophercloud/v2"
	oscloud "github.com/gophercloud/gophercloud/v2/openstack"

	v1 "github.com/ixy-languages/ixy-ci/pkg/apis/config/v1"
	"github.com/ixy-languages/ixy-ci/pkg/util"
)

// The three VMs of a test environment. Their names double as OpenStack server
// names and as the directory the tested repository is cloned into.
const (
	VMPktgen = "pktgen"
	VMFwd    = "fwd"
	VMPcap   = "pcap"
)

const (
	// publicNetwork provides SSH access, floatingIPPool the addresses for it.
	publicNetwork  = "internet"
	floatingIPPool = "internet_pool"

	bootVolumeSizeGB = 20

	// Floating IP association is confirmed with a short fixed retry.
	fipRetryDelay = 500 * time.Millisecond
	fipMaxRetries = 10

	// Server boot and teardown can take minutes.
	serverPollDelay   = 2 * time.Second
	serverPollRetries = 150
)

// testPorts are the pre-created test network ports, attached after boot. The
// fwd VM sits between the other two and gets one port towards each.
var testPorts = []struct {
	Server string
	Port   string
}{
	{VMPktgen, "pktgen"},
	{VMFwd, "fwd-in"},
	{VMFwd, "fwd-out"},
	{VMPcap, "pcap"},
}

var provisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "ixy_ci_vm_provision_duration_seconds",
	Help:    "Time to provision the complete three VM test environment.",
	Buckets: prometheus.LinearBuckets(30, 30, 10),
})

// VMAddrs holds the public addresses of a provisioned test environment.
type VMAddrs struct {
	Pktgen string
	Fwd    string
	Pcap   string
}

// Manager owns the lifecycle of the test environment. Most operations go
// through the API; attaching ports with disabled port security only works
// through the openstack CLI, which is driven with the same credentials.
type Manager struct {
	cfg    v1.OpenStackConfig
	plane  controlPlane
	runCLI func(ctx context.Context, args ...string) ([]byte, error)

	fipDelay    time.Duration
	fipRetries  int
	pollDelay   time.Duration
	pollRetries int
}

// New authenticates against keystone and returns a ready manager.
func New(ctx context.Context, cfg v1.OpenStackConfig) (*Manager, error) {
	provider, err := oscloud.AuthenticatedClient(ctx, gophercloud.AuthOptions{
		IdentityEndpoint: cfg.AuthURL,
		Username:         cfg.UserName,
		DomainName:       cfg.UserDomain,
		Password:         cfg.Password,
		AllowReauth:      true,
		Scope: &gophercloud.AuthScope{
			ProjectName: cfg.ProjectName,
			DomainName:  cfg.ProjectDomain,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not authenticate against keystone")
	}
	compute, err := oscloud.NewComputeV2(provider, gophercloud.EndpointOpts{})
	if err != nil {
		return nil, errors.Wrap(err, "could not create compute client")
	}
	network, err := oscloud.NewNetworkV2(provider, gophercloud.EndpointOpts{})
	if err != nil {
		return nil, errors.Wrap(err, "could not create network client")
	}
	image, err := oscloud.NewImageV2(provider, gophercloud.EndpointOpts{})
	if err != nil {
		return nil, errors.Wrap(err, "could not create image client")
	}
	return &Manager{
		cfg: cfg,
		plane: &gophercloudPlane{
			compute:      compute,
			network:      network,
			image:        image,
			keypair:      cfg.Keypair,
			volumeSizeGB: bootVolumeSizeGB,
		},
		runCLI:      newCLIRunner(cfg),
		fipDelay:    fipRetryDelay,
		fipRetries:  fipMaxRetries,
		pollDelay:   serverPollDelay,
		pollRetries: serverPollRetries,
	}, nil
}

// SpawnVMs brings up the full test environment and returns the public
// addresses of the three VMs. Any leftovers from a previous run are removed
// first so every test starts from fresh machines.
func (m *Manager) SpawnVMs(ctx context.Context) (VMAddrs, error) {
	start := time.Now()
	if err := m.CleanEnvironment(ctx); err != nil {
		return VMAddrs{}, errors.WithMessage(err, "could not clean up old environment")
	}

	var addrs VMAddrs
	for _, vm := range []struct {
		name string
		addr *string
	}{
		{VMPktgen, &addrs.Pktgen},
		{VMFwd, &addrs.Fwd},
		{VMPcap, &addrs.Pcap},
	} {
		ip, err := m.createServer(ctx, vm.name)
		if err != nil {
			return VMAddrs{}, errors.WithMessagef(err, "could not create server %s", vm.name)
		}
		*vm.addr = ip
	}

	// Attaching a port with port security disabled is not expressible through
	// the compute API, so this goes through the CLI.
	for _, tp := range testPorts {
		log.WithFields(log.Fields{"vm": tp.Server, "port": tp.Port}).Info("attaching test network port")
		if _, err := m.runCLI(ctx, "server", "add", "port", tp.Server, tp.Port); err != nil {
			return VMAddrs{}, errors.WithMessagef(err, "could not attach port %s to %s", tp.Port, tp.Server)
		}
	}

	provisionDuration.Observe(time.Since(start).Seconds())
	return addrs, nil
}

// createServer boots a VM from a fresh volume on the public network and
// returns its floating IP once the association is confirmed.
func (m *Manager) createServer(ctx context.Context, name string) (string, error) {
	flavorID, err := m.plane.FlavorID(ctx, m.cfg.Flavor)
	if err != nil {
		return "", err
	}
	imageID, err := m.plane.ImageID(ctx, m.cfg.Image)
	if err != nil {
		return "", err
	}
	networkID, err := m.plane.NetworkID(ctx, publicNetwork)
	if err != nil {
		return "", err
	}

	log.WithField("vm", name).Info("creating server")
	serverID, err := m.plane.CreateServer(ctx, name, flavorID, imageID, networkID)
	if err != nil {
		return "", err
	}
	err = util.Retry(m.pollRetries, m.pollDelay, func() error {
		status, err := m.plane.ServerStatus(ctx, serverID)
		if err != nil {
			return err
		}
		if status != "ACTIVE" {
			return errors.Errorf("server %s not active (status %s)", name, status)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	portID, err := m.plane.FindPortID(ctx, serverID, networkID)
	if err != nil {
		return "", err
	}
	poolID, err := m.plane.NetworkID(ctx, floatingIPPool)
	if err != nil {
		return "", err
	}
	fipID, fipAddr, err := m.plane.CreateFloatingIP(ctx, poolID)
	if err != nil {
		return "", err
	}
	log.WithFields(log.Fields{"vm": name, "ip": fipAddr}).Info("associating floating ip")
	if err := m.plane.AssociateFloatingIP(ctx, fipID, portID); err != nil {
		return "", err
	}

	// The association takes a moment to propagate, so give it a head start
	// before polling.
	time.Sleep(m.fipDelay)
	err = util.Retry(m.fipRetries, m.fipDelay, func() error {
		status, err := m.plane.FloatingIPStatus(ctx, fipID)
		if err != nil {
			return err
		}
		if status != "ACTIVE" {
			return errors.Errorf("floating ip association timed out (status %s)", status)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return fipAddr, nil
}

// CleanEnvironment removes the three test VMs along with orphaned volumes and
// floating IPs. Resources that do not exist are skipped; failed queries and
// deletions are errors. Cleanup keeps going after a failure and reports the
// first error encountered.
func (m *Manager) CleanEnvironment(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, name := range []string{VMPktgen, VMFwd, VMPcap} {
		keep(m.deleteServer(ctx, name))
	}

	log.Info("deleting unused volumes")
	keep(m.deleteUnusedVolumes(ctx))

	log.Info("deleting unused floating ips")
	keep(m.deleteDownFloatingIPs(ctx))

	return firstErr
}

// deleteServer removes a server by name and waits until it is gone. A server
// that does not exist is not an error, a failed lookup is.
func (m *Manager) deleteServer(ctx context.Context, name string) error {
	id, err := m.plane.FindServerID(ctx, name)
	if errors.Is(err, ErrNotFound) {
		log.WithField("vm", name).Info("server does not exist, nothing to delete")
		return nil
	}
	if err != nil {
		return errors.WithMessagef(err, "could not look up server %s", name)
	}

	log.WithField("vm", name).Info("deleting server")
	if err := m.plane.DeleteServer(ctx, id); err != nil {
		return errors.Wrapf(err, "could not delete server %s", name)
	}
	return util.Retry(m.pollRetries, m.pollDelay, func() error {
		gone, err := m.plane.ServerGone(ctx, id)
		if err != nil {
			return err
		}
		if !gone {
			return errors.Errorf("server %s is still being deleted", name)
		}
		return nil
	})
}

// deleteUnusedVolumes removes all volumes in status available. Deleting boot
// volumes is only reliable through the CLI, so the listing goes through it as
// well.
func (m *Manager) deleteUnusedVolumes(ctx context.Context) error {
	out, err := m.runCLI(ctx, "volume", "list", "--status", "available", "-f", "json")
	if err != nil {
		return errors.WithMessage(err, "could not list volumes")
	}
	for _, id := range gjson.GetBytes(out, "#.ID").Array() {
		log.WithField("volume", id.String()).Info("deleting volume")
		if _, err := m.runCLI(ctx, "volume", "delete", id.String()); err != nil {
			return errors.WithMessagef(err, "could not delete volume %s", id.String())
		}
	}
	return nil
}

func (m *Manager) deleteDownFloatingIPs(ctx context.Context) error {
	ids, err := m.plane.ListDownFloatingIPs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		log.WithField("floating_ip", id).Info("deleting floating ip")
		if err := m.plane.DeleteFloatingIP(ctx, id); err != nil {
			return errors.Wrapf(err, "could not delete floating ip %s", id)
		}
	}
	return nil
}
