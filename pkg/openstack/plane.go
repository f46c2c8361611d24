package openstack

import (
	"context"
	"net/http"

	"github.com/gophercloud/gophercloud/v2"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/flavors"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/keypairs"
	"github.com/gophercloud/gophercloud/v2/openstack/compute/v2/servers"
	"github.com/gophercloud/gophercloud/v2/openstack/image/v2/images"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/extensions/layer3/floatingips"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/networks"
	"github.com/gophercloud/gophercloud/v2/openstack/networking/v2/ports"
	"github.com/pkg/errors"
)

// ErrNotFound marks a resource that does not exist, as opposed to a failed
// control-plane query. Best-effort cleanup skips the former and surfaces the
// latter.
var ErrNotFound = errors.New("resource not found")

// controlPlane is the slice of the cloud API the manager drives. It exists so
// the provisioning and cleanup orchestration is testable without a cloud.
type controlPlane interface {
	FlavorID(ctx context.Context, name string) (string, error)
	ImageID(ctx context.Context, name string) (string, error)
	NetworkID(ctx context.Context, name string) (string, error)

	FindServerID(ctx context.Context, name string) (string, error)
	CreateServer(ctx context.Context, name, flavorID, imageID, networkID string) (string, error)
	ServerStatus(ctx context.Context, id string) (string, error)
	DeleteServer(ctx context.Context, id string) error
	ServerGone(ctx context.Context, id string) (bool, error)

	FindPortID(ctx context.Context, deviceID, networkID string) (string, error)
	CreateFloatingIP(ctx context.Context, poolNetworkID string) (id, addr string, err error)
	AssociateFloatingIP(ctx context.Context, fipID, portID string) error
	FloatingIPStatus(ctx context.Context, fipID string) (string, error)
	ListDownFloatingIPs(ctx context.Context) ([]string, error)
	DeleteFloatingIP(ctx context.Context, id string) error
}

// gophercloudPlane implements controlPlane against the real services.
type gophercloudPlane struct {
	compute *gophercloud.ServiceClient
	network *gophercloud.ServiceClient
	image   *gophercloud.ServiceClient

	keypair      string
	volumeSizeGB int
}

func (p *gophercloudPlane) FlavorID(ctx context.Context, name string) (string, error) {
	pages, err := flavors.ListDetail(p.compute, flavors.ListOpts{}).AllPages(ctx)
	if err != nil {
		return "", errors.Wrap(err, "could not list flavors")
	}
	all, err := flavors.ExtractFlavors(pages)
	if err != nil {
		return "", err
	}
	for _, f := range all {
		if f.Name == name {
			return f.ID, nil
		}
	}
	return "", errors.Wrapf(ErrNotFound, "flavor %q", name)
}

func (p *gophercloudPlane) ImageID(ctx context.Context, name string) (string, error) {
	pages, err := images.List(p.image, images.ListOpts{Name: name}).AllPages(ctx)
	if err != nil {
		return "", errors.Wrap(err, "could not list images")
	}
	all, err := images.ExtractImages(pages)
	if err != nil {
		return "", err
	}
	for _, img := range all {
		if img.Name == name {
			return img.ID, nil
		}
	}
	return "", errors.Wrapf(ErrNotFound, "image %q", name)
}

func (p *gophercloudPlane) NetworkID(ctx context.Context, name string) (string, error) {
	pages, err := networks.List(p.network, networks.ListOpts{Name: name}).AllPages(ctx)
	if err != nil {
		return "", errors.Wrap(err, "could not list networks")
	}
	all, err := networks.ExtractNetworks(pages)
	if err != nil {
		return "", err
	}
	for _, n := range all {
		if n.Name == name {
			return n.ID, nil
		}
	}
	return "", errors.Wrapf(ErrNotFound, "network %q", name)
}

func (p *gophercloudPlane) FindServerID(ctx context.Context, name string) (string, error) {
	// The list filter matches substrings, so results are checked for an exact
	// name match.
	pages, err := servers.List(p.compute, servers.ListOpts{Name: name}).AllPages(ctx)
	if err != nil {
		return "", errors.Wrap(err, "could not list servers")
	}
	all, err := servers.ExtractServers(pages)
	if err != nil {
		return "", err
	}
	for _, s := range all {
		if s.Name == name {
			return s.ID, nil
		}
	}
	return "", errors.Wrapf(ErrNotFound, "server %q", name)
}

func (p *gophercloudPlane) CreateServer(ctx context.Context, name, flavorID, imageID, networkID string) (string, error) {
	srv, err := servers.Create(ctx, p.compute, keypairs.CreateOptsExt{
		CreateOptsBuilder: servers.CreateOpts{
			Name:      name,
			FlavorRef: flavorID,
			Networks:  []servers.Network{{UUID: networkID}},
			BlockDevice: []servers.BlockDevice{{
				SourceType:          servers.SourceImage,
				UUID:                imageID,
				DestinationType:     servers.DestinationVolume,
				VolumeSize:          p.volumeSizeGB,
				BootIndex:           0,
				DeleteOnTermination: false,
			}},
		},
		KeyName: p.keypair,
	}, nil).Extract()
	if err != nil {
		return "", errors.Wrapf(err, "could not create server %s", name)
	}
	return srv.ID, nil
}

func (p *gophercloudPlane) ServerStatus(ctx context.Context, id string) (string, error) {
	srv, err := servers.Get(ctx, p.compute, id).Extract()
	if err != nil {
		return "", err
	}
	return srv.Status, nil
}

func (p *gophercloudPlane) DeleteServer(ctx context.Context, id string) error {
	return servers.Delete(ctx, p.compute, id).ExtractErr()
}

func (p *gophercloudPlane) ServerGone(ctx context.Context, id string) (bool, error) {
	_, err := servers.Get(ctx, p.compute, id).Extract()
	if gophercloud.ResponseCodeIs(err, http.StatusNotFound) {
		return true, nil
	}
	return false, err
}

func (p *gophercloudPlane) FindPortID(ctx context.Context, deviceID, networkID string) (string, error) {
	pages, err := ports.List(p.network, ports.ListOpts{DeviceID: deviceID, NetworkID: networkID}).AllPages(ctx)
	if err != nil {
		return "", errors.Wrap(err, "could not list ports")
	}
	all, err := ports.ExtractPorts(pages)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "", errors.Wrapf(ErrNotFound, "port for device %s", deviceID)
	}
	return all[0].ID, nil
}

func (p *gophercloudPlane) CreateFloatingIP(ctx context.Context, poolNetworkID string) (string, string, error) {
	fip, err := floatingips.Create(ctx, p.network, floatingips.CreateOpts{
		FloatingNetworkID: poolNetworkID,
	}).Extract()
	if err != nil {
		return "", "", errors.Wrap(err, "could not create floating ip")
	}
	return fip.ID, fip.FloatingIP, nil
}

func (p *gophercloudPlane) AssociateFloatingIP(ctx context.Context, fipID, portID string) error {
	_, err := floatingips.Update(ctx, p.network, fipID, floatingips.UpdateOpts{
		PortID: &portID,
	}).Extract()
	return errors.Wrap(err, "could not associate floating ip")
}

func (p *gophercloudPlane) FloatingIPStatus(ctx context.Context, fipID string) (string, error) {
	fip, err := floatingips.Get(ctx, p.network, fipID).Extract()
	if err != nil {
		return "", err
	}
	return fip.Status, nil
}

func (p *gophercloudPlane) ListDownFloatingIPs(ctx context.Context) ([]string, error) {
	pages, err := floatingips.List(p.network, floatingips.ListOpts{Status: "DOWN"}).AllPages(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not list floating ips")
	}
	all, err := floatingips.ExtractFloatingIPs(pages)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(all))
	for _, fip := range all {
		ids = append(ids, fip.ID)
	}
	return ids, nil
}

func (p *gophercloudPlane) DeleteFloatingIP(ctx context.Context, id string) error {
	return floatingips.Delete(ctx, p.network, id).ExtractErr()
}
