package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ixy-languages/ixy-ci/pkg/artifacts"
	"github.com/ixy-languages/ixy-ci/pkg/ciserver"
	"github.com/ixy-languages/ixy-ci/pkg/flags"
	"github.com/ixy-languages/ixy-ci/pkg/github"
	"github.com/ixy-languages/ixy-ci/pkg/openstack"
	"github.com/ixy-languages/ixy-ci/pkg/publisher"
	"github.com/ixy-languages/ixy-ci/pkg/worker"
)

type ServerFlags struct {
	ConfigFlags *flags.ConfigFlags

	ListenAddr string
}

func NewServerFlags() *ServerFlags {
	return &ServerFlags{
		ConfigFlags: flags.NewConfigFlags(),
	}
}

func (f *ServerFlags) BindFlags(flagSet *pflag.FlagSet) {
	f.ConfigFlags.BindFlags(flagSet)

	flagSet.StringVar(&f.ListenAddr, "listen", "", "Listen address, overrides bind_address from the config file")
}

func NewServeCommand() *cobra.Command {
	f := NewServerFlags()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ixy-ci server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.ConfigFlags.GetConfig()
			if err != nil {
				return errors.WithMessage(err, "error loading configuration")
			}
			if f.ListenAddr != "" {
				cfg.BindAddress = f.ListenAddr
			}

			store, err := artifacts.NewStore(cfg.LogDirectory)
			if err != nil {
				return errors.WithMessage(err, "couldn't open artifact store")
			}

			ctx := context.Background()
			cloud, err := openstack.New(ctx, cfg.OpenStack)
			if err != nil {
				return errors.WithMessage(err, "couldn't authenticate against OpenStack")
			}

			githubClient := github.New(ctx, cfg.GitHub.APIToken)

			queue := worker.NewJobQueue(cfg.JobQueueSize)
			reports := worker.NewReportStream()

			testWorker := worker.New(cfg, queue, reports, cloud,
				worker.NewSSHDialer(cfg.OpenStack), worker.NewRepoConfigFetcher(), store)
			resultPublisher := publisher.New(githubClient, reports.Reports(), cfg.PublicURL)
			server := ciserver.New(cfg, queue, githubClient, store)

			ciserver.NewDaemonServer([]ciserver.DaemonProcess{
				testWorker,
				resultPublisher,
				server,
			}).Serve()

			return nil
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}
