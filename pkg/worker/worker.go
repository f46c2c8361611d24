package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	v1 "github.com/ixy-languages/ixy-ci/pkg/apis/config/v1"
	"github.com/ixy-languages/ixy-ci/pkg/artifacts"
	"github.com/ixy-languages/ixy-ci/pkg/capture"
	"github.com/ixy-languages/ixy-ci/pkg/openstack"
	"github.com/ixy-languages/ixy-ci/pkg/remote"
	"github.com/ixy-languages/ixy-ci/pkg/util"
)

const (
	pcapFile         = "capture.pcap"
	pcapTimeout      = 15 * time.Second
	pcapPollInterval = 200 * time.Millisecond

	sshPort       = "22"
	sshRetryDelay = 500 * time.Millisecond
	sshMaxRetries = 10
)

var (
	runsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ixy_ci_test_runs_total",
		Help: "Completed test runs by outcome.",
	}, []string{"outcome"})
	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ixy_ci_test_run_duration_seconds",
		Help:    "End to end duration of one test run including teardown.",
		Buckets: prometheus.LinearBuckets(60, 60, 10),
	})
)

// CloudManager provisions and tears down the test environment.
type CloudManager interface {
	SpawnVMs(ctx context.Context) (openstack.VMAddrs, error)
	CleanEnvironment(ctx context.Context) error
}

// RemoteSession mirrors remote.Session so the pipeline can be driven against
// fakes.
type RemoteSession interface {
	ExecuteCommand(cmd string) error
	ExecuteCancellableCommand(cmd, env string) (CancellableCommand, error)
	UploadFile(localPath, remotePath string, mode os.FileMode) error
	DownloadFile(remotePath string) ([]byte, error)
	Close() remote.Transcript
}

// CancellableCommand mirrors remote.CancellableCommand.
type CancellableCommand interface {
	IsRunning() bool
	Cancel() error
}

// SessionDialer opens one authenticated session to a host.
type SessionDialer func(host string) (RemoteSession, error)

// NewSSHDialer returns the production dialer for the configured login and
// key.
func NewSSHDialer(cfg v1.OpenStackConfig) SessionDialer {
	return func(host string) (RemoteSession, error) {
		s, err := remote.Connect(net.JoinHostPort(host, sshPort), cfg.SSHLogin, cfg.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		return sshSession{s}, nil
	}
}

// sshSession adapts remote.Session's concrete return type to the interface.
type sshSession struct{ *remote.Session }

func (s sshSession) ExecuteCancellableCommand(cmd, env string) (CancellableCommand, error) {
	cc, err := s.Session.ExecuteCancellableCommand(cmd, env)
	if err != nil {
		return nil, err
	}
	return cc, nil
}

// Worker consumes the job queue strictly sequentially. Sequential processing
// is what keeps two runs from contending for the three fixed-name VMs; there
// is no cloud-side locking.
type Worker struct {
	queue   *JobQueue
	reports *ReportStream
	cloud   CloudManager
	dial    SessionDialer
	fetcher *RepoConfigFetcher
	store   *artifacts.Store

	test     v1.TestConfig
	sshLogin string

	sshRetries int
	sshDelay   time.Duration
	pcapWait   time.Duration
	pcapPoll   time.Duration
}

func New(cfg *v1.Config, queue *JobQueue, reports *ReportStream, cloud CloudManager, dial SessionDialer, fetcher *RepoConfigFetcher, store *artifacts.Store) *Worker {
	return &Worker{
		queue:      queue,
		reports:    reports,
		cloud:      cloud,
		dial:       dial,
		fetcher:    fetcher,
		store:      store,
		test:       cfg.Test,
		sshLogin:   cfg.OpenStack.SSHLogin,
		sshRetries: sshMaxRetries,
		sshDelay:   sshRetryDelay,
		pcapWait:   pcapTimeout,
		pcapPoll:   pcapPollInterval,
	}
}

// Run consumes jobs until the context is cancelled or the queue closes.
// Cancellation takes effect between jobs; a run in progress always reaches
// its teardown.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info("worker shutting down")
			return
		case qj, ok := <-w.queue.Jobs():
			if !ok {
				log.Info("job queue closed, worker shutting down")
				return
			}
			queueDepth.Set(float64(len(w.queue.Jobs())))
			w.process(qj)
		}
	}
}

func (w *Worker) process(qj QueuedJob) {
	logger := log.WithField("job", qj.ID.String())
	switch job := qj.Job.(type) {
	case Ping:
		logger.WithField("repository", job.Repo.String()).Info("answering ping")
		w.reports.Publish(Report{
			Repository: job.Repo,
			Content:    Pong{IssueID: job.IssueID},
		})
	case TestBranch:
		logger.WithFields(log.Fields{
			"repository": job.Repo.String(),
			"branch":     job.Branch,
		}).Info("testing branch")
		output, terr := w.testRepository(logger, job.Repo, job.Branch)
		w.reports.Publish(Report{
			Repository: job.Repo,
			Content:    TestResult{Target: BranchTarget(job.Branch), Output: output, Err: terr},
		})
	case TestPullRequest:
		logger.WithFields(log.Fields{
			"repository":   job.Repo.String(),
			"fork_user":    job.ForkUser,
			"fork_branch":  job.ForkBranch,
			"pull_request": job.PullRequestID,
		}).Info("testing pull request")
		// The test runs against the fork, the report goes to the upstream
		// pull request.
		fork := v1.Repository{Owner: job.ForkUser, Name: job.Repo.Name}
		output, terr := w.testRepository(logger, fork, job.ForkBranch)
		w.reports.Publish(Report{
			Repository: job.Repo,
			Content:    TestResult{Target: PullRequestTarget(job.PullRequestID), Output: output, Err: terr},
		})
	default:
		logger.Errorf("unhandled job type %T", qj.Job)
	}
}

func (w *Worker) testRepository(logger *log.Entry, repo v1.Repository, branch string) (*TestOutput, *TestError) {
	start := time.Now()
	output, terr := w.runTest(logger, repo, branch)
	runDuration.Observe(time.Since(start).Seconds())
	if terr != nil {
		logger.WithError(terr).Warning("test run failed")
		runsCompleted.WithLabelValues(terr.Kind.String()).Inc()
	} else {
		runsCompleted.WithLabelValues("passed").Inc()
	}
	return output, terr
}

// runTest is the pipeline for one repository/branch pair. Runs deliberately
// use a background context: once started, a run must reach its teardown even
// while the process is shutting down.
func (w *Worker) runTest(logger *log.Entry, repo v1.Repository, branch string) (*TestOutput, *TestError) {
	ctx := context.Background()

	repoCfg, terr := w.fetcher.Fetch(repo, branch)
	if terr != nil {
		return nil, terr
	}

	addrs, err := w.cloud.SpawnVMs(ctx)
	if err != nil {
		// Provisioning may have failed partway through, sweep whatever
		// already exists.
		if cerr := w.cloud.CleanEnvironment(ctx); cerr != nil {
			logger.WithError(cerr).Error("cleanup after failed provisioning failed")
		}
		return nil, &TestError{Kind: KindOpenStack, Err: err}
	}

	output, terr := w.testEnvironment(logger, repo, branch, repoCfg, addrs)

	// Teardown runs whatever the result was. A teardown failure replaces the
	// run's result: leaked VMs block every future run.
	if err := w.cloud.CleanEnvironment(ctx); err != nil {
		return output, &TestError{Kind: KindOpenStack, Err: err}
	}
	return output, terr
}

// testEnvironment connects to the three provisioned VMs, performs the test
// and turns the sessions into persisted artifacts. Sessions are consumed into
// transcripts exactly once, whatever the outcome.
func (w *Worker) testEnvironment(logger *log.Entry, repo v1.Repository, branch string, repoCfg *v1.RepositoryConfig, addrs openstack.VMAddrs) (*TestOutput, *TestError) {
	logger.WithFields(log.Fields{
		"pktgen": addrs.Pktgen,
		"fwd":    addrs.Fwd,
		"pcap":   addrs.Pcap,
	}).Info("using VMs")

	vmPktgen, err := w.connect(addrs.Pktgen)
	if err != nil {
		return nil, &TestError{Kind: KindConnectVM, VM: openstack.VMPktgen, Err: err}
	}
	vmFwd, err := w.connect(addrs.Fwd)
	if err != nil {
		vmPktgen.Close()
		return nil, &TestError{Kind: KindConnectVM, VM: openstack.VMFwd, Err: err}
	}
	vmPcap, err := w.connect(addrs.Pcap)
	if err != nil {
		vmPktgen.Close()
		vmFwd.Close()
		return nil, &TestError{Kind: KindConnectVM, VM: openstack.VMPcap, Err: err}
	}

	pcap, perr := w.performTest(logger, repo, branch, repoCfg, vmPktgen, vmFwd, vmPcap)

	logs := &Logs{Pktgen: vmPktgen.Close(), Fwd: vmFwd.Close(), Pcap: vmPcap.Close()}

	base := artifactBaseName(repo, branch, time.Now())
	logFile, pcapName, err := w.store.SaveTestOutput(base, renderLogs(logs), pcap)
	if err != nil {
		return nil, &TestError{Kind: KindSaveTestOutput, Err: err, Logs: logs}
	}
	output := &TestOutput{Logs: *logs, LogFilename: logFile, PcapFilename: pcapName}
	if perr != nil {
		perr.Logs = logs
		return output, perr
	}
	return output, nil
}

// performTest runs the actual capture test against prepared VMs and returns
// the capture bytes. On a failed validation the bytes are returned alongside
// the error so they still end up persisted.
func (w *Worker) performTest(logger *log.Entry, repo v1.Repository, branch string, repoCfg *v1.RepositoryConfig, vmPktgen, vmFwd, vmPcap RemoteSession) ([]byte, *TestError) {
	logger.Info("preparing VMs")
	if terr := w.prepareVMs(repo, branch, repoCfg, vmPktgen, vmFwd, vmPcap); terr != nil {
		return nil, terr
	}

	env := w.testEnv(repo)

	// pcap listens first, then the forwarder, then the generator, so no
	// packet is missed.
	logger.Info("starting pcap")
	pcapCmd, err := vmPcap.ExecuteCancellableCommand("sudo "+repoCfg.Pcap, env)
	if err != nil {
		return nil, &TestError{Kind: KindRemoteCommand, Err: err}
	}
	logger.Info("starting fwd")
	fwdCmd, err := vmFwd.ExecuteCancellableCommand("sudo "+repoCfg.Fwd, env)
	if err != nil {
		return nil, &TestError{Kind: KindRemoteCommand, Err: err}
	}
	logger.Info("starting pktgen")
	pktgenCmd, err := vmPktgen.ExecuteCancellableCommand("sudo "+repoCfg.Pktgen, env)
	if err != nil {
		return nil, &TestError{Kind: KindRemoteCommand, Err: err}
	}

	start := time.Now()
	for pcapCmd.IsRunning() {
		if time.Since(start) >= w.pcapWait {
			logger.Error("pcap timeout")
			break
		}
		time.Sleep(w.pcapPoll)
	}
	logger.WithField("elapsed", time.Since(start).String()).Info("pcap finished")

	// Fixed cancellation order, matching the start order.
	if err := pcapCmd.Cancel(); err != nil {
		return nil, &TestError{Kind: KindRemoteCommand, Err: err}
	}
	if err := fwdCmd.Cancel(); err != nil {
		return nil, &TestError{Kind: KindRemoteCommand, Err: err}
	}
	if err := pktgenCmd.Cancel(); err != nil {
		return nil, &TestError{Kind: KindRemoteCommand, Err: err}
	}

	pcap, err := vmPcap.DownloadFile(fmt.Sprintf("/home/%s/%s/%s", w.sshLogin, repo.Name, pcapFile))
	if err != nil {
		return nil, &TestError{Kind: KindRemoteCommand, Err: err}
	}
	if err := capture.Validate(pcap, w.test.Packets); err != nil {
		return pcap, &TestError{Kind: KindTestPcap, Err: err}
	}
	logger.Info("pcap test succeeded")
	return pcap, nil
}

// prepareVMs fans out over the three hosts and joins them all; the first
// failure wins and aborts the run.
func (w *Worker) prepareVMs(repo v1.Repository, branch string, repoCfg *v1.RepositoryConfig, vmPktgen, vmFwd, vmPcap RemoteSession) *TestError {
	vms := []struct {
		name string
		sess RemoteSession
	}{
		{openstack.VMPktgen, vmPktgen},
		{openstack.VMFwd, vmFwd},
		{openstack.VMPcap, vmPcap},
	}
	var g errgroup.Group
	for _, vm := range vms {
		g.Go(func() error {
			if err := w.prepareVM(vm.sess, repo, branch, repoCfg.Build); err != nil {
				return &TestError{Kind: KindPrepareVM, VM: vm.name, Err: err}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var terr *TestError
		if errors.As(err, &terr) {
			return terr
		}
		return &TestError{Kind: KindPrepareVM, Err: err}
	}
	return nil
}

// prepareVM installs the toolchain, clones the branch under test, runs the
// repository's build steps and installs the helper binary.
func (w *Worker) prepareVM(sess RemoteSession, repo v1.Repository, branch string, build []string) error {
	if err := sess.ExecuteCommand("sudo apt update"); err != nil {
		return err
	}
	if err := sess.ExecuteCommand("sudo apt install -y git"); err != nil {
		return err
	}
	clone := fmt.Sprintf("git clone https://github.com/%s --branch %s --single-branch --recurse-submodules",
		repo.String(), shellescape.Quote(branch))
	if err := sess.ExecuteCommand(clone); err != nil {
		return err
	}
	for _, step := range build {
		if err := sess.ExecuteCommand(fmt.Sprintf("cd %s && %s", shellescape.Quote(repo.Name), step)); err != nil {
			return err
		}
	}
	// The helper must be in place before the first cancellable command.
	if err := sess.UploadFile(w.test.RunnerBinary, remote.HelperBinary, 0o777); err != nil {
		return err
	}
	return sess.ExecuteCommand(fmt.Sprintf("sudo mv %s /usr/bin/%s", remote.HelperBinary, remote.HelperBinary))
}

// connect dials a freshly booted host whose SSH daemon may not be accepting
// connections yet.
func (w *Worker) connect(host string) (RemoteSession, error) {
	var sess RemoteSession
	err := util.Retry(w.sshRetries, w.sshDelay, func() error {
		s, err := w.dial(host)
		if err != nil {
			return err
		}
		sess = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// testEnv renders the variable assignments evaluated before each test
// command, ending with a cd into the clone.
func (w *Worker) testEnv(repo v1.Repository) string {
	pci := w.test.PCIAddresses
	assigns := []string{
		"PCI_ADDR_PKTGEN=" + shellescape.Quote(pci.Pktgen),
		"PCI_ADDR_FWD_SRC=" + shellescape.Quote(pci.FwdSrc),
		"PCI_ADDR_FWD_DST=" + shellescape.Quote(pci.FwdDst),
		"PCI_ADDR_PCAP=" + shellescape.Quote(pci.Pcap),
		"PCAP_OUT=" + pcapFile,
		fmt.Sprintf("PCAP_N=%d", w.test.Packets),
		"cd " + shellescape.Quote(repo.Name),
	}
	return strings.Join(assigns, "; ")
}

// artifactBaseName builds the deterministic artifact prefix
// {owner}__{repo}__{branch}__{timestamp}. Branch names may contain slashes
// which must not become path separators.
func artifactBaseName(repo v1.Repository, branch string, now time.Time) string {
	branch = strings.ReplaceAll(branch, "/", "-")
	return fmt.Sprintf("%s__%s__%s__%s", repo.Owner, repo.Name, branch, now.UTC().Format(time.RFC3339))
}

// renderLogs flattens the three transcripts into the contents of the log
// artifact.
func renderLogs(logs *Logs) string {
	var b strings.Builder
	for _, l := range []struct {
		name string
		t    remote.Transcript
	}{
		{openstack.VMPktgen, logs.Pktgen},
		{openstack.VMFwd, logs.Fwd},
		{openstack.VMPcap, logs.Pcap},
	} {
		b.WriteString("==== " + l.name + " ====\n")
		b.WriteString(l.t.String())
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()) + "\n"
}
