// Package worker owns the job queue and drives the test pipeline: fetch the
// repository's CI configuration, provision the three test VMs, prepare them,
// run the capture test, validate and persist the results, tear everything
// down and emit a report.
package worker

import (
	v1 "github.com/ixy-languages/ixy-ci/pkg/apis/config/v1"
	"github.com/ixy-languages/ixy-ci/pkg/remote"
)

// Job is something the worker can be asked to do. The set of variants is
// closed; the worker loop matches exhaustively and treats anything else as a
// programming error.
type Job interface {
	// Repository returns the repository the job was triggered on, which is
	// where its report is published.
	Repository() v1.Repository

	isJob()
}

// TestBranch tests a branch of the repository itself.
type TestBranch struct {
	Repo   v1.Repository
	Branch string
}

func (j TestBranch) Repository() v1.Repository { return j.Repo }
func (TestBranch) isJob()                      {}

// TestPullRequest tests the head of a pull request. The actual test runs
// against the fork the pull request comes from; the result is reported on the
// pull request of the upstream repository.
type TestPullRequest struct {
	Repo          v1.Repository
	ForkUser      string
	ForkBranch    string
	PullRequestID int
}

func (j TestPullRequest) Repository() v1.Repository { return j.Repo }
func (TestPullRequest) isJob()                      {}

// Ping answers a liveness check on an issue without running any test.
type Ping struct {
	Repo    v1.Repository
	IssueID int
}

func (j Ping) Repository() v1.Repository { return j.Repo }
func (Ping) isJob()                      {}

// TestTarget identifies what a test result belongs to.
type TestTarget interface{ isTestTarget() }

// BranchTarget is a branch name.
type BranchTarget string

func (BranchTarget) isTestTarget() {}

// PullRequestTarget is a pull request number.
type PullRequestTarget int

func (PullRequestTarget) isTestTarget() {}

// TestOutput is the durable result of one completed run: the per-VM
// transcripts and the names of the persisted artifacts.
type TestOutput struct {
	Logs Logs

	// LogFilename is always set once the run's artifacts were persisted.
	// PcapFilename is empty when no capture was obtained.
	LogFilename  string
	PcapFilename string
}

// Logs holds one transcript per VM role.
type Logs struct {
	Pktgen remote.Transcript
	Fwd    remote.Transcript
	Pcap   remote.Transcript
}

// Report is the outcome of one job. Exactly one report is emitted per
// consumed job.
type Report struct {
	Repository v1.Repository
	Content    ReportContent
}

// ReportContent is a closed sum of the possible report payloads.
type ReportContent interface{ isReportContent() }

// Pong acknowledges a Ping job.
type Pong struct {
	IssueID int
}

func (Pong) isReportContent() {}

// TestResult carries the outcome of a test run. Err is nil for a pass;
// Output is present whenever artifacts were persisted, which includes runs
// that failed validation.
type TestResult struct {
	Target TestTarget
	Output *TestOutput
	Err    *TestError
}

func (TestResult) isReportContent() {}
