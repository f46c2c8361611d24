package worker

import "fmt"

// ErrorKind classifies where in the pipeline a run failed. Reports render a
// kind-specific message, so the kinds distinguish infrastructure failures
// from an actual failed test.
type ErrorKind int

const (
	// KindFetchRepositoryConfig is an HTTP failure fetching ixy-ci.yaml.
	// Nothing has been provisioned at this point.
	KindFetchRepositoryConfig ErrorKind = iota
	// KindInvalidRepositoryConfig is a decode or validation failure of the
	// fetched configuration.
	KindInvalidRepositoryConfig
	// KindOpenStack covers provisioning and teardown failures.
	KindOpenStack
	// KindConnectVM means one VM never accepted an SSH connection within the
	// retry budget. VM names the role.
	KindConnectVM
	// KindPrepareVM means a preparation command failed on one VM.
	KindPrepareVM
	// KindRemoteCommand covers remote failures during the test itself:
	// starting or cancelling a command, or downloading the capture.
	KindRemoteCommand
	// KindTestPcap is a failed capture validation. The test ran; its
	// artifacts are persisted anyway.
	KindTestPcap
	// KindSaveTestOutput means persisting the artifacts failed. Losing the
	// diagnostics is a failure of its own, whatever the test result was.
	KindSaveTestOutput
)

func (k ErrorKind) String() string {
	switch k {
	case KindFetchRepositoryConfig:
		return "fetch_repository_config"
	case KindInvalidRepositoryConfig:
		return "invalid_repository_config"
	case KindOpenStack:
		return "openstack"
	case KindConnectVM:
		return "connect_vm"
	case KindPrepareVM:
		return "prepare_vm"
	case KindRemoteCommand:
		return "remote_command"
	case KindTestPcap:
		return "test_pcap"
	case KindSaveTestOutput:
		return "save_test_output"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// TestError is the failure outcome of a run. VM is set for host-scoped kinds.
// Logs carries whatever transcripts had been collected when the error fired,
// so diagnostic data survives partial failures; it is nil for kinds that fire
// before any session exists.
type TestError struct {
	Kind ErrorKind
	VM   string
	Err  error
	Logs *Logs
}

func (e *TestError) Error() string {
	switch e.Kind {
	case KindFetchRepositoryConfig:
		return fmt.Sprintf("failed to fetch CI config: %v", e.Err)
	case KindInvalidRepositoryConfig:
		return fmt.Sprintf("failed to parse CI config: %v", e.Err)
	case KindOpenStack:
		return fmt.Sprintf("an OpenStack error occurred: %v", e.Err)
	case KindConnectVM:
		return fmt.Sprintf("failed to connect to VM %s (%v)", e.VM, e.Err)
	case KindPrepareVM:
		return fmt.Sprintf("failed to prepare VM %s: %v", e.VM, e.Err)
	case KindRemoteCommand:
		return fmt.Sprintf("an error occurred on a VM: %v", e.Err)
	case KindTestPcap:
		return fmt.Sprintf("pcap test error: %v", e.Err)
	case KindSaveTestOutput:
		return fmt.Sprintf("failed to save logs: %v", e.Err)
	default:
		return fmt.Sprintf("unknown error: %v", e.Err)
	}
}

func (e *TestError) Unwrap() error { return e.Err }
