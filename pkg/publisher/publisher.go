// Package publisher turns worker reports into user-facing notifications. It
// is the only component that talks back to GitHub.
package publisher

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	v1 "github.com/ixy-languages/ixy-ci/pkg/apis/config/v1"
	"github.com/ixy-languages/ixy-ci/pkg/openstack"
	"github.com/ixy-languages/ixy-ci/pkg/remote"
	"github.com/ixy-languages/ixy-ci/pkg/worker"
)

// Commenter posts comments on issues and pull requests. *github.Client
// satisfies this.
type Commenter interface {
	CreateComment(repo v1.Repository, issueID int, body string) error
}

// Publisher consumes the report stream. Publishing failures are logged and
// never propagate: a lost comment must not take down the CI.
type Publisher struct {
	github    Commenter
	reports   <-chan worker.Report
	publicURL string
}

func New(github Commenter, reports <-chan worker.Report, publicURL string) *Publisher {
	return &Publisher{
		github:    github,
		reports:   reports,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}
}

// Run consumes reports until the stream closes or the context is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			log.Info("publisher shutting down")
			return
		case report, ok := <-p.reports:
			if !ok {
				log.Info("report stream closed, publisher shutting down")
				return
			}
			p.handleReport(report)
		}
	}
}

func (p *Publisher) handleReport(report worker.Report) {
	switch content := report.Content.(type) {
	case worker.Pong:
		log.WithFields(log.Fields{
			"repository": report.Repository.String(),
			"issue":      content.IssueID,
		}).Info("answering ping")
		if err := p.github.CreateComment(report.Repository, content.IssueID, "pong"); err != nil {
			log.WithError(err).Error("failed to post comment")
		}
	case worker.TestResult:
		switch target := content.Target.(type) {
		case worker.PullRequestTarget:
			log.WithFields(log.Fields{
				"repository":   report.Repository.String(),
				"pull_request": int(target),
			}).Info("posting test result")
			body := p.formatPullRequestComment(content)
			if err := p.github.CreateComment(report.Repository, int(target), body); err != nil {
				log.WithError(err).Error("failed to post comment")
			}
		case worker.BranchTarget:
			// Branch tests have no comment surface, the log is the report.
			logger := log.WithFields(log.Fields{
				"repository": report.Repository.String(),
				"branch":     string(target),
			})
			if content.Err != nil {
				logger.WithError(content.Err).Error("branch test failed")
			} else {
				logger.Info("branch test passed")
			}
		default:
			log.Errorf("unhandled test target %T", content.Target)
		}
	default:
		log.Errorf("unhandled report content %T", report.Content)
	}
}

func (p *Publisher) formatPullRequestComment(result worker.TestResult) string {
	var b strings.Builder
	if result.Err == nil {
		b.WriteString("Test __passed__!\n\n")
		b.WriteString(formatLogs(&result.Output.Logs))
	} else {
		b.WriteString("Test __failed__!\n\nCause: ")
		b.WriteString(result.Err.Error())
		if result.Err.Logs != nil {
			b.WriteString("\n\n")
			b.WriteString(formatLogs(result.Err.Logs))
		}
	}
	if links := p.artifactLinks(result.Output); links != "" {
		b.WriteString("\n\n")
		b.WriteString(links)
	}
	return b.String()
}

func (p *Publisher) artifactLinks(output *worker.TestOutput) string {
	if output == nil || p.publicURL == "" {
		return ""
	}
	links := fmt.Sprintf("[log](%s/logs/%s)", p.publicURL, output.LogFilename)
	if output.PcapFilename != "" {
		links += fmt.Sprintf(" | [capture](%s/logs/%s)", p.publicURL, output.PcapFilename)
	}
	return "Artifacts: " + links
}

func formatLogs(logs *worker.Logs) string {
	return fmt.Sprintf("%s\n%s\n%s",
		formatLog(openstack.VMPktgen, logs.Pktgen),
		formatLog(openstack.VMFwd, logs.Fwd),
		formatLog(openstack.VMPcap, logs.Pcap))
}

func formatLog(name string, transcript remote.Transcript) string {
	return fmt.Sprintf("<details><summary>%s logs</summary>\n\n```\n%s\n```\n</details>",
		name, transcript.String())
}
