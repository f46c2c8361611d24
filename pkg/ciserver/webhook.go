package ciserver

import (
	"io"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v45/github"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	v1 "github.com/ixy-languages/ixy-ci/pkg/apis/config/v1"
	"github.com/ixy-languages/ixy-ci/pkg/worker"
)

// maxWebhookBody bounds how much of a webhook payload is read. GitHub caps
// payloads at 25 MB but anything the CI cares about fits in far less.
const maxWebhookBody = 1 << 20

var webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ixy_ci_webhook_events_total",
	Help: "Authenticated webhook deliveries received, by GitHub event type.",
}, []string{"event"})

// handleWebhook authenticates and dispatches one GitHub webhook delivery.
// The webhook secret is per repository, so the repository has to be peeked
// out of the payload before the signature can be checked.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	deliveryID := gh.DeliveryID(r)
	if deliveryID == "" {
		deliveryID = "unknown"
	}
	logger := log.WithField("delivery_id", deliveryID)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		logger.WithError(err).Error("could not read webhook body")
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}

	fullName := gjson.GetBytes(body, "repository.full_name").String()
	repo, err := v1.ParseRepository(fullName)
	if err != nil {
		logger.WithError(err).Error("webhook payload carries no usable repository")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	secret, ok := s.secrets[repo.String()]
	if !ok {
		logger.Errorf("no webhook secret configured for %s", repo)
		http.Error(w, "unknown repository", http.StatusForbidden)
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if signature == "" {
		signature = r.Header.Get("X-Hub-Signature")
	}
	if err := gh.ValidateSignature(signature, body, []byte(secret)); err != nil {
		logger.WithError(err).Errorf("webhook signature check failed for %s", repo)
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}

	eventType := gh.WebHookType(r)
	webhookEvents.WithLabelValues(eventType).Inc()
	logger = logger.WithField("event", eventType)
	logger.Info("processing webhook delivery")

	event, err := gh.ParseWebHook(eventType, body)
	if err != nil {
		logger.WithError(err).Error("could not parse webhook payload")
		http.Error(w, "unsupported event", http.StatusBadRequest)
		return
	}

	switch event := event.(type) {
	case *gh.PingEvent:
		// Delivered once when the hook is installed. Nothing to do.
	case *gh.IssueCommentEvent:
		if err := s.handleIssueComment(logger, repo, event); err != nil {
			logger.WithError(err).Error("could not handle issue comment")
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	default:
		logger.Debugf("ignoring %s event", eventType)
	}

	w.WriteHeader(http.StatusOK)
}

// handleIssueComment turns bot mentions in fresh comments into jobs. Only
// comments addressed at the configured bot name count; everything else on
// the issue is somebody talking to somebody else.
func (s *Server) handleIssueComment(logger *log.Entry, repo v1.Repository, event *gh.IssueCommentEvent) error {
	if event.GetAction() != "created" {
		return nil
	}

	comment := event.GetComment().GetBody()
	issue := event.GetIssue()
	issueID := issue.GetNumber()

	switch {
	case strings.Contains(comment, "@"+s.botName+" test"):
		if issue == nil || !issue.IsPullRequest() {
			logger.Warnf("test requested on %s#%d which is not a pull request", repo, issueID)
			return nil
		}
		head, err := s.github.PullRequestHead(repo, issueID)
		if err != nil {
			return err
		}
		s.submit(logger, worker.TestPullRequest{
			Repo:          repo,
			ForkUser:      head.ForkUser,
			ForkBranch:    head.ForkBranch,
			PullRequestID: issueID,
		})
	case strings.Contains(comment, "@"+s.botName+" ping"):
		s.submit(logger, worker.Ping{Repo: repo, IssueID: issueID})
	}
	return nil
}

func (s *Server) submit(logger *log.Entry, job worker.Job) {
	// A full queue already logs the drop; the delivery still succeeded.
	if id, ok := s.queue.TrySubmit(job); ok {
		logger.WithField("job_id", id).Infof("queued %T for %s", job, job.Repository())
	}
}
