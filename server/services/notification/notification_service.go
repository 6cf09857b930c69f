package notification

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
	"github.com/jobserv/jobserv/server/services/urls"
	"github.com/jobserv/jobserv/server/store"
)

const buildStatsWindow = 20

// Config holds the delivery settings for outbound notices. An empty
// SMTPServer disables email entirely; webhooks are always delivered.
type Config struct {
	SMTPServer   string
	SMTPUser     string
	SMTPPassword string
	// NotificationEmails receives operational notices (surges, stuck runs),
	// as opposed to the per-project recipients of build summaries.
	NotificationEmails string
}

// SendMailFunc sends one assembled RFC 822 message; tests substitute this.
type SendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// NotificationService delivers build summaries by email and signed webhook,
// and the operational notices the monitor raises.
type NotificationService struct {
	cfg        Config
	buildStore store.BuildStore
	runStore   store.RunStore
	urls       *urls.Builder
	httpClient *retryablehttp.Client
	sendMail   SendMailFunc
	logger.Log
}

func NewNotificationService(
	cfg Config,
	buildStore store.BuildStore,
	runStore store.RunStore,
	urlBuilder *urls.Builder,
	logFactory logger.LogFactory,
) *NotificationService {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 3
	httpClient.Logger = nil
	return &NotificationService{
		cfg:        cfg,
		buildStore: buildStore,
		runStore:   runStore,
		urls:       urlBuilder,
		httpClient: httpClient,
		sendMail:   smtp.SendMail,
		Log:        logFactory("NotificationService"),
	}
}

// NotifyBuildCompleteEmail emails a build summary to the comma-separated
// recipient list from the project definition.
func (s *NotificationService) NotifyBuildCompleteEmail(ctx context.Context, project *models.Project, build *models.Build, users string) error {
	subject := fmt.Sprintf("jobserv: %s build #%d : %s", project.Name, build.Number, build.Status)
	var body strings.Builder
	body.WriteString(subject + "\n")
	fmt.Fprintf(&body, "Build URL: %s\n\n", s.urls.Build(project.Name, build.Number))

	body.WriteString("Runs:\n")
	list, err := s.runStore.ListByBuild(ctx, nil, build.ID)
	if err != nil {
		return errors.Wrap(err, "error listing runs")
	}
	for _, run := range list {
		fmt.Fprintf(&body, "  %s: %s\n    %s\n", run.Name, run.Status, s.urls.Run(project.Name, build.Number, run.Name))
	}
	if build.Reason != "" {
		body.WriteString("\nReason:\n" + build.Reason + "\n")
	}

	passes, total, passFails, err := s.buildStats(ctx, project, build)
	if err != nil {
		return err
	}
	if total > 0 {
		fmt.Fprintf(&body, "\nBuild history for last %d builds:\n  pass rate: %d%%\n   (newest->oldest): %s\n",
			total, passes*100/total, passFails)
	}

	return s.email(users, subject, body.String(), nil)
}

// buildStats summarizes the project's last completed builds up to and
// including this one, newest first.
func (s *NotificationService) buildStats(ctx context.Context, project *models.Project, build *models.Build) (passes, total int, passFails string, err error) {
	list, _, err := s.buildStore.Search(ctx, nil, project.ID, store.BuildSearch{
		Pagination: models.NewPagination(buildStatsWindow, nil),
		Statuses:   []models.Status{models.StatusPassed, models.StatusPromoted, models.StatusFailed},
	})
	if err != nil {
		return 0, 0, "", errors.Wrap(err, "error listing builds")
	}
	for _, b := range list {
		if b.Number > build.Number {
			continue
		}
		if b.Status == models.StatusFailed {
			passFails += "-"
		} else {
			passes++
			passFails += "+"
		}
		total++
	}
	return passes, total, passFails, nil
}

// webhookPayload is the JSON body POSTed to build-completion webhooks.
type webhookPayload struct {
	Project string        `json:"project"`
	Build   int           `json:"build"`
	Status  models.Status `json:"status"`
	URL     string        `json:"url"`
	Runs    []webhookRun  `json:"runs"`
}

type webhookRun struct {
	Name   models.ResourceName `json:"name"`
	Status models.Status       `json:"status"`
	URL    string              `json:"url"`
}

// NotifyBuildCompleteWebhook POSTs a build summary to url, signed with an
// X-JobServ-Sig sha256 HMAC over the body so the receiver can authenticate it.
func (s *NotificationService) NotifyBuildCompleteWebhook(ctx context.Context, project *models.Project, build *models.Build, url string, secret string) error {
	list, err := s.runStore.ListByBuild(ctx, nil, build.ID)
	if err != nil {
		return errors.Wrap(err, "error listing runs")
	}
	payload := webhookPayload{
		Project: project.Name.String(),
		Build:   build.Number,
		Status:  build.Status,
		URL:     s.urls.Build(project.Name, build.Number),
	}
	for _, run := range list {
		payload.Runs = append(payload.Runs, webhookRun{
			Name:   run.Name,
			Status: run.Status,
			URL:    s.urls.Run(project.Name, build.Number, run.Name),
		})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "error marshalling webhook payload")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "error building webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-JobServ-Sig", "sha256:"+hex.EncodeToString(mac.Sum(nil)))

	res, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "error delivering webhook to %s", url)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return errors.Errorf("error delivering webhook to %s: HTTP %d", url, res.StatusCode)
	}
	return nil
}

// NotifyRunStuck reports a run forcibly failed by the stuck sweep to the
// operational recipients.
func (s *NotificationService) NotifyRunStuck(ctx context.Context, project models.ResourceName, buildNumber int, run *models.Run) error {
	subject := fmt.Sprintf("jobserv: Terminated %s/%d/%s", project, buildNumber, run.Name)
	body := fmt.Sprintf("The run stopped reporting progress and has been terminated.\n  %s",
		s.urls.Run(project, buildNumber, run.Name))
	return s.email(s.cfg.NotificationEmails, subject, body, map[string]string{
		"Message-ID": newMessageID(),
	})
}

// NotifySurgeStarted announces a surge for a host tag. The returned message
// id goes into the surge marker so the closing notice can thread onto it.
func (s *NotificationService) NotifySurgeStarted(ctx context.Context, tag string, queued int) (string, error) {
	messageID := newMessageID()
	subject := "jobserv: SURGE!!! " + tag
	body := fmt.Sprintf("Surge workers have been enabled for: %s (%d runs queued)", tag, queued)
	err := s.email(s.cfg.NotificationEmails, subject, body, map[string]string{
		"Message-ID": messageID,
	})
	return messageID, err
}

// NotifySurgeEnded announces the end of a surge previously started with the
// given message id.
func (s *NotificationService) NotifySurgeEnded(ctx context.Context, tag string, messageID string) error {
	subject := "jobserv: ended surge for " + tag
	body := "Surge workers have been disabled for: " + tag
	headers := map[string]string{}
	if messageID != "" {
		headers["In-Reply-To"] = messageID
	}
	return s.email(s.cfg.NotificationEmails, subject, body, headers)
}

func (s *NotificationService) email(to string, subject string, body string, headers map[string]string) error {
	if s.cfg.SMTPServer == "" || to == "" {
		s.Tracef("Email disabled; dropping %q", subject)
		return nil
	}
	recipients := strings.Split(to, ",")
	for i := range recipients {
		recipients[i] = strings.TrimSpace(recipients[i])
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.cfg.SMTPUser)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	for key, value := range headers {
		fmt.Fprintf(&msg, "%s: %s\r\n", key, value)
	}
	msg.WriteString("\r\n")
	msg.WriteString(body)

	host := s.cfg.SMTPServer
	if idx := strings.Index(host, ":"); idx >= 0 {
		host = host[:idx]
	}
	var auth smtp.Auth
	if s.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPassword, host)
	}
	err := s.sendMail(s.cfg.SMTPServer, auth, s.cfg.SMTPUser, recipients, []byte(msg.String()))
	if err != nil {
		return errors.Wrapf(err, "error sending email %q", subject)
	}
	return nil
}

func newMessageID() string {
	return fmt.Sprintf("<%s@jobserv>", uuid.New().String())
}
