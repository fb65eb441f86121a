package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	neturl "net/url"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/containrrr/shoutrrr"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/metrics"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/version"
)

// Delivery outcomes reported in NotificationReceipt.Status.
const (
	NotifySent      = "sent"
	NotifyPartial   = "partial"
	NotifyFailed    = "failed"
	NotifyThrottled = "throttled"
	NotifyDisabled  = "disabled"
)

// NotificationPayload is what a notifier delivers for one incident.
type NotificationPayload struct {
	Title        string                 `json:"title"`
	Message      string                 `json:"message"`
	Severity     models.Severity        `json:"severity"`
	IncidentID   string                 `json:"incident_id,omitempty"`
	IncidentType models.IncidentType    `json:"incident_type,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Time         string                 `json:"time"`
}

// PayloadForIncident renders the notification text for inc.
func PayloadForIncident(inc *models.Incident) NotificationPayload {
	keys := make([]string, 0, len(inc.Details))
	for k := range inc.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var msg strings.Builder
	fmt.Fprintf(&msg, "Incident %s (%s) detected at %s.", inc.ID, inc.Type, inc.CreatedAt.UTC().Format(time.RFC3339))
	for _, k := range keys {
		fmt.Fprintf(&msg, "\n%s: %v", k, inc.Details[k])
	}
	return NotificationPayload{
		Title:        fmt.Sprintf("[%s] Security incident: %s", strings.ToUpper(string(inc.Severity)), inc.Type),
		Message:      msg.String(),
		Severity:     inc.Severity,
		IncidentID:   inc.ID,
		IncidentType: inc.Type,
		Details:      inc.Details,
		Time:         inc.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// NotificationService fans a payload out to the configured shoutrrr URLs and
// the optional JSON webhook. Deliveries are throttled by a token bucket.
type NotificationService struct {
	cfg     config.NotificationConfig
	clock   clock.Clock
	limiter *rate.Limiter
	client  *http.Client
	send    func(url, message string) error
}

func NewNotificationService(cfg config.NotificationConfig, clk clock.Clock) *NotificationService {
	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &NotificationService{
		cfg:     cfg,
		clock:   clk,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
		client: &http.Client{
			Timeout: 10 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		send: func(url, message string) error { return shoutrrr.Send(url, message) },
	}
}

var discordWebhookRegex = regexp.MustCompile(`^https://discord(?:app)?\.com/api/webhooks/(\d+)/([a-zA-Z0-9_-]+)`)

// normalizeURL turns a Discord webhook URL into its shoutrrr form.
func normalizeURL(rawURL string) string {
	matches := discordWebhookRegex.FindStringSubmatch(rawURL)
	if len(matches) == 3 {
		return fmt.Sprintf("discord://%s@%s", matches[2], matches[1])
	}
	return rawURL
}

// Notify delivers p to every configured destination and reports the combined outcome.
func (s *NotificationService) Notify(ctx context.Context, channel string, p NotificationPayload) (models.NotificationReceipt, error) {
	receipt := models.NotificationReceipt{Channel: channel, SentAt: s.clock.Now()}
	log := logger.Component("notifications").WithFields(logrus.Fields{
		"channel":     channel,
		"incident_id": p.IncidentID,
	})

	if !s.cfg.Enabled || (len(s.cfg.URLs) == 0 && s.cfg.WebhookURL == "") {
		receipt.Status = NotifyDisabled
		metrics.IncNotification(receipt.Status)
		log.Debug("notifications disabled, skipping")
		return receipt, nil
	}
	if !s.limiter.Allow() {
		receipt.Status = NotifyThrottled
		metrics.IncNotification(receipt.Status)
		log.Warn("notification throttled")
		return receipt, nil
	}
	if p.Time == "" {
		p.Time = receipt.SentAt.UTC().Format(time.RFC3339)
	}

	var errs []error
	attempts := 0
	for _, raw := range s.cfg.URLs {
		attempts++
		url := normalizeURL(raw)
		if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
			if _, err := validateWebhookURL(url); err != nil {
				errs = append(errs, fmt.Errorf("destination rejected: %w", err))
				continue
			}
		}
		if err := s.send(url, fmt.Sprintf("%s\n\n%s", p.Title, p.Message)); err != nil {
			errs = append(errs, err)
		}
	}
	if s.cfg.WebhookURL != "" {
		attempts++
		if err := s.sendWebhook(ctx, channel, p); err != nil {
			errs = append(errs, err)
		}
	}

	switch {
	case len(errs) == 0:
		receipt.Status = NotifySent
	case len(errs) < attempts:
		receipt.Status = NotifyPartial
	default:
		receipt.Status = NotifyFailed
	}
	metrics.IncNotification(receipt.Status)
	err := errors.Join(errs...)
	if err != nil {
		receipt.Error = err.Error()
		log.WithError(err).WithField("status", receipt.Status).Warn("notification delivery incomplete")
	} else {
		log.Info("notification sent")
	}
	if receipt.Status == NotifyFailed {
		return receipt, err
	}
	return receipt, nil
}

const minimalTemplate = `{"title": {{toJSON .Title}}, "message": {{toJSON .Message}}, "severity": {{toJSON .Severity}}, "time": {{toJSON .Time}}, "channel": {{toJSON .Channel}}}`
const detailedTemplate = `{"title": {{toJSON .Title}}, "message": {{toJSON .Message}}, "severity": {{toJSON .Severity}}, "time": {{toJSON .Time}}, "channel": {{toJSON .Channel}}, "incident_id": {{toJSON .IncidentID}}, "incident_type": {{toJSON .IncidentType}}, "details": {{toJSON .Details}}, "source": {{toJSON .Source}}}`

// RenderWebhook renders the configured webhook body and checks that it is valid JSON.
func (s *NotificationService) RenderWebhook(channel string, p NotificationPayload) ([]byte, error) {
	tmplStr := s.cfg.WebhookTemplate
	switch strings.ToLower(strings.TrimSpace(tmplStr)) {
	case "", "minimal":
		tmplStr = minimalTemplate
	case "detailed":
		tmplStr = detailedTemplate
	}
	tmpl, err := template.New("webhook").Funcs(template.FuncMap{
		"toJSON": func(v interface{}) string {
			b, _ := json.Marshal(v)
			return string(b)
		},
	}).Parse(tmplStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse webhook template: %w", err)
	}
	data := map[string]interface{}{
		"Title":        p.Title,
		"Message":      p.Message,
		"Severity":     p.Severity,
		"Time":         p.Time,
		"Channel":      channel,
		"IncidentID":   p.IncidentID,
		"IncidentType": p.IncidentType,
		"Details":      p.Details,
		"Source":       version.UserAgent(),
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return nil, fmt.Errorf("failed to execute webhook template: %w", err)
	}
	if !json.Valid(body.Bytes()) {
		return nil, errors.New("rendered webhook template is not valid JSON")
	}
	return body.Bytes(), nil
}

func (s *NotificationService) sendWebhook(ctx context.Context, channel string, p NotificationPayload) error {
	u, err := validateWebhookURL(s.cfg.WebhookURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	body, err := s.RenderWebhook(channel, p)
	if err != nil {
		return err
	}

	// Connect to a resolved address and keep the original host for virtual hosting.
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", u.Hostname())
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("failed to resolve webhook host: %w", err)
	}
	var selected net.IP
	for _, ip := range ips {
		if isLoopbackHost(u.Hostname()) || !isPrivateIP(ip) {
			selected = ip
			break
		}
	}
	if selected == nil {
		return fmt.Errorf("failed to find non-private IP for webhook host: %s", u.Hostname())
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	safeURL := &neturl.URL{
		Scheme:   u.Scheme,
		Host:     net.JoinHostPort(selected.String(), port),
		Path:     u.Path,
		RawQuery: u.RawQuery,
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, safeURL.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Host = u.Host

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status: %d", resp.StatusCode)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// isPrivateIP returns true for RFC1918, loopback, link-local and unique local addresses.
func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsPrivate()
}

// validateWebhookURL accepts http(s) URLs whose host does not resolve to a private address.
// Loopback hosts are allowed for local receivers.
func validateWebhookURL(raw string) (*neturl.URL, error) {
	u, err := neturl.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.New("missing host")
	}
	if isLoopbackHost(host) {
		return u, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	for _, ip := range ips {
		if isPrivateIP(ip) {
			return nil, fmt.Errorf("disallowed host IP: %s", ip.String())
		}
	}
	return u, nil
}
