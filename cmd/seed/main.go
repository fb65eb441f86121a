// Command seed replays scripted attack scenarios so a fresh install has events,
// incidents, blocks and baselines to look at.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Wikid82/bookguard/internal/cerberus"
	"github.com/Wikid82/bookguard/internal/clock"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/ingest"
	"github.com/Wikid82/bookguard/internal/logger"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/store"
)

// scenario is a named sequence of events replayed in order.
type scenario struct {
	Name   string
	Events []models.SecurityEvent
}

func repeat(n int, ev models.SecurityEvent) []models.SecurityEvent {
	out := make([]models.SecurityEvent, n)
	for i := range out {
		out[i] = ev
	}
	return out
}

func scenarios() []scenario {
	ua := "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_4) AppleWebKit/605.1.15 Safari/605.1.15"
	return []scenario{
		{
			Name: "regular guests",
			Events: []models.SecurityEvent{
				{EventType: models.EventLoginSuccess, Severity: models.SeverityLow, Identity: models.Identity{UserID: "guest-1001", IP: "192.0.2.10", UserAgent: ua}},
				{EventType: models.EventLoginSuccess, Severity: models.SeverityLow, Identity: models.Identity{UserID: "guest-1002", IP: "192.0.2.11", UserAgent: ua}},
				{EventType: models.EventDataAccess, Severity: models.SeverityLow, Identity: models.Identity{UserID: "guest-1001", IP: "192.0.2.10", UserAgent: ua}, Details: map[string]interface{}{"resource": "bookings"}},
			},
		},
		{
			Name:   "password spraying from one address",
			Events: repeat(12, models.SecurityEvent{EventType: models.EventLoginFailed, Severity: models.SeverityMedium, Identity: models.Identity{IP: "203.0.113.66", UserAgent: "python-requests/2.31"}}),
		},
		{
			Name:   "mfa guessing",
			Events: repeat(6, models.SecurityEvent{EventType: models.EventMFAFailed, Severity: models.SeverityMedium, Identity: models.Identity{UserID: "host-42", IP: "198.51.100.20", UserAgent: ua}}),
		},
		{
			Name: "role tampering",
			Events: []models.SecurityEvent{
				{EventType: models.EventPrivilegeEscalation, Severity: models.SeverityHigh, Identity: models.Identity{UserID: "guest-1002", IP: "192.0.2.11", UserAgent: ua}, Details: map[string]interface{}{"from_role": "guest", "to_role": "admin"}},
			},
		},
		{
			Name: "bulk export",
			Events: []models.SecurityEvent{
				{EventType: models.EventBulkDownload, Severity: models.SeverityHigh, Identity: models.Identity{UserID: "staff-7", IP: "10.4.0.9", UserAgent: ua}, Details: map[string]interface{}{"resource": "guests", "record_count": 25000, "bulk": true}},
			},
		},
	}
}

// sink receives one event at a time.
type sink func(ctx context.Context, ev *models.SecurityEvent) error

// replay pushes every scenario through s and returns how many events were sent.
func replay(ctx context.Context, s sink, list []scenario) (int, error) {
	sent := 0
	for _, sc := range list {
		for i := range sc.Events {
			ev := sc.Events[i]
			if err := s(ctx, &ev); err != nil {
				return sent, fmt.Errorf("%s: %w", sc.Name, err)
			}
			sent++
		}
		fmt.Printf("✓ %s (%d events)\n", sc.Name, len(sc.Events))
	}
	return sent, nil
}

func localSink(cerb *cerberus.Cerberus) sink {
	return func(ctx context.Context, ev *models.SecurityEvent) error {
		_, err := cerb.Ingest(ctx, ev)
		return err
	}
}

func main() {
	var viaNATS bool
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Replay demo attack scenarios into BookGuard",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger.Init(false, os.Stderr)
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if viaNATS {
				nc, err := ingest.Connect(cfg.NATS)
				if err != nil {
					return err
				}
				defer nc.Close()
				n, err := replay(ctx, func(_ context.Context, ev *models.SecurityEvent) error {
					return ingest.Publish(nc, cfg.NATS.Subject, ev)
				}, scenarios())
				if err != nil {
					return err
				}
				if err := nc.FlushTimeout(5 * time.Second); err != nil {
					return err
				}
				fmt.Printf("✓ published %d events to %s\n", n, cfg.NATS.Subject)
				return nil
			}

			cfg.Notifications.Async = false
			st, err := store.Open(ctx, cfg.Store, clock.Real{})
			if err != nil {
				return err
			}
			defer st.Close()
			cerb, err := cerberus.Build(cfg, st, clock.Real{}, cerberus.Options{})
			if err != nil {
				return err
			}
			n, err := replay(ctx, localSink(cerb), scenarios())
			if err != nil {
				return err
			}
			fmt.Printf("✓ ingested %d events\n", n)
			return nil
		},
	}
	cmd.Flags().BoolVar(&viaNATS, "nats", false, "publish to the configured NATS subject instead of writing the store")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
