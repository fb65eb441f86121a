package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Wikid82/bookguard/internal/api/middleware"
	"github.com/Wikid82/bookguard/internal/config"
	"github.com/Wikid82/bookguard/internal/models"
	"github.com/Wikid82/bookguard/internal/services"
	"github.com/Wikid82/bookguard/internal/util"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed admin API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			switch role {
			case middleware.RoleAdmin, middleware.RoleAuditor, middleware.RoleService:
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			tok, err := middleware.IssueAdminToken(cfg.Auth.JWTSecret, subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (operator or service name)")
	cmd.Flags().StringVar(&role, "role", middleware.RoleAdmin, "admin, auditor or service")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func newOverrideCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "override", Short: "Manage the global emergency override"}

	var (
		multiplier float64
		duration   time.Duration
		reason     string
	)
	set := &cobra.Command{
		Use:       "set <disable|enable|adjust>",
		Short:     "Activate an emergency override",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"disable", "enable", "adjust"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				ov, err := e.svc().RateLimit.EmergencyOverride(ctx, models.OverrideAction(args[0]), services.OverrideRequest{
					AdminID:          opts.operator,
					Reason:           reason,
					Duration:         duration,
					GlobalMultiplier: multiplier,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, ov)
			})
		},
	}
	set.Flags().Float64Var(&multiplier, "multiplier", 0, "global multiplier for adjust")
	set.Flags().DurationVar(&duration, "duration", 0, "how long the override lasts (default from config)")
	set.Flags().StringVar(&reason, "reason", "", "reason recorded on the override")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the active override",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				ov, err := e.svc().RateLimit.GetEmergencyOverride(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{"active": ov != nil, "override": ov})
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the active override",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				return e.svc().RateLimit.ClearEmergencyOverride(ctx)
			})
		},
	}

	cmd.AddCommand(set, show, clearCmd)
	return cmd
}

func newAdjustCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "adjust", Short: "Tighten rate limits for an endpoint by threat level"}

	var (
		duration time.Duration
		reason   string
	)
	set := &cobra.Command{
		Use:   "set <endpoint> <low|medium|high|critical>",
		Short: "Apply a threat adjustment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				adj, err := e.svc().RateLimit.AdjustRateLimits(ctx, args[0], models.ThreatLevel(args[1]), services.AdjustOptions{
					Reason:     reason,
					Duration:   duration,
					AdjustedBy: opts.operator,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, adj)
			})
		},
	}
	set.Flags().DurationVar(&duration, "duration", 0, "how long the adjustment lasts (default from config)")
	set.Flags().StringVar(&reason, "reason", "", "reason recorded on the adjustment")

	show := &cobra.Command{
		Use:   "show <endpoint>",
		Short: "Print the adjustment for an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				adj, err := e.svc().RateLimit.GetRateLimitAdjustment(ctx, args[0])
				if err != nil {
					return err
				}
				if adj == nil {
					return fmt.Errorf("no active adjustment for %s", args[0])
				}
				return printJSON(cmd, adj)
			})
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear <endpoint>",
		Short: "Remove the adjustment for an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				return e.svc().RateLimit.ClearRateLimitAdjustment(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(set, show, clearCmd)
	return cmd
}

func ipArg(_ *cobra.Command, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected exactly one IP address")
	}
	if !util.IsIP(args[0]) {
		return fmt.Errorf("%q is not an IP address", args[0])
	}
	return nil
}

func newIPCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{Use: "ip", Short: "Inspect, block and unblock addresses"}

	status := &cobra.Command{
		Use:   "status <ip>",
		Short: "Show reputation and block state",
		Args:  ipArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				score, err := e.svc().Reputation.GetIPReputation(ctx, args[0])
				if err != nil {
					return err
				}
				block, err := e.svc().Reputation.CheckIPBlock(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{"ip": args[0], "reputation": score, "block": block})
			})
		},
	}

	var (
		reason    string
		duration  time.Duration
		noBackoff bool
	)
	block := &cobra.Command{
		Use:   "block <ip>",
		Short: "Block an address",
		Args:  ipArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				bo := services.BlockOptions{Duration: duration, BlockedBy: opts.operator}
				if noBackoff {
					off := false
					bo.ExponentialBackoff = &off
				}
				b, err := e.svc().Reputation.BlockIP(ctx, args[0], reason, bo)
				if err != nil {
					return err
				}
				return printJSON(cmd, b)
			})
		},
	}
	block.Flags().StringVar(&reason, "reason", "manual block", "reason recorded on the block")
	block.Flags().DurationVar(&duration, "duration", 0, "base block duration (default from config)")
	block.Flags().BoolVar(&noBackoff, "no-backoff", false, "do not escalate repeat blocks")

	unblock := &cobra.Command{
		Use:   "unblock <ip>",
		Short: "Lift a block",
		Args:  ipArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				ok, err := e.svc().Reputation.UnblockIP(ctx, args[0], opts.operator)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]bool{"unblocked": ok})
			})
		},
	}

	cmd.AddCommand(status, block, unblock)
	return cmd
}

func newIncidentsCmd(_ *options) *cobra.Command {
	cmd := &cobra.Command{Use: "incidents", Short: "List incidents and move them through their lifecycle"}

	var (
		kind  string
		since time.Duration
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List incidents, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				var start time.Time
				if since > 0 {
					start = time.Now().Add(-since)
				}
				incs, err := e.svc().Incidents.GetIncidents(ctx, start, time.Time{}, models.IncidentType(kind))
				if err != nil {
					return err
				}
				return printJSON(cmd, incs)
			})
		},
	}
	list.Flags().StringVar(&kind, "type", "", "only this incident type")
	list.Flags().DurationVar(&since, "since", 0, "only incidents newer than this")

	var notes string
	status := &cobra.Command{
		Use:   "status <id> <status>",
		Short: "Change an incident's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				inc, err := e.svc().Incidents.UpdateIncidentStatus(ctx, args[0], models.IncidentStatus(args[1]), notes)
				if err != nil {
					return err
				}
				return printJSON(cmd, inc)
			})
		},
	}
	status.Flags().StringVar(&notes, "notes", "", "note appended to the incident history")

	notify := &cobra.Command{
		Use:   "notify <id>",
		Short: "Send the breach notification for an incident",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				inc, err := e.svc().Incidents.GetIncident(ctx, args[0])
				if err != nil {
					return err
				}
				receipt, err := e.svc().Incidents.SendBreachNotifications(ctx, inc)
				if err != nil {
					return err
				}
				return printJSON(cmd, receipt)
			})
		},
	}

	cmd.AddCommand(list, status, notify)
	return cmd
}

func newJanitorCmd(_ *options) *cobra.Command {
	return &cobra.Command{
		Use:   "janitor",
		Short: "Run one maintenance sweep now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEnv(cmd, func(ctx context.Context, e *env) error {
				j, err := newJanitor(e)
				if err != nil {
					return err
				}
				report, err := j.RunOnce(ctx)
				if perr := printJSON(cmd, report); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}
