package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/shohag/smsrelay/internal/dispatch"
	"github.com/shohag/smsrelay/internal/models"
	"github.com/shohag/smsrelay/internal/queue"
	"github.com/shohag/smsrelay/internal/storage"
)

func sendCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <destination> <message>",
		Short: "Queue a message; immediate messages are delivered right away",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := sendOptions(cmd)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			return printResult(a.dispatch.Send(cmd.Context(), args[0], args[1], opts))
		},
	}
	addSendFlags(cmd)
	return cmd
}

func sendTemplateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send-template <destination> <template-code>",
		Short: "Render the latest version of a template and queue it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := sendOptions(cmd)
			if err != nil {
				return err
			}
			opts.Variant, _ = cmd.Flags().GetString("variant")

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			vars := opts.Variables
			opts.Variables = nil
			return printResult(a.dispatch.SendTemplate(cmd.Context(), args[0], args[1], vars, opts))
		},
	}
	addSendFlags(cmd)
	cmd.Flags().String("variant", "", "force a template variant")
	return cmd
}

func cancelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <queue-id>",
		Short: "Cancel a message that has not been picked up yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			err = a.queue.Cancel(cmd.Context(), args[0])
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return fmt.Errorf("queue item %s not found", args[0])
			case errors.Is(err, queue.ErrNotCancellable):
				return fmt.Errorf("queue item %s is no longer pending", args[0])
			case err != nil:
				return err
			}
			fmt.Printf("cancelled %s\n", args[0])
			return nil
		},
	}
}

func addSendFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArray("var", nil, "template variable as key=value (repeatable)")
	f.String("customer", "", "customer id, scopes opt-outs and personalization")
	f.String("category", "", "message category (default dispatch.default_category)")
	f.String("sender", "", "sender id (default: the provider's)")
	f.String("provider", "", "provider id (default: the primary provider)")
	f.Int("priority", 0, "priority 1 (first) to 10 (last)")
	f.Int("retries", 0, "maximum delivery attempts (default dispatch.default_max_retries)")
	f.String("at", "", "send time, RFC 3339 or local \"2006-01-02 15:04\" in --tz")
	f.String("tz", "", "IANA timezone for --at and recurrence")
	f.String("every", "", "repeat daily, weekly or monthly")
	f.Int("interval", 1, "repeat every N periods")
	f.String("until", "", "stop repeating after this time")
	f.Int("times", 0, "stop after this many occurrences")
	f.String("component", "", "originating component name")
	f.String("ref", "", "originating component reference id")
	f.Bool("optimize", false, "send at the destination's best engagement hour")
}

func sendOptions(cmd *cobra.Command) (dispatch.SendOptions, error) {
	f := cmd.Flags()
	var opts dispatch.SendOptions

	pairs, _ := f.GetStringArray("var")
	vars, err := parseVars(pairs)
	if err != nil {
		return opts, err
	}
	opts.Variables = vars
	opts.CustomerID, _ = f.GetString("customer")
	opts.MessageCategory, _ = f.GetString("category")
	opts.SenderID, _ = f.GetString("sender")
	opts.ProviderID, _ = f.GetString("provider")
	opts.Priority, _ = f.GetInt("priority")
	opts.MaxRetries, _ = f.GetInt("retries")
	opts.ScheduledAt, _ = f.GetString("at")
	opts.Timezone, _ = f.GetString("tz")
	opts.ComponentName, _ = f.GetString("component")
	opts.ComponentReferenceID, _ = f.GetString("ref")
	opts.OptimizeSendTime, _ = f.GetBool("optimize")

	every, _ := f.GetString("every")
	if every == "" {
		return opts, nil
	}
	rc := &models.RecurringConfig{Frequency: models.Frequency(strings.ToLower(every))}
	rc.Interval, _ = f.GetInt("interval")
	rc.MaxOccurrences, _ = f.GetInt("times")
	if until, _ := f.GetString("until"); until != "" {
		end, err := queue.ParseScheduleTime(until, opts.Timezone)
		if err != nil {
			return opts, fmt.Errorf("--until: %w", err)
		}
		rc.EndAt = &end
	}
	opts.Recurring = rc
	return opts, nil
}

// parseVars turns key=value pairs into variables. Plain integers are kept
// as numbers.
func parseVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --var %q, use key=value", p)
		}
		if n, err := cast.ToInt64E(v); err == nil && cast.ToString(n) == v {
			vars[k] = n
			continue
		}
		vars[k] = v
	}
	return vars, nil
}

func printResult(res dispatch.Result) error {
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("send rejected: %s", res.Code)
	}
	return nil
}

