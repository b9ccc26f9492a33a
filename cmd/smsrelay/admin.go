package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/shohag/smsrelay/internal/models"
	"github.com/shohag/smsrelay/internal/phone"
	"github.com/shohag/smsrelay/internal/storage"
)

func providerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "provider",
		Short: "Manage SMS providers",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			providers, err := a.store.ListProviders(cmd.Context(), false)
			if err != nil {
				return fmt.Errorf("failed to list providers: %w", err)
			}
			if len(providers) == 0 {
				fmt.Println("No providers configured.")
				return nil
			}
			for _, p := range providers {
				flags := ""
				if p.Primary {
					flags += " primary"
				}
				if !p.Active {
					flags += " inactive"
				}
				fmt.Printf("  %s  %-12s adapter=%s cost=%s%s\n", p.ID, p.Name, p.AdapterName(), p.CostPerSegment, flags)
			}
			return nil
		},
	}

	addCmd := &cobra.Command{
		Use:   "add",
		Short: "Add a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			name, _ := f.GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			costPerSegment := a.cfg.Dispatch.DefaultCost
			if raw, _ := f.GetString("cost"); raw != "" {
				if costPerSegment, err = decimal.NewFromString(raw); err != nil {
					return fmt.Errorf("--cost: %w", err)
				}
			}

			now := time.Now().UTC()
			p := &models.Provider{
				ID:             models.NewID("prv"),
				Name:           name,
				Active:         true,
				CostPerSegment: costPerSegment,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			p.Adapter, _ = f.GetString("adapter")
			p.DefaultSender, _ = f.GetString("sender")
			p.Config.Endpoint, _ = f.GetString("endpoint")
			p.Config.APIKey, _ = f.GetString("api-key")
			p.Config.Secret, _ = f.GetString("secret")
			p.Config.Exchange, _ = f.GetString("exchange")
			p.Config.RoutingKey, _ = f.GetString("routing-key")
			p.Config.RateLimit, _ = f.GetFloat64("rate")
			if p.Config.Secret == "" && p.AdapterName() == "http" {
				p.Config.Secret = models.NewSecret()
			}
			if _, err := a.registry.AdapterFor(p); err != nil {
				return err
			}

			if err := a.store.CreateProvider(cmd.Context(), p); err != nil {
				return fmt.Errorf("failed to create provider: %w", err)
			}
			if primary, _ := f.GetBool("primary"); primary {
				if err := a.registry.SetPrimary(cmd.Context(), p.ID); err != nil {
					return err
				}
				p.Primary = true
			}
			return printJSON(p)
		},
	}
	addCmd.Flags().String("name", "", "provider name")
	addCmd.Flags().String("adapter", "log", "adapter: log, http or amqp")
	addCmd.Flags().String("cost", "", "cost per segment (default dispatch.default_cost_per_segment)")
	addCmd.Flags().String("sender", "", "default sender id")
	addCmd.Flags().String("endpoint", "", "http adapter endpoint URL")
	addCmd.Flags().String("api-key", "", "http adapter bearer token")
	addCmd.Flags().String("secret", "", "http adapter signing secret (generated when empty)")
	addCmd.Flags().String("exchange", "", "amqp adapter exchange override")
	addCmd.Flags().String("routing-key", "", "amqp adapter routing key")
	addCmd.Flags().Float64("rate", 0, "maximum messages per second, 0 for unlimited")
	addCmd.Flags().Bool("primary", false, "make this the primary provider")

	setPrimaryCmd := &cobra.Command{
		Use:   "set-primary <id-or-name>",
		Short: "Make a provider the only primary provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := providerID(cmd.Context(), a.store, args[0])
			if err != nil {
				return err
			}
			if err := a.registry.SetPrimary(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Printf("primary provider is now %s\n", id)
			return nil
		},
	}

	toggle := func(use string, active bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id-or-name>",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a provider",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), *configPath)
				if err != nil {
					return err
				}
				defer a.Close()

				id, err := providerID(cmd.Context(), a.store, args[0])
				if err != nil {
					return err
				}
				if err := a.store.SetProviderActive(cmd.Context(), id, active); err != nil {
					return fmt.Errorf("failed to update provider: %w", err)
				}
				fmt.Printf("provider %s %sd\n", id, use)
				return nil
			},
		}
	}

	cmd.AddCommand(listCmd, addCmd, setPrimaryCmd, toggle("enable", true), toggle("disable", false))
	return cmd
}

func providerID(ctx context.Context, store *storage.SQLStorage, ref string) (string, error) {
	if p, err := store.GetProvider(ctx, ref); err == nil {
		return p.ID, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}
	p, err := store.GetProviderByName(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("provider %q not found", ref)
	}
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

func blacklistCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blacklist",
		Short: "Manage the destination blacklist",
	}
	addCmd := &cobra.Command{
		Use:   "add <destination>",
		Short: "Block every message to a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			dest, err := normalize(args[0], a.cfg.Dispatch.Region)
			if err != nil {
				return err
			}
			e := &models.BlacklistEntry{
				ID:          models.NewID("bl"),
				Destination: dest,
				Reason:      reason,
				Active:      true,
				CreatedAt:   time.Now().UTC(),
			}
			if err := a.store.AddBlacklistEntry(cmd.Context(), e); err != nil {
				return fmt.Errorf("failed to add blacklist entry: %w", err)
			}
			fmt.Printf("blacklisted %s\n", dest)
			return nil
		},
	}
	addCmd.Flags().String("reason", "", "why the destination is blocked")
	cmd.AddCommand(addCmd)
	return cmd
}

func optoutCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optout",
		Short: "Manage opt-outs",
	}
	addCmd := &cobra.Command{
		Use:   "add <destination>",
		Short: "Record an opt-out, optionally scoped to a customer and category",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			customer, _ := cmd.Flags().GetString("customer")
			category, _ := cmd.Flags().GetString("category")

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			dest, err := normalize(args[0], a.cfg.Dispatch.Region)
			if err != nil {
				return err
			}
			e := &models.OptOutEntry{
				ID:          models.NewID("opt"),
				Destination: dest,
				CustomerID:  customer,
				Category:    category,
				Active:      true,
				CreatedAt:   time.Now().UTC(),
			}
			if err := a.store.AddOptOut(cmd.Context(), e); err != nil {
				return fmt.Errorf("failed to add opt-out: %w", err)
			}
			fmt.Printf("opted out %s (category %s)\n", dest, category)
			return nil
		},
	}
	addCmd.Flags().String("customer", "", "limit the opt-out to one customer")
	addCmd.Flags().String("category", models.CategoryAll, "message category, or \"all\"")
	cmd.AddCommand(addCmd)
	return cmd
}

func limitCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "limit",
		Short: "Manage the spending limit",
	}

	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Start a new spending limit, replacing the active one",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			softRaw, _ := f.GetString("soft")
			hardRaw, _ := f.GetString("hard")
			cycle, _ := f.GetString("cycle")

			soft, err := decimal.NewFromString(softRaw)
			if err != nil {
				return fmt.Errorf("--soft: %w", err)
			}
			hard, err := decimal.NewFromString(hardRaw)
			if err != nil {
				return fmt.Errorf("--hard: %w", err)
			}
			if !soft.LessThan(hard) {
				return fmt.Errorf("soft limit %s must be below hard limit %s", soft, hard)
			}
			switch models.CycleType(cycle) {
			case models.CycleDaily, models.CycleWeekly, models.CycleMonthly:
			default:
				return fmt.Errorf("unknown cycle %q", cycle)
			}

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			now := time.Now().UTC()
			l := &models.SpendingLimit{
				ID:              models.NewID("lim"),
				SoftLimit:       soft,
				HardLimit:       hard,
				CycleType:       models.CycleType(cycle),
				CycleStart:      now,
				CurrentSpending: decimal.Zero,
				Active:          true,
				CreatedAt:       now,
				UpdatedAt:       now,
			}
			if err := a.store.CreateSpendingLimit(cmd.Context(), l); err != nil {
				return fmt.Errorf("failed to create spending limit: %w", err)
			}
			return printJSON(l)
		},
	}
	setCmd.Flags().String("soft", "", "soft limit, warns when reached")
	setCmd.Flags().String("hard", "", "hard limit, blocks when reached")
	setCmd.Flags().String("cycle", string(models.CycleMonthly), "billing cycle: daily, weekly or monthly")
	setCmd.MarkFlagRequired("soft")
	setCmd.MarkFlagRequired("hard")

	overrideCmd := &cobra.Command{
		Use:   "override",
		Short: "Override hard-limit blocking on the active limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			kind, _ := f.GetString("type")
			reason, _ := f.GetString("reason")
			forDur, _ := f.GetDuration("for")

			var typ models.OverrideType
			switch kind {
			case "allow":
				typ = models.OverrideAllowContinued
			case "block":
				typ = models.OverrideBlockAll
			default:
				return fmt.Errorf("--type must be allow or block")
			}

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			limit, err := a.store.ActiveSpendingLimit(cmd.Context())
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no active spending limit")
			}
			if err != nil {
				return err
			}

			now := time.Now().UTC()
			o := &models.SpendingOverride{
				ID:        models.NewID("ovr"),
				LimitID:   limit.ID,
				Type:      typ,
				Reason:    reason,
				CreatedAt: now,
			}
			if forDur > 0 {
				exp := now.Add(forDur)
				o.ExpiresAt = &exp
			}
			if err := a.store.CreateSpendingOverride(cmd.Context(), o); err != nil {
				return fmt.Errorf("failed to create override: %w", err)
			}
			return printJSON(o)
		},
	}
	overrideCmd.Flags().String("type", "allow", "allow (keep sending past the hard limit) or block (stop all sends)")
	overrideCmd.Flags().String("reason", "", "reason recorded with the override")
	overrideCmd.Flags().Duration("for", 0, "expire after this long, 0 for no expiry")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active limit and what a send of the given cost would do",
		RunE: func(cmd *cobra.Command, args []string) error {
			costRaw, _ := cmd.Flags().GetString("cost")
			cost, err := decimal.NewFromString(costRaw)
			if err != nil {
				return fmt.Errorf("--cost: %w", err)
			}

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			decision, err := a.governor.Check(cmd.Context(), cost)
			if err != nil {
				return err
			}
			limit, err := a.store.ActiveSpendingLimit(cmd.Context())
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			return printJSON(map[string]any{"limit": limit, "decision": decision})
		},
	}
	showCmd.Flags().String("cost", "0", "cost to evaluate")

	cmd.AddCommand(setCmd, overrideCmd, showCmd)
	return cmd
}

func templateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage message templates",
	}
	addCmd := &cobra.Command{
		Use:   "add <code>",
		Short: "Create a template, or add a new version to an existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			body, _ := f.GetString("body")
			if strings.TrimSpace(body) == "" {
				return fmt.Errorf("--body is required")
			}
			rawVariants, _ := f.GetStringArray("variant")
			variants, err := parseVariants(rawVariants)
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()
			now := time.Now().UTC()

			tpl, err := a.store.GetTemplateByCode(ctx, args[0])
			if errors.Is(err, storage.ErrNotFound) {
				name, _ := f.GetString("name")
				category, _ := f.GetString("category")
				if name == "" {
					name = args[0]
				}
				tpl = &models.Template{
					ID:        models.NewID("tpl"),
					Code:      args[0],
					Name:      name,
					Category:  category,
					Active:    true,
					CreatedAt: now,
				}
				err = a.store.CreateTemplate(ctx, tpl)
			}
			if err != nil {
				return fmt.Errorf("failed to save template: %w", err)
			}

			v := &models.TemplateVersion{
				ID:         models.NewID("tplv"),
				TemplateID: tpl.ID,
				Body:       body,
				Variants:   variants,
				CreatedAt:  now,
			}
			if err := a.store.AddTemplateVersion(ctx, v); err != nil {
				return fmt.Errorf("failed to add template version: %w", err)
			}
			fmt.Printf("template %s version %d saved\n", tpl.Code, v.Version)
			return nil
		},
	}
	addCmd.Flags().String("body", "", "message body with {name} placeholders")
	addCmd.Flags().String("name", "", "display name (new templates only)")
	addCmd.Flags().String("category", "transactional", "message category (new templates only)")
	addCmd.Flags().StringArray("variant", nil, "A/B variant as name:weight:body (repeatable)")
	cmd.AddCommand(addCmd)
	return cmd
}

func parseVariants(raw []string) ([]models.Variant, error) {
	var variants []models.Variant
	for _, r := range raw {
		parts := strings.SplitN(r, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
			return nil, fmt.Errorf("invalid --variant %q, use name:weight:body", r)
		}
		weight, err := strconv.Atoi(parts[1])
		if err != nil || weight < 0 {
			return nil, fmt.Errorf("invalid weight in --variant %q", r)
		}
		variants = append(variants, models.Variant{Name: parts[0], Weight: weight, Body: parts[2]})
	}
	return variants, nil
}

func normalize(raw, region string) (string, error) {
	n := phone.Normalize(raw, region)
	if !n.Valid {
		return "", fmt.Errorf("invalid destination %q", raw)
	}
	return n.Normalized, nil
}
