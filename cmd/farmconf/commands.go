package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/neomorfeo/farmconf/internal/app"
	"github.com/neomorfeo/farmconf/internal/domain"
)

// newRootCommand builds the command tree. The returned cleanup releases
// whatever the invoked command set up and must run even when it failed.
func newRootCommand() (*cobra.Command, func(context.Context)) {
	var (
		s      *stack
		rights []string
	)

	root := &cobra.Command{
		Use:           "farmconf",
		Short:         "Reconcile per-tenant wiki farm configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if s, err = setup(cmd.Context()); err != nil {
				return err
			}
			s.principal = operator{rights: rights}
			return nil
		},
	}
	root.PersistentFlags().StringSliceVar(&rights, "rights", nil,
		"act with only these rights (default: every right)")

	get := func() *stack { return s }
	root.AddCommand(
		populateCommand(get),
		extensionsCommand(get),
		settingsCommand(get),
		namespacesCommand(get),
		groupsCommand(get),
		statsCommand(get),
		workerCommand(get),
	)
	cleanup := func(ctx context.Context) {
		if s != nil {
			s.close(ctx)
		}
	}
	return root, cleanup
}

// =============================================================================
// POPULATE
// =============================================================================

func populateCommand(s func() *stack) *cobra.Command {
	return &cobra.Command{
		Use:   "populate TENANT",
		Short: "Seed default namespaces and permission groups",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := s().svc.Populate(cmd.Context(), args[0])
			for _, res := range results {
				printResult(cmd.OutOrStdout(), res)
			}
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "already populated")
			}
			return nil
		},
	}
}

// =============================================================================
// EXTENSIONS
// =============================================================================

func extensionsCommand(s func() *stack) *cobra.Command {
	cmd := &cobra.Command{Use: "extensions", Short: "List and toggle extensions"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list TENANT",
		Short: "Print the enabled extensions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := s().svc.Extensions(cmd.Context(), args[0], s().principal)
			if err != nil {
				return err
			}
			for _, name := range mod.List() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return mod.Close()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set TENANT [NAME...]",
		Short: "Make exactly the named extensions enabled",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitExtensions(cmd, s(), args[0], func([]string) []string { return args[1:] })
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "enable TENANT NAME...",
		Short: "Enable extensions",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitExtensions(cmd, s(), args[0], func(cur []string) []string {
				return append(cur, args[1:]...)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "disable TENANT NAME...",
		Short: "Disable extensions",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitExtensions(cmd, s(), args[0], func(cur []string) []string {
				return slices.DeleteFunc(cur, func(name string) bool { return slices.Contains(args[1:], name) })
			})
		},
	})

	return cmd
}

func submitExtensions(cmd *cobra.Command, s *stack, tenant string, target func(current []string) []string) error {
	mod, err := s.svc.Extensions(cmd.Context(), tenant, s.principal)
	if err != nil {
		return err
	}
	want := target(mod.List())
	if err := mod.Close(); err != nil {
		return err
	}
	res, err := s.svc.SubmitExtensions(cmd.Context(), tenant, s.principal, want)
	return report(cmd.OutOrStdout(), res, err)
}

// =============================================================================
// SETTINGS
// =============================================================================

func settingsCommand(s func() *stack) *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Read and change settings"}

	cmd.AddCommand(&cobra.Command{
		Use:   "get TENANT [KEY...]",
		Short: "Print settings as JSON, defaults included",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := s().svc.Settings(cmd.Context(), args[0], s().principal)
			if err != nil {
				return err
			}
			out := mod.All()
			if len(args) > 1 {
				out = make(map[string]any, len(args)-1)
				for _, key := range args[1:] {
					v, ok := mod.List(key)
					if !ok {
						return fmt.Errorf("setting %q: %w", key, domain.ErrUnknownSetting)
					}
					out[key] = v
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return err
			}
			return mod.Close()
		},
	})

	var removeUnlisted bool
	set := &cobra.Command{
		Use:   "set TENANT KEY=VALUE...",
		Short: "Change settings; values are read as JSON, falling back to plain text",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseAssignments(args[1:])
			if err != nil {
				return err
			}
			res, err := s().svc.SubmitSettings(cmd.Context(), args[0], s().principal, raw, removeUnlisted)
			return report(cmd.OutOrStdout(), res, err)
		},
	}
	set.Flags().BoolVar(&removeUnlisted, "remove-unlisted", false, "reset every setting not named")
	cmd.AddCommand(set)

	cmd.AddCommand(&cobra.Command{
		Use:   "reset TENANT KEY...",
		Short: "Reset settings to their defaults",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := s().svc.Settings(cmd.Context(), args[0], s().principal)
			if err != nil {
				return err
			}
			if err := mod.Remove(cmd.Context(), args[1:]...); err != nil {
				mod.Discard()
				return err
			}
			res, err := mod.Commit(cmd.Context())
			if err != nil {
				mod.Discard()
			}
			return report(cmd.OutOrStdout(), res, err)
		},
	})

	return cmd
}

// parseAssignments reads KEY=VALUE pairs. The value is decoded as JSON when
// it parses, so 250, true and ["a","b"] keep their type; anything else is a string.
func parseAssignments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", p)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		out[key] = v
	}
	return out, nil
}

// =============================================================================
// NAMESPACES
// =============================================================================

func namespacesCommand(s func() *stack) *cobra.Command {
	cmd := &cobra.Command{Use: "namespaces", Short: "Manage namespaces"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list TENANT",
		Short: "Print namespaces by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := s().svc.Namespaces(cmd.Context(), args[0], s().principal)
			if err != nil {
				return err
			}
			for _, ns := range mod.All() {
				line := fmt.Sprintf("%d\t%s", ns.ID, ns.Name)
				if len(ns.Aliases) > 0 {
					line += "\t(" + strings.Join(ns.Aliases, ", ") + ")"
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return mod.Close()
		},
	})

	var maintainPrefix bool
	set := &cobra.Command{
		Use:   "set TENANT JSON",
		Short: "Create or update a namespace from its JSON form",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ns domain.Namespace
			if err := json.Unmarshal([]byte(args[1]), &ns); err != nil {
				return fmt.Errorf("decoding namespace: %w", err)
			}
			res, err := s().svc.SubmitNamespace(cmd.Context(), args[0], s().principal, ns, maintainPrefix)
			return report(cmd.OutOrStdout(), res, err)
		},
	}
	set.Flags().BoolVar(&maintainPrefix, "maintain-prefix", false, "keep the old name as an alias and page prefix")
	cmd.AddCommand(set)

	var migrateTo int
	var keepPrefix bool
	remove := &cobra.Command{
		Use:   "remove TENANT ID",
		Short: "Delete a namespace and its talk pair, moving pages elsewhere",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("namespace id: %w", err)
			}
			res, err := s().svc.RemoveNamespace(cmd.Context(), args[0], s().principal, id, migrateTo, keepPrefix)
			return report(cmd.OutOrStdout(), res, err)
		},
	}
	remove.Flags().IntVar(&migrateTo, "migrate-to", 0, "namespace receiving the pages")
	remove.Flags().BoolVar(&keepPrefix, "maintain-prefix", false, "keep the old name as a page prefix")
	cmd.AddCommand(remove)

	return cmd
}

// =============================================================================
// GROUPS
// =============================================================================

func groupsCommand(s func() *stack) *cobra.Command {
	cmd := &cobra.Command{Use: "groups", Short: "Manage permission groups"}

	cmd.AddCommand(&cobra.Command{
		Use:   "list TENANT",
		Short: "Print groups with their rights",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod, err := s().svc.Permissions(cmd.Context(), args[0], s().principal)
			if err != nil {
				return err
			}
			for _, g := range mod.All() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", g.Name, strings.Join(g.Permissions, ","))
			}
			return mod.Close()
		},
	})

	var (
		permissions  []string
		addGroups    []string
		removeGroups []string
		addSelf      []string
		removeSelf   []string
		autopromote  string
	)
	set := &cobra.Command{
		Use:   "set TENANT GROUP",
		Short: "Set the rights and group matrix of a group; unset flags are left alone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			sub := app.GroupSubmission{Group: args[1], Matrix: domain.GroupMatrix{}}
			if flags.Changed("permissions") {
				sub.Permissions = append([]string{}, permissions...)
			}
			relations := map[string]domain.GroupRelation{
				"addgroups":    domain.RelationAddGroups,
				"removegroups": domain.RelationRemoveGroups,
				"addself":      domain.RelationAddSelf,
				"removeself":   domain.RelationRemoveSelf,
			}
			values := map[string][]string{
				"addgroups":    addGroups,
				"removegroups": removeGroups,
				"addself":      addSelf,
				"removeself":   removeSelf,
			}
			for flag, rel := range relations {
				if flags.Changed(flag) {
					sub.Matrix[rel] = append([]string{}, values[flag]...)
				}
			}
			if flags.Changed("autopromote") {
				sub.SetAutopromote = true
				if autopromote != "" {
					sub.Autopromote = &domain.ConditionTree{}
					if err := json.Unmarshal([]byte(autopromote), sub.Autopromote); err != nil {
						return fmt.Errorf("decoding autopromote: %w", err)
					}
				}
			}
			res, err := s().svc.SubmitGroup(cmd.Context(), args[0], s().principal, sub)
			return report(cmd.OutOrStdout(), res, err)
		},
	}
	set.Flags().StringSliceVar(&permissions, "permissions", nil, "rights the group holds")
	set.Flags().StringSliceVar(&addGroups, "addgroups", nil, "groups members may add")
	set.Flags().StringSliceVar(&removeGroups, "removegroups", nil, "groups members may remove")
	set.Flags().StringSliceVar(&addSelf, "addself", nil, "groups members may add themselves to")
	set.Flags().StringSliceVar(&removeSelf, "removeself", nil, "groups members may leave")
	set.Flags().StringVar(&autopromote, "autopromote", "", "autopromote rule as JSON; empty clears it")
	cmd.AddCommand(set)

	cmd.AddCommand(&cobra.Command{
		Use:   "rename TENANT OLD NEW",
		Short: "Rename a group, moving its members and references",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := s().svc.RenameGroup(cmd.Context(), args[0], s().principal, args[1], args[2])
			return report(cmd.OutOrStdout(), res, err)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove TENANT GROUP",
		Short: "Delete a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := s().svc.RemoveGroup(cmd.Context(), args[0], s().principal, args[1])
			return report(cmd.OutOrStdout(), res, err)
		},
	})

	return cmd
}

// =============================================================================
// STATS
// =============================================================================

func statsCommand(s func() *stack) *cobra.Command {
	var st domain.SiteStats
	cmd := &cobra.Command{
		Use:   "stats TENANT",
		Short: "Record the content counts requirements compare against",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s().store.RecordStats(cmd.Context(), args[0], st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d articles, %d pages\n", args[0], st.Articles, st.Pages)
			return nil
		},
	}
	cmd.Flags().Int64Var(&st.Articles, "articles", 0, "content article count")
	cmd.Flags().Int64Var(&st.Pages, "pages", 0, "total page count")
	return cmd
}

// =============================================================================
// WORKER
// =============================================================================

func workerCommand(s func() *stack) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Work queued side effects until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			client := s().river
			if err := client.Start(ctx); err != nil {
				return fmt.Errorf("starting river: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "farmconf worker started")

			<-ctx.Done()
			fmt.Fprintln(cmd.OutOrStdout(), "shutting down...")

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := client.Stop(stopCtx); err != nil {
				return fmt.Errorf("stopping river: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		},
	}
}

// =============================================================================
// OUTPUT
// =============================================================================

// report prints res and turns item-level failures into a non-zero exit.
// An empty changeset is not a failure.
func report(w io.Writer, res *app.Result, err error) error {
	printResult(w, res)
	if err != nil {
		if domain.IsNoChanges(err) {
			fmt.Fprintln(w, "no changes")
			return res.Err()
		}
		return err
	}
	return res.Err()
}

func printResult(w io.Writer, res *app.Result) {
	if res == nil {
		return
	}
	for _, rel := range res.Related {
		printResult(w, rel)
	}
	for _, c := range res.Summary.Changes {
		item := c.Item
		if c.Field != "" {
			item += "." + c.Field
		}
		switch {
		case c.Old != nil && c.New != nil:
			fmt.Fprintf(w, "%s %s %s: %v -> %v\n", res.Module, c.Action, item, c.Old, c.New)
		case c.New != nil:
			fmt.Fprintf(w, "%s %s %s: %v\n", res.Module, c.Action, item, c.New)
		default:
			fmt.Fprintf(w, "%s %s %s\n", res.Module, c.Action, item)
		}
	}
	for _, e := range res.Errors {
		var ie *domain.InstallError
		if errors.As(e, &ie) {
			fmt.Fprintf(w, "%s warning: %v\n", res.Module, e)
			continue
		}
		fmt.Fprintf(w, "%s skipped: %v\n", res.Module, e)
	}
}
