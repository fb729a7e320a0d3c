package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ghostlayer/internal/anonymizer"
	"ghostlayer/internal/api"
	"ghostlayer/internal/metrics"
	"ghostlayer/internal/store"
)

func (a *app) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			printBanner(cmd.OutOrStdout(), a.cfg)

			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // closed on exit

			m := metrics.New()
			rules := db.Rules()
			p := a.buildPipeline(rules, m)
			p.Warmup()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			srv := api.New(a.cfg, p, rules, db.Sessions(), m, a.log.Named("api"))
			return srv.ListenAndServe(ctx)
		},
	}
}

func (a *app) anonymizeCmd() *cobra.Command {
	var (
		ledgerPath string
		progress   bool
	)
	cmd := &cobra.Command{
		Use:   "anonymize [file]",
		Short: "Mask a document and print the masked text",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			db, err := a.openStore()
			if err != nil {
				return err
			}
			defer db.Close() //nolint:errcheck // read-only use
			rules := db.Rules()

			var report anonymizer.ProgressFunc
			if progress {
				report = func(processed, total int, stage string) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%-12s %d/%d\n", stage, processed, total)
				}
			}
			p := a.buildPipeline(rules, nil)
			res, err := p.Anonymize(cmd.Context(), text, report)
			if err != nil {
				return err
			}

			whitelist, err := rules.Whitelist()
			if err != nil {
				a.log.Warnf("cli_anonymize", "whitelist unavailable: %v", err)
			}
			doc := anonymizer.NewDocument(text, res, whitelist)
			if ledgerPath != "" {
				if err := writeLedger(ledgerPath, doc); err != nil {
					return err
				}
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), doc.Masked)
			return err
		},
	}
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "write the entity ledger to this file")
	cmd.Flags().BoolVar(&progress, "progress", false, "report progress on stderr")
	return cmd
}

func (a *app) restoreCmd() *cobra.Command {
	var (
		ledgerPath string
		sync       bool
	)
	cmd := &cobra.Command{
		Use:   "restore [file]",
		Short: "Replace placeholders in model output with the original values",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readLedger(ledgerPath)
			if err != nil {
				return err
			}
			output, err := readInput(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if sync {
				if found := doc.Sync(output); len(found) > 0 {
					a.log.Infof("cli_sync", "learned %d placeholders", len(found))
					if err := writeLedger(ledgerPath, doc); err != nil {
						return err
					}
				}
			}
			text, n := doc.RestoreCount(output)
			a.log.Debugf("cli_restore", "%d placeholders restored", n)
			_, err = fmt.Fprint(cmd.OutOrStdout(), text)
			return err
		},
	}
	cmd.Flags().StringVar(&ledgerPath, "ledger", "", "entity ledger written by anonymize (required)")
	cmd.Flags().BoolVar(&sync, "sync", false, "learn placeholders the model invented and update the ledger")
	_ = cmd.MarkFlagRequired("ledger")
	return cmd
}

func (a *app) rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Manage learned rules",
	}

	var category, kind string
	add := &cobra.Command{
		Use:   "add <pattern>",
		Short: "Add a learned rule",
		Args:  cobra.ExactArgs(1),
		RunE: a.withRules(func(cmd *cobra.Command, rules *store.RuleStore, args []string) error {
			if anonymizer.IsPlaceholder(strings.TrimSpace(args[0])) {
				return fmt.Errorf("%q is a placeholder token", args[0])
			}
			added, err := rules.Add(store.Rule{Pattern: args[0], Category: category, Kind: store.Kind(kind)})
			if err != nil {
				return err
			}
			if !added {
				fmt.Fprintln(cmd.OutOrStdout(), "Rule already exists.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Rule added.")
			return nil
		}),
	}
	add.Flags().StringVar(&category, "category", "", "placeholder category (default "+anonymizer.CategoryLearnedRule+")")
	add.Flags().StringVar(&kind, "kind", string(store.KindAnonymize), "anonymize or whitelist")

	var removeKind string
	remove := &cobra.Command{
		Use:   "remove <pattern>",
		Short: "Remove a learned rule",
		Args:  cobra.ExactArgs(1),
		RunE: a.withRules(func(cmd *cobra.Command, rules *store.RuleStore, args []string) error {
			err := rules.Remove(args[0], store.Kind(removeKind))
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no %s rule %q", removeKind, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Rule removed.")
			return nil
		}),
	}
	remove.Flags().StringVar(&removeKind, "kind", string(store.KindAnonymize), "anonymize or whitelist")

	list := &cobra.Command{
		Use:   "list",
		Short: "List learned rules, newest first",
		Args:  cobra.NoArgs,
		RunE: a.withRules(func(cmd *cobra.Command, rules *store.RuleStore, _ []string) error {
			all, err := rules.List()
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tCATEGORY\tPATTERN\tCREATED")
			for _, r := range all {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Kind, r.Category, r.Pattern, r.CreatedAt.Format("2006-01-02 15:04"))
			}
			return tw.Flush()
		}),
	}

	export := &cobra.Command{
		Use:   "export",
		Short: "Write all rules as YAML to stdout",
		Args:  cobra.NoArgs,
		RunE: a.withRules(func(cmd *cobra.Command, rules *store.RuleStore, _ []string) error {
			return rules.ExportYAML(cmd.OutOrStdout())
		}),
	}

	var merge bool
	imp := &cobra.Command{
		Use:   "import <file>",
		Short: "Load rules from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: a.withRules(func(cmd *cobra.Command, rules *store.RuleStore, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close() //nolint:errcheck // read-only
			added, skipped, err := rules.ImportYAML(f, merge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rules (%d skipped).\n", added, skipped)
			return nil
		}),
	}
	imp.Flags().BoolVar(&merge, "merge", true, "keep existing rules; --merge=false replaces them")

	cmd.AddCommand(add, remove, list, export, imp)
	return cmd
}

// withRules opens the store around fn.
func (a *app) withRules(fn func(*cobra.Command, *store.RuleStore, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		db, err := a.openStore()
		if err != nil {
			return err
		}
		defer db.Close() //nolint:errcheck // closed on exit
		return fn(cmd, db.Rules(), args)
	}
}

func writeLedger(path string, doc *anonymizer.Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

func readLedger(path string) (*anonymizer.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	var doc anonymizer.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse ledger %s: %w", path, err)
	}
	return &doc, nil
}
