// Command ghostlayer masks sensitive data in documents before they are sent
// to a language model and restores it in the model's answer.
//
// Detection runs learned rules, a regex table and (optionally) named-entity
// models served by a local sidecar. State lives in one bbolt file: learned
// rules plus the sessions opened through the HTTP API.
//
// Usage:
//
//	# HTTP API on 127.0.0.1:8765
//	ghostlayer serve
//
//	# One-shot masking; keep the ledger to restore the answer later
//	ghostlayer anonymize contract.txt --ledger contract.ledger.json > masked.txt
//	ghostlayer restore --ledger contract.ledger.json answer.txt
//
//	# Learned rules
//	ghostlayer rules add "Project Falcon" --category PROJECT
//	ghostlayer rules export > rules.yaml
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ghostlayer/internal/anonymizer"
	"ghostlayer/internal/anonymizer/sidecar"
	"ghostlayer/internal/config"
	"ghostlayer/internal/logger"
	"ghostlayer/internal/metrics"
	"ghostlayer/internal/store"
)

const version = "0.4.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries what every subcommand needs once the config is loaded.
type app struct {
	configPath string
	cfg        *config.Config
	log        *logger.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "ghostlayer",
		Short:        "Mask sensitive data before it reaches a language model",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			a.cfg = config.Load(a.configPath)
			a.log = logger.New("cli", a.cfg.LogLevel)
			a.log.SetOutput(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default "+config.DefaultFile+")")

	root.AddCommand(
		a.serveCmd(),
		a.anonymizeCmd(),
		a.restoreCmd(),
		a.rulesCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print ghostlayer version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ghostlayer version %s\n", version)
		},
	}
}

// openStore opens the configured data file.
func (a *app) openStore() (*store.DB, error) {
	return store.Open(a.cfg.DataPath, a.log.Named("store"))
}

// buildPipeline wires the detectors from the config. The named-entity stage
// is only added when the sidecar is enabled.
func (a *app) buildPipeline(rules *store.RuleStore, m *metrics.Metrics) *anonymizer.Pipeline {
	cfg := a.cfg
	opts := anonymizer.Options{
		Memory:         anonymizer.NewMemoryDetector(rules, cfg, a.log.Named("memory")),
		Pattern:        anonymizer.NewPatternDetector(a.log.Named("regex")),
		ChunkThreshold: cfg.ChunkThreshold,
		ChunkSize:      cfg.ChunkSize,
		NERConcurrency: cfg.NERConcurrency,
		Metrics:        m,
		Logger:         a.log.Named("pipeline"),
	}
	if cfg.NEREnabled {
		nerLog := a.log.Named("ner")
		models := anonymizer.NewModelCache(
			sidecar.Loader(cfg.NEREndpoint, cfg.NERCyrillicModel, cfg.NERTimeout(), nerLog),
			sidecar.Loader(cfg.NEREndpoint, cfg.NERLatinModel, cfg.NERTimeout(), nerLog),
			nerLog,
		)
		opts.Models = models
		opts.NER = anonymizer.NewEntityDetector(models, cfg.NERCacheSize, m, nerLog)
	}
	return anonymizer.NewPipeline(opts)
}

// readInput reads the named file, or r when no file is given or it is "-".
func readInput(args []string, r io.Reader) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func printBanner(w io.Writer, cfg *config.Config) {
	ner := "disabled (set nerEnabled or GHOSTLAYER_NER_ENABLED to use a sidecar)"
	if cfg.NEREnabled {
		ner = fmt.Sprintf("%s  [%s, %s]", cfg.NEREndpoint, cfg.NERCyrillicModel, cfg.NERLatinModel)
	}
	auth := "off"
	if cfg.APIToken != "" {
		auth = "bearer token"
	}

	fmt.Fprintf(w, `
╔══════════════════════════════════════════════════════╗
║          GhostLayer  (Go)                            ║
╚══════════════════════════════════════════════════════╝
  API address     : %s:%d
  Auth            : %s
  Data file       : %s
  NER sidecar     : %s
  Chunking        : above %d bytes, %d-byte chunks

  Check status:
    curl http://%s:%d/status
`, cfg.BindAddress, cfg.Port,
		auth,
		cfg.DataPath,
		ner,
		cfg.ChunkThreshold, anonymizer.ClampChunkSize(cfg.ChunkSize),
		cfg.BindAddress, cfg.Port)
}
