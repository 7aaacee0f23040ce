package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/PhucNguyen204/sigconv/internal/config"
	"github.com/PhucNguyen204/sigconv/internal/logging"
	"github.com/PhucNguyen204/sigconv/internal/rules"
	"github.com/PhucNguyen204/sigconv/pkg/backend"
	"github.com/PhucNguyen204/sigconv/pkg/engine"
	"github.com/PhucNguyen204/sigconv/pkg/pipeline"
)

type globalParams struct {
	configPath string
	logLevel   string
}

type convertParams struct {
	target          string
	format          string
	pipelines       []string
	withoutPipeline bool
	pipelineFiles   []string
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	var gp globalParams
	root := &cobra.Command{
		Use:           "sigconv [command]",
		Short:         "Convert Sigma detection rules into backend queries",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pflags := root.PersistentFlags()
	pflags.StringVarP(&gp.configPath, "config", "c", os.Getenv("SIGCONV_CONFIG"), "path to YAML config file")
	pflags.StringVar(&gp.logLevel, "log-level", "", "override log level (debug, info, warn, error)")

	root.AddCommand(convertCommand(&gp), listCommand(&gp))
	return root
}

func convertCommand(gp *globalParams) *cobra.Command {
	var params convertParams
	cmd := &cobra.Command{
		Use:   "convert [flags] <rule file or directory>...",
		Short: "Convert rules to queries for a target backend",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, log, err := setup(gp, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return runConvert(cmd.OutOrStdout(), cmd.ErrOrStderr(), eng, log, &params, args)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&params.target, "target", "t", "", "target backend")
	flags.StringVarP(&params.format, "format", "f", "", "output format (default: backend default)")
	flags.StringArrayVarP(&params.pipelines, "pipeline", "p", nil, "processing pipeline, repeatable, applied in order")
	flags.BoolVar(&params.withoutPipeline, "without-pipeline", false, "convert without any processing pipeline")
	flags.StringArrayVar(&params.pipelineFiles, "pipeline-file", nil, "YAML file with custom pipeline stages, repeatable")
	_ = cmd.MarkFlagRequired("target")
	cmd.MarkFlagsMutuallyExclusive("pipeline", "without-pipeline")
	cmd.MarkFlagsOneRequired("pipeline", "without-pipeline", "pipeline-file")
	return cmd
}

func runConvert(stdout, stderr io.Writer, eng *engine.Engine, log zerolog.Logger, params *convertParams, args []string) error {
	files, err := rules.Discover(args...)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no rule files found in %s", strings.Join(args, ", "))
	}
	custom, err := readPipelineFiles(params.pipelineFiles)
	if err != nil {
		return err
	}

	failed := 0
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		res, err := eng.ConvertWith(engine.ConvertRequest{
			Rule:            b,
			Target:          params.target,
			Format:          params.format,
			Pipelines:       params.pipelines,
			CustomPipelines: custom,
		})
		if err != nil {
			failed++
			logging.LogError(log.With().Str("file", f).Logger(), err)
			fmt.Fprintf(stderr, "%s: %v\n", f, err)
			continue
		}
		for _, q := range res.Queries {
			fmt.Fprintln(stdout, q)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d rules failed to convert", failed, len(files))
	}
	return nil
}

// readPipelineFiles nối các file thành một luồng YAML nhiều document.
func readPipelineFiles(paths []string) ([]byte, error) {
	var buf bytes.Buffer
	for i, p := range paths {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read pipeline file: %w", err)
		}
		if i > 0 {
			buf.WriteString("\n---\n")
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

func listCommand(gp *globalParams) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:       "list targets|formats|pipelines",
		Short:     "List available targets, formats or pipelines",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"targets", "formats", "pipelines"},
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, err := setup(gp, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return runList(cmd.OutOrStdout(), eng, args[0], target)
		},
	}
	cmd.Flags().StringVarP(&target, "target", "t", "", "restrict formats/pipelines to a backend")
	return cmd
}

func runList(out io.Writer, eng *engine.Engine, what, target string) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	switch what {
	case "targets":
		for _, b := range eng.ListBackends() {
			fmt.Fprintf(w, "%s\t%s\n", b.Name, b.Description)
		}
	case "formats":
		fs, err := eng.ListFormats(target)
		if err != nil {
			return err
		}
		for _, f := range fs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", f.Target, f.Name, f.Description)
		}
	case "pipelines":
		for _, p := range eng.ListPipelines(target) {
			targets := "all"
			if len(p.Targets) > 0 {
				targets = strings.Join(p.Targets, ",")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, targets, p.Description)
		}
	default:
		return fmt.Errorf("unknown list %q: want targets, formats or pipelines", what)
	}
	return w.Flush()
}

// setup dựng engine từ config: stage thêm từ pipelines.dir, log ra stderr.
func setup(gp *globalParams, stderr io.Writer) (*engine.Engine, zerolog.Logger, error) {
	cfg, err := config.Load(gp.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	level := cfg.Log.Level
	if gp.logLevel != "" {
		level = gp.logLevel
	}
	log, err := logging.NewWriter(stderr, level, cfg.Log.Format)
	if err != nil {
		return nil, zerolog.Nop(), err
	}

	var extra []*pipeline.Stage
	if cfg.Pipelines.Dir != "" {
		if extra, err = pipeline.LoadDir(cfg.Pipelines.Dir); err != nil {
			return nil, log, err
		}
	}
	pipelines, err := pipeline.NewDefaultRegistry(extra...)
	if err != nil {
		return nil, log, err
	}
	return engine.New(backend.NewDefaultRegistry(), pipelines, cfg.Engine.Engine(), log), log, nil
}
