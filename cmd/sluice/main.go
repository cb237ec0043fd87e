package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/sluicedata/sluice/pkg/adapter/core"
	"github.com/sluicedata/sluice/pkg/adapter/registry"
	"github.com/sluicedata/sluice/pkg/config"
	"github.com/sluicedata/sluice/pkg/logger"

	// Import all backend adapters to register them
	_ "github.com/sluicedata/sluice/pkg/adapter/csv"
	_ "github.com/sluicedata/sluice/pkg/adapter/mysql"
	_ "github.com/sluicedata/sluice/pkg/adapter/parquet"
	_ "github.com/sluicedata/sluice/pkg/adapter/postgres"
	_ "github.com/sluicedata/sluice/pkg/adapter/snowflake"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	var logLevel string

	root := &cobra.Command{
		Use:   "sluice",
		Short: "Sluice - incremental data pipeline engine",
		Long: `Sluice moves tabular data between relational databases and object-storage
files, tracking incremental progress per pipeline and reconciling schema
drift between runs.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Init(logger.Config{Level: logLevel, Encoding: "console"})
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Sluice v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List available backend adapters",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Available adapters:")
			for _, kind := range registry.Kinds() {
				fmt.Printf("  - %s\n", kind)
			}
		},
	})

	var configFile string

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a pipelines file",
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			for name, def := range defs {
				if err := def.Validate(); err != nil {
					return fmt.Errorf("pipeline %s: %w", name, err)
				}
				fmt.Printf("%s: ok (%s -> %s)\n", name, def.Source.Kind, def.Target.Kind)
			}
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configFile, "config", "c", "pipelines.yml", "Path to pipelines YAML file")
	root.AddCommand(validateCmd)

	var planPipeline string

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the statements a pipeline would generate",
		Long: `Plan builds each pipeline's source access plan and target write action
without connecting to any backend, and prints the generated statements.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := config.LoadFile(configFile)
			if err != nil {
				return err
			}
			for name, def := range defs {
				if planPipeline != "" && name != planPipeline {
					continue
				}
				if err := printPlan(name, def); err != nil {
					return fmt.Errorf("pipeline %s: %w", name, err)
				}
			}
			return nil
		},
	}
	planCmd.Flags().StringVarP(&configFile, "config", "c", "pipelines.yml", "Path to pipelines YAML file")
	planCmd.Flags().StringVarP(&planPipeline, "pipeline", "p", "", "Plan only the named pipeline")
	root.AddCommand(planCmd)

	err := root.Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// printPlan generates and prints the access and write statements for one
// pipeline. Plans are pure descriptor generation, so no backend is touched.
func printPlan(name string, def *config.PipelineDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	source, err := registry.Create(&def.Source)
	if err != nil {
		return err
	}
	target, err := registry.Create(&def.Target)
	if err != nil {
		return err
	}

	srcLoc := endpointLocator(&def.Source, "source")
	tgtLoc := endpointLocator(&def.Target, "target")

	var pred *core.Predicate
	if inc := def.Incremental; inc != nil {
		pred = &core.Predicate{Column: inc.KeyColumn, Operator: ">", Value: "<watermark>"}
	}

	plan, err := source.ReadPlan(srcLoc, pred, def.Options.SampleRows)
	if err != nil {
		return err
	}

	mode := core.WriteMode(def.WriteMode)
	opts := core.WriteOptions{Mode: mode, SourceExpr: plan.Relation, Binds: plan.Binds}
	if inc := def.Incremental; inc != nil && inc.Mode == config.IncrementalUpsert {
		opts.Mode = core.WriteModeUpsert
		opts.UniqueKeys = inc.UniqueKeys
	}
	action, err := target.WritePlan(tgtLoc, opts)
	if err != nil {
		return err
	}

	out := struct {
		Pipeline string   `json:"pipeline"`
		Read     string   `json:"read"`
		Count    string   `json:"count"`
		Sample   string   `json:"sample,omitempty"`
		Write    []string `json:"write"`
	}{
		Pipeline: name,
		Read:     plan.Query,
		Count:    plan.CountQuery,
		Sample:   plan.SampleQuery,
		Write:    action.Statements,
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func endpointLocator(e *config.EndpointConfig, defaultAlias string) core.RelationLocator {
	alias := e.Name
	if alias == "" {
		alias = defaultAlias
	}
	if e.IsFileKind() {
		return core.RelationLocator{Path: e.Path, Alias: alias}
	}
	return core.RelationLocator{Schema: e.Schema, Table: e.Table, Alias: alias}
}
