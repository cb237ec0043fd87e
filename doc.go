// Package sluice provides an incremental Extract & Load pipeline engine that
// moves tabular data between heterogeneous backends while tracking
// per-pipeline watermarks and reconciling schema drift between runs.
//
// # Architecture
//
// Sluice is organized around four layers:
//
// 1. Adapters (pkg/adapter): one capability set per backend kind (postgres,
// mysql, snowflake, parquet, csv). Adapters describe a relation's schema
// from backend metadata and generate access and write statements; they never
// execute reads or writes themselves.
//
// 2. Schema model (pkg/schema): typed column snapshots, an order-insensitive
// diff between two snapshots, and the evolution policy that decides what a
// run does about drift (ignore, fail, or evolve by adding nullable columns).
//
// 3. Watermark store (pkg/watermark): durable per-pipeline incremental
// state, committed only after a fully successful write so failed runs
// reprocess the same window.
//
// 4. Runner (pkg/pipeline): sequences one run through attach, schema
// sync, compute, write and commit, with bounded retry on network failures
// and a structured result reporting timings, row counts and every generated
// statement.
//
// # Quick Start
//
// Execute one pipeline against an in-memory watermark store:
//
//	import (
//	    "context"
//	    "github.com/sluicedata/sluice/pkg/pipeline"
//	    "github.com/sluicedata/sluice/pkg/config"
//	    "github.com/sluicedata/sluice/pkg/watermark"
//	    _ "github.com/sluicedata/sluice/pkg/adapter/postgres"
//	    _ "github.com/sluicedata/sluice/pkg/adapter/parquet"
//	)
//
//	def := config.NewPipelineDefinition()
//	def.Source = config.EndpointConfig{Kind: "parquet", Path: "s3://bucket/events.parquet"}
//	def.Target = config.EndpointConfig{Kind: "postgres", Conn: "postgres://...", Table: "events"}
//
//	runner, err := pipeline.NewRunner("events", def, executor, watermark.NewMemoryStore())
//	if err != nil {
//	    // handle err
//	}
//	result, err := runner.Run(context.Background())
//
// The executor is the caller-supplied query-execution capability that runs
// the statements the adapters generate.
package sluice
