package main

import (
	"fmt"
	"strings"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/kennethnrk/sqlml/internal/catalog"
	"github.com/kennethnrk/sqlml/internal/model"
	"github.com/kennethnrk/sqlml/internal/store"
	"github.com/spf13/cobra"
)

func newSQLCmd(root *options) *cobra.Command {
	var inputs []string

	cmd := &cobra.Command{
		Use:   "sql <statement>",
		Short: "execute a catalog statement, or ML_PREDICT over --input files",
		Long: `Executes CREATE [OR REPLACE] MODEL, DROP MODEL, SHOW MODELS and DESCRIBE MODEL
against the local catalog in store_data_dir.

An ML_PREDICT(model, column) call is evaluated over the --input files, which
are loaded as the rows of a binary column with the given name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSQL(cmd, root, args[0], inputs)
		},
	}
	cmd.Flags().StringArrayVar(&inputs, "input", nil, "input file for ML_PREDICT, repeatable")
	return cmd
}

func runSQL(cmd *cobra.Command, root *options, stmt string, inputs []string) error {
	ctx := cmd.Context()

	st, err := store.New(root.cfg.StoreDataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	client, closeClient, err := root.registryClient()
	if err != nil {
		return err
	}
	defer closeClient()

	c, err := catalog.New(ctx, st, model.NewLoader(model.NewEnv(root.cfg)), client)
	if err != nil {
		return err
	}
	defer c.Close()

	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "ML_PREDICT") {
		res, err := c.Exec(ctx, stmt)
		if err != nil {
			return err
		}
		return writeResult(cmd.OutOrStdout(), res)
	}

	call, err := catalog.ParsePredict(stmt)
	if err != nil {
		return err
	}
	if len(call.Columns) != 1 {
		return fmt.Errorf("--input files bind a single column, got %d", len(call.Columns))
	}
	if len(inputs) == 0 {
		return fmt.Errorf("ML_PREDICT needs at least one --input")
	}
	col, err := readInputs(cmd, inputs)
	if err != nil {
		return err
	}
	defer col.Release()
	schema := arrow.NewSchema([]arrow.Field{{Name: call.Columns[0], Type: col.DataType()}}, nil)
	rec := array.NewRecord(schema, []arrow.Array{col}, int64(col.Len()))
	defer rec.Release()

	out, err := c.EvalPredict(ctx, stmt, rec)
	if err != nil {
		return err
	}
	defer out.Release()
	return writePredictions(cmd.OutOrStdout(), inputs, out)
}
