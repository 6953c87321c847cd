package main

import (
	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/kennethnrk/sqlml/internal/model"
	"github.com/kennethnrk/sqlml/internal/spec"
	"github.com/kennethnrk/sqlml/internal/udf"
	"github.com/spf13/cobra"
)

type predictOptions struct {
	specURI   string
	name      string
	modelType string
	flavor    string
	schema    string
	options   map[string]string
}

func newPredictCmd(root *options) *cobra.Command {
	opts := predictOptions{}

	cmd := &cobra.Command{
		Use:   "predict --spec <uri> [flags] <input>...",
		Short: "run a model spec over input files and print one JSON prediction per input",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPredict(cmd, root, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.specURI, "spec", "", "spec document, registry:/ URI or hub URL")
	cmd.Flags().StringVar(&opts.name, "name", "", "model name, defaults to the spec's")
	cmd.Flags().StringVar(&opts.modelType, "model-type", "", "model type, required for hub URLs")
	cmd.Flags().StringVar(&opts.flavor, "flavor", "", "model flavor")
	cmd.Flags().StringVar(&opts.schema, "schema", "", "output schema, defaults to the model type's")
	cmd.Flags().StringToStringVar(&opts.options, "option", nil, "model option as key=value, repeatable")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}

func runPredict(cmd *cobra.Command, root *options, opts predictOptions, inputs []string) error {
	ctx := cmd.Context()

	var resolver spec.RegistryResolver
	if spec.IsRegistryURI(opts.specURI) {
		client, closeClient, err := root.registryClient()
		if err != nil {
			return err
		}
		defer closeClient()
		resolver = client
	}

	s, err := spec.Resolve(ctx, spec.Reference{
		Name:      opts.name,
		URI:       opts.specURI,
		Flavor:    opts.flavor,
		ModelType: opts.modelType,
		Schema:    opts.schema,
		Options:   spec.OptionsFromStrings(opts.options),
	}, resolver)
	if err != nil {
		return err
	}

	col, err := readInputs(cmd, inputs)
	if err != nil {
		return err
	}
	defer col.Release()
	schema := arrow.NewSchema([]arrow.Field{{Name: "input", Type: col.DataType()}}, nil)
	rec := array.NewRecord(schema, []arrow.Array{col}, int64(col.Len()))
	defer rec.Release()

	loader := model.NewLoader(model.NewEnv(root.cfg))
	out, err := udf.ApplyModelSpec(ctx, s, []arrow.Record{rec}, udf.WithLoader(loader))
	if err != nil {
		return err
	}
	defer func() {
		for _, r := range out {
			r.Release()
		}
	}()
	return writePredictions(cmd.OutOrStdout(), inputs, out[0].Column(0))
}
