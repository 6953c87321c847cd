package main

import (
	"encoding/json"
	"fmt"

	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/kennethnrk/sqlml/internal/store"
	"github.com/spf13/cobra"
)

type registerOptions struct {
	version         store.ModelVersion
	modelType       string
	stage           string
	archiveExisting bool
}

func newRegisterCmd(root *options) *cobra.Command {
	opts := registerOptions{}

	cmd := &cobra.Command{
		Use:   "register --name <name> --uri <artifact> --type <model type>",
		Short: "register a new model version with the registry service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRegister(cmd, root, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.version.Name, "name", "", "registered model name")
	f.StringVar(&opts.version.Source, "uri", "", "artifact URI")
	f.StringVar(&opts.modelType, "type", "", "model type")
	f.StringVar(&opts.version.Flavor, "flavor", "", "model flavor")
	f.StringVar(&opts.version.Schema, "schema", "", "output schema")
	f.StringVar(&opts.version.LabelsURI, "labels", "", "label file URI")
	f.StringVar(&opts.version.Description, "description", "", "free-form description")
	f.StringToStringVar(&opts.version.Options, "option", nil, "model option as key=value, repeatable")
	f.StringToStringVar(&opts.version.Tags, "tag", nil, "tag as key=value, repeatable")
	f.StringVar(&opts.stage, "stage", "", "move the new version into this stage")
	f.BoolVar(&opts.archiveExisting, "archive-existing", false, "archive versions already in --stage")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("uri")
	return cmd
}

func runRegister(cmd *cobra.Command, root *options, opts registerOptions) error {
	info := opts.version
	info.ModelType = constants.ParseModelType(opts.modelType)
	var stage constants.VersionStage
	if opts.stage != "" {
		st, ok := constants.ParseStage(opts.stage)
		if !ok {
			return fmt.Errorf("unknown stage %q", opts.stage)
		}
		stage = st
	}

	client, closeClient, err := root.registryClient()
	if err != nil {
		return err
	}
	defer closeClient()

	registered, err := client.RegisterModelVersion(cmd.Context(), info)
	if err != nil {
		return err
	}
	if stage != "" {
		registered, err = client.TransitionStage(cmd.Context(), registered.Name, registered.Version, string(stage), opts.archiveExisting)
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(registered)
}
