package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/array"
	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/kennethnrk/sqlml/internal/catalog"
	"github.com/kennethnrk/sqlml/internal/storage"
	"github.com/spf13/cobra"
)

type predictionRow struct {
	Input      string `json:"input"`
	Prediction any    `json:"prediction"`
}

// writePredictions prints one JSON object per row, pairing each prediction
// with the input it came from.
func writePredictions(w io.Writer, inputs []string, col arrow.Array) error {
	enc := json.NewEncoder(w)
	for i := 0; i < col.Len(); i++ {
		if err := enc.Encode(predictionRow{Input: inputs[i], Prediction: col.GetOneForMarshal(i)}); err != nil {
			return err
		}
	}
	return nil
}

// readInputs loads each input URI into one row of a binary column.
func readInputs(cmd *cobra.Command, uris []string) (arrow.Array, error) {
	b := array.NewBinaryBuilder(memory.DefaultAllocator, arrow.BinaryTypes.Binary)
	defer b.Release()
	for _, uri := range uris {
		raw, err := storage.ReadAll(cmd.Context(), uri)
		if err != nil {
			return nil, fmt.Errorf("read input %s: %w", uri, err)
		}
		b.Append(raw)
	}
	return b.NewArray(), nil
}

func writeResult(w io.Writer, res *catalog.Result) error {
	switch {
	case res.Text != "":
		_, err := io.WriteString(w, res.Text)
		return err
	case res.Columns != nil:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.ToUpper(strings.Join(res.Columns, "\t")))
		for _, row := range res.Rows {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		return tw.Flush()
	}
	_, err := fmt.Fprintln(w, res.Message)
	return err
}
