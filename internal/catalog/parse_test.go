package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want Statement
	}{
		{
			name: "create with every clause",
			sql: `CREATE OR REPLACE MODEL ssd_mobilenet
				FLAVOR tensorflow
				MODEL_TYPE ssd
				OPTIONS (device = 'gpu', batch_size = 16, min_score = 0.25, normalized_boxes = false)
				RETURNS array<struct<box:box2d, score:float>>
				USING "s3://models/ssd/spec.yml"`,
			want: CreateModel{
				Name:      "ssd_mobilenet",
				OrReplace: true,
				Flavor:    "tensorflow",
				ModelType: "ssd",
				Options:   map[string]any{"device": "gpu", "batch_size": 16, "min_score": 0.25, "normalized_boxes": false},
				Returns:   "array<struct<box:box2d, score:float>>",
				URI:       "s3://models/ssd/spec.yml",
			},
		},
		{
			name: "clauses in any order",
			sql:  `create model m returns 'binary' model_type onnx using 'registry:/m/Production'`,
			want: CreateModel{Name: "m", ModelType: "onnx", Returns: "binary", URI: "registry:/m/Production"},
		},
		{
			name: "empty options and quoted names",
			sql:  "CREATE MODEL `my model` OPTIONS () USING \"a.yml\"",
			want: CreateModel{Name: "my model", Options: map[string]any{}, URI: "a.yml"},
		},
		{
			name: "comments and escaped quotes",
			sql:  "-- detector\nCREATE MODEL m OPTIONS (label='it''s') USING \"m.yml\";",
			want: CreateModel{Name: "m", Options: map[string]any{"label": "it's"}, URI: "m.yml"},
		},
		{name: "drop", sql: "DROP MODEL m", want: DropModel{Name: "m"}},
		{name: "drop if exists", sql: "drop model if exists m;", want: DropModel{Name: "m", IfExists: true}},
		{name: "show", sql: "SHOW MODELS", want: ShowModels{}},
		{name: "describe", sql: "DESC MODEL m", want: DescribeModel{Name: "m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.sql)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{`CREATE MODEL m MODEL_TYPE ssd`, "expected a clause or USING"},
		{`CREATE MODEL m USING s3_path`, "expected a quoted model URI"},
		{`CREATE MODEL m FLAVOR a FLAVOR b USING "x"`, "duplicate FLAVOR clause"},
		{`CREATE MODEL m TAGS x USING "x"`, "unknown clause"},
		{`CREATE MODEL m OPTIONS (a 1) USING "x"`, `expected "="`},
		{`CREATE MODEL m OPTIONS (a=1 USING "x"`, `expected ","`},
		{`CREATE MODEL m RETURNS USING "x"`, "RETURNS needs a type"},
		{`CREATE MODEL m USING "x`, "unterminated"},
		{`CREATE MODEL m USING "x" extra`, "unexpected"},
		{`SELECT 1`, "unsupported statement"},
		{`DROP MODEL IF m`, "expected EXISTS"},
		{``, "unsupported statement starting with end of statement"},
	}
	for _, tt := range tests {
		t.Run(tt.sql, func(t *testing.T) {
			_, err := Parse(tt.sql)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestParsePredict(t *testing.T) {
	got, err := ParsePredict("ml_predict(ssd, image)")
	require.NoError(t, err)
	assert.Equal(t, PredictCall{Model: "ssd", Columns: []string{"image"}}, got)

	got, err = ParsePredict("ML_PREDICT('cls', data, `uri`)")
	require.NoError(t, err)
	assert.Equal(t, PredictCall{Model: "cls", Columns: []string{"data", "uri"}}, got)

	for _, bad := range []string{"ML_PREDICT(m)", "PREDICT(m, x)", "ML_PREDICT(m, x", "ML_PREDICT(m, x) + 1"} {
		_, err := ParsePredict(bad)
		assert.Error(t, err, bad)
	}
}
