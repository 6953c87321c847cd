package constants

import "strings"

type ModelType string

const (
	ModelTypeSSD        ModelType = "ssd"
	ModelTypeFasterRCNN ModelType = "fasterrcnn"
	ModelTypeResNet     ModelType = "resnet"
	ModelTypeSklearn    ModelType = "sklearn"
	ModelTypeONNX       ModelType = "onnx"
)

// ParseModelType normalises a user supplied model type. Exports are
// frequently named after their variant ("fasterrcnn_resnet50_fpn",
// "resnet50"), so any type starting with a known family maps onto it.
func ParseModelType(s string) ModelType {
	t := strings.ToLower(strings.TrimSpace(s))
	switch {
	case t == "":
		return ""
	case strings.HasPrefix(t, string(ModelTypeFasterRCNN)):
		return ModelTypeFasterRCNN
	case strings.HasPrefix(t, string(ModelTypeSSD)):
		return ModelTypeSSD
	case strings.HasPrefix(t, string(ModelTypeResNet)):
		return ModelTypeResNet
	}
	return ModelType(t)
}

type VersionStage string

const (
	StageNone       VersionStage = "None"
	StageStaging    VersionStage = "Staging"
	StageProduction VersionStage = "Production"
	StageArchived   VersionStage = "Archived"
)

// ParseStage matches a stage name case-insensitively.
func ParseStage(s string) (VersionStage, bool) {
	for _, st := range []VersionStage{StageNone, StageStaging, StageProduction, StageArchived} {
		if strings.EqualFold(s, string(st)) {
			return st, true
		}
	}
	return "", false
}

// Option keys understood by the built-in model handlers.
const (
	OptionDevice          = "device"
	OptionGPU             = "gpu"
	OptionBatchSize       = "batch_size"
	OptionMinScore        = "min_score"
	OptionImageSize       = "image_size"
	OptionLayout          = "layout"
	OptionIntraOpThreads  = "intra_op_threads"
	OptionInputName       = "input_name"
	OptionBoxesOutput     = "boxes_output"
	OptionScoresOutput    = "scores_output"
	OptionClassesOutput   = "classes_output"
	OptionLogitsOutput    = "logits_output"
	OptionOutputName      = "output_name"
	OptionBoxOrder        = "box_order"
	OptionNormalizedBoxes = "normalized_boxes"
)

// MaxDetections bounds the number of detections emitted per image.
const MaxDetections = 100
