package grpcregistry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/kennethnrk/sqlml/internal/registry"
	"github.com/kennethnrk/sqlml/internal/store"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// modelRegistryServer implements the ModelRegistryAPIServer interface.
type modelRegistryServer struct {
	store *store.Store
}

// NewModelRegistryServer creates a new model registry server.
func NewModelRegistryServer(s *store.Store) ModelRegistryAPIServer {
	return &modelRegistryServer{
		store: s,
	}
}

// RegisterServices registers all gRPC services with the given gRPC server.
func RegisterServices(s *grpc.Server, st *store.Store) {
	RegisterModelRegistryAPIServer(s, NewModelRegistryServer(st))
}

// RegisterModelVersion registers a new version of a model. The request is a
// ModelVersion document; ID, version and timestamps are assigned by the server.
func (s *modelRegistryServer) RegisterModelVersion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "request cannot be nil")
	}
	var info store.ModelVersion
	if err := fromStruct(req, &info); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	info.Stage = ""

	registered, err := registry.RegisterModelVersion(s.store, info)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	log.Info().Str("model", registered.Name).Int("version", registered.Version).Msg("registered model version")
	return toStruct(registered)
}

// GetModelVersion resolves {"name", "ref"} to a single version.
func (s *modelRegistryServer) GetModelVersion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := stringField(req, "name")
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "model name cannot be empty")
	}
	info, err := registry.ResolveRef(s.store, name, stringField(req, "ref"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(info)
}

// ListModelVersions returns {"versions": [...]} for the requested name, or for
// every model when name is empty.
func (s *modelRegistryServer) ListModelVersions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	versions, err := registry.ListModelVersions(s.store, stringField(req, "name"))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(versionList{Versions: versions})
}

// TransitionStage moves {"name", "version"} into {"stage"}.
func (s *modelRegistryServer) TransitionStage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := stringField(req, "name")
	version := intField(req, "version")
	if name == "" || version <= 0 {
		return nil, status.Error(codes.InvalidArgument, "model name and version are required")
	}
	stage, ok := constants.ParseStage(stringField(req, "stage"))
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "invalid stage %q", stringField(req, "stage"))
	}
	info, err := registry.TransitionStage(s.store, name, version, stage, boolField(req, "archive_existing"))
	if err != nil {
		return nil, toStatus(err)
	}
	log.Info().Str("model", name).Int("version", version).Str("stage", string(stage)).Msg("transitioned model version")
	return toStruct(info)
}

// DeleteModelVersion removes {"name", "version"}.
func (s *modelRegistryServer) DeleteModelVersion(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name := stringField(req, "name")
	version := intField(req, "version")
	if name == "" || version <= 0 {
		return nil, status.Error(codes.InvalidArgument, "model name and version are required")
	}
	if _, found, err := registry.GetModelVersion(s.store, name, version); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	} else if !found {
		return nil, status.Errorf(codes.NotFound, "model version %s/%d not found", name, version)
	}
	if err := registry.DeleteModelVersion(s.store, name, version); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"success": true})
}

type versionList struct {
	Versions []store.ModelVersion `json:"versions"`
}

func toStatus(err error) error {
	if errors.Is(err, registry.ErrNotFound) {
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codes.InvalidArgument, err.Error())
}

// toStruct converts any JSON-serialisable value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// fromStruct decodes a Struct into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	b, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %T: %w", v, err)
	}
	return nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func intField(s *structpb.Struct, key string) int {
	return int(s.GetFields()[key].GetNumberValue())
}

func boolField(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}
