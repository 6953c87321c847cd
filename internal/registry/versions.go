package registry

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kennethnrk/sqlml/internal/common/constants"
	"github.com/kennethnrk/sqlml/internal/store"
)

const versionPrefix = "version:"

// ErrNotFound is returned when a model name or version is not registered.
var ErrNotFound = errors.New("model version not found")

func versionKey(name string, version int) string {
	return fmt.Sprintf("%s%s/%d", versionPrefix, name, version)
}

func validateName(name string) error {
	if name == "" {
		return errors.New("model name cannot be empty")
	}
	if strings.ContainsAny(name, "/:") {
		return fmt.Errorf("model name %q cannot contain '/' or ':'", name)
	}
	return nil
}

// RegisterModelVersion stores info as the next version of info.Name and
// returns the stored record.
func RegisterModelVersion(s *store.Store, info store.ModelVersion) (store.ModelVersion, error) {
	if err := validateName(info.Name); err != nil {
		return store.ModelVersion{}, err
	}
	if info.Source == "" {
		return store.ModelVersion{}, errors.New("model source cannot be empty")
	}

	err := s.Update(func() error {
		existing, err := ListModelVersions(s, info.Name)
		if err != nil {
			return err
		}
		next := 1
		if len(existing) > 0 {
			next = existing[len(existing)-1].Version + 1
		}

		now := time.Now().UTC()
		info.ID = uuid.New().String()
		info.Version = next
		info.CreatedAt = now
		info.UpdatedAt = now
		if info.Stage == "" {
			info.Stage = constants.StageNone
		}
		return s.PutJSON(versionKey(info.Name, next), info)
	})
	if err != nil {
		return store.ModelVersion{}, err
	}
	return info, nil
}

// GetModelVersion loads one version.
// Returns (zero ModelVersion, false, nil) if it is not registered.
func GetModelVersion(s *store.Store, name string, version int) (store.ModelVersion, bool, error) {
	if err := validateName(name); err != nil {
		return store.ModelVersion{}, false, err
	}
	var info store.ModelVersion
	found, err := s.GetJSON(versionKey(name, version), &info)
	if err != nil || !found {
		return store.ModelVersion{}, false, err
	}
	return info, true, nil
}

// ListModelVersions returns all versions of name ordered by version number.
// An empty name lists every registered version.
func ListModelVersions(s *store.Store, name string) ([]store.ModelVersion, error) {
	prefix := versionPrefix
	if name != "" {
		prefix += name + "/"
	}
	keys := s.Keys(prefix)
	versions := make([]store.ModelVersion, 0, len(keys))
	for _, k := range keys {
		var info store.ModelVersion
		found, err := s.GetJSON(k, &info)
		if err != nil {
			return nil, err
		}
		if found {
			versions = append(versions, info)
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		if versions[i].Name != versions[j].Name {
			return versions[i].Name < versions[j].Name
		}
		return versions[i].Version < versions[j].Version
	})
	return versions, nil
}

// LatestModelVersion returns the highest version of name, restricted to stage
// when stage is non-empty.
func LatestModelVersion(s *store.Store, name string, stage constants.VersionStage) (store.ModelVersion, bool, error) {
	if err := validateName(name); err != nil {
		return store.ModelVersion{}, false, err
	}
	versions, err := ListModelVersions(s, name)
	if err != nil {
		return store.ModelVersion{}, false, err
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if stage == "" || versions[i].Stage == stage {
			return versions[i], true, nil
		}
	}
	return store.ModelVersion{}, false, nil
}

// TransitionStage moves a version into stage. With archiveExisting, other
// versions currently in the same stage are moved to Archived.
func TransitionStage(s *store.Store, name string, version int, stage constants.VersionStage, archiveExisting bool) (store.ModelVersion, error) {
	var info store.ModelVersion
	err := s.Update(func() error {
		var (
			found bool
			err   error
		)
		info, found, err = GetModelVersion(s, name, version)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: %s/%d", ErrNotFound, name, version)
		}

		now := time.Now().UTC()
		if archiveExisting && stage != constants.StageNone && stage != constants.StageArchived {
			versions, err := ListModelVersions(s, name)
			if err != nil {
				return err
			}
			for _, other := range versions {
				if other.Version == version || other.Stage != stage {
					continue
				}
				other.Stage = constants.StageArchived
				other.UpdatedAt = now
				if err := s.PutJSON(versionKey(name, other.Version), other); err != nil {
					return err
				}
			}
		}

		info.Stage = stage
		info.UpdatedAt = now
		return s.PutJSON(versionKey(name, version), info)
	})
	if err != nil {
		return store.ModelVersion{}, err
	}
	return info, nil
}

// DeleteModelVersion removes a version from the store.
func DeleteModelVersion(s *store.Store, name string, version int) error {
	if err := validateName(name); err != nil {
		return err
	}
	return s.Update(func() error { return s.Delete(versionKey(name, version)) })
}

// ResolveRef resolves a version reference: empty means latest, digits mean an
// exact version, anything else names a stage.
func ResolveRef(s *store.Store, name, ref string) (store.ModelVersion, error) {
	var (
		info  store.ModelVersion
		found bool
		err   error
	)
	switch {
	case ref == "" || strings.EqualFold(ref, "latest"):
		info, found, err = LatestModelVersion(s, name, "")
	case isDigits(ref):
		v, convErr := strconv.Atoi(ref)
		if convErr != nil {
			return store.ModelVersion{}, fmt.Errorf("invalid version %q: %w", ref, convErr)
		}
		info, found, err = GetModelVersion(s, name, v)
	default:
		stage, ok := constants.ParseStage(ref)
		if !ok {
			return store.ModelVersion{}, fmt.Errorf("invalid version or stage %q", ref)
		}
		info, found, err = LatestModelVersion(s, name, stage)
	}
	if err != nil {
		return store.ModelVersion{}, err
	}
	if !found {
		if ref == "" {
			return store.ModelVersion{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return store.ModelVersion{}, fmt.Errorf("%w: %s/%s", ErrNotFound, name, ref)
	}
	return info, nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
