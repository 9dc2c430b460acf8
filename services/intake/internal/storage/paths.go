// Package storage resolves where uploaded photos live on disk and writes
// them there. Path resolution is pure; all I/O is on the Writer.
package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ModuleKind classifies the entity a photo belongs to.
type ModuleKind string

const (
	KindProject ModuleKind = "PROJECT"
	KindVehicle ModuleKind = "VEHICLE"
	KindTrack   ModuleKind = "TRACK"
)

// WellKnownKinds are the first-level folders the capacity monitor keeps alive.
var WellKnownKinds = []ModuleKind{KindProject, KindVehicle, KindTrack}

// ErrMalformedID reports a TRACK id without the track/vehicle delimiter.
var ErrMalformedID = errors.New("malformed composite identifier")

// unknownVehicle is substituted when a TRACK id carries no vehicle part.
// Resolution degrades rather than failing so a misbehaving device still
// lands its photos somewhere findable.
const unknownVehicle = "unknown"

// PathContext carries the optional placement attributes of an upload.
type PathContext struct {
	ProjectName string
	TagName     string // upload-type name, first sub-level
	TagID       string // upload-type id, nested beneath TagName only
}

// ResolveDir maps an upload to its directory under root. It is deterministic
// and performs no I/O; callers create the directory themselves.
func ResolveDir(root string, kind ModuleKind, moduleID string, pc PathContext) string {
	var parts []string

	switch kind {
	case KindProject:
		dir := moduleID
		if pc.ProjectName != "" {
			dir = moduleID + "_" + pc.ProjectName
		}
		parts = []string{root, string(KindProject), dir}
	case KindVehicle:
		parts = []string{root, string(KindVehicle)}
		if pc.ProjectName != "" {
			parts = append(parts, pc.ProjectName)
		}
		parts = append(parts, "Vehicle_"+moduleID)
	case KindTrack:
		trackID, vehicleID, _ := SplitTrackID(moduleID)
		parts = []string{root, string(KindTrack)}
		if pc.ProjectName != "" {
			parts = append(parts, pc.ProjectName)
		}
		parts = append(parts, "Vehicle_"+vehicleID, "Track_"+trackID)
	default:
		return filepath.Join(root, string(kind), moduleID)
	}

	if pc.TagName != "" {
		parts = append(parts, pc.TagName)
		if pc.TagID != "" {
			parts = append(parts, pc.TagID)
		}
	}

	return filepath.Join(parts...)
}

// SplitTrackID splits a composite TRACK id of the form <trackID>_<vehicleID>.
// When the delimiter is absent the whole id is treated as the track part and
// the vehicle part degrades to "unknown"; ErrMalformedID is returned alongside
// so callers can log the condition.
func SplitTrackID(id string) (trackID, vehicleID string, err error) {
	track, vehicle, found := strings.Cut(id, "_")
	if !found {
		return id, unknownVehicle, fmt.Errorf("track id %q: %w", id, ErrMalformedID)
	}
	return track, vehicle, nil
}
