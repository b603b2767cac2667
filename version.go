package blelink

import (
	"io/fs"
	"path"
)

const (
	Name        = "ble_link"
	Version     = "1.0.0"
	Description = "Serves a null modem and virtual com port to ble spp"
)

// ManifestInfo describes the package and the static assets shipped with it.
type ManifestInfo struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description"`
	Assets      []string `json:"assets"`
}

// Manifest returns the package metadata. Every embedded asset is checked to
// parse as a profile.
func Manifest() (ManifestInfo, error) {
	info := ManifestInfo{Name: Name, Version: Version, Description: Description}
	names, err := fs.Glob(staticFS, "static/*.json")
	if err != nil {
		return info, err
	}
	if _, err := LoadProfiles(); err != nil {
		return info, err
	}
	for _, n := range names {
		info.Assets = append(info.Assets, path.Base(n))
	}
	return info, nil
}
