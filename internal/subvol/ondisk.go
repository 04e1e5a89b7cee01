package subvol

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/xerrors"
)

// LayerJSONName is the name of the per-layer description file written into
// a layer's output directory.
const LayerJSONName = "layer.json"

// OnDisk describes a built subvolume inside a subvolumes directory, as
// recorded in layer.json. Locating the subvolume through this record (and
// not through an embedded absolute path) keeps the output relocatable.
type OnDisk struct {
	Hostname         string `json:"hostname"`
	SubvolumeRelPath string `json:"subvolume_rel_path"`
}

func ReadOnDisk(layerJSON string) (*OnDisk, error) {
	b, err := os.ReadFile(layerJSON)
	if err != nil {
		return nil, err
	}
	var od OnDisk
	if err := json.Unmarshal(b, &od); err != nil {
		return nil, xerrors.Errorf("parsing %s: %w", layerJSON, err)
	}
	if od.SubvolumeRelPath == "" {
		return nil, xerrors.Errorf("%s: missing subvolume_rel_path", layerJSON)
	}
	return &od, nil
}

func (od *OnDisk) SubvolumePath(subvolumesDir string) string {
	return filepath.Join(subvolumesDir, od.SubvolumeRelPath)
}

// Write serializes the record into dir/layer.json, atomically.
func (od *OnDisk) Write(dir string) error {
	b, err := json.Marshal(od)
	if err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(dir, LayerJSONName), append(b, '\n'), 0644)
}

// FindBuiltSubvol resolves a layer output directory to the built subvolume
// it describes.
func FindBuiltSubvol(layerOutput, subvolumesDir string) (*Subvol, error) {
	od, err := ReadOnDisk(filepath.Join(layerOutput, LayerJSONName))
	if err != nil {
		return nil, err
	}
	return FromExisting(od.SubvolumePath(subvolumesDir))
}
