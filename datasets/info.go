package datasets

import (
	"path/filepath"

	"github.com/thalesfsp/xtime/artifacts"
)

// InfoFile is the name SaveInfo writes.
const InfoFile = "dataset_info.yaml"

// Info is the serialized description of a loaded dataset.
type Info struct {
	Metadata Metadata          `yaml:"metadata"`
	Splits   map[SplitName]int `yaml:"splits"`
}

// Describe summarizes ds.
func Describe(ds *Dataset) Info {
	info := Info{Metadata: ds.Metadata, Splits: map[SplitName]int{}}
	for name, s := range ds.Splits {
		info.Splits[name] = s.Len()
	}
	return info
}

// SaveInfo writes the dataset description into dir.
func SaveInfo(ds *Dataset, dir string) error {
	return artifacts.SaveYAML(Describe(ds), filepath.Join(dir, InfoFile))
}
