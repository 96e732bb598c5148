package kvstore

import (
	"fmt"
	"slices"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// IndexSpec declares a secondary index. KeyPath defaults to Name.
type IndexSpec struct {
	Name    string `msgpack:"n" yaml:"name" json:"name"`
	KeyPath string `msgpack:"p,omitempty" yaml:"key_path,omitempty" json:"keyPath,omitempty"`
	Unique  bool   `msgpack:"u,omitempty" yaml:"unique,omitempty" json:"unique,omitempty"`
}

func (spec IndexSpec) Path() string {
	if spec.KeyPath == "" {
		return spec.Name
	}
	return spec.KeyPath
}

// Equal compares specs after defaulting the key path, so {Name: "x"} and
// {Name: "x", KeyPath: "x"} describe the same index.
func (spec IndexSpec) Equal(other IndexSpec) bool {
	return spec.Name == other.Name && spec.Path() == other.Path() && spec.Unique == other.Unique
}

func (spec IndexSpec) String() string {
	s := spec.Name
	if spec.KeyPath != "" && spec.KeyPath != spec.Name {
		s += "(" + spec.KeyPath + ")"
	}
	if spec.Unique {
		s += " unique"
	}
	return s
}

type collectionState struct {
	KeyPath   string      `msgpack:"k"`
	Indices   []IndexSpec `msgpack:"i"`
	CreatedAt time.Time   `msgpack:"t"`
	UpdatedAt time.Time   `msgpack:"u,omitempty"`
}

func (cs *collectionState) index(name string) (IndexSpec, bool) {
	i := slices.IndexFunc(cs.Indices, func(spec IndexSpec) bool { return spec.Name == name })
	if i < 0 {
		return IndexSpec{}, false
	}
	return cs.Indices[i], true
}

func (cs *collectionState) addIndex(spec IndexSpec) {
	cs.Indices = append(cs.Indices, spec)
	cs.UpdatedAt = time.Now()
}

func (cs *collectionState) removeIndex(name string) {
	cs.Indices = slices.DeleteFunc(cs.Indices, func(spec IndexSpec) bool { return spec.Name == name })
	cs.UpdatedAt = time.Now()
}

func (c *Collection) saveState() error {
	raw, err := msgpack.Marshal(c.state)
	if err != nil {
		return collErrf(c.name, "", nil, err, "failed to encode collection state")
	}
	root, err := c.tx.btx.CreateBucket(c.root, "")
	if err != nil {
		return collErrf(c.name, "", nil, err, "failed to create root bucket")
	}
	return root.Put(stateKey, raw)
}

func validateIndexSpec(spec IndexSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: empty index name", ErrInvalidKey)
	}
	return nil
}
