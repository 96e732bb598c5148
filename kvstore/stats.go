package kvstore

import (
	"encoding/json"
	"fmt"
	"strings"
)

type CollectionStats struct {
	Rows      int
	IndexRows int
	Indices   int
}

func (c *Collection) Stats() CollectionStats {
	s := CollectionStats{Rows: c.Count(), Indices: len(c.state.Indices)}
	for _, spec := range c.state.Indices {
		if ib := c.indexBucket(spec.Name); ib != nil {
			s.IndexRows += ib.KeyCount()
		}
	}
	return s
}

type DumpFlags uint64

const (
	DumpHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the contents of every collection, for tests and debugging.
func (tx *Tx) Dump(f DumpFlags) string {
	var buf strings.Builder
	names, err := tx.CollectionNames()
	if err != nil {
		return "error: " + err.Error()
	}
	if f.Contains(DumpHeaders) {
		fmt.Fprintf(&buf, "%s v%d\n", tx.inst.name, tx.inst.version)
	}
	for _, name := range names {
		c, err := tx.Collection(name)
		if err != nil {
			fmt.Fprintf(&buf, "%s: %v\n", name, err)
			continue
		}
		c.dump(&buf, f)
	}
	return buf.String()
}

func (c *Collection) dump(w *strings.Builder, f DumpFlags) {
	s := c.Stats()
	if f.Contains(DumpHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows, key %s, %d index rows)\n", c.name, s.Rows, c.state.KeyPath, s.IndexRows)
	}
	if f.Contains(DumpRows) {
		err := c.Scan(func(keyRaw []byte, doc Document) error {
			fmt.Fprintf(w, "%s/%s = %s\n", c.name, KeyString(keyRaw), loggableDoc(doc))
			return nil
		})
		if err != nil {
			fmt.Fprintf(w, "%s: %v\n", c.name, err)
		}
	}
	if f.Contains(DumpIndices) {
		for _, spec := range c.state.Indices {
			fmt.Fprintln(w, dumpSep2)
			fmt.Fprintf(w, "%s.%s\n", c.name, spec.String())
			if !f.Contains(DumpIndexRows) {
				continue
			}
			ib := c.indexBucket(spec.Name)
			if ib == nil {
				fmt.Fprintf(w, "%s.%s: <missing bucket>\n", c.name, spec.Name)
				continue
			}
			cur := ib.Cursor()
			for k, v := cur.First(); k != nil; k, v = cur.Next() {
				fmt.Fprintf(w, "%s.%s: %s => %s\n", c.name, spec.Name, hexstr(k), KeyString(v))
			}
		}
	}
}

func loggableDoc(doc Document) string {
	if doc == nil {
		return "<none>"
	}
	raw, err := json.Marshal(map[string]any(doc))
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(doc))
	}
	return string(raw)
}
