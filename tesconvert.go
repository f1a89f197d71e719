// Package tesconvert provides binary codecs for the two plugin file
// formats used by a pair of related game engines.
//
// The tes3 package handles the older format: a flat stream of records,
// each a list of tagged fields, addressed by name strings. The tes4
// package handles the newer format: records nested inside a group
// hierarchy, addressed by 32-bit form IDs, with optional per-record zlib
// compression.
//
// Both codecs decode record contents lazily and retain the original
// bytes of untouched records, so that reading a plugin and writing it
// back unchanged reproduces the input byte for byte.
//
// # Basic Usage
//
// Loading a plugin, tweaking its metadata, and saving it:
//
//	import "github.com/descawed/tesconvert-sub000"
//
//	plugin, err := tesconvert.LoadTES3("Morrowind.esm")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	plugin.SetDescription("patched")
//	if err := tesconvert.SaveTES3(plugin, "Morrowind.esm"); err != nil {
//	    log.Fatal(err)
//	}
//
// The root package only wraps file handling; all format behavior lives
// in the tes3 and tes4 packages.
package tesconvert

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/descawed/tesconvert-sub000/tes3"
	"github.com/descawed/tesconvert-sub000/tes4"
)

// LoadTES3 reads a flat-format plugin from path.
func LoadTES3(path string, opts ...tes3.Option) (*tes3.Plugin, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	p, err := tes3.Read(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return p, nil
}

// SaveTES3 writes a flat-format plugin to path. The file is written to a
// temporary sibling first and renamed into place, so an error or crash
// mid-write never leaves a truncated plugin behind.
func SaveTES3(p *tes3.Plugin, path string) error {
	return saveAtomic(path, p.Write)
}

// LoadTES4 reads a hierarchical-format plugin from path.
func LoadTES4(path string, opts ...tes4.Option) (*tes4.Plugin, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	p, err := tes4.Read(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return p, nil
}

// SaveTES4 writes a hierarchical-format plugin to path with the same
// atomic-rename behavior as SaveTES3.
func SaveTES4(p *tes4.Plugin, path string) error {
	return saveAtomic(path, p.Write)
}

func saveAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriterSize(tmp, 1<<16)
	if err := write(bw); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmpPath, err)
	}
	tmpPath = ""

	return nil
}
