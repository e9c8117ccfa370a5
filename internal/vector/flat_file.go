package vector

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Flat index persistence format.
//
// Vector blob: a fixed header (magic, version, dimension, count) followed by
// count*dim little-endian float32 values. The JSON sidecar carries the live
// id-to-position mapping; tombstoned entries are dropped at save time and
// their blob positions simply go unreferenced. Both files are written to a
// temp file and renamed into place so a crash mid-save leaves the previous
// generation intact.

const (
	flatMagic   uint32 = 0x55504358 // "UPCX"
	flatVersion uint32 = 1
)

type flatHeader struct {
	Magic   uint32
	Version uint32
	Dim     uint32
	Count   uint32
}

func loadFlatFiles(indexPath, mappingPath string, dim int) ([][]float32, []mappingEntry, error) {
	vectors, err := readVectorBlob(indexPath, dim)
	if err != nil {
		return nil, nil, err
	}

	mapping, err := readMapping(mappingPath)
	if err != nil {
		return nil, nil, err
	}

	for _, m := range mapping {
		if m.Index < 0 || m.Index >= len(vectors) {
			return nil, nil, fmt.Errorf("mapping entry %s references position %d, blob has %d vectors",
				m.ID, m.Index, len(vectors))
		}
	}
	return vectors, mapping, nil
}

func readVectorBlob(path string, dim int) ([][]float32, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open vector blob: %w", err)
	}
	defer f.Close()

	var hdr flatHeader
	if err := binary.Read(f, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("failed to read vector blob header: %w", err)
	}
	if hdr.Magic != flatMagic {
		return nil, fmt.Errorf("vector blob has bad magic %#x", hdr.Magic)
	}
	if hdr.Version != flatVersion {
		return nil, fmt.Errorf("vector blob has unsupported version %d", hdr.Version)
	}
	if int(hdr.Dim) != dim {
		return nil, fmt.Errorf("vector blob has dimension %d, expected %d", hdr.Dim, dim)
	}

	vectors := make([][]float32, 0, hdr.Count)
	buf := make([]byte, 4*dim)
	for i := 0; i < int(hdr.Count); i++ {
		if _, err := readFull(f, buf); err != nil {
			return nil, fmt.Errorf("vector blob truncated at vector %d: %w", i, err)
		}
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*j:]))
		}
		vectors = append(vectors, vec)
	}
	return vectors, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	read := 0
	for read < len(buf) {
		n, err := f.Read(buf[read:])
		read += n
		if err != nil {
			return read, err
		}
	}
	return read, nil
}

func readMapping(path string) ([]mappingEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index mapping: %w", err)
	}

	var mapping []mappingEntry
	if err := json.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("failed to parse index mapping: %w", err)
	}
	return mapping, nil
}

func saveFlatFiles(indexPath, mappingPath string, dim int, vectors [][]float32, mapping []mappingEntry) error {
	if err := writeVectorBlob(indexPath, dim, vectors); err != nil {
		return err
	}
	// Tombstones only keep blob positions stable within a process lifetime;
	// each entry carries its explicit position, so persisting the live
	// entries alone loses nothing.
	live := make([]mappingEntry, 0, len(mapping))
	for _, m := range mapping {
		if !m.Removed {
			live = append(live, m)
		}
	}
	return writeMapping(mappingPath, live)
}

func writeVectorBlob(path string, dim int, vectors [][]float32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".index-*")
	if err != nil {
		return fmt.Errorf("failed to create temp index file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hdr := flatHeader{
		Magic:   flatMagic,
		Version: flatVersion,
		Dim:     uint32(dim),
		Count:   uint32(len(vectors)),
	}
	if err := binary.Write(tmp, binary.LittleEndian, &hdr); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write vector blob header: %w", err)
	}

	buf := make([]byte, 4*dim)
	for _, vec := range vectors {
		for j := 0; j < dim; j++ {
			var bits uint32
			if j < len(vec) {
				bits = math.Float32bits(vec[j])
			}
			binary.LittleEndian.PutUint32(buf[4*j:], bits)
		}
		if _, err := tmp.Write(buf); err != nil {
			tmp.Close()
			return fmt.Errorf("failed to write vector blob: %w", err)
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync vector blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close vector blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace vector blob: %w", err)
	}
	return nil
}

func writeMapping(path string, mapping []mappingEntry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create mapping directory: %w", err)
	}

	if mapping == nil {
		mapping = []mappingEntry{}
	}
	data, err := json.Marshal(mapping)
	if err != nil {
		return fmt.Errorf("failed to encode index mapping: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".mapping-*")
	if err != nil {
		return fmt.Errorf("failed to create temp mapping file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write index mapping: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync index mapping: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close index mapping: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace index mapping: %w", err)
	}
	return nil
}
