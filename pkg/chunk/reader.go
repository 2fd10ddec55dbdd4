package chunk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

// List returns the chunk file paths for a source in sequence order.
// Returns an empty slice when the source has no chunks.
func List(dir, source string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read chunk dir %s: %w", dir, err)
	}

	type numbered struct {
		path string
		seq  int
	}

	var chunks []numbered
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := chunkFileRe.FindStringSubmatch(entry.Name())
		if m == nil || m[1] != source {
			continue
		}
		seq, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		chunks = append(chunks, numbered{
			path: filepath.Join(dir, entry.Name()),
			seq:  seq,
		})
	}

	sort.Slice(chunks, func(i, j int) bool { return chunks[i].seq < chunks[j].seq })

	paths := make([]string, len(chunks))
	for i, c := range chunks {
		paths[i] = c.path
	}
	return paths, nil
}

// ReadChunk decodes one chunk file into its ordered record list.
func ReadChunk(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chunk %s: %w", path, err)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", path, err)
	}

	return records, nil
}

// DeleteSource removes all chunk files belonging to a source. A source
// must have its chunks deleted before it can be safely reprocessed from
// scratch, or consolidation would see duplicate records.
func DeleteSource(dir, source string) error {
	paths, err := List(dir, source)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove chunk %s: %w", path, err)
		}
	}
	return nil
}

// DeleteAll removes every chunk file in the directory.
func DeleteAll(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read chunk dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !chunkFileRe.MatchString(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove chunk %s: %w", path, err)
		}
	}
	return nil
}
