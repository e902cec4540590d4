package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Load reads a pool description. A missing file yields no entries and no
// error.
func Load(path string) ([]Entry, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := Validate(entries); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}

// LoadOrCreate returns the description stored at path if it covers exactly
// [start, end]. Otherwise it generates a new one, writes it to path and
// reports regenerated.
func LoadOrCreate(path string, start, end int, log zerolog.Logger) (entries []Entry, regenerated bool, err error) {
	existing, err := Load(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("pool file unreadable, regenerating")
	} else if Compatible(existing, start, end) {
		return existing, false, nil
	}

	entries, err = Generate(start, end)
	if err != nil {
		return nil, false, err
	}
	if err := Save(path, entries); err != nil {
		return nil, false, err
	}
	log.Info().Str("path", path).Int("start", start).Int("end", end).Int("entries", len(entries)).Msg("pool file generated")
	return entries, true, nil
}

// Save writes entries to path atomically.
func Save(path string, entries []Entry) error {
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
