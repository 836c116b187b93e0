package schema

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
)

const (
	// EnvProtocolPath overrides the description search path; entries are
	// separated by os.PathListSeparator.
	EnvProtocolPath = "WAYWIRE_PROTOCOL_PATH"

	DefaultSearchPath = "protocol"
)

//go:embed core.toml
var coreTOML []byte

var (
	coreOnce     sync.Once
	coreProtocol *Protocol
	coreErr      error
)

// Core returns the embedded wayland core protocol (wl_display, wl_registry,
// wl_callback). The returned value is shared and must not be modified; merge
// it into a fresh Protocol instead.
func Core() *Protocol {
	coreOnce.Do(func() {
		coreProtocol, coreErr = Parse(coreTOML, "core.toml")
		if coreErr == nil {
			coreErr = coreProtocol.Validate()
		}
	})
	if coreErr != nil {
		panic(fmt.Sprintf("schema: embedded core protocol invalid: %v", coreErr))
	}
	return coreProtocol
}

// Parse strictly decodes one TOML description. Unknown keys are rejected.
// References to other interfaces are checked by Validate once every file is merged.
func Parse(data []byte, source string) (*Protocol, error) {
	var fp fileProtocol
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fp); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("schema parse failed (%s): unknown keys: %s", source, strict.String())
		}
		return nil, fmt.Errorf("schema parse failed (%s): %w", source, err)
	}
	return compile(fp, source)
}

// Load builds a protocol from the core plus every description found under paths.
// A path is either a .toml file or a directory scanned for .toml files.
func Load(paths ...string) (*Protocol, error) {
	p := NewProtocol("waywire")
	if err := p.Merge(Core()); err != nil {
		return nil, err
	}
	for _, path := range paths {
		files, err := descriptionFiles(path)
		if err != nil {
			return nil, err
		}
		for _, file := range files {
			data, err := os.ReadFile(file)
			if err != nil {
				return nil, fmt.Errorf("schema load failed (%s): %w", file, err)
			}
			next, err := Parse(data, file)
			if err != nil {
				return nil, err
			}
			if err := p.Merge(next); err != nil {
				return nil, fmt.Errorf("schema merge failed (%s): %w", file, err)
			}
			log.Debug().Str("file", file).Str("protocol", next.Name).Int("interfaces", len(next.interfaces)).Msg("schema.Load")
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// SearchPath returns the description directories from the environment, or
// the default when unset.
func SearchPath() []string {
	raw := strings.TrimSpace(os.Getenv(EnvProtocolPath))
	if raw == "" {
		return []string{DefaultSearchPath}
	}
	var out []string
	for _, entry := range filepath.SplitList(raw) {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}

// Discover loads the core plus the descriptions on the search path. Missing
// directories are skipped.
func Discover() (*Protocol, error) {
	var present []string
	for _, dir := range SearchPath() {
		if _, err := os.Stat(dir); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				log.Debug().Str("dir", dir).Msg("schema.Discover skip missing")
				continue
			}
			return nil, fmt.Errorf("schema discover failed (%s): %w", dir, err)
		}
		present = append(present, dir)
	}
	return Load(present...)
}

func descriptionFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("schema load failed (%s): %w", path, err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("schema load failed (%s): %w", path, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(path, entry.Name()))
	}
	sort.Strings(files)
	return files, nil
}
