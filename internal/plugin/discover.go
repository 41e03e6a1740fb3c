package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	herrors "github.com/p-blackswan/harvester/internal/errors"
)

// Source says where a descriptor came from.
type Source string

const (
	SourceDirectory Source = "directory" // plugin dir holding plugin.yaml
	SourceFile      Source = "file"      // single *.plugin.yaml file
	SourceInline    Source = "inline"    // run file
	SourceBuiltin   Source = "builtin"
)

// manifestNames are the files that mark a directory as a plugin.
var manifestNames = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// singleSuffixes mark a standalone manifest file.
var singleSuffixes = []string{".plugin.yaml", ".plugin.yml", ".plugin.json"}

// Descriptor is a validated manifest plus where it was found.
type Descriptor struct {
	Manifest Manifest
	Source   Source
	Path     string // manifest file, empty for inline and builtin
	Dir      string // plugin directory, empty unless Source is directory
}

// Discover scans paths for plugin descriptors. Each path may be a plugin
// directory, a directory of plugins, or a single manifest file. Missing
// paths are skipped. Malformed or incompatible manifests are excluded and
// reported in the error list, as are duplicate names after the first.
func Discover(paths []string) ([]Descriptor, []error) {
	var (
		out  []Descriptor
		errs []error
		seen = map[string]string{}
	)
	add := func(d Descriptor, err error) {
		if err != nil {
			errs = append(errs, err)
			return
		}
		if prev, dup := seen[d.Manifest.Name]; dup {
			errs = append(errs, herrors.NewValidationError("manifest "+d.Manifest.Name, "name",
				fmt.Sprintf("duplicate of %s", prev)))
			return
		}
		seen[d.Manifest.Name] = d.Path
		out = append(out, d)
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin path %s: %w", root, err))
			continue
		}
		if !info.IsDir() {
			add(readDescriptor(root, SourceFile, ""))
			continue
		}
		if mf := findManifest(root); mf != "" {
			add(readDescriptor(mf, SourceDirectory, root))
			continue
		}

		entries, err := os.ReadDir(root)
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin path %s: %w", root, err))
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, e := range entries {
			full := filepath.Join(root, e.Name())
			switch {
			case e.IsDir():
				if mf := findManifest(full); mf != "" {
					add(readDescriptor(mf, SourceDirectory, full))
				}
			case isSingleManifest(e.Name()):
				add(readDescriptor(full, SourceFile, ""))
			}
		}
	}
	return out, errs
}

func findManifest(dir string) string {
	for _, name := range manifestNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p
		}
	}
	return ""
}

func isSingleManifest(name string) bool {
	for _, suffix := range singleSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func readDescriptor(path string, src Source, dir string) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%s: %w", path, err)
	}
	if dir != "" {
		for _, hook := range []string{m.Hooks.Install, m.Hooks.Uninstall} {
			if hook == "" {
				continue
			}
			if _, err := os.Stat(filepath.Join(dir, hook)); err != nil {
				return Descriptor{}, fmt.Errorf("%s: %w", path,
					herrors.NewValidationError("manifest "+m.Name, "hooks", fmt.Sprintf("%s not found", hook)))
			}
		}
	}
	return Descriptor{Manifest: *m, Source: src, Path: path, Dir: dir}, nil
}

// InlineDescriptors validates manifests declared in a run file.
func InlineDescriptors(manifests []Manifest) ([]Descriptor, []error) {
	var (
		out  []Descriptor
		errs []error
	)
	for _, m := range manifests {
		if err := m.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, Descriptor{Manifest: m, Source: SourceInline})
	}
	return out, errs
}
