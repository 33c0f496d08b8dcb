package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// resolve returns the config files found at path. A directory is walked
// recursively and only .yaml and .yml files inside it are picked up, a file
// given directly is always used. direct signifies if this is the path the user
// specified versus one found by recursing into it.
func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		if direct {
			return nil, err
		}
		// Dangling symlinks inside a config directory are skipped
		return nil, nil
	}

	if !i.IsDir() {
		f, ok := checkFile(path, direct)
		if !ok {
			return nil, nil
		}
		return []string{f}, nil
	}

	paths, err := readDirNames(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %s", path, err)
	}

	var files []string
	for _, p := range paths {
		f, err := resolve(filepath.Join(path, p), false)
		if err != nil {
			return nil, err
		}
		files = append(files, f...)
	}

	return files, nil
}

func readDirNames(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	paths, err := f.Readdirnames(-1)
	f.Close()
	if err != nil {
		return nil, err
	}

	sort.Strings(paths)
	return paths, nil
}

// checkFile returns the absolute name of the file and whether it should be
// loaded.
func checkFile(path string, direct bool) (string, bool) {
	ext := filepath.Ext(path)

	if !direct && ext != ".yaml" && ext != ".yml" {
		return "", false
	}

	ap, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	return ap, true
}
