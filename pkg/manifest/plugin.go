package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/jingkaihe/capsule/pkg/types/capabilities"
)

const (
	pluginDirName  = ".claude-plugin"
	pluginFileName = "plugin.json"
)

type pluginFile struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// loadPlugin reads the optional plugin metadata of a root. Problems are
// recorded and nil is returned.
func (s *loadState) loadPlugin(root string) *capabilities.PluginInfo {
	p := filepath.Join(root, pluginDirName, pluginFileName)
	info, err := os.Stat(p)
	if err != nil {
		if !os.IsNotExist(err) {
			s.fail(readFailure(p, err))
		}
		return nil
	}
	if info.Size() > s.loader.maxFileSize {
		s.fail(&LoadError{Kind: FileTooLarge, Path: p, Size: info.Size(), Limit: s.loader.maxFileSize})
		return nil
	}

	content, err := os.ReadFile(p)
	if err != nil {
		s.fail(readFailure(p, errors.Wrap(err, "failed to read plugin file")))
		return nil
	}

	var pf pluginFile
	if err := json.Unmarshal(content, &pf); err != nil {
		s.fail(invalidField(p, "plugin", errors.Wrap(err, "failed to parse plugin file")))
		return nil
	}
	if strings.TrimSpace(pf.Name) == "" {
		s.fail(missingField(p, "name"))
		return nil
	}

	version := strings.TrimSpace(pf.Version)
	if version != "" {
		v, err := semver.NewVersion(strings.TrimPrefix(version, "v"))
		if err != nil {
			s.fail(invalidField(p, "version", err))
			return nil
		}
		version = v.String()
	}

	return &capabilities.PluginInfo{
		Name:        strings.TrimSpace(pf.Name),
		Version:     version,
		Description: strings.TrimSpace(pf.Description),
		Root:        root,
	}
}
