// Package lineage downloads and parses lineage definition files. The
// LINEAGE_CONFIG environment variable maps "organism/column" keys to
// per-pipeline-version URLs; the service picks the URL for the organism's
// current pipeline version, falling back to any available one.
package lineage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// downloadTimeout bounds one lineage definition fetch.
const downloadTimeout = 30 * time.Second

// Entry is one lineage with its parent and alias names.
type Entry struct {
	Parents []string `json:"parents"`
	Aliases []string `json:"aliases"`
}

// Definitions maps "organism/column" to a lineage-name keyed definition.
type Definitions map[string]map[string]Entry

// PipelineVersions resolves an organism's current pipeline version.
type PipelineVersions func(ctx context.Context, organism string) (string, bool)

// Load parses the LINEAGE_CONFIG value and downloads each referenced
// definition. Failures are logged and skipped; the result is whatever
// loaded successfully, possibly empty.
func Load(ctx context.Context, configJSON string, versions PipelineVersions) Definitions {
	result := make(Definitions)
	if configJSON == "" {
		logrus.Info("no lineage config set, lineage definitions will be empty")
		return result
	}

	var config map[string]map[string]string
	if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
		logrus.WithError(err).Warn("failed to parse lineage config")
		return result
	}

	client := &http.Client{Timeout: downloadTimeout}
	for key, versionURLs := range config {
		organism, _, _ := strings.Cut(key, "/")

		var url string
		if version, ok := versions(ctx, organism); ok {
			url = versionURLs[version]
		}
		if url == "" {
			for _, u := range versionURLs {
				url = u
				break
			}
		}
		if url == "" {
			logrus.WithField("key", key).Warn("no lineage definition url found")
			continue
		}

		def, err := download(ctx, client, url)
		if err != nil {
			logrus.WithError(err).WithField("key", key).Warn("failed to load lineage definition")
			continue
		}
		logrus.WithFields(logrus.Fields{"key": key, "entries": len(def)}).
			Info("loaded lineage definition")
		result[key] = def
	}
	return result
}

type yamlEntry struct {
	Parents []string `yaml:"parents"`
	Aliases []string `yaml:"aliases"`
}

func download(ctx context.Context, client *http.Client, url string) (map[string]Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed map[string]yamlEntry
	if err := yaml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse lineage yaml: %w", err)
	}

	def := make(map[string]Entry, len(parsed))
	for name, entry := range parsed {
		e := Entry{Parents: entry.Parents, Aliases: entry.Aliases}
		if e.Parents == nil {
			e.Parents = []string{}
		}
		if e.Aliases == nil {
			e.Aliases = []string{}
		}
		def[name] = e
	}
	return def, nil
}
