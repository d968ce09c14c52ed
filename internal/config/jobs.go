package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veranemoloko/tilesweep/internal/domain"
	apperrors "github.com/veranemoloko/tilesweep/internal/errors"
	"github.com/veranemoloko/tilesweep/internal/tiles"
	"github.com/veranemoloko/tilesweep/internal/validation"
)

// JobDescriptor is one entry of the jobs file. Field names follow the
// established mapconfig.json layout so existing files keep working.
type JobDescriptor struct {
	DownloadURL string    `yaml:"DownloadURL" json:"DownloadURL" validate:"required,tile_template"`
	ServerParts []string  `yaml:"ServerParts" json:"ServerParts"`
	BoundingBox []float64 `yaml:"BoundingBox" json:"BoundingBox" validate:"len=4"`
	MBtilesDB   string    `yaml:"MBtilesDB" json:"MBtilesDB" validate:"required"`
	Name        string    `yaml:"Name" json:"Name"`
	MinZoom     uint32    `yaml:"min_z" json:"min_z" validate:"lte=24"`
	MaxZoom     uint32    `yaml:"max_z" json:"max_z" validate:"lte=24,gtefield=MinZoom"`
	ReadSpacing float64   `yaml:"ReadSpacing" json:"ReadSpacing" validate:"gte=0"`
}

type namedDescriptor struct {
	key  string
	desc JobDescriptor
	// err is set when the entry could not be decoded into a descriptor.
	err error
}

// LoadJobs reads the jobs file at path. Invalid jobs are logged and dropped;
// if none remain ErrNoJobs is returned.
func LoadJobs(path string, logger *slog.Logger) ([]domain.MapJob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrConfigNotFound, path)
		}
		return nil, fmt.Errorf("read jobs file: %w", err)
	}

	jobs, rejected, err := ParseJobs(data)
	if err != nil {
		return nil, err
	}
	for _, rerr := range rejected {
		logger.Error("job dropped", "error", rerr)
	}
	if len(jobs) == 0 {
		return nil, apperrors.ErrNoJobs
	}
	return jobs, nil
}

// ParseJobs decodes a jobs document, keeping the order of the file. It
// returns the valid jobs and one error per rejected job. The returned error
// is only set when the document itself cannot be read.
func ParseJobs(data []byte) ([]domain.MapJob, []error, error) {
	entries, err := decodeYAML(data)
	if err != nil {
		// Tab-indented JSON is not valid YAML.
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return nil, nil, fmt.Errorf("%w: %v", apperrors.ErrConfiguration, err)
		}
		if entries, err = decodeJSON(trimmed); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", apperrors.ErrConfiguration, err)
		}
	}

	var (
		jobs     []domain.MapJob
		rejected []error
		seen     = make(map[string]bool, len(entries))
	)
	for _, e := range entries {
		if seen[e.key] {
			rejected = append(rejected, fmt.Errorf("%w: duplicate job %q", apperrors.ErrConfiguration, e.key))
			continue
		}
		seen[e.key] = true

		if e.err != nil {
			rejected = append(rejected, fmt.Errorf("%w: job %q: %v", apperrors.ErrConfiguration, e.key, e.err))
			continue
		}
		job, err := e.desc.toJob(e.key)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rejected, nil
}

func decodeYAML(data []byte) ([]namedDescriptor, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, errors.New("jobs file must be a mapping of job name to job")
	}

	entries := make([]namedDescriptor, 0, len(root.Content)/2)
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, value := root.Content[i], root.Content[i+1]
		var desc JobDescriptor
		entry := namedDescriptor{key: key.Value}
		if err := value.Decode(&desc); err != nil {
			entry.err = err
		}
		entry.desc = desc
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeJSON(data []byte) ([]namedDescriptor, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return nil, err
	}

	var entries []namedDescriptor
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		entry := namedDescriptor{key: key}
		if err := json.Unmarshal(raw, &entry.desc); err != nil {
			entry.err = err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (d JobDescriptor) toJob(key string) (domain.MapJob, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: job %q: %s", apperrors.ErrConfiguration, key, fmt.Sprintf(format, args...))
	}

	if key == "" {
		return domain.MapJob{}, invalid("empty job name")
	}
	if err := validation.Validator().Struct(d); err != nil {
		return domain.MapJob{}, invalid("%v", err)
	}

	mirrors := d.ServerParts
	if len(mirrors) == 0 {
		mirrors = []string{""}
	}
	if err := validation.ValidateTemplate(d.DownloadURL, mirrors); err != nil {
		return domain.MapJob{}, invalid("%v", err)
	}

	bbox := domain.BoundingBox{
		MinLon: d.BoundingBox[0],
		MinLat: d.BoundingBox[1],
		MaxLon: d.BoundingBox[2],
		MaxLat: d.BoundingBox[3],
	}
	if bbox.MinLon < -180 || bbox.MaxLon > 180 || bbox.MinLat < -90 || bbox.MaxLat > 90 {
		return domain.MapJob{}, invalid("bounding box %v out of range", d.BoundingBox)
	}
	if bbox.MinLon > bbox.MaxLon || bbox.MinLat > bbox.MaxLat {
		return domain.MapJob{}, invalid("bounding box %v is inverted", d.BoundingBox)
	}

	display := d.Name
	if display == "" {
		display = key
	}

	job := domain.MapJob{
		Name:        key,
		URLTemplate: d.DownloadURL,
		Mirrors:     append([]string(nil), mirrors...),
		BBox:        bbox,
		MinZoom:     d.MinZoom,
		MaxZoom:     d.MaxZoom,
		Spacing:     time.Duration(d.ReadSpacing * float64(time.Second)),
		ArchivePath: d.MBtilesDB,
		DisplayName: display,
	}

	if _, err := tiles.ForJob(job); err != nil {
		return domain.MapJob{}, invalid("%v", err)
	}
	return job, nil
}
