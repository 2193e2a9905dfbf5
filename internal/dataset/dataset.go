// Package dataset reads labeled image datasets laid out as <root>/<split>/<label>/<image>.
package dataset

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/Brownie44l1/beit-classifier/internal/model"
)

// Split names a partition of the dataset.
type Split string

const (
	Train      Split = "train"
	Validation Split = "validation"
	Test       Split = "test"
)

// Splits lists the partitions a dataset must have.
var Splits = []Split{Train, Validation, Test}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// Example is one labeled image.
type Example struct {
	Path  string
	Label int
}

// Dataset is the index of a labeled image dataset: images are only read when loaded in batches.
type Dataset struct {
	Root   string
	Labels *model.LabelMap
	Splits map[Split][]Example
}

// Open scans the dataset under root. Labels are the sorted names of the class directories found
// in any split.
func Open(root string) (*Dataset, error) {
	files := make(map[Split]map[string][]string, len(Splits))
	labelSet := make(map[string]bool)
	for _, split := range Splits {
		byLabel, err := scanSplit(filepath.Join(root, string(split)))
		if err != nil {
			return nil, errors.WithMessagef(err, "dataset %q, split %q", root, split)
		}
		files[split] = byLabel
		for label := range byLabel {
			labelSet[label] = true
		}
	}

	names := make([]string, 0, len(labelSet))
	for label := range labelSet {
		names = append(names, label)
	}
	slices.Sort(names)
	labels, err := model.NewLabelMap(names)
	if err != nil {
		return nil, errors.WithMessagef(err, "dataset %q has no labels", root)
	}

	ds := &Dataset{Root: root, Labels: labels, Splits: make(map[Split][]Example, len(Splits))}
	for _, split := range Splits {
		var examples []Example
		for id, label := range names {
			for _, path := range files[split][label] {
				examples = append(examples, Example{Path: path, Label: id})
			}
		}
		if len(examples) == 0 {
			return nil, errors.Errorf("dataset %q: split %q has no images", root, split)
		}
		ds.Splits[split] = examples
		klog.V(1).Infof("dataset %s: %d images", split, len(examples))
	}
	return ds, nil
}

// scanSplit returns the image paths of each label directory of one split, sorted by path.
func scanSplit(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read split directory")
	}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("scanning "+filepath.Base(dir)),
		progressbar.OptionSetVisibility(klog.V(1).Enabled()),
		progressbar.OptionShowCount())
	defer func() { _ = bar.Finish() }()

	byLabel := make(map[string][]string)
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		labelDir := filepath.Join(dir, entry.Name())
		err := filepath.WalkDir(labelDir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !isImage(path) {
				return nil
			}
			byLabel[entry.Name()] = append(byLabel[entry.Name()], path)
			return bar.Add(1)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to scan %q", labelDir)
		}
	}
	for _, paths := range byLabel {
		slices.Sort(paths)
	}
	return byLabel, nil
}

// isImage recognizes images by extension, sniffing the content of files without a known one.
func isImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if imageExtensions[ext] {
		return true
	}
	if ext != "" || strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	mime, err := mimetype.DetectFile(path)
	return err == nil && strings.HasPrefix(mime.String(), "image/")
}
