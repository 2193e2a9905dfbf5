package dataset

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Download fetches the split directories of an image-folder dataset repository on the hub and
// returns the local root to pass to Open. Files already in the local cache aren't downloaded again.
func Download(repoID, token string) (string, error) {
	repo := hub.New(repoID).WithType(hub.RepoTypeDataset).WithProgressBar(true)
	if token != "" {
		repo = repo.WithAuth(token)
	}
	if err := repo.DownloadInfo(false); err != nil {
		return "", errors.WithMessagef(err, "failed to get info of dataset %q", repoID)
	}

	var root string
	var count int
	for name, err := range repo.IterFileNames() {
		if err != nil {
			return "", errors.WithMessagef(err, "failed to list files of dataset %q", repoID)
		}
		if !inSplit(name) || !imageExtensions[strings.ToLower(path.Ext(name))] {
			continue
		}
		local, err := repo.DownloadFile(name)
		if err != nil {
			return "", errors.WithMessagef(err, "failed to download %q from dataset %q", name, repoID)
		}
		if root == "" {
			root = strings.TrimSuffix(local, filepath.FromSlash(name))
		}
		count++
	}
	if count == 0 {
		return "", errors.Errorf("dataset %q has no images under %v: only image-folder datasets are supported",
			repoID, Splits)
	}
	klog.Infof("dataset %q: %d images in %s", repoID, count, root)
	return filepath.Clean(root), nil
}

func inSplit(name string) bool {
	for _, split := range Splits {
		if strings.HasPrefix(name, string(split)+"/") {
			return true
		}
	}
	return false
}
