package model

import (
	"os"
	"path/filepath"
	"slices"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// NewHubRepo returns a handle to a model repository on the hub, authenticated when token is set.
func NewHubRepo(repoID, token string) *hub.Repo {
	repo := hub.New(repoID).WithProgressBar(true)
	if token != "" {
		repo = repo.WithAuth(token)
	}
	return repo
}

// DownloadModel downloads files from a model repository into the local cache and returns their
// local paths, in the same order.
func DownloadModel(repoID, token string, files ...string) ([]string, error) {
	repo := NewHubRepo(repoID, token)
	if err := repo.DownloadInfo(false); err != nil {
		return nil, errors.WithMessagef(err, "failed to get info of model %q", repoID)
	}
	paths := make([]string, 0, len(files))
	for _, file := range files {
		path, err := repo.DownloadFile(file)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to download %q from %q", file, repoID)
		}
		klog.V(1).Infof("%s/%s -> %s", repoID, file, path)
		paths = append(paths, path)
	}
	return paths, nil
}

// HasFile reports whether the repository lists file.
func HasFile(repo *hub.Repo, file string) (bool, error) {
	for name, err := range repo.IterFileNames() {
		if err != nil {
			return false, errors.WithMessagef(err, "failed to list files")
		}
		if name == file {
			return true, nil
		}
	}
	return false, nil
}

// ExternalDataSuffix is appended to an ONNX file name for the file holding its weights, used by
// exports larger than the 2GB protobuf limit.
const ExternalDataSuffix = "_data"

// DownloadONNX downloads an ONNX model file, and its external data file when the repository has
// one, and returns the local path of the model. A file that exists on local disk is used as is.
func DownloadONNX(repoID, token, file string) (string, error) {
	if info, err := os.Stat(file); err == nil && !info.IsDir() {
		klog.V(1).Infof("Using local ONNX model %s", file)
		return file, nil
	}
	repo := NewHubRepo(repoID, token)
	if err := repo.DownloadInfo(false); err != nil {
		return "", errors.WithMessagef(err, "failed to get info of model %q", repoID)
	}
	found, err := HasFile(repo, file)
	if err != nil {
		return "", errors.WithMessagef(err, "model %q", repoID)
	}
	if !found {
		return "", errors.Errorf("model %q has no %s: export it with "+
			"`optimum-cli export onnx --task feature-extraction --model %s <dir>` and set model_file to the exported model.onnx",
			repoID, file, repoID)
	}
	files := []string{file}
	hasData, err := HasFile(repo, file+ExternalDataSuffix)
	if err != nil {
		return "", errors.WithMessagef(err, "model %q", repoID)
	}
	if hasData {
		files = append(files, file+ExternalDataSuffix)
	}
	paths, err := DownloadModel(repoID, token, files...)
	if err != nil {
		return "", err
	}
	return paths[0], nil
}

// DownloadRepo downloads every file of a model repository, such as a training output directory
// pushed to the hub, and returns the local directory holding them.
func DownloadRepo(repoID, token string) (string, error) {
	repo := NewHubRepo(repoID, token)
	if err := repo.DownloadInfo(false); err != nil {
		return "", errors.WithMessagef(err, "failed to get info of model %q", repoID)
	}
	var files []string
	for name, err := range repo.IterFileNames() {
		if err != nil {
			return "", errors.WithMessagef(err, "failed to list files of %q", repoID)
		}
		files = append(files, name)
	}
	if !slices.Contains(files, ConfigFile) {
		return "", errors.Errorf("model %q has no %s", repoID, ConfigFile)
	}
	paths, err := DownloadModel(repoID, token, files...)
	if err != nil {
		return "", err
	}
	return filepath.Dir(paths[slices.Index(files, ConfigFile)]), nil
}
