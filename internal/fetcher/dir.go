/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package fetcher

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/kentakayama/uptane-primary/internal/uptane"
)

const (
	MetadataDir      = "metadata"
	DirectorDir      = "director"
	ImageRepoDir     = "image-repo"
	ImagesDir        = "images"
	offlineFileLimit = 1 << 30
)

// DirFetcher reads metadata from an offline update source laid out as
// metadata/director, metadata/image-repo and images/.
type DirFetcher struct {
	root string
}

func NewDirFetcher(root string) *DirFetcher {
	return &DirFetcher{root: root}
}

func (f *DirFetcher) Root() string { return f.root }

func (f *DirFetcher) repoDir(repo uptane.RepositoryType) string {
	if repo == uptane.RepoDirector {
		return filepath.Join(f.root, MetadataDir, DirectorDir)
	}
	return filepath.Join(f.root, MetadataDir, ImageRepoDir)
}

func (f *DirFetcher) FetchRole(ctx context.Context, repo uptane.RepositoryType, role uptane.Role, version uptane.Version, maxSize int64) ([]byte, error) {
	name := version.RoleFileName(role)
	if role.IsDelegation() {
		name = filepath.Join(delegationsPath, name)
	}
	return f.read(ctx, repo, role.String(), name, maxSize)
}

// FetchNamed reads metadata stored under an arbitrary file name, as the
// offline-updates documents listed by an offline snapshot are.
func (f *DirFetcher) FetchNamed(ctx context.Context, repo uptane.RepositoryType, name string, maxSize int64) ([]byte, error) {
	name = filepath.Base(name)
	return f.read(ctx, repo, name, name+".json", maxSize)
}

// HasNamed reports whether metadata with the given name exists.
func (f *DirFetcher) HasNamed(repo uptane.RepositoryType, name string) bool {
	st, err := os.Stat(filepath.Join(f.repoDir(repo), filepath.Base(name)+".json"))
	return err == nil && st.Mode().IsRegular()
}

// ImagePath returns the location of an image inside the source.
func (f *DirFetcher) ImagePath(filename string) string {
	return filepath.Join(f.root, ImagesDir, filepath.Base(filename))
}

func (f *DirFetcher) read(ctx context.Context, repo uptane.RepositoryType, role, name string, maxSize int64) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, uptane.NewLocallyAborted(repo.String())
	}
	file, err := os.Open(filepath.Join(f.repoDir(repo), name))
	if err != nil {
		return nil, uptane.NewMetadataFetchFailure(repo.String(), role)
	}
	defer file.Close()

	limit := maxSize
	if limit <= 0 {
		limit = offlineFileLimit
	}
	raw, err := io.ReadAll(io.LimitReader(file, limit+1))
	if err != nil {
		return nil, uptane.NewMetadataFetchFailure(repo.String(), role)
	}
	if int64(len(raw)) > limit {
		return nil, uptane.NewOversizedMetadata(repo.String(), role)
	}
	return raw, nil
}
