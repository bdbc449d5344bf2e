package source

import (
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
)

// Kind tells how a package source location is fetched.
type Kind string

const (
	KindLocal Kind = "local"
	KindGit   Kind = "git"
)

// Source is a location holding one or more .apkg package files: a local
// file or directory, or a git repository that is cloned and kept pulled.
type Source struct {
	Kind Kind
	Path string // local path, or git URL
}

// Detect classifies a raw location string.
func Detect(raw string) Source {
	if strings.HasSuffix(raw, ".git") || strings.HasPrefix(raw, "git@") ||
		strings.HasPrefix(raw, "https://") || strings.HasPrefix(raw, "http://") {
		return Source{Kind: KindGit, Path: raw}
	}
	return Source{Kind: KindLocal, Path: raw}
}

// Packages resolves the source to the package files it holds. Git sources
// are synced into reposDir first.
func (s Source) Packages(reposDir string, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	root := s.Path
	if s.Kind == KindGit {
		localPath, err := localRepoPath(reposDir, s.Path)
		if err != nil {
			return nil, err
		}
		if err := syncRepo(s.Path, localPath, logger); err != nil {
			return nil, err
		}
		root = localPath
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat source %s: %w", root, err)
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var packages []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(strings.ToLower(d.Name()), ".apkg") {
			packages = append(packages, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk source %s: %w", root, err)
	}
	sort.Strings(packages)
	return packages, nil
}

// syncRepo clones the repository if it is not present at localPath, or
// pulls the latest changes if it is.
func syncRepo(url, localPath string, logger *slog.Logger) error {
	_, err := os.Stat(localPath)
	if os.IsNotExist(err) {
		logger.Info("Cloning package repository", "url", url, "path", localPath)
		if _, err := git.PlainClone(localPath, false, &git.CloneOptions{URL: url}); err != nil {
			return fmt.Errorf("clone repo %s: %w", url, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("check path %s: %w", localPath, err)
	}

	logger.Info("Pulling package repository", "path", localPath)
	repo, err := git.PlainOpen(localPath)
	if err != nil {
		return fmt.Errorf("open existing repo at %s: %w", localPath, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("get worktree for repo at %s: %w", localPath, err)
	}
	if err := worktree.Pull(&git.PullOptions{RemoteName: "origin"}); err != nil && err != git.NoErrAlreadyUpToDate {
		return fmt.Errorf("pull changes for repo at %s: %w", localPath, err)
	}
	return nil
}

// localRepoPath maps a git URL to its checkout path under baseDir.
func localRepoPath(baseDir, repoURL string) (string, error) {
	parsedURL, err := url.Parse(repoURL)
	if err != nil || (parsedURL.Scheme != "https" && parsedURL.Scheme != "http") {
		if strings.Contains(repoURL, "@") {
			parts := strings.Split(repoURL, ":")
			if len(parts) == 2 {
				hostAndUser := strings.Split(parts[0], "@")
				if len(hostAndUser) == 2 {
					host := hostAndUser[1]
					repoPath := strings.TrimSuffix(parts[1], ".git")
					return filepath.Join(baseDir, host, repoPath), nil
				}
			}
		}
		return "", fmt.Errorf("could not parse git URL: %s", repoURL)
	}

	sanitizedPath := strings.TrimSuffix(parsedURL.Path, ".git")
	return filepath.Join(baseDir, parsedURL.Host, sanitizedPath), nil
}
