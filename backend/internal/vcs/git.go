package vcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type Signature struct {
	Name  string
	Email string
}

// GitRepo 基于本地工作区仓库。其他工具可以直接往这个仓库提交，
// Head 每次都重新读取，不做缓存。
type GitRepo struct {
	mu     sync.Mutex
	root   string
	repo   *gogit.Repository
	author Signature
}

// Open 打开仓库，不存在时初始化一个
func Open(root string, author Signature) (*GitRepo, error) {
	repo, err := gogit.PlainOpen(root)
	if errors.Is(err, gogit.ErrRepositoryNotExists) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, err
		}
		repo, err = gogit.PlainInit(root, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", root, err)
	}
	return &GitRepo{root: root, repo: repo, author: author}, nil
}

func (g *GitRepo) Root() string { return g.root }

// Ping 供健康检查使用：仓库可读即可，空仓库没有 HEAD 也算正常
func (g *GitRepo) Ping(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, err := g.repo.Head(); err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return err
	}
	return nil
}

func cleanPath(path string) (string, error) {
	p := filepath.ToSlash(filepath.Clean(path))
	if p == "." || strings.HasPrefix(p, "../") || filepath.IsAbs(path) {
		return "", fmt.Errorf("invalid document path %q", path)
	}
	return p, nil
}

func (g *GitRepo) Head(ctx context.Context, path string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.head(ctx, path)
}

func (g *GitRepo) head(ctx context.Context, path string) (string, error) {
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	ref, err := g.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// 空仓库
		return "", nil
	}
	if err != nil {
		return "", err
	}
	iter, err := g.repo.Log(&gogit.LogOptions{
		From:       ref.Hash(),
		PathFilter: func(commitPath string) bool { return commitPath == p },
	})
	if err != nil {
		return "", err
	}
	defer iter.Close()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	c, err := iter.Next()
	if errors.Is(err, io.EOF) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return c.Hash.String(), nil
}

func (g *GitRepo) ContentAt(ctx context.Context, ref, path string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.contentAt(ref, path)
}

func (g *GitRepo) contentAt(ref, path string) (string, error) {
	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	if !plumbing.IsHash(ref) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	commit, err := g.repo.CommitObject(plumbing.NewHash(ref))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidRef, ref, err)
	}
	f, err := commit.File(p)
	if errors.Is(err, object.ErrFileNotFound) {
		return "", ErrPathNotFound
	}
	if err != nil {
		return "", err
	}
	return f.Contents()
}

func (g *GitRepo) Commit(ctx context.Context, parentRef, path, content, message string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	cur, err := g.head(ctx, p)
	if err != nil {
		return "", err
	}
	if cur != parentRef {
		return "", fmt.Errorf("%w: %s head is %q, expected %q", ErrHeadMoved, p, cur, parentRef)
	}
	if parentRef != "" {
		old, err := g.contentAt(parentRef, p)
		if err == nil && old == content {
			return parentRef, nil
		}
		if err != nil && !errors.Is(err, ErrPathNotFound) {
			return "", err
		}
	}

	w, err := g.repo.Worktree()
	if err != nil {
		return "", err
	}
	if err := checkWorktree(w, p); err != nil {
		return "", err
	}

	full := filepath.Join(g.root, filepath.FromSlash(p))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return "", err
	}
	if _, err := w.Add(p); err != nil {
		return "", fmt.Errorf("stage %s: %w", p, err)
	}
	hash, err := w.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  g.author.Name,
			Email: g.author.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit %s: %w", p, err)
	}
	return hash.String(), nil
}

// checkWorktree 工作区是共享的，不能覆盖别人的改动：
// 文档本身有未提交的修改，或者其他文件已经暂存（会被一起提交），都拒绝写入。
// 其他文件未暂存的修改和未跟踪文件不受影响。
func checkWorktree(w *gogit.Worktree, path string) error {
	status, err := w.Status()
	if err != nil {
		return fmt.Errorf("worktree status: %w", err)
	}
	for file, s := range status {
		if file == path {
			if s.Staging != gogit.Unmodified || s.Worktree != gogit.Unmodified {
				return fmt.Errorf("%w: %s has uncommitted changes", ErrDirtyWorktree, file)
			}
			continue
		}
		if s.Staging != gogit.Unmodified && s.Staging != gogit.Untracked {
			return fmt.Errorf("%w: %s is staged", ErrDirtyWorktree, file)
		}
	}
	return nil
}

var _ History = (*GitRepo)(nil)
