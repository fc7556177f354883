// Package vcs 是外部版本库的适配层。核心只需要三件事：
// 读某个路径的当前 head、读某个提交里的内容、基于父提交写一个新提交。
package vcs

import (
	"context"
	"errors"
)

var (
	// 路径的 head 已经不是调用方给出的父提交
	ErrHeadMoved = errors.New("HEAD_MOVED")
	// 提交里没有这个文件
	ErrPathNotFound = errors.New("PATH_NOT_FOUND")
	ErrInvalidRef   = errors.New("INVALID_REF")
	// 共享工作区里有别人未提交的改动
	ErrDirtyWorktree = errors.New("DIRTY_WORKTREE")
)

type History interface {
	// Head 返回最近一次改动 path 的提交；从未提交过时返回 ""
	Head(ctx context.Context, path string) (string, error)
	ContentAt(ctx context.Context, ref, path string) (string, error)
	// Commit 内容与 parentRef 相同时不产生新提交，直接返回 parentRef
	Commit(ctx context.Context, parentRef, path, content, message string) (string, error)
}
