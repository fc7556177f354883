package collab

import (
	"errors"

	"github.com/jonathan-k-shapiro/md-editor/backend/internal/oplog"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/ot"
	"github.com/jonathan-k-shapiro/md-editor/backend/internal/store"
)

var (
	ErrStaleBase        = oplog.ErrStaleBase
	ErrInvalidOperation = ot.ErrInvalidOperation
	ErrSequenceConflict = oplog.ErrSequenceConflict

	// 文档正在对账，不接受新的加入；提交会排队，队列满时也返回它
	ErrDocumentLocked        = errors.New("DOCUMENT_LOCKED")
	ErrDuplicateOrOutOfOrder = errors.New("DUPLICATE_OR_OUT_OF_ORDER")
	ErrSessionNotFound       = errors.New("SESSION_NOT_FOUND")
	// 写权限租约被其他节点持有
	ErrNotOwner       = errors.New("NOT_OWNER")
	ErrNotReconciling = errors.New("NOT_RECONCILING")
	// 文档在本节点没有活副本
	ErrNotLive = errors.New("NOT_LIVE")
	// 对账后内容里留有冲突标记，需要人工解决
	ErrUnresolvedConflict = errors.New("UNRESOLVED_CONFLICT")

	errReplicaClosed = errors.New("replica closed")
)

// Code 把错误映射成对外的错误码，ws 和 http 共用
func Code(err error) string {
	for _, e := range []error{
		ErrStaleBase,
		ErrInvalidOperation,
		ErrSequenceConflict,
		ErrDocumentLocked,
		ErrDuplicateOrOutOfOrder,
		ErrSessionNotFound,
		ErrNotOwner,
		ErrNotReconciling,
		ErrNotLive,
		ErrUnresolvedConflict,
		store.ErrNotFound,
		store.ErrDocumentExists,
		ErrAcquireTimeout,
	} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	return "INTERNAL"
}
