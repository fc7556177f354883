package cache

import "fmt"

// 键语义：
// - roomKey(docID):   文档在线会话（ZSet<sessionId, expireAtUnix>，score=expireAt）
// - namesKey(docID):  会话 sessionId→username 映射（Hash）
// - cursorKey:        会话光标（String，带 TTL）
// - leaseKey(docID):  文档写权限租约（String，值为持有节点，带 TTL）

const (
	keyRoomFmt   = "presence:room:{docID:%s}"       // ZSet<sessionId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{docID:%s}" // Hash<sessionId -> username>
	keyCursorFmt = "presence:cursor:{docID:%s}:%s"
	keyLeaseFmt  = "lease:doc:{docID:%s}"
	roomPrefix   = "presence:room:{docID:"
)

func roomKey(docID string) string              { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string             { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, sessionID string) string { return fmt.Sprintf(keyCursorFmt, docID, sessionID) }
func leaseKey(docID string) string             { return fmt.Sprintf(keyLeaseFmt, docID) }
