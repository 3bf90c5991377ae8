package cache

import "fmt"

// 键语义：
// - roomKey(docID):   文档订阅者（ZSet<clientId, expireAtUnix>，score=expireAt）
// - docsKey():        有订阅者的文档索引集合（Set<docID>）

const (
	keyRoomFmt = "presence:room:{docID:%s}" // ZSet<clientId, expireAtUnix>
	keyDocsSet = "presence:docs"            // Set<docID>
)

func roomKey(docID string) string { return fmt.Sprintf(keyRoomFmt, docID) }
func docsKey() string             { return keyDocsSet }
