package cache

import "fmt"

// 键语义：
// - refSeqKey(docID):  在线客户端已处理到的 seq（ZSet<clientId, refSeq>，score=refSeq）
// - expireKey(docID):  在线客户端的逻辑 TTL（ZSet<clientId, expireAtUnix>，score=expireAt）
// - docsKey():         有在线客户端的文档索引（Set<docID>）

// {docID:%s} 作为 hash tag，保证同一文档的两个 ZSet 落在同一个 slot，Lua 脚本才能同时操作

const (
	keyRefSeqFmt = "collab:refseq:{docID:%s}" // ZSet<clientId, refSeq>
	keyExpireFmt = "collab:expire:{docID:%s}" // ZSet<clientId, expireAtUnix>
	keyDocsSet   = "collab:docs"              // Set<docID>
)

func refSeqKey(docID string) string { return fmt.Sprintf(keyRefSeqFmt, docID) }
func expireKey(docID string) string { return fmt.Sprintf(keyExpireFmt, docID) }
func docsKey() string               { return keyDocsSet }
