package consts

const (
	// IMDedupKey 发送幂等键前缀，后接 "{senderID}:{dedupID}"
	IMDedupKey = "im:dedup:"
)
