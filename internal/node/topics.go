package node

import "fmt"

// Topic layout from spec §6. topic_prefix is assumed already trimmed and
// validated by config.Config.Validate.
func cmdTopic(prefix, clientID string) string { return fmt.Sprintf("%s/%s/cmd", prefix, clientID) }
func resTopic(prefix, clientID string) string { return fmt.Sprintf("%s/%s/res", prefix, clientID) }

func replicationTopic(prefix string) string { return fmt.Sprintf("%s/replication/events", prefix) }

func syncRequestTopic(prefix, targetNode string) string {
	return fmt.Sprintf("%s/%s/sync/request", prefix, targetNode)
}
func syncResponseTopic(prefix, targetNode string) string {
	return fmt.Sprintf("%s/%s/sync/response", prefix, targetNode)
}
func syncKeysRequestTopic(prefix, targetNode string) string {
	return fmt.Sprintf("%s/%s/sync_keys/request", prefix, targetNode)
}
func syncKeysResponseTopic(prefix, targetNode string) string {
	return fmt.Sprintf("%s/%s/sync_keys/response", prefix, targetNode)
}
