package mqtt

import "fmt"

func TopicUnderstandRequests(prefix string) string {
	return fmt.Sprintf("%s/agent/+/understand/+", prefix)
}

func TopicReplies(prefix string) string {
	return fmt.Sprintf("%s/agent/+/reply/+", prefix)
}

func TopicReloads(prefix string) string {
	return fmt.Sprintf("%s/agent/+/reload", prefix)
}

func TopicUnderstand(prefix, agent, requestID string) string {
	return fmt.Sprintf("%s/agent/%s/understand/%s", prefix, agent, requestID)
}

func TopicReply(prefix, agent, requestID string) string {
	return fmt.Sprintf("%s/agent/%s/reply/%s", prefix, agent, requestID)
}

func TopicReload(prefix, agent string) string {
	return fmt.Sprintf("%s/agent/%s/reload", prefix, agent)
}
