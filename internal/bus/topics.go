package bus

import (
	"strings"

	"github.com/basket/go-fleet/internal/events"
)

// Fixed topics. Every project additionally has a project:<id> topic.
const (
	TopicAll    = "all"
	TopicIssues = "issues"
	TopicAgents = "agents"
	TopicSystem = "system"

	projectPrefix = "project:"
)

var fixedTopics = []string{TopicAll, TopicIssues, TopicAgents, TopicSystem}

// routes maps each event type to the fixed topics it is published on, beside
// all and the project topic.
var routes = map[events.Type][]string{
	events.TypeIssueCreated:       {TopicIssues},
	events.TypeIssueStateChanged:  {TopicIssues},
	events.TypeIssueBlocked:       {TopicIssues, TopicAgents},
	events.TypeIssueUnblocked:     {TopicIssues, TopicAgents},
	events.TypeIssueAssigned:      {TopicIssues, TopicAgents},
	events.TypeIssueUnassigned:    {TopicIssues, TopicAgents},
	events.TypeIssueCompleted:     {TopicIssues, TopicAgents},
	events.TypeAgentStatusChanged: {TopicAgents},
	events.TypeSystemSnapshot:     {TopicSystem},
	events.TypeSystemError:        {TopicSystem},
	events.TypeSystemAlert:        {TopicSystem},
}

// ProjectTopic returns the topic scoped to projectID.
func ProjectTopic(projectID string) string {
	return projectPrefix + projectID
}

// ValidTopic reports whether topic is a fixed topic or a well-formed project
// topic.
func ValidTopic(topic string) bool {
	for _, t := range fixedTopics {
		if t == topic {
			return true
		}
	}
	id, ok := strings.CutPrefix(topic, projectPrefix)
	return ok && strings.TrimSpace(id) != ""
}

// AvailableTopics lists the topics a client may subscribe to, with the
// parameterized project topic shown as a pattern.
func AvailableTopics() []string {
	out := make([]string, 0, len(fixedTopics)+1)
	out = append(out, fixedTopics...)
	return append(out, projectPrefix+"<project_id>")
}

// TopicsFor computes the topic set env is published on.
func TopicsFor(env events.Envelope) []string {
	out := []string{TopicAll}
	out = append(out, routes[env.EventType]...)
	if env.ProjectID != "" {
		out = append(out, ProjectTopic(env.ProjectID))
	}
	return out
}
