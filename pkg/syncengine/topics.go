package syncengine

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/chittyos/chittycore/pkg/canonical"
	"github.com/chittyos/chittycore/pkg/contracts"
)

// MetaFilePath is the todo metadata key naming the file the work touches.
// Its tokens take part in topic classification.
const MetaFilePath = "file_path"

// MaxTopicsPerTodo caps how many topics a single todo carries.
const MaxTopicsPerTodo = 8

// Keyword hits in the content outweigh hits in the active form or the
// file path.
const (
	contentWeight    = 2.0
	activeFormWeight = 1.0
	filePathWeight   = 1.0
)

// TopicRule maps one topic to the keywords that vote for it. Keywords are
// compared against folded tokens, so inflected variants must be listed
// explicitly.
type TopicRule struct {
	Topic    string   `json:"topic"`
	Keywords []string `json:"keywords"`
}

// DefaultTopicRules returns the built-in heuristic classifiers.
func DefaultTopicRules() []TopicRule {
	return []TopicRule{
		{Topic: "bugfix", Keywords: []string{
			"fix", "fixes", "fixed", "fixing", "bug", "bugs", "crash", "crashes",
			"regression", "broken", "fault", "patch", "repair",
		}},
		{Topic: "feature", Keywords: []string{
			"add", "adds", "added", "adding", "implement", "implements",
			"implemented", "support", "introduce", "create", "new", "feature",
		}},
		{Topic: "refactor", Keywords: []string{
			"refactor", "refactors", "refactored", "restructure", "cleanup",
			"simplify", "rename", "extract", "rework", "dedupe",
		}},
		{Topic: "deployment", Keywords: []string{
			"deploy", "deploys", "deployed", "deployment", "release", "releases",
			"rollout", "ship", "publish", "provision", "infra",
		}},
		{Topic: "testing", Keywords: []string{
			"test", "tests", "tested", "testing", "coverage", "fixture",
			"fixtures", "mock", "mocks", "assert", "e2e", "flake", "flaky",
		}},
		{Topic: "documentation", Keywords: []string{
			"doc", "docs", "document", "documented", "readme", "changelog",
			"guide", "comment", "comments", "docstring",
		}},
		{Topic: "security", Keywords: []string{
			"security", "vulnerability", "cve", "auth", "authentication",
			"authorization", "permission", "permissions", "injection",
			"secret", "secrets", "sanitize", "leak",
		}},
		{Topic: "performance", Keywords: []string{
			"performance", "slow", "latency", "optimize", "optimized",
			"optimization", "cache", "caching", "benchmark", "profiling",
			"throughput",
		}},
	}
}

// Classifier assigns topics to todos by keyword vote over the content,
// active form, and file path.
type Classifier struct {
	index map[string][]string
	limit int
}

// NewClassifier builds a classifier from the given rules; nil rules select
// DefaultTopicRules.
func NewClassifier(rules []TopicRule) *Classifier {
	if rules == nil {
		rules = DefaultTopicRules()
	}
	index := make(map[string][]string)
	for _, rule := range rules {
		for _, kw := range rule.Keywords {
			folded := canonical.NormalizeName(kw)
			if folded == "" {
				continue
			}
			index[folded] = append(index[folded], rule.Topic)
		}
	}
	return &Classifier{index: index, limit: MaxTopicsPerTodo}
}

// Classify scores every topic against the todo and returns the primary
// (highest-scoring) topic plus at most MaxTopicsPerTodo topics ordered by
// score. Ties break alphabetically so results are stable.
func (c *Classifier) Classify(todo *contracts.Todo) (primary string, topics []string) {
	if todo == nil {
		return "", nil
	}
	scores := make(map[string]float64)
	c.vote(scores, todo.Content, contentWeight)
	c.vote(scores, todo.ActiveForm, activeFormWeight)
	if filePath, ok := todo.Metadata[MetaFilePath].(string); ok {
		c.vote(scores, filePath, filePathWeight)
	}
	if len(scores) == 0 {
		return "", nil
	}
	topics = make([]string, 0, len(scores))
	for topic := range scores {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool {
		if scores[topics[i]] != scores[topics[j]] {
			return scores[topics[i]] > scores[topics[j]]
		}
		return topics[i] < topics[j]
	})
	if len(topics) > c.limit {
		topics = topics[:c.limit]
	}
	return topics[0], topics
}

// Tag stamps the todo's Topics and PrimaryTopic in place.
func (c *Classifier) Tag(todo *contracts.Todo) {
	primary, topics := c.Classify(todo)
	todo.PrimaryTopic = primary
	todo.Topics = topics
}

func (c *Classifier) vote(scores map[string]float64, text string, weight float64) {
	for _, token := range tokens(text) {
		for _, topic := range c.index[token] {
			scores[topic] += weight
		}
	}
}

// tokens folds the text and splits on anything that is not a letter or
// digit, so "auth/login_test.go" votes with auth, login, test, and go.
func tokens(text string) []string {
	if text == "" {
		return nil
	}
	return strings.FieldsFunc(canonical.NormalizeName(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// topicIndex maps live todo ids to their topics for the project-level index.
func topicIndex(todos []contracts.Todo) map[string][]string {
	index := make(map[string][]string)
	for i := range todos {
		if todos[i].Deleted() || len(todos[i].Topics) == 0 {
			continue
		}
		index[todos[i].ID] = todos[i].Topics
	}
	return index
}

// TopicSummary counts the project's live canonical todos per topic.
func (s *Service) TopicSummary(ctx context.Context, projectID string) (map[string]int, error) {
	if _, err := s.getProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.TopicCounts(ctx, projectID)
}

// TodosByTopic returns the project's live canonical todos carrying the
// topic, in canonical order.
func (s *Service) TodosByTopic(ctx context.Context, projectID, topic string) ([]contracts.Todo, error) {
	project, err := s.getProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ids, err := s.store.TodoIDsByTopic(ctx, projectID, topic)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var todos []contracts.Todo
	for i := range project.CanonicalState {
		t := project.CanonicalState[i]
		if want[t.ID] && !t.Deleted() {
			todos = append(todos, t)
		}
	}
	return todos, nil
}
