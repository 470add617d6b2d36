package syncengine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chittyos/chittycore/pkg/contracts"
)

func TestClassifyPicksHighestScoringPrimary(t *testing.T) {
	c := NewClassifier(nil)

	primary, topics := c.Classify(&contracts.Todo{
		Content:    "Fix crash in the upload handler",
		ActiveForm: "Fixing upload crash",
	})
	assert.Equal(t, "bugfix", primary)
	assert.Equal(t, []string{"bugfix"}, topics)
}

func TestClassifyVotesAcrossSources(t *testing.T) {
	c := NewClassifier(nil)

	// Content hits weigh 2, active form and file path 1 each:
	// deployment 2+1+1, testing 2+1+1, feature 2+1.
	primary, topics := c.Classify(&contracts.Todo{
		Content:    "Add coverage for the release pipeline",
		ActiveForm: "Adding release tests",
		Metadata:   map[string]any{MetaFilePath: "ci/deploy_test.go"},
	})
	assert.Equal(t, "deployment", primary)
	assert.Equal(t, []string{"deployment", "testing", "feature"}, topics)
}

func TestClassifyFoldsCase(t *testing.T) {
	c := NewClassifier(nil)

	primary, _ := c.Classify(&contracts.Todo{Content: "FIX THE CRASH"})
	assert.Equal(t, "bugfix", primary)
}

func TestClassifyCapsTopics(t *testing.T) {
	rules := make([]TopicRule, 0, 10)
	for i := 0; i < 10; i++ {
		rules = append(rules, TopicRule{
			Topic:    fmt.Sprintf("topic-%02d", i),
			Keywords: []string{"everything"},
		})
	}
	c := NewClassifier(rules)

	primary, topics := c.Classify(&contracts.Todo{Content: "everything"})
	assert.Equal(t, "topic-00", primary)
	assert.Len(t, topics, MaxTopicsPerTodo)
}

func TestClassifyReturnsNothingWithoutHits(t *testing.T) {
	c := NewClassifier(nil)

	primary, topics := c.Classify(&contracts.Todo{Content: "reticulate splines"})
	assert.Empty(t, primary)
	assert.Empty(t, topics)
}

func TestTopicIndexSkipsDeletedTodos(t *testing.T) {
	deleted := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	index := topicIndex([]contracts.Todo{
		{ID: "t1", Topics: []string{"bugfix"}},
		{ID: "t2", Topics: []string{"bugfix"}, DeletedAt: &deleted},
		{ID: "t3"},
	})
	assert.Equal(t, map[string][]string{"t1": {"bugfix"}}, index)
}
