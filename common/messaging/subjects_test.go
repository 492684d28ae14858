package messaging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNodeDeliverSubject(t *testing.T) {
	assert.Equal(t, "relay.ws.deliver.node-a", NodeDeliverSubject("node-a"))
}

func TestSubjectsFollowNamingPattern(t *testing.T) {
	subjects := []string{
		SubjectWSDeliver,
		SubjectWSBroadcast,
		SubjectStepsRender,
		SubjectStepsResults,
		SubjectMessageState,
		SubjectSubscriberPresence,
	}

	seen := make(map[string]bool)
	for _, s := range subjects {
		parts := strings.Split(s, ".")
		assert.Len(t, parts, 3, "subject %q", s)
		assert.Equal(t, "relay", parts[0], "subject %q", s)
		assert.False(t, seen[s], "duplicate subject %q", s)
		seen[s] = true
	}
}
