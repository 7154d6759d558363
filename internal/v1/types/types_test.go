package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDocNameValidate(t *testing.T) {
	assert.NoError(t, DocNameType("https://admin.da.live/source/org/repo/page.html").Validate())
	assert.Error(t, DocNameType("").Validate())
	assert.Error(t, DocNameType("has space").Validate())
	assert.Error(t, DocNameType("has\ttab").Validate())
	assert.Error(t, DocNameType("has\nnewline").Validate())
}

func TestParseActionSet(t *testing.T) {
	actions := ParseActionSet("read=allow,write=deny")
	assert.Equal(t, "allow", actions["read"])
	assert.Equal(t, "deny", actions["write"])

	actions = ParseActionSet(" read = allow , write = allow ")
	assert.Equal(t, "allow", actions["write"])

	// Bare tokens grant everything.
	actions = ParseActionSet("allow")
	assert.Equal(t, "allow", actions["allow"])

	assert.Empty(t, ParseActionSet(""))
}

func TestActionSetCanWrite(t *testing.T) {
	assert.True(t, ParseActionSet("read=allow,write=allow").CanWrite())
	assert.True(t, ParseActionSet("allow").CanWrite())
	assert.False(t, ParseActionSet("read=allow,write=deny").CanWrite())
	assert.False(t, ParseActionSet("read=allow").CanWrite())
	assert.False(t, ActionSet(nil).CanWrite())
}
