package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenylistEntriesAreWellFormed(t *testing.T) {
	seen := make(map[string]bool)
	for _, c := range Denylist {
		t.Run(c.Name, func(t *testing.T) {
			assert.False(t, seen[c.Name], "duplicate entry")
			seen[c.Name] = true

			assert.NotEmpty(t, c.Category)
			assert.Contains(t, []Behavior{Block, NoOp, Remove}, c.Behavior)
			assert.Contains(t, []Kind{KindFunction, KindObject, KindProperty}, c.Kind)

			if c.Kind == KindObject {
				assert.NotEmpty(t, c.Methods, "object stand-ins need methods")
			} else {
				assert.Empty(t, c.Methods)
			}
		})
	}
}

func TestDenylistCoversRequiredSurfaces(t *testing.T) {
	required := map[string]Category{
		"fetch":          CategoryNetwork,
		"XMLHttpRequest": CategoryNetwork,
		"WebSocket":      CategoryNetwork,
		"localStorage":   CategoryStorage,
		"indexedDB":      CategoryStorage,
		"open":           CategoryNavigation,
		"location":       CategoryNavigation,
		"document.write": CategoryHostMutation,
		"Notification":   CategoryNotification,
		"eval":           CategoryEvaluation,
	}

	for name, category := range required {
		c, ok := Lookup(name)
		require.True(t, ok, name)
		assert.Equal(t, category, c.Category, name)
	}
}

func TestNetworkPrimitivesBlock(t *testing.T) {
	for _, c := range ByCategory(CategoryNetwork) {
		assert.Equal(t, Block, c.Behavior, c.Name)
	}
}

func TestPathAndMessage(t *testing.T) {
	c, ok := Lookup("navigator.sendBeacon")
	require.True(t, ok)

	parents, leaf := c.Path()
	assert.Equal(t, []string{"navigator"}, parents)
	assert.Equal(t, "sendBeacon", leaf)
	assert.Equal(t, `network capability "navigator.sendBeacon" is not available in the sandbox`, c.Message())

	storage, _ := Lookup("localStorage")
	assert.Contains(t, storage.MethodMessage("setItem"), `"localStorage.setItem"`)
}

func TestTableReturnsCopy(t *testing.T) {
	table := Table()
	table[0].Name = "mutated"

	_, ok := Lookup("fetch")
	assert.True(t, ok)
	assert.Equal(t, "fetch", Denylist[0].Name)
}
