package doc

import (
	"testing"

	"github.com/go-go-golems/glazed/pkg/help"
	"github.com/stretchr/testify/require"
)

func TestAddDocToHelpSystem(t *testing.T) {
	hs := help.NewHelpSystem()
	require.NoError(t, AddDocToHelpSystem(hs))

	for _, slug := range []string{"asynclang-threads", "asynclang-prompt-example"} {
		section, err := hs.GetSectionWithSlug(slug)
		require.NoError(t, err, slug)
		require.NotNil(t, section)
		require.NotEmpty(t, section.Title)
	}
}
