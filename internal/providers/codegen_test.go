package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFiles_ExtractsAndSanitizesPaths(t *testing.T) {
	text := `<files>
<file path="components/Card.tsx">
` + "```tsx\nexport const Card = () => <div/>\n```" + `
</file>
<file path="src/App.tsx">
export default App
</file>
</files>`

	files, err := ParseFiles(text)
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "src/components/Card.tsx", files[0].RelativePath)
	assert.Equal(t, "export const Card = () => <div/>", files[0].Contents)
	assert.Equal(t, "src/App.tsx", files[1].RelativePath)
}

func TestParseFiles_RejectsTraversalAndAbsolutePaths(t *testing.T) {
	text := `<file path="../../etc/passwd">evil</file><file path="/etc/passwd">evil</file><file path="src/Ok.tsx">fine</file>`
	files, err := ParseFiles(text)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "src/Ok.tsx", files[0].RelativePath)
}

func TestParseFiles_ZeroValidEntriesIsAnError(t *testing.T) {
	_, err := ParseFiles("no file blocks here")
	assert.ErrorIs(t, err, ErrNoFiles)
}

func TestParseFiles_ZeroValidEntriesAfterRejectionIsAnError(t *testing.T) {
	_, err := ParseFiles(`<file path="../escape">evil</file>`)
	assert.ErrorIs(t, err, ErrNoFiles)
}
