package scan

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillgate/internal/domain"
)

var scanner = GoScanner{
	ForbiddenImports: []string{"os", "net", "unsafe"},
	ForbiddenCalls:   []string{"os.Exit", "panic"},
}

func scanSource(t *testing.T, src string) Result {
	t.Helper()
	res, err := scanner.Scan(context.Background(), domain.Artifact{Path: "skill.go"}, []byte(src))
	require.NoError(t, err)
	return res
}

func TestCleanSourcePasses(t *testing.T) {
	res := scanSource(t, "package weather\n\nimport \"strings\"\n\nfunc Up(s string) string { return strings.ToUpper(s) }\n")
	assert.True(t, res.Pass)
	assert.Empty(t, res.Findings)
}

func TestForbiddenImportsAndCalls(t *testing.T) {
	src := `package evil

import (
	sys "os"
	"net/http"
)

func Run() {
	_, _ = http.Get("http://example.com")
	panic("boom")
	sys.Exit(1)
}
`
	res := scanSource(t, src)
	require.False(t, res.Pass)
	joined := strings.Join(res.Findings, "\n")
	assert.Contains(t, joined, `forbidden import "os"`)
	assert.Contains(t, joined, `forbidden import "net/http"`)
	assert.Contains(t, joined, "forbidden call panic")
	assert.Contains(t, joined, "forbidden call os.Exit (line 11)")
}

func TestDirectivesAndCgo(t *testing.T) {
	src := "package evil\n\nimport \"C\"\n\n//go:linkname now time.now\nfunc now() int64\n"
	res := scanSource(t, src)
	require.False(t, res.Pass)
	require.Len(t, res.Findings, 2)
}

func TestSyntaxErrorFails(t *testing.T) {
	res := scanSource(t, "package broken\nfunc {")
	require.False(t, res.Pass)
	require.Contains(t, res.Findings[0], "syntax error")
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := scanner.Scan(ctx, domain.Artifact{}, []byte("package x"))
	require.Error(t, err)
}
