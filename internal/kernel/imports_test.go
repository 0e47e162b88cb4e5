package kernel

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// The commit phase may only reach the database driver and CPU-only
// primitives. This scan covers commit.go and every non-test file of the
// storage package, the full set of code reachable from a commit transaction.

var bannedImports = []string{
	"net/http",
	"net/smtp",
	"net/mail",
	"net/rpc",
	"os/exec",
	"io/ioutil",
	"github.com/redis/go-redis",
	"go.opentelemetry.io/",
	"github.com/testcontainers/",
	"github.com/joho/godotenv",
	"cloud.google.com/",
	"github.com/aws/",
}

// exactBans are single packages banned outright; prefix matching would be too
// broad ("os" vs "os/exec" is already listed, but "os" alone grants the
// filesystem).
var exactBans = []string{"os", "net"}

func commitPhaseFiles(t *testing.T) []string {
	t.Helper()

	files := []string{"commit.go"}

	storageDir := filepath.Join("..", "storage")
	entries, err := os.ReadDir(storageDir)
	require.NoError(t, err)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
			continue
		}
		files = append(files, filepath.Join(storageDir, name))
	}
	return files
}

func TestCommitPhaseImportsStayDatabaseOnly(t *testing.T) {
	fset := token.NewFileSet()

	for _, file := range commitPhaseFiles(t) {
		parsed, err := parser.ParseFile(fset, file, nil, parser.ImportsOnly)
		require.NoError(t, err, "parse %s", file)

		for _, imp := range parsed.Imports {
			path := strings.Trim(imp.Path.Value, `"`)
			for _, banned := range bannedImports {
				require.False(t, strings.HasPrefix(path, banned),
					"%s imports %s, which is banned in the commit phase", file, path)
			}
			for _, banned := range exactBans {
				require.NotEqual(t, banned, path,
					"%s imports %s, which is banned in the commit phase", file, path)
			}
		}
	}
}
