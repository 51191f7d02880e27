package gates

import (
	"context"
	"errors"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/buildfix/internal/types"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("build tool fakes are shell scripts")
	}
}

// shellVerifier returns a verifier whose build tool is the given script.
// The scope is passed to the script as $1.
func shellVerifier(t *testing.T, script string, mutate ...func(*Config)) *Verifier {
	t.Helper()
	requireShell(t)
	cfg := DefaultConfig("/bin/sh", "-c", script, "sh", TargetPlaceholder)
	cfg.WorkingDir = t.TempDir()
	for _, m := range mutate {
		m(cfg)
	}
	v, err := NewVerifier(cfg)
	require.NoError(t, err)
	return v
}

func TestNewVerifier_Validation(t *testing.T) {
	_, err := NewVerifier(&Config{})
	assert.Error(t, err)
	_, err = NewVerifier(&Config{Command: []string{"true"}, Timeout: -1})
	assert.Error(t, err)
	_, err = NewVerifier(&Config{Command: []string{"true"}, MaxBuildsPerMinute: -1})
	assert.Error(t, err)

	v, err := NewVerifier(&Config{Command: []string{"true"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultTimeout, v.timeout)
	assert.Equal(t, []int{1}, v.exitCodes)
	assert.Equal(t, "msbuild", v.parser.Name())
}

func TestVerify_Clean(t *testing.T) {
	v := shellVerifier(t, `echo "Build succeeded."; exit 0`)
	set, err := v.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, set)
}

func TestVerify_CompiledWithDiagnostics(t *testing.T) {
	v := shellVerifier(t, `
echo "A.cs(10,5): error CS0101: The namespace 'N' already contains a definition for 'Foo' [app.csproj]"
echo "A.cs(10,5): error CS0101: The namespace 'N' already contains a definition for 'Foo' [app.csproj]"
echo "B.cs(3,1): warning CS0168: The variable 'e' is declared but never used [app.csproj]"
echo "Build FAILED."
exit 1`)

	set, err := v.Verify(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, set, 3)
	assert.Equal(t, 1, set.Count(), "duplicates collapse and warnings are not counted")
	assert.Equal(t, types.Diagnostic{
		Code: "CS0101", File: "A.cs", Line: 10, Column: 5,
		Message:  "The namespace 'N' already contains a definition for 'Foo'",
		Severity: types.SeverityError, Target: "app.csproj",
	}, set[0])
}

func TestVerify_ScopeIsPassedAndAttributed(t *testing.T) {
	v := shellVerifier(t, `echo "a.c:1:2: error: scope=$1"; exit 1`, func(c *Config) {
		p, err := NewParser("gcc", "")
		require.NoError(t, err)
		c.Parser = p
	})
	set, err := v.Verify(context.Background(), "lib.mk")
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, "scope=lib.mk", set[0].Message)
	assert.Equal(t, "lib.mk", set[0].Target)
}

func TestVerify_MultiTargetScopeIsTheProject(t *testing.T) {
	v := shellVerifier(t, `
[ "$1" = /src/app.csproj ] || { echo "MSBUILD : error MSB1009: Project file does not exist. Switch: $1"; exit 1; }
echo "A.cs(3,5): error CS0111: Type 'C' already defines a member called 'Foo' [$1::TargetFramework=net8.0]"
echo "A.cs(3,5): error CS0111: Type 'C' already defines a member called 'Foo' [$1::TargetFramework=net6.0]"
exit 1`)

	set, err := v.Verify(context.Background(), "/src/app.csproj::TargetFramework=net8.0")
	require.NoError(t, err)
	require.Len(t, set, 2)
	assert.Equal(t, "/src/app.csproj", set[0].Target, "the build ran with the project path only")
	assert.Equal(t, 1, set.ForTarget("/src/app.csproj").Count())
}

func TestVerify_InfrastructureFailures(t *testing.T) {
	tests := []struct {
		name   string
		script string
		cfg    func(*Config)
	}{
		{"crash exit code", `echo "MSBUILD : error MSB1009: Project file does not exist."; exit 137`, nil},
		{"diagnostic exit without parsable errors", `echo "something went wrong"; exit 1`, nil},
		{"timeout", `sleep 5`, func(c *Config) { c.Timeout = 100 * time.Millisecond }},
		{"unlisted exit code", `echo "A.cs(1,1): error CS1002: ; expected"; exit 2`, nil},
		{"overlong output line", `echo "A.cs(1,1): error CS1002: ; expected"; head -c 1100000 /dev/zero | tr '\0' x; echo; exit 1`, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mut []func(*Config)
			if tt.cfg != nil {
				mut = append(mut, tt.cfg)
			}
			v := shellVerifier(t, tt.script, mut...)
			set, err := v.Verify(context.Background(), "")
			require.Error(t, err)
			assert.ErrorIs(t, err, types.ErrBuildInfrastructure)
			assert.Nil(t, set, "infrastructure failures never carry diagnostics")
		})
	}
}

func TestVerify_CustomExitCodes(t *testing.T) {
	v := shellVerifier(t, `echo "A.cs(1,1): error CS1002: ; expected"; exit 2`, func(c *Config) {
		c.DiagnosticExitCodes = []int{1, 2}
	})
	set, err := v.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, set.Count())
}

func TestVerify_MissingTool(t *testing.T) {
	v, err := NewVerifier(&Config{Command: []string{filepath.Join(t.TempDir(), "no-such-tool")}})
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrBuildInfrastructure)
}

func TestVerify_CallerCancelIsNotInfrastructure(t *testing.T) {
	v := shellVerifier(t, `sleep 5`)
	cause := errors.New("session cancelled")
	ctx, cancel := context.WithCancelCause(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel(cause)
	}()
	_, err := v.Verify(ctx, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, types.ErrBuildInfrastructure)
}

func TestVerify_RelativizesAbsolutePaths(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	abs := filepath.Join(dir, "src", "A.cs")
	cfg := DefaultConfig("/bin/sh", "-c", `echo "$0(2,3): error CS0246: missing 'X'"; exit 1`, abs)
	cfg.WorkingDir = dir
	v, err := NewVerifier(cfg)
	require.NoError(t, err)

	set, err := v.Verify(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, set, 1)
	assert.Equal(t, "src/A.cs", set[0].File)
}

func TestVerify_RateLimited(t *testing.T) {
	v := shellVerifier(t, `exit 0`, func(c *Config) { c.MaxBuildsPerMinute = 600 })
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := v.Verify(context.Background(), "")
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "600/min allows one build per 100ms")
}

func TestArgv(t *testing.T) {
	v := &Verifier{command: []string{"dotnet", "build", TargetPlaceholder, "-p:Proj={target}"}}
	assert.Equal(t, []string{"dotnet", "build", "-p:Proj="}, v.argv(""))
	assert.Equal(t, []string{"dotnet", "build", "app.csproj", "-p:Proj=app.csproj"}, v.argv("app.csproj"))
}
