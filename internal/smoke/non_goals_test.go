package smoke

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

var bannedAuthModules = []string{
	strings.Join([]string{"github.com/", "golang-", "jwt/"}, ""),
	strings.Join([]string{"golang.org/x/", "oauth2"}, ""),
	strings.Join([]string{"github.com/", "coreos/", "go-oidc"}, ""),
	strings.Join([]string{"github.com/", "casbin/"}, ""),
}

// requiredModules lists the module paths named by require directives in a
// go.mod file, direct and indirect.
func requiredModules(gomod string) []string {
	var mods []string
	inBlock := false
	for _, line := range strings.Split(gomod, "\n") {
		if i := strings.Index(line, "//"); i >= 0 {
			line = line[:i]
		}
		fields := strings.Fields(line)
		switch {
		case len(fields) == 0:
		case inBlock && fields[0] == ")":
			inBlock = false
		case inBlock:
			mods = append(mods, fields[0])
		case fields[0] == "require" && len(fields) >= 2 && fields[1] == "(":
			inBlock = true
		case fields[0] == "require" && len(fields) >= 3:
			mods = append(mods, fields[1])
		}
	}
	return mods
}

// bannedPath reports the banned module that path belongs to, if any.
func bannedPath(path string) (string, bool) {
	path = strings.ToLower(strings.TrimSpace(path))
	for _, b := range bannedAuthModules {
		b = strings.TrimSuffix(strings.ToLower(b), "/")
		if path == b || strings.HasPrefix(path, b+"/") {
			return b, true
		}
	}
	return "", false
}

// fleetd trusts its network boundary; credential handling belongs to a proxy
// in front of it, so auth libraries must not creep into the build. go.sum is
// not consulted: it records checksums for the whole module graph, including
// modules the build never compiles.
func TestSmoke_NoAuthenticationImports(t *testing.T) {
	root := moduleRoot(t)

	b, err := os.ReadFile(filepath.Join(root, "go.mod"))
	if err != nil {
		t.Fatalf("read go.mod: %v", err)
	}
	for _, mod := range requiredModules(string(b)) {
		if s, ok := bannedPath(mod); ok {
			t.Fatalf("go.mod requires banned auth module %q (%s)", mod, s)
		}
	}

	cmd := exec.Command("go", "list", "-deps", "-f", "{{.ImportPath}}", "./...")
	cmd.Dir = root
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		t.Fatalf("go list -deps failed: %v\n%s", err, buf.String())
	}
	for _, pkg := range strings.Split(buf.String(), "\n") {
		if s, ok := bannedPath(pkg); ok {
			t.Fatalf("package %q from banned auth module %s is in the build", pkg, s)
		}
	}
}

func TestRequiredModules_IgnoresChecksumsAndComments(t *testing.T) {
	oauth := bannedAuthModules[1]
	gomod := strings.Join([]string{
		"module example.com/fleet",
		"",
		"go 1.24.1",
		"",
		"require github.com/spf13/pflag v1.0.10",
		"",
		"require (",
		"\tgithub.com/coder/websocket v1.8.14",
		"\tgolang.org/x/net v0.49.0 // indirect; pulls " + oauth + " into go.sum",
		")",
		"",
		"// " + oauth + " v0.30.0/go.mod h1:abc=",
	}, "\n")

	mods := requiredModules(gomod)
	want := []string{"github.com/spf13/pflag", "github.com/coder/websocket", "golang.org/x/net"}
	if strings.Join(mods, ",") != strings.Join(want, ",") {
		t.Fatalf("requiredModules = %v, want %v", mods, want)
	}
	for _, m := range mods {
		if _, ok := bannedPath(m); ok {
			t.Fatalf("%q flagged as banned", m)
		}
	}
}

func TestRequiredModules_FlagsRequiredAuthModule(t *testing.T) {
	jwt := bannedAuthModules[0] + "v5"
	gomod := "module example.com/fleet\n\nrequire (\n\t" + jwt + " v5.2.1\n)\n"

	mods := requiredModules(gomod)
	if len(mods) != 1 || mods[0] != jwt {
		t.Fatalf("requiredModules = %v", mods)
	}
	if _, ok := bannedPath(mods[0]); !ok {
		t.Fatalf("%q should be flagged", mods[0])
	}
	if _, ok := bannedPath(bannedAuthModules[1] + "extra"); ok {
		t.Fatal("prefix without a path boundary should not match")
	}
	if _, ok := bannedPath(bannedAuthModules[1] + "/google"); !ok {
		t.Fatal("subpackage of a banned module should match")
	}
}
