package worktree_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/in-the-loop-labs/pair-review/internal/worktree"
)

func TestNormalizeRemoteURL_EquivalentForms(t *testing.T) {
	forms := []string{
		"https://github.com/acme/widget",
		"https://github.com/acme/widget.git",
		"https://github.com/Acme/Widget.git",
		"git@github.com:acme/widget.git",
		"ssh://git@github.com/acme/widget",
		"git://github.com/acme/widget.git",
	}

	want := worktree.NormalizeRemoteURL(forms[0])
	assert.NotEmpty(t, want)
	for _, form := range forms[1:] {
		assert.Equal(t, want, worktree.NormalizeRemoteURL(form), "form %q", form)
	}
}

func TestNormalizeRemoteURL_DistinctRepos(t *testing.T) {
	a := worktree.NormalizeRemoteURL("https://github.com/acme/widget")
	b := worktree.NormalizeRemoteURL("https://github.com/acme/gadget")
	assert.NotEqual(t, a, b)
}

func TestNormalizeRemoteURL_Empty(t *testing.T) {
	assert.Equal(t, "", worktree.NormalizeRemoteURL(""))
	assert.Equal(t, "", worktree.NormalizeRemoteURL("   "))
}

func TestChangesFromDiff(t *testing.T) {
	unified := `diff --git a/main.go b/main.go
index 1111111..2222222 100644
--- a/main.go
+++ b/main.go
@@ -1,2 +1,3 @@
 package main
+// added
 func main() {}
diff --git a/docs/new.md b/docs/new.md
new file mode 100644
index 0000000..3333333
--- /dev/null
+++ b/docs/new.md
@@ -0,0 +1,1 @@
+hello
`

	changes := worktree.ChangesFromDiff(unified)
	if assert.Len(t, changes, 2) {
		assert.Equal(t, "main.go", changes[0].Path)
		assert.Equal(t, 1, changes[0].Additions)
		assert.Equal(t, 0, changes[0].Deletions)
		assert.Equal(t, "docs/new.md", changes[1].Path)
		assert.Equal(t, "added", changes[1].Status)
	}
}
