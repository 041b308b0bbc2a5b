package tools

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

const (
	maxFileBytes   = 100 << 10
	maxListEntries = 200
)

// ErrOutsideWorkspace is returned for any path that resolves outside the
// workspace root.
var ErrOutsideWorkspace = errors.New("path escapes workspace")

type ReadFileInput struct {
	Path string `json:"path"`
}

type ReadFileOutput struct {
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

type WriteFileInput struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type WriteFileOutput struct {
	Written bool   `json:"written"`
	Path    string `json:"path"`
	Size    int    `json:"size"`
}

type ListDirectoryInput struct {
	Path string `json:"path"`
}

type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

type ListDirectoryOutput struct {
	Entries []DirEntry `json:"entries"`
	Path    string     `json:"path"`
	// Truncated is set when the directory held more than 200 entries.
	Truncated bool `json:"truncated,omitempty"`
}

type EditFileInput struct {
	Path    string `json:"path"`
	OldText string `json:"old_text"`
	NewText string `json:"new_text"`
}

type EditFileOutput struct {
	Edited bool   `json:"edited"`
	Path   string `json:"path"`
}

// Workspace confines the file tools to Root. Reads go through os.Root;
// writes resolve symlinks on the parent so a link cannot lead outside.
type Workspace struct {
	Root string
}

func (w Workspace) root() (string, error) {
	if strings.TrimSpace(w.Root) == "" {
		return "", errors.New("workspace not configured")
	}
	abs, err := filepath.Abs(w.Root)
	if err != nil {
		return "", fmt.Errorf("resolve workspace: %w", err)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	}
	return abs, nil
}

// Resolve maps a workspace-relative path, or an absolute one inside the
// root, to an absolute path.
func (w Workspace) Resolve(p string) (string, error) {
	root, err := w.root()
	if err != nil {
		return "", err
	}
	if p == "" {
		p = "."
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if p == root {
		return root, nil
	}
	dir := filepath.Dir(p)
	if real, err := filepath.EvalSymlinks(dir); err == nil {
		dir = real
	}
	resolved := filepath.Join(dir, filepath.Base(p))
	if !inside(root, resolved) {
		return "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
	}
	return resolved, nil
}

func inside(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// open resolves p and opens it through an os.Root, which also refuses
// symlinks in the final element that point outside.
func (w Workspace) open(p string) (*os.File, string, error) {
	resolved, err := w.Resolve(p)
	if err != nil {
		return nil, "", err
	}
	root, _ := w.root()
	r, err := os.OpenRoot(root)
	if err != nil {
		return nil, "", fmt.Errorf("open workspace: %w", err)
	}
	defer r.Close()
	rel, _ := filepath.Rel(root, resolved)
	f, err := r.Open(rel)
	if err != nil {
		if strings.Contains(err.Error(), "escapes") {
			return nil, "", fmt.Errorf("%w: %s", ErrOutsideWorkspace, p)
		}
		return nil, "", err
	}
	return f, rel, nil
}

func (w Workspace) ReadFile(in ReadFileInput) (ReadFileOutput, error) {
	f, _, err := w.open(in.Path)
	if err != nil {
		return ReadFileOutput{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ReadFileOutput{}, fmt.Errorf("stat: %w", err)
	}
	if info.IsDir() {
		return ReadFileOutput{}, errors.New("path is a directory, use list_directory instead")
	}
	if info.Size() > maxFileBytes {
		return ReadFileOutput{}, fmt.Errorf("file too large: %d bytes (max %d)", info.Size(), maxFileBytes)
	}
	data, err := io.ReadAll(io.LimitReader(f, maxFileBytes))
	if err != nil {
		return ReadFileOutput{}, fmt.Errorf("read: %w", err)
	}
	return ReadFileOutput{Content: string(data), Size: int64(len(data))}, nil
}

// ListDirectory lists directories first, then files, each by name.
func (w Workspace) ListDirectory(in ListDirectoryInput) (ListDirectoryOutput, error) {
	f, rel, err := w.open(in.Path)
	if err != nil {
		return ListDirectoryOutput{}, err
	}
	defer f.Close()
	entries, err := f.ReadDir(-1)
	if err != nil {
		return ListDirectoryOutput{}, fmt.Errorf("read dir: %w", err)
	}
	slices.SortFunc(entries, func(a, b os.DirEntry) int {
		if a.IsDir() != b.IsDir() {
			if a.IsDir() {
				return -1
			}
			return 1
		}
		return cmp.Compare(a.Name(), b.Name())
	})
	out := ListDirectoryOutput{Entries: []DirEntry{}, Path: rel}
	if len(entries) > maxListEntries {
		entries, out.Truncated = entries[:maxListEntries], true
	}
	for _, e := range entries {
		d := DirEntry{Name: e.Name(), IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			d.Size = info.Size()
		}
		out.Entries = append(out.Entries, d)
	}
	return out, nil
}

func (w Workspace) WriteFile(in WriteFileInput) (WriteFileOutput, error) {
	resolved, err := w.Resolve(in.Path)
	if err != nil {
		return WriteFileOutput{}, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return WriteFileOutput{}, fmt.Errorf("mkdir: %w", err)
	}
	if err := replaceFile(resolved, []byte(in.Content)); err != nil {
		return WriteFileOutput{}, err
	}
	return WriteFileOutput{Written: true, Path: w.rel(resolved), Size: len(in.Content)}, nil
}

func (w Workspace) EditFile(in EditFileInput) (EditFileOutput, error) {
	if in.OldText == "" {
		return EditFileOutput{}, errors.New("old_text is required")
	}
	cur, err := w.ReadFile(ReadFileInput{Path: in.Path})
	if err != nil {
		return EditFileOutput{}, err
	}
	switch n := strings.Count(cur.Content, in.OldText); n {
	case 0:
		return EditFileOutput{}, errors.New("old_text not found in file")
	case 1:
	default:
		return EditFileOutput{}, fmt.Errorf("old_text appears %d times (must be unique)", n)
	}
	resolved, err := w.Resolve(in.Path)
	if err != nil {
		return EditFileOutput{}, err
	}
	if err := replaceFile(resolved, []byte(strings.Replace(cur.Content, in.OldText, in.NewText, 1))); err != nil {
		return EditFileOutput{}, err
	}
	return EditFileOutput{Edited: true, Path: w.rel(resolved)}, nil
}

func (w Workspace) rel(p string) string {
	root, err := w.root()
	if err != nil {
		return p
	}
	if r, err := filepath.Rel(root, p); err == nil {
		return r
	}
	return p
}

// replaceFile writes data beside path and renames it into place.
func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	_, werr := tmp.Write(data)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Chmod(tmp.Name(), 0o644)
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), path)
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), werr)
	}
	return nil
}

func defineTool[I, O any](g *genkit.Genkit, name, desc string, fn func(I) (O, error)) ai.Tool {
	return genkit.DefineTool(g, name, desc, func(_ *ai.ToolContext, in I) (O, error) { return fn(in) })
}

func registerFileTools(g *genkit.Genkit, reg *Registry) []ai.ToolRef {
	ws := Workspace{Root: reg.Workspace}
	return []ai.ToolRef{
		defineTool(g, ToolReadFile, "Read a text file from the agent workspace. Paths are relative to the workspace root. Files over 100KB are refused.", ws.ReadFile),
		defineTool(g, ToolWriteFile, "Create or overwrite a file in the agent workspace. Parent directories are created as needed.", ws.WriteFile),
		defineTool(g, ToolListDirectory, "List a workspace directory, directories first. Returns at most 200 entries.", ws.ListDirectory),
		defineTool(g, ToolEditFile, "Replace old_text with new_text in a workspace file. old_text must occur exactly once.", ws.EditFile),
	}
}
