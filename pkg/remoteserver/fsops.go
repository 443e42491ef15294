package remoteserver

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/chtangwin/nanobot/internal/lcsdiff"
	"github.com/chtangwin/nanobot/pkg/nberrors"
	"github.com/chtangwin/nanobot/pkg/rpc"
)

// fsService implements the filesystem half of C4: read_file, read_bytes,
// write_file, edit_file, list_dir.
type fsService struct{}

func (fsService) readFile(path string) (rpc.ReadFileResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rpc.ReadFileResponse{}, nberrors.New(nberrors.KindOperation, "read_file", "", err)
	}
	// decode errors yield replacement characters rather than failing.
	content := strings.ToValidUTF8(string(data), string(utf8.RuneError))
	return rpc.ReadFileResponse{Content: content}, nil
}

func (fsService) readBytes(path string) (rpc.ReadBytesResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rpc.ReadBytesResponse{}, nberrors.New(nberrors.KindOperation, "read_bytes", "", err)
	}
	return rpc.ReadBytesResponse{
		Content: base64.StdEncoding.EncodeToString(data),
		Size:    int64(len(data)),
	}, nil
}

func (fsService) writeFile(path, content string) (rpc.WriteFileResponse, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return rpc.WriteFileResponse{}, nberrors.New(nberrors.KindResource, "write_file", "", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return rpc.WriteFileResponse{}, nberrors.New(nberrors.KindOperation, "write_file", "", err)
	}
	return rpc.WriteFileResponse{Bytes: len(content), Path: path}, nil
}

func (fsService) listDir(path string) (rpc.ListDirResponse, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return rpc.ListDirResponse{}, nberrors.New(nberrors.KindOperation, "list_dir", "", err)
	}
	out := make([]rpc.DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, rpc.DirEntry{Name: e.Name(), IsDir: e.IsDir()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return rpc.ListDirResponse{Entries: out}, nil
}

// editSimilarityThreshold is the spec's "best score > 0.5" cutoff for
// offering a fuzzy-match diff instead of a flat not-found error.
const editSimilarityThreshold = 0.5

// editFile implements spec §4.4's edit_file semantics exactly: exact
// single-occurrence replacement, multi-match refusal with a count, and an
// LCS-similarity fuzzy-match diff when old_text isn't found at all.
func (fsService) editFile(path, oldText, newText string) (rpc.EditFileResponse, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return rpc.EditFileResponse{}, nberrors.New(nberrors.KindOperation, "edit_file", "", err)
	}
	content := string(data)

	count := strings.Count(content, oldText)
	switch {
	case count == 0:
		return rpc.EditFileResponse{}, notFoundWithFuzzyMatch(path, content, oldText)
	case count > 1:
		return rpc.EditFileResponse{}, nberrors.New(nberrors.KindOperation, "edit_file", "", fmt.Errorf("old_text appears %d times. Please provide more context", count))
	}

	updated := strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return rpc.EditFileResponse{}, nberrors.New(nberrors.KindOperation, "edit_file", "", err)
	}
	return rpc.EditFileResponse{Success: true}, nil
}

func notFoundWithFuzzyMatch(path, content, oldText string) error {
	fileLines := strings.Split(content, "\n")
	needleLines := strings.Split(oldText, "\n")

	start, ratio := lcsdiff.BestWindowMatch(needleLines, fileLines)
	if ratio <= editSimilarityThreshold {
		return nberrors.New(nberrors.KindOperation, "edit_file", "", fmt.Errorf("old_text not found in %s", path))
	}

	win := len(needleLines)
	if start+win > len(fileLines) {
		win = len(fileLines) - start
	}
	candidate := fileLines[start : start+win]
	diff := lcsdiff.UnifiedDiff(candidate, needleLines, start+1)
	return nberrors.New(nberrors.KindOperation, "edit_file", "",
		fmt.Errorf("old_text not found in %s. Best match (%.0f%%) at line %d:\n%s", path, ratio*100, start+1, diff))
}
