package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"quorum/internal/domain"
)

var kindByExt = map[string]domain.DocumentKind{
	".txt": domain.KindText, ".text": domain.KindText,
	".md": domain.KindMarkdown, ".markdown": domain.KindMarkdown,
	".py": domain.KindPython,
	".js": domain.KindJavaScript, ".jsx": domain.KindJavaScript, ".ts": domain.KindJavaScript, ".tsx": domain.KindJavaScript,
	".json": domain.KindJSON,
	".csv":  domain.KindCSV,
	".xml":  domain.KindXML,
	".html": domain.KindHTML, ".htm": domain.KindHTML,
	".css": domain.KindCSS, ".scss": domain.KindCSS, ".sass": domain.KindCSS,
	".java": domain.KindCode, ".c": domain.KindCode, ".cpp": domain.KindCode, ".h": domain.KindCode,
	".cs": domain.KindCode, ".go": domain.KindCode, ".rs": domain.KindCode, ".php": domain.KindCode,
	".rb": domain.KindCode, ".swift": domain.KindCode, ".kt": domain.KindCode,
	".yaml": domain.KindConfig, ".yml": domain.KindConfig, ".toml": domain.KindConfig,
	".ini": domain.KindConfig, ".conf": domain.KindConfig, ".cfg": domain.KindConfig,
	".sh": domain.KindShell, ".bash": domain.KindShell, ".zsh": domain.KindShell, ".fish": domain.KindShell,
	".sql": domain.KindSQL,
	".log": domain.KindLog,
}

// KindOf classifies path by its extension, case-insensitively.
func KindOf(path string) domain.DocumentKind {
	if k, ok := kindByExt[strings.ToLower(filepath.Ext(path))]; ok {
		return k
	}
	return domain.KindUnknown
}

// TextSource reads plain-text files. Bytes that are not valid UTF-8 are
// decoded as Latin-1.
type TextSource struct{}

// ExtractText returns the trimmed content of path.
func (TextSource) ExtractText(path string) (string, error) {
	if KindOf(path) == domain.KindUnknown {
		return "", fmt.Errorf("%w: %q", domain.ErrUnsupportedType, filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrExtractionFailed, err)
	}
	if utf8.Valid(data) {
		return strings.TrimSpace(string(data)), nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrExtractionFailed, err)
	}
	return strings.TrimSpace(string(decoded)), nil
}
