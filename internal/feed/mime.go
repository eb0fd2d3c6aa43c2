package feed

import (
	_ "embed"
	"net/url"
	"path"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed mime_types.toml
var mimeTypesTOML []byte

// MIMETable maps lowercase file extensions to MIME types.
type MIMETable struct {
	Default    string            `toml:"default"`
	Extensions map[string]string `toml:"extensions"`
}

var defaultMIMETable = mustLoadMIMETable()

func mustLoadMIMETable() *MIMETable {
	var table MIMETable
	if err := toml.Unmarshal(mimeTypesTOML, &table); err != nil {
		panic("feed: invalid embedded mime_types.toml: " + err.Error())
	}
	if table.Default == "" {
		table.Default = "application/octet-stream"
	}
	return &table
}

// Lookup returns the MIME type for the extension of fileURL. Unknown or
// missing extensions yield the default type.
func (t *MIMETable) Lookup(fileURL string) string {
	if mt, ok := t.Extensions[extension(fileURL)]; ok {
		return mt
	}
	return t.Default
}

// MIMEType looks fileURL up in the built-in table.
func MIMEType(fileURL string) string {
	return defaultMIMETable.Lookup(fileURL)
}

// extension extracts the lowercase extension without the dot, ignoring any
// query string or fragment.
func extension(fileURL string) string {
	p := fileURL
	if u, err := url.Parse(fileURL); err == nil {
		p = u.Path
	} else if idx := strings.IndexAny(p, "?#"); idx != -1 {
		p = p[:idx]
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}
